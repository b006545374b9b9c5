package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"procbridge/message"
	"procbridge/metrics"
	"procbridge/middleware"
	"procbridge/protocol"
	"procbridge/registry"
	"procbridge/transport"
)

var limits = protocol.DefaultLimits()

func echo(ctx context.Context, api string, body message.Body) (message.Body, error) {
	return body, nil
}

// startServer starts handler on an ephemeral loopback port.
func startServer(t *testing.T, handler middleware.HandlerFunc) *Server {
	t.Helper()
	svr := NewServer("127.0.0.1", 0, handler)
	if err := svr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { svr.Stop() })
	return svr
}

// exchange sends raw bytes on a fresh connection and reads one response.
func exchange(t *testing.T, addr string, raw []byte) (*message.Response, error) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	return transport.ReadResponse(conn, limits)
}

func call(t *testing.T, addr, api string, body message.Body) *message.Response {
	t.Helper()
	raw, err := protocol.Marshal(message.StatusRequest, (&message.Request{API: api, Body: body}).Payload(), limits)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := exchange(t, addr, raw)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	return resp
}

func TestServerEcho(t *testing.T) {
	svr := startServer(t, echo)

	resp := call(t, svr.Addr().String(), "echo", message.Body{"id": "a-1"})
	if resp.Status != message.StatusGoodResponse || resp.Body["id"] != "a-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServerHandlerError(t *testing.T) {
	svr := startServer(t, func(ctx context.Context, api string, body message.Body) (message.Body, error) {
		return nil, errors.New("unknown api")
	})

	resp := call(t, svr.Addr().String(), "bogus", nil)
	if resp.Status != message.StatusBadResponse || resp.Msg != "unknown api" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServerNilResult(t *testing.T) {
	svr := startServer(t, func(ctx context.Context, api string, body message.Body) (message.Body, error) {
		return nil, nil
	})

	resp := call(t, svr.Addr().String(), "noop", nil)
	if resp.Status != message.StatusGoodResponse || resp.Body == nil || len(resp.Body) != 0 {
		t.Fatalf("expect empty good response, got %+v", resp)
	}
}

func TestServerPanicBecomesBadResponse(t *testing.T) {
	svr := startServer(t, func(ctx context.Context, api string, body message.Body) (message.Body, error) {
		panic("boom")
	})

	resp := call(t, svr.Addr().String(), "explode", nil)
	if resp.Status != message.StatusBadResponse || resp.Msg != "panic: boom" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// server keeps serving after a panic
	resp = call(t, svr.Addr().String(), "explode", nil)
	if resp.Status != message.StatusBadResponse {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServerUnencodableResult(t *testing.T) {
	svr := startServer(t, func(ctx context.Context, api string, body message.Body) (message.Body, error) {
		return message.Body{"ch": make(chan int)}, nil
	})

	resp := call(t, svr.Addr().String(), "weird", nil)
	if resp.Status != message.StatusBadResponse || resp.Msg == "" {
		t.Fatalf("expect bad response describing the encode failure, got %+v", resp)
	}
}

func TestServerDropsUndecodableRequests(t *testing.T) {
	m := metrics.New(nil)
	svr := NewServer("127.0.0.1", 0, echo)
	svr.SetMetrics(m)
	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}
	defer svr.Stop()
	addr := svr.Addr().String()

	good, _ := protocol.Marshal(message.StatusRequest, map[string]any{"api": "echo"}, limits)
	goodResponse, _ := protocol.Marshal(message.StatusGoodResponse, map[string]any{"body": map[string]any{}}, limits)
	badVersion := append([]byte{}, good...)
	badVersion[2] = 0x02

	cases := []struct {
		name   string
		raw    []byte
		reason string
	}{
		{"bad magic", append([]byte("GET / HTTP/1.1\r\n"), good...), "malformed_data"},
		{"bad version", badVersion, "incompatible_version"},
		{"truncated", good[:len(good)-3], "malformed_data"},
		{"response status", goodResponse, "invalid_status_code"},
		{"missing api", mustFrame(t, map[string]any{"body": map[string]any{}}), "malformed_data"},
		{"oversize length", header(message.StatusRequest, 0xFFFFFFFF), "payload_too_large"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := testutil.ToFloat64(m.DecodeFailures.WithLabelValues(tc.reason))

			conn, err := net.Dial("tcp", addr)
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			conn.Write(tc.raw)
			if cw, ok := conn.(*net.TCPConn); ok {
				cw.CloseWrite()
			}

			// The server closes without writing anything. Unread request bytes
			// may turn the close into a reset, so only the byte count matters.
			n, err := io.Copy(io.Discard, conn)
			if n != 0 {
				t.Fatalf("expect close with no response, got %d bytes", n)
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("server kept the connection open")
			}
			if got := testutil.ToFloat64(m.DecodeFailures.WithLabelValues(tc.reason)); got != before+1 {
				t.Fatalf("expect %s failure counted, got %v -> %v", tc.reason, before, got)
			}
		})
	}

	// still healthy
	if resp := call(t, addr, "echo", nil); resp.Status != message.StatusGoodResponse {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

// header returns a frame header announcing length payload bytes.
func header(status message.StatusCode, length uint32) []byte {
	b := []byte{protocol.MagicByte1, protocol.MagicByte2, protocol.VersionMajor, protocol.VersionMinor, byte(status), 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[7:], length)
	return b
}

func mustFrame(t *testing.T, payload map[string]any) []byte {
	t.Helper()
	raw, err := protocol.Marshal(message.StatusRequest, payload, limits)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestServerStartStopIdempotent(t *testing.T) {
	svr := NewServer("127.0.0.1", 0, echo)
	if svr.Started() || svr.Addr() != nil {
		t.Fatal("new server must not be listening")
	}
	if err := svr.Stop(); err != nil {
		t.Fatalf("Stop before Start must be a no-op, got %v", err)
	}

	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}
	addr := svr.Addr().String()
	if err := svr.Start(); err != nil {
		t.Fatalf("second Start must be a no-op, got %v", err)
	}
	if svr.Addr().String() != addr {
		t.Fatalf("second Start rebound: %s -> %s", addr, svr.Addr())
	}

	if err := svr.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := svr.Stop(); err != nil {
		t.Fatalf("second Stop must be a no-op, got %v", err)
	}
	if svr.Started() {
		t.Fatal("stopped server reports started")
	}
	if _, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Fatal("expect connection refused after Stop")
	}
}

func TestServerRestart(t *testing.T) {
	svr := startServer(t, echo)
	port := svr.Addr().(*net.TCPAddr).Port
	svr.Stop()

	// Restart on the same fixed port.
	svr2 := NewServer("127.0.0.1", port, echo)
	if err := svr2.Start(); err != nil {
		t.Fatalf("restart on port %d failed: %v", port, err)
	}
	defer svr2.Stop()

	if resp := call(t, svr2.Addr().String(), "echo", message.Body{"n": 1.0}); resp.Body["n"] != json.Number("1") {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// The original server object can start again too.
	svr2.Stop()
	if err := svr.Start(); err != nil {
		t.Fatalf("Start after Stop failed: %v", err)
	}
	if resp := call(t, svr.Addr().String(), "echo", nil); resp.Status != message.StatusGoodResponse {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServerListenError(t *testing.T) {
	busy := startServer(t, echo)
	port := busy.Addr().(*net.TCPAddr).Port

	svr := NewServer("127.0.0.1", port, echo)
	if err := svr.Start(); err == nil {
		svr.Stop()
		t.Fatal("expect bind error on a busy port")
	}
	if svr.Started() {
		t.Fatal("failed Start must leave the server unstarted")
	}
}

func TestServerConcurrentRequests(t *testing.T) {
	svr := startServer(t, func(ctx context.Context, api string, body message.Body) (message.Body, error) {
		time.Sleep(10 * time.Millisecond)
		return body, nil
	})
	addr := svr.Addr().String()

	const n = 50
	var wg sync.WaitGroup
	errc := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("req-%d", i)
			raw, _ := protocol.Marshal(message.StatusRequest, (&message.Request{API: "echo", Body: message.Body{"id": id}}).Payload(), limits)
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				errc <- err
				return
			}
			defer conn.Close()
			conn.Write(raw)
			resp, err := transport.ReadResponse(conn, limits)
			if err != nil {
				errc <- err
				return
			}
			if resp.Body["id"] != id {
				errc <- fmt.Errorf("expect id %s, got %v", id, resp.Body["id"])
			}
		}(i)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		t.Error(err)
	}
}

func TestServerStopDoesNotWait(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	svr := startServer(t, func(ctx context.Context, api string, body message.Body) (message.Body, error) {
		close(entered)
		<-release
		return message.Body{"done": true}, nil
	})
	addr := svr.Addr().String()
	frame := mustFrame(t, map[string]any{"api": "slow"})

	respc := make(chan *message.Response, 1)
	go func() {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			respc <- nil
			return
		}
		defer conn.Close()
		conn.Write(frame)
		resp, _ := transport.ReadResponse(conn, limits)
		respc <- resp
	}()

	<-entered
	stopped := make(chan struct{})
	go func() {
		svr.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an in-flight request")
	}

	// The in-flight request still completes.
	close(release)
	resp := <-respc
	if resp == nil || resp.Body["done"] != true {
		t.Fatalf("in-flight request lost: %+v", resp)
	}
}

func TestServerShutdownWaits(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	svr := startServer(t, func(ctx context.Context, api string, body message.Body) (message.Body, error) {
		close(entered)
		<-release
		return nil, nil
	})
	addr := svr.Addr().String()
	frame := mustFrame(t, map[string]any{"api": "slow"})

	go func() {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(frame)
		transport.ReadResponse(conn, limits)
	}()
	<-entered

	if err := svr.Shutdown(50 * time.Millisecond); err == nil {
		t.Fatal("expect Shutdown to time out while a request is in flight")
	}
	close(release)
	if err := svr.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown after release failed: %v", err)
	}
}

// blockingServer starts a server whose "slow" api parks until release
// closes. entered receives once per slow request that reached the handler.
func blockingServer(t *testing.T) (svr *Server, entered chan struct{}, release chan struct{}) {
	t.Helper()
	entered = make(chan struct{}, 16)
	release = make(chan struct{})
	svr = startServer(t, func(ctx context.Context, api string, body message.Body) (message.Body, error) {
		if api == "slow" {
			entered <- struct{}{}
			<-release
		}
		return body, nil
	})
	return svr, entered, release
}

func sendAsync(addr string, frame []byte) {
	go func() {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(frame)
		transport.ReadResponse(conn, limits)
	}()
}

func TestServerRestartAfterTimedOutShutdown(t *testing.T) {
	svr, entered, release := blockingServer(t)
	defer close(release)
	frame := mustFrame(t, map[string]any{"api": "slow"})

	sendAsync(svr.Addr().String(), frame)
	<-entered
	if err := svr.Shutdown(20 * time.Millisecond); err == nil {
		t.Fatal("expect Shutdown to time out while a request is in flight")
	}

	// The old request is still parked. A new run counts only its own
	// connections, so its Shutdown does not wait for the old one.
	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}
	if resp := call(t, svr.Addr().String(), "quick", nil); resp.Status != message.StatusGoodResponse {
		t.Fatalf("unexpected response %+v", resp)
	}
	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatalf("second run's Shutdown waited on the first run: %v", err)
	}
}

func TestServerShutdownDuringAccepts(t *testing.T) {
	svr := startServer(t, echo)
	addr := svr.Addr().String()
	frame := mustFrame(t, map[string]any{"api": "echo"})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn, err := net.Dial("tcp", addr)
				if err != nil {
					continue
				}
				conn.Write(frame)
				transport.ReadResponse(conn, limits)
				conn.Close()
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	if err := svr.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown under load failed: %v", err)
	}
	close(stop)
	wg.Wait()
}

// flakyRegistry fails every Deregister.
type flakyRegistry struct {
	*registry.MemoryRegistry
}

var errDeregister = errors.New("etcd unavailable")

func (flakyRegistry) Deregister(ctx context.Context, serviceName, addr string) error {
	return errDeregister
}

func TestServerShutdownWaitsDespiteDeregisterError(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	finished := make(chan struct{})
	svr := NewServer("127.0.0.1", 0, func(ctx context.Context, api string, body message.Body) (message.Body, error) {
		close(entered)
		<-release
		close(finished)
		return nil, nil
	})
	svr.SetRegistry(flakyRegistry{registry.NewMemoryRegistry()}, "calc", "", 10)
	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}
	sendAsync(svr.Addr().String(), mustFrame(t, map[string]any{"api": "slow"}))
	<-entered

	time.AfterFunc(50*time.Millisecond, func() { close(release) })
	err := svr.Shutdown(2 * time.Second)
	if !errors.Is(err, errDeregister) {
		t.Fatalf("expect deregister error, got %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("Shutdown returned before the in-flight request finished")
	}
}

func TestServerMiddlewareAndMetrics(t *testing.T) {
	m := metrics.New(nil)
	svr := NewServer("127.0.0.1", 0, echo)
	svr.SetMetrics(m)
	svr.Use(middleware.MetricsMiddleware(m))
	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
			if api == "forbidden" {
				return nil, errors.New("forbidden")
			}
			return next(ctx, api, body)
		}
	})
	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}
	defer svr.Stop()
	addr := svr.Addr().String()

	call(t, addr, "echo", nil)
	if resp := call(t, addr, "forbidden", nil); resp.Msg != "forbidden" {
		t.Fatalf("middleware did not run: %+v", resp)
	}

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("echo", "good")); got != 1 {
		t.Fatalf("expect 1 good echo, got %v", got)
	}
	if got := testutil.ToFloat64(m.Requests.WithLabelValues("forbidden", "bad")); got != 1 {
		t.Fatalf("expect 1 bad forbidden, got %v", got)
	}
	if got := testutil.ToFloat64(m.Connections); got != 2 {
		t.Fatalf("expect 2 connections, got %v", got)
	}
}

func TestServerRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer("127.0.0.1", 0, echo)
	svr.SetRegistry(reg, "calc", "", 10)
	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	instances, err := reg.Discover(ctx, "calc")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Addr != svr.Addr().String() {
		t.Fatalf("expect bound address registered, got %+v", instances)
	}

	if err := svr.Stop(); err != nil {
		t.Fatal(err)
	}
	instances, _ = reg.Discover(ctx, "calc")
	if len(instances) != 0 {
		t.Fatalf("expect deregistration on Stop, got %+v", instances)
	}
}

func BenchmarkServerEcho(b *testing.B) {
	svr := NewServer("127.0.0.1", 0, echo)
	if err := svr.Start(); err != nil {
		b.Fatal(err)
	}
	defer svr.Stop()
	addr := svr.Addr().String()
	raw, _ := protocol.Marshal(message.StatusRequest, (&message.Request{API: "echo", Body: message.Body{"n": 1.0}}).Payload(), limits)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			b.Fatal(err)
		}
		conn.Write(raw)
		if _, err := transport.ReadResponse(conn, limits); err != nil {
			b.Fatal(err)
		}
		conn.Close()
	}
}
