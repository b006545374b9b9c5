// Package server implements the procbridge server: a TCP listener that reads
// one request frame per connection, runs the handler through the middleware
// chain and writes one response frame back.
//
// Request processing pipeline:
//
//	Accept conn → go handleConn
//	  → transport.ReadRequest → middleware chain → handler → write response → close
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"procbridge/message"
	"procbridge/metrics"
	"procbridge/middleware"
	"procbridge/protocol"
	"procbridge/registry"
	"procbridge/transport"
)

// Server handles procbridge requests on host:port. It can be started,
// stopped and started again.
type Server struct {
	host    string
	port    int
	handler middleware.HandlerFunc

	middlewares []middleware.Middleware
	limits      protocol.Limits
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	registry      registry.Registry // nil if not using discovery
	serviceName   string
	advertiseAddr string // empty: use the bound address
	ttl           int64

	mu         sync.Mutex // guards every field below and the setters above
	listener   net.Listener
	registered string          // address currently registered, if any
	conns      *sync.WaitGroup // connections accepted by the latest Start
}

// NewServer returns an unstarted server. handler is invoked once per request
// and may be called from many goroutines at once.
func NewServer(host string, port int, handler middleware.HandlerFunc) *Server {
	return &Server{
		host:    host,
		port:    port,
		handler: handler,
		limits:  protocol.DefaultLimits(),
		logger:  zerolog.Nop(),
	}
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and take effect on the next Start.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

func (svr *Server) SetLogger(logger zerolog.Logger) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.logger = logger
}

func (svr *Server) SetMetrics(m *metrics.Metrics) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.metrics = m
}

func (svr *Server) SetLimits(limits protocol.Limits) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.limits = limits
}

// SetRegistry makes Start register the server under serviceName and Stop
// deregister it. advertiseAddr is the routable address clients should dial;
// empty means the listener's own address.
func (svr *Server) SetRegistry(reg registry.Registry, serviceName, advertiseAddr string, ttl int64) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.registry = reg
	svr.serviceName = serviceName
	svr.advertiseAddr = advertiseAddr
	svr.ttl = ttl
}

// Started reports whether the server is listening.
func (svr *Server) Started() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return svr.listener != nil
}

// Addr returns the bound address, or nil when the server is not listening.
// With port 0 this is how callers learn the chosen port.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Start binds the listener and begins accepting in a background goroutine.
// It returns once the listener is bound. Starting a started server is a no-op.
func (svr *Server) Start() error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(svr.host, strconv.Itoa(svr.port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if svr.registry != nil {
		addr := svr.advertiseAddr
		if addr == "" {
			addr = ln.Addr().String()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := svr.registry.Register(ctx, svr.serviceName, registry.ServiceInstance{Addr: addr}, svr.ttl)
		cancel()
		if err != nil {
			ln.Close()
			return fmt.Errorf("register %s: %w", svr.serviceName, err)
		}
		svr.registered = addr
	}

	// Each Start counts its own connections, so a Shutdown still waiting on
	// an earlier run never shares a WaitGroup with a new one.
	svr.listener = ln
	svr.conns = new(sync.WaitGroup)
	svr.logger.Info().Str("addr", ln.Addr().String()).Msg("server started")

	go svr.acceptLoop(&session{
		ln: ln,
		// Built once per Start: Chain(A, B)(h) runs A.before → B.before → h → B.after → A.after
		handler: middleware.Chain(svr.middlewares...)(svr.handler),
		logger:  svr.logger,
		metrics: svr.metrics,
		limits:  svr.limits,
		conns:   svr.conns,
	})
	return nil
}

// Stop deregisters the server, closes the listener and returns without
// waiting for in-flight requests. Stopping a stopped server is a no-op.
func (svr *Server) Stop() error {
	_, err := svr.stop()
	return err
}

// stop returns the connection group of the latest Start, which receives no
// further Adds once stop has returned.
func (svr *Server) stop() (*sync.WaitGroup, error) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return svr.conns, nil
	}

	// Deregister first so discovery clients stop picking this address.
	var regErr error
	if svr.registry != nil && svr.registered != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		regErr = svr.registry.Deregister(ctx, svr.serviceName, svr.registered)
		cancel()
		svr.registered = ""
	}

	err := svr.listener.Close()
	svr.listener = nil
	svr.logger.Info().Msg("server stopped")
	return svr.conns, errors.Join(regErr, err)
}

// Shutdown stops the server and waits up to timeout for in-flight requests.
// It waits even when stopping reported an error, and returns both.
func (svr *Server) Shutdown(timeout time.Duration) error {
	conns, stopErr := svr.stop()
	if conns == nil {
		return stopErr
	}

	done := make(chan struct{})
	go func() {
		conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return stopErr
	case <-time.After(timeout):
		return errors.Join(stopErr, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}
}

// session is what one Start hands to its accept loop.
type session struct {
	ln      net.Listener
	handler middleware.HandlerFunc
	logger  zerolog.Logger
	metrics *metrics.Metrics
	limits  protocol.Limits
	conns   *sync.WaitGroup
}

// acceptLoop exits once ln is closed. Other accept errors (EMFILE and the
// like) are logged and retried after a short, growing pause.
func (svr *Server) acceptLoop(sess *session) {
	var delay time.Duration
	for {
		conn, err := sess.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			sess.logger.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed")
			time.Sleep(delay)
			continue
		}
		delay = 0

		if !svr.track(sess) {
			// Stop won the race: this connection was never counted.
			conn.Close()
			return
		}
		go svr.handleConn(conn, sess)
	}
}

// track counts a connection against sess unless sess has been stopped.
// Taking mu orders every Add before the Wait of a Shutdown on sess.
func (svr *Server) track(sess *session) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener != sess.ln {
		return false
	}
	sess.conns.Add(1)
	return true
}

// handleConn serves exactly one request on conn and closes it. A frame that
// cannot be decoded gets no response: the connection is simply closed.
func (svr *Server) handleConn(conn net.Conn, sess *session) {
	defer sess.conns.Done()
	defer conn.Close()

	m := sess.metrics
	limits := sess.limits
	m.ConnOpened()
	defer m.ConnClosed()

	logger := sess.logger.With().
		Str("conn_id", uuid.NewString()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	req, err := transport.ReadRequest(conn, limits)
	if err != nil {
		m.DecodeFailed(err)
		logger.Debug().Err(err).Msg("dropping connection")
		return
	}

	body, err := invoke(sess.handler, req)
	if err != nil {
		err = transport.WriteBadResponse(conn, err.Error(), limits)
	} else {
		err = writeGood(conn, body, limits)
	}
	if err != nil {
		logger.Debug().Err(err).Str("api", req.API).Msg("write response failed")
	}
}

// invoke runs the handler, turning a panic into an error so it reaches the
// client as a bad response.
func invoke(handler middleware.HandlerFunc, req *message.Request) (body message.Body, err error) {
	defer func() {
		if r := recover(); r != nil {
			body, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(context.Background(), req.API, req.Body)
}

// writeGood sends body as a good response. A body that cannot be encoded is
// reported to the client as a bad response instead.
func writeGood(conn net.Conn, body message.Body, limits protocol.Limits) error {
	resp := &message.Response{Status: message.StatusGoodResponse, Body: body}
	frame, err := protocol.Marshal(resp.Status, resp.Payload(), limits)
	if err != nil {
		return transport.WriteBadResponse(conn, err.Error(), limits)
	}
	_, err = conn.Write(frame)
	return err
}
