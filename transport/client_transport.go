package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"procbridge/message"
	"procbridge/protocol"
)

// OpError reports an I/O failure of the connection itself: dial refused,
// reset, or a deadline hit. Decode failures are never wrapped in OpError.
type OpError struct {
	Op   string // "dial", "write" or "read"
	Addr string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// ClientTransport performs one request/response exchange per call on a
// freshly dialed connection.
//
//	RoundTrip ──dial──► write request ──► read response ──► close
//
// It holds no connection state and is safe for concurrent use.
type ClientTransport struct {
	dialer  net.Dialer
	timeout time.Duration   // Bounds dial + the whole exchange; 0 means no bound
	limits  protocol.Limits // Frame size limits for both directions
}

// NewClientTransport returns a transport. A zero timeout blocks until the
// exchange completes or the peer closes.
func NewClientTransport(timeout time.Duration, limits protocol.Limits) *ClientTransport {
	return &ClientTransport{
		timeout: timeout,
		limits:  limits,
	}
}

// RoundTrip dials addr, sends req, and reads exactly one response. The
// connection is closed before RoundTrip returns on every path.
func (t *ClientTransport) RoundTrip(ctx context.Context, addr string, req *message.Request) (*message.Response, error) {
	// Build the frame first: an unencodable body is the caller's error, not a
	// connection failure, and must not cost a dial.
	frame, err := protocol.Marshal(message.StatusRequest, req.Payload(), t.limits)
	if err != nil {
		return nil, err
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &OpError{Op: "dial", Addr: addr, Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Unblock I/O if the caller cancels mid-exchange.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.Write(frame); err != nil {
		return nil, &OpError{Op: "write", Addr: addr, Err: ctxErr(ctx, err)}
	}

	resp, err := ReadResponse(conn, t.limits)
	if err != nil {
		if protocol.IsDecodeError(err) {
			return nil, err
		}
		return nil, &OpError{Op: "read", Addr: addr, Err: ctxErr(ctx, err)}
	}
	return resp, nil
}

// ctxErr prefers the context's error over the deadline error it caused.
func ctxErr(ctx context.Context, err error) error {
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %w", cerr, err)
	}
	// The conn deadline can fire a moment before the context timer does.
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}
