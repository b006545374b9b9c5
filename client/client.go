// Package client issues procbridge requests.
//
// Every Request dials a new connection, sends one request frame, reads one
// response frame and closes the connection. There is no pooling, no reuse
// and no retry; see middleware.RetryMiddleware for caller-side retries.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"procbridge/loadbalance"
	"procbridge/message"
	"procbridge/middleware"
	"procbridge/protocol"
	"procbridge/registry"
	"procbridge/transport"
)

type Client struct {
	resolve   func(ctx context.Context, api string) (string, error) // api → address to dial
	transport *transport.ClientTransport
	timeout   time.Duration
	limits    protocol.Limits
	logger    zerolog.Logger
}

type Option func(*Client)

// WithTimeout bounds dial plus the whole exchange. Zero (the default) waits
// indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLimits(limits protocol.Limits) Option {
	return func(c *Client) { c.limits = limits }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func newClient(resolve func(ctx context.Context, api string) (string, error), opts []Option) *Client {
	c := &Client{
		resolve: resolve,
		limits:  protocol.DefaultLimits(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.transport = transport.NewClientTransport(c.timeout, c.limits)
	return c
}

// NewClient returns a client for the server at host:port.
func NewClient(host string, port int, opts ...Option) *Client {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return newClient(func(context.Context, string) (string, error) {
		return addr, nil
	}, opts)
}

// NewDiscoveryClient returns a client that looks up service in reg before
// every request and dials the instance bal picks, keyed by api name.
func NewDiscoveryClient(reg registry.Registry, bal loadbalance.Balancer, service string, opts ...Option) *Client {
	return newClient(func(ctx context.Context, api string) (string, error) {
		instances, err := reg.Discover(ctx, service)
		if err != nil {
			return "", fmt.Errorf("discover %s: %w", service, err)
		}
		instance, err := bal.Pick(instances, api)
		if err != nil {
			return "", fmt.Errorf("pick %s instance: %w", service, err)
		}
		return instance.Addr, nil
	}, opts)
}

// Request calls api with body and blocks until the response arrives.
func (c *Client) Request(api string, body message.Body) (message.Body, error) {
	return c.RequestContext(context.Background(), api, body)
}

// RequestContext is Request with a context that can abort the exchange.
//
// On a good response it returns the body ({} if the server sent none). On a
// bad response it returns a *RemoteError. Decode failures wrap ErrProtocol,
// transport failures wrap ErrConnection.
func (c *Client) RequestContext(ctx context.Context, api string, body message.Body) (message.Body, error) {
	if body == nil {
		body = message.Body{}
	}

	addr, err := c.resolve(ctx, api)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	resp, err := c.transport.RoundTrip(ctx, addr, &message.Request{API: api, Body: body})
	if err != nil {
		err = classify(err)
		c.logger.Debug().Str("api", api).Str("addr", addr).Err(err).Msg("request failed")
		return nil, err
	}

	if resp.Status == message.StatusBadResponse {
		c.logger.Debug().Str("api", api).Str("addr", addr).Str("msg", resp.Msg).Msg("remote error")
		return nil, &RemoteError{Msg: resp.Msg}
	}
	return resp.Body, nil
}

func classify(err error) error {
	if protocol.IsDecodeError(err) {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	var opErr *transport.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return fmt.Errorf("encode request: %w", err)
}

// Handler exposes the client as a middleware.HandlerFunc so callers can
// compose client-side middlewares around remote calls.
func (c *Client) Handler() middleware.HandlerFunc {
	return c.RequestContext
}
