// Command pbclient sends one procbridge request and prints the response body.
//
//	pbclient -api add -body '{"elements":[1,2,3]}' -o yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"procbridge/client"
	"procbridge/codec"
	"procbridge/config"
	"procbridge/loadbalance"
	"procbridge/logging"
	"procbridge/message"
	"procbridge/middleware"
	"procbridge/registry"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "pbclient: %v\n", err)
		var remote *client.RemoteError
		if errors.As(err, &remote) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pbclient", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a .toml or .yaml config file")
	host := fs.String("host", "", "server host (overrides config)")
	port := fs.Int("port", 0, "server port (overrides config)")
	timeout := fs.Duration("timeout", 0, "request timeout, 0 waits indefinitely (overrides config)")
	api := fs.String("api", "echo", "api to call")
	rawBody := fs.String("body", "{}", "request body as a JSON object")
	output := fs.String("o", "json", "output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "timeout":
			cfg.Timeout = *timeout
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	outCodec, err := codec.ParseCodecType(*output)
	if err != nil {
		return err
	}
	var body message.Body
	if err := codec.GetCodec(codec.CodecTypeJSON).Decode([]byte(*rawBody), &body); err != nil {
		return fmt.Errorf("parse -body: %w", err)
	}

	logger := logging.New("pbclient", "warn")
	c, closeFn, err := newClient(cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	call := c.Handler()
	if cfg.Retries > 0 {
		call = middleware.RetryMiddleware(cfg.Retries, cfg.RetryDelay, client.IsConnectionError, logger)(call)
	}

	resp, err := call(context.Background(), *api, body)
	if err != nil {
		return err
	}

	text, err := codec.GetCodec(outCodec).Encode(resp)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(text))
	return nil
}

func newClient(cfg config.ClientConfig, logger zerolog.Logger) (*client.Client, func(), error) {
	opts := []client.Option{
		client.WithTimeout(cfg.Timeout),
		client.WithLimits(cfg.Limits()),
		client.WithLogger(logger),
	}
	if !cfg.Registry.Enabled() {
		return client.NewClient(cfg.Host, cfg.Port, opts...), func() {}, nil
	}

	bal, err := loadbalance.New(cfg.Registry.Balancer)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints)
	if err != nil {
		return nil, nil, fmt.Errorf("connect etcd: %w", err)
	}
	closeFn := func() { reg.Close() }
	return client.NewDiscoveryClient(reg, bal, cfg.Registry.Service, opts...), closeFn, nil
}
