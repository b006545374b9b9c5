// Command pbserver runs a procbridge server with the "echo" and "add" apis.
// It serves until "exit" is read from stdin or the process is interrupted.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"procbridge/config"
	"procbridge/logging"
	"procbridge/metrics"
	"procbridge/middleware"
	"procbridge/registry"
	"procbridge/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pbserver: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("pbserver", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a .toml or .yaml config file")
	host := fs.String("host", "", "listen host (overrides config)")
	port := fs.Int("port", 0, "listen port (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New("pbserver", cfg.LogLevel)

	router := server.NewRouter()
	if err := router.Register(&demoService{}); err != nil {
		return err
	}

	svr, cleanup, err := newServer(cfg, router, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := svr.Start(); err != nil {
		return err
	}
	logger.Info().Str("addr", svr.Addr().String()).Strs("apis", router.APIs()).Msg("type 'exit' to stop")

	waitForExit(logger)

	if err := svr.Shutdown(5 * time.Second); err != nil {
		logger.Warn().Err(err).Msg("shutdown")
	}
	return nil
}

// newServer wires the router into a server with the configured middlewares,
// metrics listener and registry. cleanup releases what newServer opened.
func newServer(cfg config.ServerConfig, router *server.Router, logger zerolog.Logger) (*server.Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	svr := server.NewServer(cfg.Host, cfg.Port, router.Handle)
	svr.SetLogger(logger)
	svr.SetLimits(cfg.Limits())
	svr.SetMetrics(m)

	// Outermost first: log and count everything, including rejected requests.
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.MetricsMiddleware(m))
	if cfg.RateLimit > 0 {
		if cfg.RateLimitScope == config.RateLimitGlobal {
			svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
		} else {
			svr.Use(middleware.PerAPIRateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
		}
	}
	if cfg.HandlerTimeout > 0 {
		svr.Use(middleware.TimeoutMiddleware(cfg.HandlerTimeout))
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(promReg))
		hs := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics listener")
			}
		}()
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			hs.Shutdown(ctx)
		})
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving /metrics")
	}

	if cfg.Registry.Enabled() {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect etcd: %w", err)
		}
		closers = append(closers, func() { reg.Close() })
		svr.SetRegistry(reg, cfg.Registry.Service, cfg.Registry.Advertise, cfg.Registry.TTL)
	}

	return svr, cleanup, nil
}

// waitForExit blocks until stdin says "exit" or a signal arrives. A closed
// stdin leaves only the signal path.
func waitForExit(logger zerolog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	lines := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) == "exit" {
				close(lines)
				return
			}
		}
	}()

	select {
	case <-lines:
		logger.Info().Msg("exit requested")
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("signal received")
	}
}
