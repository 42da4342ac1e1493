package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/die-net/tokenproxy/internal/config"
	"github.com/die-net/tokenproxy/internal/dialer"
	"github.com/die-net/tokenproxy/internal/metrics"
	"github.com/die-net/tokenproxy/internal/proxy"
	"github.com/die-net/tokenproxy/internal/socks5"
	"github.com/die-net/tokenproxy/internal/tproxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// server is implemented by every proxy front-end.
type server interface {
	Serve(ln net.Listener) error
	Close() error
}

func run() error {
	flags := config.RegisterFlags(pflag.CommandLine)

	if !tproxy.IsSupported {
		_ = pflag.CommandLine.MarkHidden("tproxy-listen")
	}

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	cfg, err := config.Load(pflag.CommandLine, flags)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if cfg.GoLeak {
		defer func() {
			if err := goleak.Find(); err != nil {
				fmt.Fprintf(os.Stderr, "goleak: %s\n", err)
				os.Exit(1)
			}
		}()
	}

	m := metrics.New()

	dcfg := dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          cfg.KeepAlive,
		MaxHeaderBytes:     cfg.MaxHeaderBytes,
		Metrics:            m,
		Logger:             logger,
	}
	if cfg.UpstreamRate > 0 {
		dcfg.Limiter = rate.NewLimiter(rate.Limit(cfg.UpstreamRate), cfg.UpstreamBurst)
		logger.Info("upstream rate limit enabled", "rate", cfg.UpstreamRate, "burst", cfg.UpstreamBurst)
	}

	strategies := cfg.Strategies()
	negotiator, err := dialer.NewNegotiator(dcfg, cfg.Upstream, strategies)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	names := make([]string, len(strategies))
	for i, s := range strategies {
		names[i] = s.Name
	}
	logger.Info("upstream proxy", "addr", cfg.Upstream, "strategies", names)

	pcfg := proxy.Config{
		NegotiationTimeout: cfg.NegotiationTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		MaxHeaderBytes:     cfg.MaxHeaderBytes,
		KeepAlive:          cfg.KeepAlive,
		Negotiator:         negotiator,
		SOCKS5Auth:         socks5.Auth{Username: cfg.SOCKS5Username, Password: cfg.SOCKS5Password},
		Metrics:            m,
		Logger:             logger,
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DebugListen != "" {
		http.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
		debugLn, err := lc.Listen(ctx, "tcp", cfg.DebugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", "addr", debugLn.Addr().String())
	}

	listeners := []struct {
		name   string
		addr   string
		listen func(ctx context.Context, addr string) (net.Listener, error)
		server func(ctx context.Context) server
	}{
		{
			name:   "http proxy",
			addr:   cfg.HTTPListen,
			listen: listenTCP(cfg),
			server: func(ctx context.Context) server { return proxy.NewHTTPProxyServer(ctx, pcfg) },
		},
		{
			name:   "socks5 proxy",
			addr:   cfg.SOCKS5Listen,
			listen: listenTCP(cfg),
			server: func(ctx context.Context) server { return proxy.NewSOCKS5Server(ctx, pcfg) },
		},
		{
			name: "tproxy",
			addr: cfg.TProxyListen,
			listen: func(ctx context.Context, addr string) (net.Listener, error) {
				return tproxy.ListenTransparentTCP(ctx, addr, cfg.KeepAlive)
			},
			server: func(ctx context.Context) server { return tproxy.NewServer(ctx, pcfg) },
		},
	}

	for _, l := range listeners {
		if l.addr == "" {
			continue
		}

		ln, err := l.listen(ctx, l.addr)
		if err != nil {
			// Stop whatever already started before reporting.
			stop()
			_ = g.Wait()
			return fmt.Errorf("%s listen: %w", l.name, err)
		}
		srv := l.server(ctx)
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, proxy.ErrServerClosed) {
				return fmt.Errorf("%s serve: %w", l.name, err)
			}
			return nil
		})
		logger.Info(l.name+" listening", "addr", ln.Addr().String())
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Info("shutting down")
	return err
}

func listenTCP(cfg *config.Config) func(context.Context, string) (net.Listener, error) {
	return func(ctx context.Context, addr string) (net.Listener, error) {
		return proxy.ListenTCP(ctx, "tcp", addr, cfg.KeepAlive)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var h slog.Handler
	switch cfg.LogFormat {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}
