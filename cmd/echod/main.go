// Command echod serves the HTTP/1.x and WebSocket echo endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/echo"
	"github.com/Zereker/echo/http1"
	"github.com/Zereker/echo/ws"
)

// headroom is added to the message limit for the accumulation buffer cap,
// leaving room for headers and frame overhead.
const headroom = 64 * 1024

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "echod: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("echod", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a TOML config file")
	httpAddr := fs.String("http", "", "HTTP echo listen address (overrides config)")
	wsAddr := fs.String("ws", "", "WebSocket echo listen address (overrides config)")
	metricsAddr := fs.String("metrics", "", "metrics listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = loadConfig(*configPath); err != nil {
			return err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "ws":
			cfg.WSAddr = *wsAddr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		}
	})
	if err := cfg.validate(); err != nil {
		return err
	}

	logger := zlog{l: newLogger(os.Stdout, cfg.LogLevel)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	group, gctx := errgroup.WithContext(ctx)

	listeners := []struct {
		name    string
		addr    string
		factory echo.CodecFactory
	}{
		{"http", cfg.HTTPAddr, http1.Factory(http1.Config{MaxBodyBytes: cfg.MaxMessageSize})},
		{"ws", cfg.WSAddr, ws.Factory(ws.Config{MaxFrameBytes: cfg.MaxMessageSize, MaxMessageBytes: cfg.MaxMessageSize})},
	}
	for _, l := range listeners {
		if l.addr == "" {
			continue
		}
		l := l
		group.Go(func() error {
			return serveEcho(gctx, cfg, reg, logger.with("protocol", l.name), l.name, l.addr, l.factory)
		})
	}

	if cfg.MetricsAddr != "" {
		group.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, reg, logger.with("component", "metrics"))
		})
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// serveEcho runs one echo listener until ctx is canceled, then drains its
// connections for at most cfg.ShutdownTimeout.
func serveEcho(ctx context.Context, cfg Config, reg prometheus.Registerer, logger zlog,
	name, addr string, factory echo.CodecFactory) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s address", name)
	}

	metrics, err := echo.NewMetrics(reg, name)
	if err != nil {
		return errors.Wrapf(err, "register %s metrics", name)
	}

	handler, err := echo.NewConnHandler(
		echo.CodecOption(factory),
		echo.PolicyOption(echo.Echo),
		echo.LoggerOption(logger),
		echo.MetricsOption(metrics),
		echo.MessageMaxSize(cfg.MaxMessageSize+headroom),
		echo.HeartbeatOption(cfg.IdleTimeout/2),
	)
	if err != nil {
		return err
	}

	server, err := echo.New(tcpAddr,
		echo.ServerLoggerOption(logger),
		echo.ServerReusePortOption(cfg.ReusePort),
	)
	if err != nil {
		return err
	}
	defer server.Close()

	serveErr := server.Serve(ctx, handler)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("connections closed before draining", "error", err)
	}
	return serveErr
}

// serveMetrics exposes reg over HTTP until ctx is canceled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zlog) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return ctx.Err()
}
