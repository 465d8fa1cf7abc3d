package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/albertbausili/velox/pkg/velox"
)

type serveOptions struct {
	configFile  string
	addr        string
	metricsAddr string
	root        string
	logLevel    string
	noPush      bool
	rateLimit   int
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		Long: `Start serving HTTP/1.1 and HTTP/2 on the configured address.

Settings are read from an optional YAML file; flags given on the command
line take precedence. SIGINT or SIGTERM drains connections and exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")
	f.StringVarP(&opts.addr, "addr", "a", ":8080", "Listen address")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics endpoint (disabled when empty)")
	f.StringVarP(&opts.root, "root", "r", "", "Document root for static files")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.BoolVar(&opts.noPush, "no-push", false, "Disable HTTP/2 server push")
	f.IntVar(&opts.rateLimit, "rate-limit", 0, "Per-client requests per second for /api (0 disables)")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts serveOptions) error {
	fc, err := loadFile(opts.configFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		fc.Log.Level = opts.logLevel
	}
	logger, err := newLogger(fc.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg := velox.DefaultConfig()
	fc.apply(&cfg)
	if flags.Changed("addr") || fc.Addr == "" {
		cfg.Addr = opts.addr
	}
	if flags.Changed("root") {
		cfg.DocumentRoot = opts.root
	}
	if opts.noPush {
		cfg.EnablePush = false
	}
	metricsAddr := fc.MetricsAddr
	if flags.Changed("metrics-addr") {
		metricsAddr = opts.metricsAddr
	}
	cfg.Logger = logger
	cfg.Registerer = prometheus.DefaultRegisterer

	timeout, err := fc.shutdownTimeout()
	if err != nil {
		return err
	}

	server, err := velox.New(cfg)
	if err != nil {
		return err
	}
	server.Handler(demoRouter(opts.rateLimit)).
		Sessions(velox.NewMemorySessionStore(cfg.SessionCookie, fc.Users))

	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("server started",
		zap.String("addr", cfg.Addr),
		zap.Bool("h1", cfg.EnableH1),
		zap.Bool("h2", cfg.EnableH2),
		zap.String("root", cfg.DocumentRoot),
		zap.Bool("push", cfg.EnablePush))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		logger.Info("shutting down", zap.Duration("timeout", timeout))
		return server.Stop(shutdownCtx)
	})
	if metricsAddr != "" {
		metrics := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", metricsAddr))
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return metrics.Close()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
