package velox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/albertbausili/velox/internal/date"
	"github.com/albertbausili/velox/internal/exchange"
	"github.com/albertbausili/velox/internal/h1"
	"github.com/albertbausili/velox/internal/h2"
	"github.com/albertbausili/velox/internal/mux"
	"github.com/albertbausili/velox/internal/push"
	"github.com/albertbausili/velox/internal/static"
)

// ErrServerStarted is returned by a second Start.
var ErrServerStarted = errors.New("velox: server already started")

// Server represents a server instance supporting HTTP/1.1 and/or HTTP/2.
type Server struct {
	config    Config
	router    exchange.Router
	sessions  SessionStore
	telemetry *Telemetry

	mu        sync.Mutex
	started   bool
	pool      *ants.Pool
	transport *mux.Server
	stopDate  func()
}

// New creates a Server with the provided configuration.
func New(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		config:    config,
		telemetry: NewTelemetry(config.Registerer, config.TracerProvider, config.Logger),
	}, nil
}

// Handler sets the router and returns the server for method chaining.
func (s *Server) Handler(router exchange.Router) *Server {
	s.router = router
	return s
}

// Sessions sets the store consulted for routes that require a session.
func (s *Server) Sessions(store SessionStore) *Server {
	s.sessions = store
	return s
}

// Telemetry returns the server's observer.
func (s *Server) Telemetry() *Telemetry { return s.telemetry }

// ListenAndServe sets the router and starts the server.
func (s *Server) ListenAndServe(router exchange.Router) error {
	s.router = router
	return s.Start()
}

// Start binds the listener and begins accepting connections. It returns
// once the server is listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrServerStarted
	}
	cfg := s.config
	logger := cfg.Logger

	pool, err := ants.NewPool(cfg.WorkerPoolSize,
		ants.WithNonblocking(true),
		ants.WithLogger(zap.NewStdLog(logger.Named("pool"))),
		ants.WithPanicHandler(func(p any) {
			logger.Error("worker panic", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return fmt.Errorf("velox: worker pool: %w", err)
	}

	var streamer *static.Streamer
	var pusher *push.Resolver
	if cfg.DocumentRoot != "" {
		root, err := static.NewRoot(cfg.DocumentRoot)
		if err != nil {
			pool.Release()
			return fmt.Errorf("velox: document root: %w", err)
		}
		streamer = static.NewStreamer(root, pool, logger.Named("static"))
		if cfg.EnablePush {
			pusher = push.NewResolver(root, cfg.MaxPushSize, logger.Named("push"))
		}
	}

	dispatcher := &exchange.Dispatcher{
		Router:        s.router,
		Sessions:      s.sessions,
		CORS:          cfg.CORS,
		SessionCookie: cfg.SessionCookie,
		Realm:         cfg.Realm,
		Logger:        logger,
		Observer:      s.telemetry,
	}

	mc := mux.Config{
		Addr:           cfg.Addr,
		Multicore:      cfg.Multicore,
		NumEventLoop:   cfg.NumEventLoop,
		ReusePort:      cfg.ReusePort,
		MaxConnections: cfg.MaxConnections,
		Observer:       s.telemetry,
		Logger:         logger,
	}
	if cfg.EnableH1 {
		mc.H1 = &h1.Config{
			Dispatcher:       dispatcher,
			Streamer:         streamer,
			Compression:      cfg.Compression,
			DisableKeepAlive: cfg.DisableKeepAlive,
			MaxBodyBytes:     cfg.MaxBodyBytes,
			MaxHeaderBytes:   cfg.MaxHeaderBytes,
			ServerName:       cfg.ServerName,
			Logger:           logger.Named("h1"),
		}
	}
	if cfg.EnableH2 {
		mc.H2 = &h2.Config{
			Dispatcher:           dispatcher,
			Streamer:             streamer,
			Compression:          cfg.Compression,
			Pusher:               pusher,
			Pool:                 pool,
			MaxConcurrentStreams: cfg.MaxConcurrentStreams,
			MaxBodyBytes:         cfg.MaxBodyBytes,
			ServerName:           cfg.ServerName,
			Logger:               logger.Named("h2"),
		}
	}

	transport, err := mux.NewServer(mc)
	if err != nil {
		pool.Release()
		return fmt.Errorf("velox: %w", err)
	}
	stopDate := date.Start()
	if err := transport.Start(); err != nil {
		stopDate()
		pool.Release()
		return err
	}

	s.pool = pool
	s.transport = transport
	s.stopDate = stopDate
	s.started = true
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.config.Addr }

// Stop gracefully shuts down the server: new connections are refused,
// in-flight responses finish until ctx is done, then disk workers drain.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	err := s.transport.Stop(ctx)
	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline), 0)
	}
	if perr := s.pool.ReleaseTimeout(timeout); perr != nil {
		s.config.Logger.Warn("worker pool did not drain", zap.Error(perr))
	}
	s.stopDate()
	return err
}
