// Package mux provides protocol multiplexing for HTTP/1.1 and HTTP/2.
// It detects the protocol version from the first bytes of a connection and
// hands the connection to the matching pipeline.
package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"github.com/albertbausili/velox/internal/exchange"
	"github.com/albertbausili/velox/internal/h1"
	"github.com/albertbausili/velox/internal/h2"
	"github.com/albertbausili/velox/internal/transport"
)

// DefaultMaxConnections is used when Config.MaxConnections is zero.
const DefaultMaxConnections = 10000

// ErrNotStarted is returned by Stop before the engine booted.
var ErrNotStarted = errors.New("mux: server not started")

var unavailable = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Length: 19\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"Service Unavailable")

// Config defines the configuration options for the protocol multiplexer.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	// H1 and H2 configure the pipelines. A nil config disables the
	// protocol; at least one must be set.
	H1             *h1.Config
	H2             *h2.Config
	MaxConnections uint32
	Observer       exchange.Observer
	Logger         *zap.Logger
}

// pipeline is the protocol side of one connection.
type pipeline interface {
	OnData(data []byte) error
	OnClose()
	Shutdown()
}

// session tracks per-connection state during protocol detection and
// handling.
type session struct {
	conn     *transport.GnetConn
	buffer   []byte
	pipeline pipeline
	proto    string
}

// Server is a gnet event handler that routes connections to the HTTP/1.1
// or HTTP/2 pipeline.
type Server struct {
	gnet.BuiltinEventEngine

	cfg      Config
	logger   *zap.Logger
	observer exchange.Observer
	ctx      context.Context
	cancel   context.CancelFunc

	sessions sync.Map // gnet.Conn -> *session
	active   atomic.Int64
	draining atomic.Bool

	mu      sync.Mutex
	engine  gnet.Engine
	booted  bool
	ready   chan struct{}
	stopped chan error
}

// NewServer creates a multiplexing server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.H1 == nil && cfg.H2 == nil {
		return nil, errors.New("mux: no protocol enabled")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = exchange.NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		stopped:  make(chan error, 1),
	}, nil
}

func (s *Server) options() []gnet.Option {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(time.Minute),
		gnet.WithLogger(s.logger.Sugar()),
		gnet.WithLoadBalancing(gnet.RoundRobin),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	return options
}

// Start runs the event loops in the background and returns once the
// listener is bound or failed to bind.
func (s *Server) Start() error {
	go func() {
		s.stopped <- gnet.Run(s, "tcp://"+s.cfg.Addr, s.options()...)
	}()
	select {
	case <-s.ready:
		return nil
	case err := <-s.stopped:
		if err == nil {
			err = errors.New("mux: engine exited before boot")
		}
		return fmt.Errorf("mux: listen on %s: %w", s.cfg.Addr, err)
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.cfg.Addr }

// Stop stops accepting work, lets in-flight responses finish until ctx
// is done, then stops the engine.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	booted, engine := s.booted, s.engine
	s.mu.Unlock()
	if !booted {
		return ErrNotStarted
	}
	if !s.draining.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("draining connections", zap.Int64("active", s.active.Load()))

	s.sessions.Range(func(_, v any) bool {
		sess := v.(*session)
		_ = sess.conn.Execute(func() {
			if sess.pipeline != nil {
				sess.pipeline.Shutdown()
			} else {
				_ = sess.conn.Close()
			}
		})
		return true
	})

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
wait:
	for s.active.Load() > 0 {
		select {
		case <-ctx.Done():
			s.logger.Warn("drain deadline reached", zap.Int64("active", s.active.Load()))
			break wait
		case <-ticker.C:
		}
	}

	s.cancel()
	if err := engine.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("mux: stop engine: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.mu.Lock()
	s.engine = eng
	s.booted = true
	s.mu.Unlock()
	s.logger.Info("listening",
		zap.String("addr", s.cfg.Addr),
		zap.Bool("http1", s.cfg.H1 != nil),
		zap.Bool("http2", s.cfg.H2 != nil),
		zap.Bool("multicore", s.cfg.Multicore))
	close(s.ready)
	return gnet.None
}

// OnOpen admits a connection or answers 503 when the server is full or
// draining.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if s.draining.Load() || s.active.Load() >= int64(s.cfg.MaxConnections) {
		s.logger.Debug("connection rejected",
			zap.Stringer("remote", c.RemoteAddr()),
			zap.Int64("active", s.active.Load()),
			zap.Bool("draining", s.draining.Load()))
		return unavailable, gnet.Close
	}
	s.active.Add(1)
	s.sessions.Store(c, &session{conn: transport.Wrap(s.ctx, c)})
	return nil, gnet.None
}

// OnClose releases the connection's pipeline.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	v, ok := s.sessions.LoadAndDelete(c)
	if !ok {
		return gnet.None
	}
	sess := v.(*session)
	sess.conn.Closed()
	if sess.pipeline != nil {
		sess.pipeline.OnClose()
		s.observer.ConnClosed(sess.proto)
	}
	s.active.Add(-1)
	if err != nil {
		s.logger.Debug("connection closed with error", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
	}
	return gnet.None
}

// OnTraffic reads what arrived and feeds it to the connection's pipeline.
// Wake-ups from Execute arrive as traffic with nothing to read.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	v, ok := s.sessions.Load(c)
	if !ok {
		return gnet.Close
	}
	sess := v.(*session)

	buf, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	if len(buf) == 0 {
		return gnet.None
	}

	if sess.pipeline == nil {
		sess.buffer = append(sess.buffer, buf...)
		proto, ok := Detect(sess.buffer, s.cfg.H1 != nil, s.cfg.H2 != nil)
		if !ok {
			return gnet.None
		}
		s.attach(sess, proto)
		buf, sess.buffer = sess.buffer, nil
	}

	if err := sess.pipeline.OnData(buf); err != nil {
		s.logger.Debug("pipeline error", zap.String("proto", sess.proto), zap.Error(err))
		return gnet.Close
	}
	return gnet.None
}

func (s *Server) attach(sess *session, proto string) {
	sess.proto = proto
	if proto == h2.Proto {
		sess.pipeline = h2.NewConnection(sess.conn, s.cfg.H2)
	} else {
		sess.pipeline = h1.NewConnection(sess.conn, s.cfg.H1)
	}
	s.observer.ConnOpened(proto)
}

// Detect picks the pipeline for a connection from its first bytes. It
// reports false while buf is still a prefix of the HTTP/2 client preface.
// Anything that is not the preface goes to HTTP/1.1, which answers bad
// request lines itself; with HTTP/1.1 disabled it goes to HTTP/2, which
// answers with GOAWAY.
func Detect(buf []byte, h1Enabled, h2Enabled bool) (string, bool) {
	if len(buf) == 0 {
		return "", false
	}
	n := min(len(buf), len(h2.Preface))
	isPreface := bytes.Equal(buf[:n], []byte(h2.Preface[:n]))
	switch {
	case !h2Enabled:
		return h1.Proto, true
	case !h1Enabled:
		return h2.Proto, true
	case isPreface && n < len(h2.Preface):
		return "", false
	case isPreface:
		return h2.Proto, true
	default:
		return h1.Proto, true
	}
}
