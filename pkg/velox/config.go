package velox

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/albertbausili/velox/internal/compress"
	"github.com/albertbausili/velox/internal/push"
)

// Config holds the server configuration options for both HTTP/1.1 and HTTP/2.
type Config struct {
	Addr                 string // Server address to bind to
	Multicore            bool   // Run one event loop per core
	NumEventLoop         int    // Number of event loops (0 for auto-detect)
	ReusePort            bool   // Enable SO_REUSEPORT
	MaxHeaderBytes       int    // Maximum HTTP/1.1 request head size
	MaxBodyBytes         int64  // Maximum request body size (0 for unlimited)
	MaxConcurrentStreams uint32 // Maximum concurrent HTTP/2 streams per connection
	MaxConnections       uint32 // Connections beyond this get 503
	DisableKeepAlive     bool   // Close HTTP/1.1 connections after each response
	EnableH1             bool   // Enable HTTP/1.1 support (default true)
	EnableH2             bool   // Enable HTTP/2 prior-knowledge support (default true)

	// DocumentRoot is served for requests no route matches. Empty
	// disables static files and server push.
	DocumentRoot string
	// EnablePush turns Link response headers into HTTP/2 server push.
	EnablePush  bool
	MaxPushSize int64
	// WorkerPoolSize bounds concurrent disk operations.
	WorkerPoolSize int

	Compression   CompressionConfig
	CORS          CORSConfig
	SessionCookie string
	Realm         string
	ServerName    string

	Logger         *zap.Logger
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                 ":8080",
		Multicore:            true,
		ReusePort:            true,
		MaxHeaderBytes:       1 << 20,
		MaxBodyBytes:         10 << 20,
		MaxConcurrentStreams: 100,
		MaxConnections:       10000,
		EnableH1:             true,
		EnableH2:             true,
		EnablePush:           true,
		MaxPushSize:          push.DefaultMaxSize,
		WorkerPoolSize:       runtime.NumCPU() * 64,
		Compression: CompressionConfig{
			Enabled: true,
			Level:   6,
			ExcludedTypes: []string{
				"image/", "video/", "audio/",
				"application/zip", "application/gzip", "application/x-brotli",
			},
		},
		SessionCookie: "session",
		Realm:         "velox",
		ServerName:    "velox",
		Logger:        zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if !c.EnableH1 && !c.EnableH2 {
		return errors.New("velox: at least one of HTTP/1.1 and HTTP/2 must be enabled")
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 10000
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("velox: negative MaxBodyBytes %d", c.MaxBodyBytes)
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = runtime.NumCPU() * 64
	}
	if c.MaxPushSize <= 0 {
		c.MaxPushSize = push.DefaultMaxSize
	}
	if c.Compression.Enabled {
		if !compress.ValidLevel(compress.Gzip, c.Compression.Level) {
			return fmt.Errorf("velox: invalid compression level %d", c.Compression.Level)
		}
		if c.Compression.MinSize < 0 {
			c.Compression.MinSize = 0
		}
	}
	if c.SessionCookie == "" {
		c.SessionCookie = "session"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}
