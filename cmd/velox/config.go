package main

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/albertbausili/velox/pkg/velox"
)

// fileConfig is the YAML configuration file layout. Zero values leave
// the corresponding default untouched.
type fileConfig struct {
	Addr                 string `yaml:"addr"`
	MetricsAddr          string `yaml:"metrics_addr"`
	Multicore            *bool  `yaml:"multicore"`
	EventLoops           int    `yaml:"event_loops"`
	MaxBodyBytes         int64  `yaml:"max_body_bytes"`
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"`
	MaxConnections       uint32 `yaml:"max_connections"`
	DisableH1            bool   `yaml:"disable_h1"`
	DisableH2            bool   `yaml:"disable_h2"`
	DocumentRoot         string `yaml:"document_root"`
	Push                 *bool  `yaml:"push"`
	Workers              int    `yaml:"workers"`
	ShutdownTimeout      string `yaml:"shutdown_timeout"`

	Compression struct {
		Enabled *bool    `yaml:"enabled"`
		Level   *int     `yaml:"level"`
		MinSize int      `yaml:"min_size"`
		Brotli  bool     `yaml:"brotli"`
		Exclude []string `yaml:"exclude"`
	} `yaml:"compression"`

	CORS struct {
		Enabled bool   `yaml:"enabled"`
		Origin  string `yaml:"origin"`
		Methods string `yaml:"methods"`
		Headers string `yaml:"headers"`
		MaxAge  int    `yaml:"max_age"`
	} `yaml:"cors"`

	Users map[string]string `yaml:"users"`

	Log logConfig `yaml:"log"`
}

type logConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func loadFile(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

// apply overlays the file settings on cfg.
func (fc *fileConfig) apply(cfg *velox.Config) {
	if fc.Addr != "" {
		cfg.Addr = fc.Addr
	}
	if fc.Multicore != nil {
		cfg.Multicore = *fc.Multicore
	}
	if fc.EventLoops > 0 {
		cfg.NumEventLoop = fc.EventLoops
	}
	if fc.MaxBodyBytes != 0 {
		cfg.MaxBodyBytes = fc.MaxBodyBytes
	}
	if fc.MaxConcurrentStreams > 0 {
		cfg.MaxConcurrentStreams = fc.MaxConcurrentStreams
	}
	if fc.MaxConnections > 0 {
		cfg.MaxConnections = fc.MaxConnections
	}
	cfg.EnableH1 = cfg.EnableH1 && !fc.DisableH1
	cfg.EnableH2 = cfg.EnableH2 && !fc.DisableH2
	if fc.DocumentRoot != "" {
		cfg.DocumentRoot = fc.DocumentRoot
	}
	if fc.Push != nil {
		cfg.EnablePush = *fc.Push
	}
	if fc.Workers > 0 {
		cfg.WorkerPoolSize = fc.Workers
	}

	c := fc.Compression
	if c.Enabled != nil {
		cfg.Compression.Enabled = *c.Enabled
	}
	if c.Level != nil {
		cfg.Compression.Level = *c.Level
	}
	if c.MinSize > 0 {
		cfg.Compression.MinSize = c.MinSize
	}
	cfg.Compression.EnableBrotli = cfg.Compression.EnableBrotli || c.Brotli
	if len(c.Exclude) > 0 {
		cfg.Compression.ExcludedTypes = c.Exclude
	}

	if fc.CORS.Enabled {
		cfg.CORS = velox.CORSConfig{
			Enabled:      true,
			AllowOrigin:  fc.CORS.Origin,
			AllowMethods: fc.CORS.Methods,
			AllowHeaders: fc.CORS.Headers,
			MaxAge:       fc.CORS.MaxAge,
		}
	}
}

func (fc *fileConfig) shutdownTimeout() (time.Duration, error) {
	if fc.ShutdownTimeout == "" {
		return 10 * time.Second, nil
	}
	d, err := time.ParseDuration(fc.ShutdownTimeout)
	if err != nil {
		return 0, fmt.Errorf("shutdown_timeout: %w", err)
	}
	return d, nil
}

// newLogger builds a JSON logger writing to stderr, or to a rotated file
// when lc.File is set.
func newLogger(lc logConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if lc.Level != "" {
		if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", lc.Level, err)
		}
	}

	sink := zapcore.Lock(os.Stderr)
	if lc.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    max(lc.MaxSizeMB, 1),
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   true,
		})
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), nil
}
