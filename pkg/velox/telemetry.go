package velox

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/albertbausili/velox/internal/exchange"
)

// TracerName names the tracer spans are created with.
const TracerName = "github.com/albertbausili/velox"

// Telemetry records Prometheus metrics, an OpenTelemetry server span and
// a debug access log line for every request.
type Telemetry struct {
	logger     *zap.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     prometheus.Gauge
	responseSize prometheus.Histogram
	connections  *prometheus.GaugeVec
	pushes       prometheus.Counter
	rawBytes     *prometheus.CounterVec
	encodedBytes *prometheus.CounterVec
}

// NewTelemetry registers the server metrics with reg. A nil reg uses a
// private registry; a nil tp uses the global tracer provider.
func NewTelemetry(reg prometheus.Registerer, tp trace.TracerProvider, logger *zap.Logger) *Telemetry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	return &Telemetry{
		logger:     logger,
		tracer:     tp.Tracer(TracerName),
		propagator: propagation.TraceContext{},
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "velox_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"proto", "method", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "velox_http_request_duration_seconds",
			Help:    "Time from dispatch until the response was handed to the transport",
			Buckets: prometheus.DefBuckets,
		}, []string{"proto", "method"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "velox_http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		}),
		responseSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "velox_http_response_size_bytes",
			Help:    "HTTP response body size in bytes as written",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		}),
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "velox_connections_open",
			Help: "Open connections by protocol",
		}, []string{"proto"}),
		pushes: f.NewCounter(prometheus.CounterOpts{
			Name: "velox_http2_pushes_total",
			Help: "Resources promised with HTTP/2 server push",
		}),
		rawBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "velox_compression_input_bytes_total",
			Help: "Response bytes fed to a compressor",
		}, []string{"encoding"}),
		encodedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "velox_compression_output_bytes_total",
			Help: "Compressed response bytes produced",
		}, []string{"encoding"}),
	}
}

var _ exchange.Observer = (*Telemetry)(nil)

// ConnOpened implements Observer.
func (t *Telemetry) ConnOpened(proto string) { t.connections.WithLabelValues(proto).Inc() }

// ConnClosed implements Observer.
func (t *Telemetry) ConnClosed(proto string) { t.connections.WithLabelValues(proto).Dec() }

// Pushed implements Observer.
func (t *Telemetry) Pushed(count int) { t.pushes.Add(float64(count)) }

// Compressed implements Observer.
func (t *Telemetry) Compressed(encoding string, before, after int) {
	t.rawBytes.WithLabelValues(encoding).Add(float64(before))
	t.encodedBytes.WithLabelValues(encoding).Add(float64(after))
}

// RequestStarted implements Observer. The returned context carries the
// server span, parented on a traceparent header when present.
func (t *Telemetry) RequestStarted(req *Request) (context.Context, func(status, size int)) {
	start := time.Now()
	t.inFlight.Inc()

	parent := t.propagator.Extract(req.Context(), headerCarrier{h: &req.Header})
	ctx, span := t.tracer.Start(parent, req.Method+" "+req.Path(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.URI),
			attribute.String("http.scheme", req.Scheme),
			attribute.String("http.host", req.Authority),
			attribute.String("http.flavor", req.Proto),
			attribute.Int("http.request_content_length", len(req.Body)),
		))

	return ctx, func(status, size int) {
		elapsed := time.Since(start)
		t.inFlight.Dec()
		t.requests.WithLabelValues(req.Proto, req.Method, strconv.Itoa(status)).Inc()
		t.duration.WithLabelValues(req.Proto, req.Method).Observe(elapsed.Seconds())
		t.responseSize.Observe(float64(size))

		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int("http.response_content_length", size),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, exchange.StatusText(status))
		}
		span.End()

		t.logger.Debug("request",
			zap.String("proto", req.Proto),
			zap.String("method", req.Method),
			zap.String("uri", req.URI),
			zap.Int("status", status),
			zap.Int("size", size),
			zap.Duration("elapsed", elapsed))
	}
}

// headerCarrier adapts Headers to propagation.TextMapCarrier.
type headerCarrier struct {
	h *Headers
}

func (c headerCarrier) Get(key string) string { return c.h.Get(key) }

func (c headerCarrier) Set(key, value string) { c.h.Set(key, value) }

func (c headerCarrier) Keys() []string {
	fields := c.h.Fields()
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Name)
	}
	return keys
}
