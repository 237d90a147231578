package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "asrproxy"

// Collector owns the proxy's Prometheus metrics. It implements volc.Metrics
// and records session lifecycle for the websocket gateway.
type Collector struct {
	registry *prometheus.Registry

	activeSessions  *prometheus.GaugeVec
	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	framesSent      *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	audioDropped    *prometheus.CounterVec
	decompressFails prometheus.Counter
	vendorErrors    *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
}

// NewCollector registers all metrics on registry. A nil registry gets a fresh
// one with the Go and process collectors attached.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		activeSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open proxied sessions",
		}, []string{"provider"}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions finished, by downstream close code",
		}, []string{"provider", "close_code"}),
		sessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of proxied sessions",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"provider"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "frames_sent_total",
			Help:      "Binary frames written to the vendor",
		}, []string{"type"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "frames_dropped_total",
			Help:      "Vendor frames that could not be translated",
		}, []string{"reason"}),
		audioDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Client audio chunks discarded before reaching the vendor",
		}, []string{"reason"}),
		decompressFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "decompression_failures_total",
			Help:      "Vendor payloads flagged gzip that failed to inflate",
		}),
		vendorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "vendor_errors_total",
			Help:      "Error-response frames received from the vendor",
		}, []string{"code"}),
		upstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "transport_errors_total",
			Help:      "Socket level failures talking to the vendor",
		}, []string{"kind"}),
	}
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SessionOpened marks a session as active
func (c *Collector) SessionOpened(provider string) {
	c.activeSessions.WithLabelValues(provider).Inc()
}

// SessionClosed records the end of a session opened at start
func (c *Collector) SessionClosed(provider string, closeCode int, start time.Time) {
	c.activeSessions.WithLabelValues(provider).Dec()
	c.sessionsTotal.WithLabelValues(provider, strconv.Itoa(closeCode)).Inc()
	c.sessionDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

func (c *Collector) FrameSent(messageType string) {
	c.framesSent.WithLabelValues(messageType).Inc()
}

func (c *Collector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) AudioDropped(reason string) {
	c.audioDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) DecompressionFailed() {
	c.decompressFails.Inc()
}

func (c *Collector) VendorError(code uint32) {
	c.vendorErrors.WithLabelValues(strconv.FormatUint(uint64(code), 10)).Inc()
}

func (c *Collector) UpstreamError(kind string) {
	c.upstreamErrors.WithLabelValues(kind).Inc()
}
