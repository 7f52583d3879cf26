// Package metrics provides Prometheus metrics for Chimera.
package metrics

import (
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "chimera"
)

// Metrics contains all Prometheus metrics for a Chimera process.
type Metrics struct {
	// Tunnel metrics
	TunnelConnects   prometheus.Counter
	TunnelReconnects prometheus.Counter
	TunnelFailures   *prometheus.CounterVec
	HandshakeLatency prometheus.Histogram

	// Stream metrics
	StreamsActive prometheus.Gauge
	StreamsOpened prometheus.Counter
	StreamsClosed prometheus.Counter
	DialErrors    prometheus.Counter

	// Data transfer metrics
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// Path scorer metrics
	PathScore *prometheus.GaugeVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TunnelConnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_connects_total",
			Help:      "Total tunnel sessions successfully established",
		}),
		TunnelReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_reconnects_total",
			Help:      "Total reconnection attempts after a tunnel drop",
		}),
		TunnelFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_failures_total",
			Help:      "Total tunnel establishment failures by stage",
		}, []string{"stage"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Time to complete the encrypted handshake",
			Buckets:   prometheus.DefBuckets,
		}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed",
		}),
		DialErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_errors_total",
			Help:      "Total destination dial failures on the server side",
		}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total stream payload bytes sent into the tunnel",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total stream payload bytes received from the tunnel",
		}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total mux frames sent by type",
		}, []string{"type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total mux frames received by type",
		}, []string{"type"}),

		PathScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "path_score",
			Help:      "Current path scorer score per transport (lower is better)",
		}, []string{"path"}),
	}
}

// Handler returns an HTTP handler serving the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts an HTTP server exposing /metrics on addr. It returns once
// the listener is bound; the server runs until the process exits.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go server.Serve(ln)
	return nil
}
