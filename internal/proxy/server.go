package proxy

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chimeranet/chimera/internal/logging"
	"github.com/chimeranet/chimera/internal/metrics"
	"github.com/chimeranet/chimera/internal/mux"
)

// ServerConfig tunes the server-side proxy engine.
type ServerConfig struct {
	// DialTimeout bounds destination dials. Zero means the platform
	// default.
	DialTimeout time.Duration

	// RateLimit caps per-stream egress in bytes per second. Zero means
	// unlimited.
	RateLimit rate.Limit
}

// ServerEngine terminates streams on the server side: Connect frames turn
// into destination dials, and the resulting sockets are bridged back into
// tunnel frames.
type ServerEngine struct {
	out     chan<- *mux.Frame
	cfg     ServerConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	streams map[uint32]*stream
}

// NewServerEngine creates a server engine emitting frames on out.
func NewServerEngine(out chan<- *mux.Frame, cfg ServerConfig, log *slog.Logger, m *metrics.Metrics) *ServerEngine {
	if log == nil {
		log = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &ServerEngine{
		out:     out,
		cfg:     cfg,
		log:     log.With(logging.KeyComponent, "server-proxy"),
		metrics: m,
		streams: make(map[uint32]*stream),
	}
}

// HandleFrame dispatches one inbound frame from the tunnel. It is called
// from the per-tunnel dispatch loop.
func (e *ServerEngine) HandleFrame(f *mux.Frame) {
	e.metrics.FramesReceived.WithLabelValues(mux.FrameTypeName(f.Type)).Inc()

	switch f.Type {
	case mux.FrameConnect:
		target := string(f.Payload)
		e.log.Info("connect request", logging.KeyStreamID, f.StreamID, logging.KeyTarget, target)
		go e.dialAndBridge(f.StreamID, target)

	case mux.FrameData:
		e.mu.Lock()
		st := e.streams[f.StreamID]
		e.mu.Unlock()

		if st == nil {
			// Stream gone or its dial still in flight; drop.
			return
		}
		if st.deliver(f.Payload) {
			e.metrics.BytesReceived.Add(float64(len(f.Payload)))
		}

	case mux.FrameDisconnect:
		e.mu.Lock()
		st := e.streams[f.StreamID]
		delete(e.streams, f.StreamID)
		e.mu.Unlock()

		if st != nil {
			st.closeInbound()
		}

	case mux.FramePadding:
		// Discard.
	}
}

// dialAndBridge dials the requested destination and runs the stream
// bridge. A failed dial answers with a Disconnect for the id so the
// client can tear down its side.
func (e *ServerEngine) dialAndBridge(id uint32, target string) {
	dialer := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		e.log.Warn("destination dial failed",
			logging.KeyStreamID, id,
			logging.KeyTarget, target,
			logging.KeyError, err)
		e.metrics.DialErrors.Inc()

		e.out <- &mux.Frame{Type: mux.FrameDisconnect, StreamID: id}
		e.metrics.FramesSent.WithLabelValues(mux.FrameTypeName(mux.FrameDisconnect)).Inc()
		return
	}

	st := newStream(id)
	e.mu.Lock()
	e.streams[id] = st
	e.mu.Unlock()

	e.metrics.StreamsOpened.Inc()
	e.metrics.StreamsActive.Inc()
	e.log.Info("destination connected", logging.KeyStreamID, id, logging.KeyTarget, target)

	var limiter *rate.Limiter
	if e.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(e.cfg.RateLimit, readBufferSize)
	}

	runBridge(conn, st, e.out, bridgeConfig{limiter: limiter}, e.log, e.metrics)

	e.mu.Lock()
	delete(e.streams, id)
	e.mu.Unlock()
	st.closeInbound()

	e.metrics.StreamsActive.Dec()
	e.metrics.StreamsClosed.Inc()
}

// AbandonStreams closes every live stream's inbound channel and clears
// the map, letting their bridges unwind when the tunnel dies.
func (e *ServerEngine) AbandonStreams() {
	e.mu.Lock()
	abandoned := make([]*stream, 0, len(e.streams))
	for id, st := range e.streams {
		abandoned = append(abandoned, st)
		delete(e.streams, id)
	}
	e.mu.Unlock()

	for _, st := range abandoned {
		st.closeInbound()
	}
}

// StreamCount returns the number of live streams.
func (e *ServerEngine) StreamCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}
