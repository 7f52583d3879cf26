package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/chimeranet/chimera/internal/logging"
	"github.com/chimeranet/chimera/internal/metrics"
	"github.com/chimeranet/chimera/internal/mux"
)

// ClientEngine terminates streams on the client side. Each accepted SOCKS
// socket gets a monotonically allocated stream id and a goroutine pair
// bridging it to tunnel frames.
type ClientEngine struct {
	out       chan<- *mux.Frame
	obfuscate bool
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	streams map[uint32]*stream

	// nextID allocates stream ids starting at 1; ids are never reused
	// within a session.
	nextID atomic.Uint32
}

// NewClientEngine creates a client engine emitting frames on out.
func NewClientEngine(out chan<- *mux.Frame, obfuscate bool, log *slog.Logger, m *metrics.Metrics) *ClientEngine {
	if log == nil {
		log = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &ClientEngine{
		out:       out,
		obfuscate: obfuscate,
		log:       log.With(logging.KeyComponent, "client-proxy"),
		metrics:   m,
		streams:   make(map[uint32]*stream),
	}
}

// StartStream registers an accepted SOCKS socket destined for host:port
// and starts the bridge. The Connect frame for the new id is emitted
// before any Data frame can exist for it.
func (e *ClientEngine) StartStream(conn net.Conn, host string, port uint16) {
	id := e.nextID.Add(1)
	target := fmt.Sprintf("%s:%d", host, port)

	e.out <- &mux.Frame{
		Type:     mux.FrameConnect,
		StreamID: id,
		Payload:  []byte(target),
	}
	e.metrics.FramesSent.WithLabelValues(mux.FrameTypeName(mux.FrameConnect)).Inc()

	st := newStream(id)
	e.mu.Lock()
	e.streams[id] = st
	e.mu.Unlock()

	e.metrics.StreamsOpened.Inc()
	e.metrics.StreamsActive.Inc()
	e.log.Info("stream opened", logging.KeyStreamID, id, logging.KeyTarget, target)

	go func() {
		runBridge(conn, st, e.out, bridgeConfig{obfuscate: e.obfuscate}, e.log, e.metrics)

		e.mu.Lock()
		delete(e.streams, id)
		e.mu.Unlock()
		st.closeInbound()

		e.metrics.StreamsActive.Dec()
		e.metrics.StreamsClosed.Inc()
	}()
}

// HandleFrame dispatches one inbound frame from the tunnel. It is called
// from the supervisor's single dispatch loop.
func (e *ClientEngine) HandleFrame(f *mux.Frame) {
	e.metrics.FramesReceived.WithLabelValues(mux.FrameTypeName(f.Type)).Inc()

	switch f.Type {
	case mux.FrameData:
		// Look up under the lock, deliver outside it.
		e.mu.Lock()
		st := e.streams[f.StreamID]
		e.mu.Unlock()

		if st == nil {
			// Stream already gone; drop the payload.
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

	case mux.FrameConnect:
		// The server never originates streams.
		e.log.Warn("protocol violation: CONNECT received on client", logging.KeyStreamID, f.StreamID)

	case mux.FramePadding:
		// Discard.
	}
}

// AbandonStreams closes every live stream's inbound channel and clears the
// map. The supervisor calls this when a tunnel session dies: streams do
// not survive a reconnect.
func (e *ClientEngine) AbandonStreams() {
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

	if len(abandoned) > 0 {
		e.log.Info("abandoned streams on tunnel loss", "count", len(abandoned))
	}
}

// StreamCount returns the number of live streams.
func (e *ClientEngine) StreamCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}
