// Package proxy implements the two mux engines that terminate streams at
// each end of the tunnel: the client engine feeding SOCKS sockets into
// frames, and the server engine dialing destinations on the client's
// behalf.
package proxy

import (
	"context"
	crand "crypto/rand"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/chimeranet/chimera/internal/logging"
	"github.com/chimeranet/chimera/internal/metrics"
	"github.com/chimeranet/chimera/internal/mux"
)

const (
	// readBufferSize keeps a Data frame plus the mux and session headers
	// under a typical MTU.
	readBufferSize = 1400

	// streamChanCapacity absorbs bursts for a slow local consumer so the
	// tunnel reader never stalls on one stream.
	streamChanCapacity = 10000

	// Padding obfuscation: short reads may be preceded by a padding frame.
	paddingThreshold = 500
	paddingMinSize   = 10
	paddingMaxSize   = 200
	paddingChance    = 0.5
)

// stream is one side's record of a live stream: the inbound channel its
// socket-writer drains. deliver and closeInbound can race between the
// frame dispatcher and bridge teardown, so both go through the stream's
// own mutex; the send itself is non-blocking and never held across other
// locks.
type stream struct {
	id uint32

	mu      sync.Mutex
	inbound chan []byte
	closed  bool
}

func newStream(id uint32) *stream {
	return &stream{
		id:      id,
		inbound: make(chan []byte, streamChanCapacity),
	}
}

// deliver hands a payload to the stream's writer half without blocking.
// A full channel means the consumer is hopelessly behind; the payload is
// dropped rather than stalling the tunnel reader.
func (s *stream) deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.inbound <- payload:
		return true
	default:
		return false
	}
}

// closeInbound signals the writer half that no more payloads will arrive.
func (s *stream) closeInbound() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.inbound)
}

// bridgeConfig parameterizes runBridge for the two engines.
type bridgeConfig struct {
	obfuscate bool
	limiter   *rate.Limiter
}

// runBridge pumps bytes between a TCP socket and the tunnel for one
// stream. It blocks until both halves finish:
//
//   - socket-to-tunnel reads up to readBufferSize bytes per iteration and
//     emits each slice as a Data frame, then a terminal Disconnect on
//     EOF or error;
//   - tunnel-to-socket drains the stream's inbound channel and writes to
//     the socket, exiting when the channel closes or a write fails.
func runBridge(conn net.Conn, st *stream, out chan<- *mux.Frame, cfg bridgeConfig, log *slog.Logger, m *metrics.Metrics) {
	var sent, received uint64
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()

		buf := make([]byte, readBufferSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if cfg.limiter != nil {
					// Shaping applies to payload bytes only.
					cfg.limiter.WaitN(context.Background(), n)
				}
				if cfg.obfuscate && n < paddingThreshold && rand.Float64() < paddingChance {
					out <- &mux.Frame{
						Type:     mux.FramePadding,
						StreamID: st.id,
						Payload:  paddingBytes(),
					}
					m.FramesSent.WithLabelValues(mux.FrameTypeName(mux.FramePadding)).Inc()
				}

				data := make([]byte, n)
				copy(data, buf[:n])
				out <- &mux.Frame{
					Type:     mux.FrameData,
					StreamID: st.id,
					Payload:  data,
				}
				sent += uint64(n)
				m.BytesSent.Add(float64(n))
				m.FramesSent.WithLabelValues(mux.FrameTypeName(mux.FrameData)).Inc()
			}
			if err != nil {
				break
			}
		}

		out <- &mux.Frame{Type: mux.FrameDisconnect, StreamID: st.id}
		m.FramesSent.WithLabelValues(mux.FrameTypeName(mux.FrameDisconnect)).Inc()
	}()

	go func() {
		defer wg.Done()

		for payload := range st.inbound {
			if _, err := conn.Write(payload); err != nil {
				// Unblock the read half as well.
				conn.Close()
				return
			}
			received += uint64(len(payload))
		}

		// Inbound channel closed: the peer disconnected this stream.
		conn.Close()
	}()

	wg.Wait()

	log.Debug("stream closed",
		logging.KeyStreamID, st.id,
		"sent", humanize.Bytes(sent),
		"received", humanize.Bytes(received))
}

// paddingBytes returns a random filler payload of 10 to 200 bytes.
func paddingBytes() []byte {
	n := paddingMinSize + rand.IntN(paddingMaxSize-paddingMinSize+1)
	buf := make([]byte, n)
	crand.Read(buf)
	return buf
}
