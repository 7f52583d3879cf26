// Package tunnel binds the session, mux, and proxy layers together: the
// client side runs a reconnecting supervisor behind a persistent SOCKS
// listener, the server side accepts raw connections and spawns a mux
// engine per tunnel.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/chimeranet/chimera/internal/logging"
	"github.com/chimeranet/chimera/internal/mux"
	"github.com/chimeranet/chimera/internal/session"
)

const (
	// outboundChanCapacity bounds queued outbound frames so stream
	// writers feel backpressure when the network slows.
	outboundChanCapacity = 1000

	// reconnectDelay is the fixed backoff between tunnel attempts.
	reconnectDelay = 1 * time.Second

	// handshakeTimeout bounds the server-side handshake; a raw connection
	// that has not completed the key exchange by then is dropped.
	handshakeTimeout = 5 * time.Second
)

// frameHandler dispatches one inbound frame to a mux engine.
type frameHandler interface {
	HandleFrame(*mux.Frame)
}

// runDataLoop multiplexes one established session: inbound records are
// drained through a frame decoder into the engine, outbound frames are
// serialized onto the session. It returns a human-readable reason once
// the session is unusable or ctx is done. The caller closes the session.
//
// Frames left in out when the loop exits stay queued for the next
// session; inbound partial frames die with the decoder.
func runDataLoop(ctx context.Context, sess *session.Session, out <-chan *mux.Frame, engine frameHandler, log *slog.Logger) string {
	done := make(chan struct{})
	defer close(done)

	recvCh := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		for {
			record, err := sess.Recv()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case recvCh <- record:
			case <-done:
				return
			}
		}
	}()

	var dec mux.Decoder
	for {
		select {
		case <-ctx.Done():
			return "shutdown"

		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return "tunnel closed (EOF)"
			}
			return fmt.Sprintf("tunnel error (read): %v", err)

		case record := <-recvCh:
			dec.Push(record)
			for {
				frame, err := dec.Next()
				if err != nil {
					return fmt.Sprintf("malformed frame: %v", err)
				}
				if frame == nil {
					break
				}
				engine.HandleFrame(frame)
			}

		case frame := <-out:
			data, err := frame.Encode()
			if err != nil {
				// A stream handed us an unencodable frame; drop it
				// rather than kill everyone's session.
				log.Warn("dropping unencodable frame", "frame", frame.String(), logging.KeyError, err)
				continue
			}
			if err := sess.Send(data); err != nil {
				return fmt.Sprintf("tunnel error (write): %v", err)
			}
		}
	}
}
