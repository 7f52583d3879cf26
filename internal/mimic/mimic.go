// Package mimic disguises the tunnel handshake as an innocuous cover
// protocol. The single handshake payload (an ephemeral public key) is
// wrapped in a cover-protocol envelope on the way out and extracted on
// the way in.
package mimic

import "errors"

// ErrNotRecognized is returned by Decapsulate when the packet does not
// look like the cover protocol at all.
var ErrNotRecognized = errors.New("packet not recognized as cover protocol")

// Mimic wraps and unwraps a handshake payload in a cover protocol.
// Only one variant exists today; the interface keeps the handshake code
// independent of the cover protocol in use.
type Mimic interface {
	// Encapsulate wraps the handshake payload into a cover-protocol
	// envelope. isServer selects the response-shaped envelope.
	Encapsulate(payload []byte, isServer bool) []byte

	// Decapsulate extracts the handshake payload from a cover-protocol
	// packet. It returns ErrNotRecognized when the packet does not match
	// the cover protocol, and a decode error when it matches but the
	// embedded payload is corrupt. Both are fatal to a handshake.
	Decapsulate(packet []byte) ([]byte, error)

	// Name returns the cover protocol name, e.g. "HTTP".
	Name() string
}
