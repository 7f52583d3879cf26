package transport

import (
	"context"
	"errors"
	"time"
)

// blockedDelay is how long Connect stalls before failing, imitating a
// middlebox that silently drops the SYN and then resets.
const blockedDelay = 500 * time.Millisecond

// ErrBlocked is the simulated failure returned by the blocked transport.
var ErrBlocked = errors.New("connection reset by peer (simulated DPI block)")

// BlockedTransport is a deliberately failing transport used to exercise
// the path scorer's fallback behavior. Connect always fails after a fixed
// delay; Listen fails unconditionally.
type BlockedTransport struct{}

// NewBlockedTransport creates a new blocked transport.
func NewBlockedTransport() *BlockedTransport {
	return &BlockedTransport{}
}

// Name returns the scorer key for this transport.
func (t *BlockedTransport) Name() string {
	return "BlockedProtocol"
}

// Connect sleeps for the simulated block delay, then fails.
func (t *BlockedTransport) Connect(ctx context.Context, addr string) (Conn, error) {
	select {
	case <-time.After(blockedDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, ErrBlocked
}

// Listen always fails.
func (t *BlockedTransport) Listen(addr string) (Listener, error) {
	return nil, errors.New("cannot bind blocked transport")
}
