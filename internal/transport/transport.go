// Package transport provides the pluggable byte-stream transports the
// tunnel runs over.
package transport

import (
	"context"
	"net"
)

// Transport creates and accepts tunnel connections. A transport's Name is
// the key the path scorer uses to rank it against the alternatives.
type Transport interface {
	// Connect dials a remote endpoint.
	Connect(ctx context.Context, addr string) (Conn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string) (Listener, error)

	// Name returns the stable transport name used as the scorer key.
	Name() string
}

// Conn is a reliable byte-stream connection. Chunk boundaries are not part
// of the contract: Recv may return any non-empty prefix of the remaining
// stream, and the session layer re-frames on top.
type Conn interface {
	// Send writes all of data to the connection.
	Send(data []byte) error

	// Recv returns the next chunk of received bytes. It returns
	// (nil, io.EOF) on clean end of stream.
	Recv() ([]byte, error)

	// Close terminates the connection.
	Close() error

	// RemoteAddr returns the remote address.
	RemoteAddr() net.Addr
}

// Listener accepts incoming transport connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (Conn, net.Addr, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}
