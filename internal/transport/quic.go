package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chimeranet/chimera/internal/certutil"
)

// QUIC configuration values
const (
	quicALPN        = "chimera"
	quicIdleTimeout = 60 * time.Second
	quicKeepAlive   = 30 * time.Second
	quicRecvSize    = 32 * 1024
)

// QUICTransport implements Transport over a single bidirectional QUIC
// stream per connection. TLS is self-signed and unverified; the encrypted
// session layered on top provides the tunnel's actual confidentiality.
type QUICTransport struct{}

// NewQUICTransport creates a new QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

// Name returns the scorer key for this transport.
func (t *QUICTransport) Name() string {
	return "QUIC"
}

// Connect dials addr over QUIC and opens the tunnel stream.
func (t *QUICTransport) Connect(ctx context.Context, addr string) (Conn, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
		MinVersion:         tls.VersionTLS13,
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}

	return &quicConn{conn: conn, stream: stream}, nil
}

// Listen binds a QUIC listener on addr with a freshly generated
// self-signed certificate.
func (t *QUICTransport) Listen(addr string) (Listener, error) {
	cert, err := certutil.GenerateSelfSigned("chimera")
	if err != nil {
		return nil, fmt.Errorf("quic listener certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
	}

	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}

	return &quicListener{ln: ln}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        quicIdleTimeout,
		KeepAlivePeriod:       quicKeepAlive,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
	}
}

type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (Conn, net.Addr, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, nil, err
	}

	// The tunnel stream is not visible until the dialer writes to it; the
	// first thing a client sends is its handshake envelope.
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return nil, nil, err
	}

	return &quicConn{conn: conn, stream: stream}, conn.RemoteAddr(), nil
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	return l.ln.Close()
}

type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicConn) Send(data []byte) error {
	_, err := c.stream.Write(data)
	return err
}

func (c *quicConn) Recv() ([]byte, error) {
	buf := make([]byte, quicRecvSize)
	n, err := c.stream.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return nil, io.EOF
}

func (c *quicConn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "connection closed")
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
