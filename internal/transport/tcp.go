package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// tcpRecvSize is the read buffer size for a single Recv. The encrypted
// session accumulates across reads, so the value only affects syscall
// granularity.
const tcpRecvSize = 1024

// TCPTransport implements Transport over plain TCP.
type TCPTransport struct{}

// NewTCPTransport creates a new TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// Name returns the scorer key for this transport.
func (t *TCPTransport) Name() string {
	return "TCP"
}

// Connect dials addr over TCP.
func (t *TCPTransport) Connect(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	return &tcpConn{conn: conn}, nil
}

// Listen binds a TCP listener on addr.
func (t *TCPTransport) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	return &tcpListener{ln: ln}, nil
}

type tcpConn struct {
	conn net.Conn
}

func (c *tcpConn) Send(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

func (c *tcpConn) Recv() ([]byte, error) {
	buf := make([]byte, tcpRecvSize)
	n, err := c.conn.Read(buf)
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

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, net.Addr, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		l.ln.Close()
		return nil, nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, nil, res.err
		}
		return &tcpConn{conn: res.conn}, res.conn.RemoteAddr(), nil
	}
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}
