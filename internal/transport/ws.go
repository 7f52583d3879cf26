package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WebSocket transport constants
const (
	wsPath      = "/cdn-assets"
	wsReadLimit = 4 * 1024 * 1024
)

// WSTransport implements Transport over WebSocket. Each Send is one binary
// message and each Recv returns one, which trivially satisfies the
// byte-stream contract (the session layer tolerates any chunking).
type WSTransport struct{}

// NewWSTransport creates a new WebSocket transport.
func NewWSTransport() *WSTransport {
	return &WSTransport{}
}

// Name returns the scorer key for this transport.
func (t *WSTransport) Name() string {
	return "WebSocket"
}

// Connect dials a WebSocket endpoint. addr is host:port; the URL path is
// fixed so both ends agree without extra configuration.
func (t *WSTransport) Connect(ctx context.Context, addr string) (Conn, error) {
	url := addr
	if !strings.Contains(url, "://") {
		url = "ws://" + addr + wsPath
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", addr, err)
	}
	conn.SetReadLimit(wsReadLimit)

	return &wsConn{conn: conn, ctx: context.Background()}, nil
}

// Listen starts an HTTP server on addr that upgrades requests on the
// transport path to WebSocket connections.
func (t *WSTransport) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen %s: %w", addr, err)
	}

	l := &wsListener{
		netLn:   ln,
		connCh:  make(chan *wsConn, 16),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, l.handleUpgrade)
	l.server = &http.Server{Handler: mux}

	go l.server.Serve(ln)

	return l, nil
}

type wsListener struct {
	netLn   net.Listener
	server  *http.Server
	connCh  chan *wsConn
	closeCh chan struct{}
	closed  atomic.Bool
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	remote, _ := net.ResolveTCPAddr("tcp", r.RemoteAddr)

	select {
	case l.connCh <- &wsConn{conn: conn, ctx: context.Background(), remote: remote}:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

func (l *wsListener) Accept(ctx context.Context) (Conn, net.Addr, error) {
	select {
	case conn := <-l.connCh:
		return conn, conn.RemoteAddr(), nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-l.closeCh:
		return nil, nil, errors.New("listener closed")
	}
}

func (l *wsListener) Addr() net.Addr {
	return l.netLn.Addr()
}

func (l *wsListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

type wsConn struct {
	conn   *websocket.Conn
	ctx    context.Context
	remote net.Addr
}

func (c *wsConn) Send(data []byte) error {
	return c.conn.Write(c.ctx, websocket.MessageBinary, data)
}

func (c *wsConn) Recv() ([]byte, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.remote
}
