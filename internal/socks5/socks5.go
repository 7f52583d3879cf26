// Package socks5 implements the local SOCKS5 front end. It performs the
// greeting and CONNECT exchange, then hands the accepted socket to the
// tunnel supervisor in payload-passing state together with the requested
// target.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/netutil"

	"github.com/chimeranet/chimera/internal/logging"
)

// SOCKS5 protocol constants
const (
	socksVersion = 0x05

	authNone         = 0x00
	authNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess              = 0x00
	repCommandNotSupported  = 0x07
	repAddrTypeNotSupported = 0x08
)

// handshakeTimeout bounds how long a client may take to finish the SOCKS
// exchange before the connection is dropped.
const handshakeTimeout = 10 * time.Second

var (
	// ErrUnsupportedVersion is returned for clients that are not SOCKS5.
	ErrUnsupportedVersion = errors.New("unsupported SOCKS version")

	// ErrUnsupportedCommand is returned for anything but CONNECT.
	ErrUnsupportedCommand = errors.New("unsupported SOCKS command")

	// ErrUnsupportedAddrType is returned for address types other than
	// IPv4 and domain.
	ErrUnsupportedAddrType = errors.New("unsupported address type")

	// ErrNoAcceptableAuth is returned when the client does not offer
	// no-auth.
	ErrNoAcceptableAuth = errors.New("no acceptable authentication method")
)

// Config holds listener configuration.
type Config struct {
	// Address to listen on, e.g. "127.0.0.1:1080".
	Address string

	// MaxConnections caps concurrent client connections (0 = unlimited).
	MaxConnections int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:        "127.0.0.1:1080",
		MaxConnections: 1000,
	}
}

// Listener accepts SOCKS5 clients and completes the protocol exchange up
// to the CONNECT reply.
type Listener struct {
	ln  net.Listener
	log *slog.Logger
}

// Listen binds the SOCKS5 listener.
func Listen(cfg Config, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = logging.NopLogger()
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("socks5 listen %s: %w", cfg.Address, err)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	log.Info("SOCKS5 listener bound", logging.KeyAddress, ln.Addr().String())

	return &Listener{
		ln:  ln,
		log: log.With(logging.KeyComponent, "socks5"),
	}, nil
}

// Accept waits for a client, runs the greeting and CONNECT exchange, and
// returns the socket with the requested target host and port. The success
// reply has already been written; the socket is in payload-passing state.
//
// A client protocol violation closes that connection and returns an
// error; the caller should keep accepting. A closed listener surfaces as
// net.ErrClosed.
func (l *Listener) Accept() (net.Conn, string, uint16, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, "", 0, err
	}

	host, port, err := l.handshake(conn)
	if err != nil {
		conn.Close()
		return nil, "", 0, err
	}

	l.log.Info("connect request", logging.KeyTarget, fmt.Sprintf("%s:%d", host, port))
	return conn, host, port, nil
}

// handshake performs the method negotiation and CONNECT request.
func (l *Listener) handshake(conn net.Conn) (string, uint16, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	// Greeting: VER, NMETHODS, METHODS...
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return "", 0, fmt.Errorf("read greeting: %w", err)
	}
	if head[0] != socksVersion {
		return "", 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, head[0])
	}

	methods := make([]byte, int(head[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", 0, fmt.Errorf("read methods: %w", err)
	}

	hasNoAuth := false
	for _, m := range methods {
		if m == authNone {
			hasNoAuth = true
			break
		}
	}
	if !hasNoAuth {
		conn.Write([]byte{socksVersion, authNoAcceptable})
		return "", 0, ErrNoAcceptableAuth
	}

	if _, err := conn.Write([]byte{socksVersion, authNone}); err != nil {
		return "", 0, fmt.Errorf("write method choice: %w", err)
	}

	// Request: VER, CMD, RSV, ATYP, DST.ADDR, DST.PORT
	var req [4]byte
	if _, err := io.ReadFull(conn, req[:]); err != nil {
		return "", 0, fmt.Errorf("read request: %w", err)
	}

	if req[1] != cmdConnect {
		writeReply(conn, repCommandNotSupported)
		return "", 0, fmt.Errorf("%w: %d", ErrUnsupportedCommand, req[1])
	}

	var host string
	switch req[3] {
	case atypIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(conn, ip[:]); err != nil {
			return "", 0, fmt.Errorf("read IPv4 address: %w", err)
		}
		host = net.IP(ip[:]).String()

	case atypDomain:
		var length [1]byte
		if _, err := io.ReadFull(conn, length[:]); err != nil {
			return "", 0, fmt.Errorf("read domain length: %w", err)
		}
		name := make([]byte, int(length[0]))
		if _, err := io.ReadFull(conn, name); err != nil {
			return "", 0, fmt.Errorf("read domain: %w", err)
		}
		host = string(name)

	default:
		writeReply(conn, repAddrTypeNotSupported)
		return "", 0, fmt.Errorf("%w: %d", ErrUnsupportedAddrType, req[3])
	}

	var portBytes [2]byte
	if _, err := io.ReadFull(conn, portBytes[:]); err != nil {
		return "", 0, fmt.Errorf("read port: %w", err)
	}
	port := binary.BigEndian.Uint16(portBytes[:])

	// Reply success immediately; the tunnel handles the actual dial and
	// tears the stream down if it fails.
	if err := writeReply(conn, repSuccess); err != nil {
		return "", 0, fmt.Errorf("write reply: %w", err)
	}

	return host, port, nil
}

// writeReply sends a reply with a zero bound address.
func writeReply(conn net.Conn, rep byte) error {
	_, err := conn.Write([]byte{socksVersion, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the listener.
func (l *Listener) Close() error {
	return l.ln.Close()
}
