package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/chimeranet/chimera/internal/logging"
	"github.com/chimeranet/chimera/internal/metrics"
	"github.com/chimeranet/chimera/internal/mimic"
	"github.com/chimeranet/chimera/internal/mux"
	"github.com/chimeranet/chimera/internal/proxy"
	"github.com/chimeranet/chimera/internal/session"
	"github.com/chimeranet/chimera/internal/transport"
)

// ServerConfig configures the server-side acceptor.
type ServerConfig struct {
	// Bind is the listen address shared by all enabled transports.
	Bind string

	// Transports are the transports to listen on.
	Transports []transport.Transport

	// Proxy tunes the per-tunnel server engines.
	Proxy proxy.ServerConfig

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server accepts raw transport connections and runs one encrypted tunnel
// per connection, each with its own mux engine.
type Server struct {
	cfg     ServerConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	listeners []namedListener
}

// namedListener pairs a bound listener with its transport name.
type namedListener struct {
	transport.Listener
	name string
}

// NewServer creates a server acceptor.
func NewServer(cfg ServerConfig) (*Server, error) {
	if len(cfg.Transports) == 0 {
		return nil, errors.New("no transports configured")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Server{
		cfg:     cfg,
		log:     log.With(logging.KeyComponent, "tunnel-server"),
		metrics: m,
	}, nil
}

// acceptedConn is one raw connection plus where it came from.
type acceptedConn struct {
	conn      transport.Conn
	transport string
	remote    net.Addr
}

// Listen binds all configured transports. It fails only when no
// transport can listen, and is a no-op once bound.
func (s *Server) Listen() error {
	if len(s.listeners) > 0 {
		return nil
	}

	for _, tr := range s.cfg.Transports {
		listener, err := tr.Listen(s.cfg.Bind)
		if err != nil {
			s.log.Error("transport listen failed",
				logging.KeyTransport, tr.Name(),
				logging.KeyAddress, s.cfg.Bind,
				logging.KeyError, err)
			continue
		}
		s.log.Info("listening",
			logging.KeyTransport, tr.Name(),
			logging.KeyAddress, listener.Addr().String())
		s.listeners = append(s.listeners, namedListener{Listener: listener, name: tr.Name()})
	}

	if len(s.listeners) == 0 {
		return errors.New("no transport could listen")
	}
	return nil
}

// Addrs returns the bound listener addresses, in transport order.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, listener := range s.listeners {
		addrs = append(addrs, listener.Addr())
	}
	return addrs
}

// Run binds the transports if needed and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	conns := make(chan acceptedConn)
	for _, listener := range s.listeners {
		go s.acceptLoop(ctx, listener.Listener, listener.name, conns)
	}

	defer func() {
		for _, listener := range s.listeners {
			listener.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ac := <-conns:
			go s.handleConn(ctx, ac)
		}
	}
}

// acceptLoop pushes accepted connections into the shared channel.
func (s *Server) acceptLoop(ctx context.Context, listener transport.Listener, name string, conns chan<- acceptedConn) {
	for {
		conn, remote, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", logging.KeyTransport, name, logging.KeyError, err)
			continue
		}

		remoteStr := "unknown"
		if remote != nil {
			remoteStr = remote.String()
		}
		s.log.Info("new connection", logging.KeyTransport, name, logging.KeyRemoteAddr, remoteStr)

		select {
		case conns <- acceptedConn{conn: conn, transport: name, remote: remote}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// handleConn runs the server handshake under the handshake deadline, then
// drives one tunnel's data loop to completion.
func (s *Server) handleConn(ctx context.Context, ac acceptedConn) {
	type result struct {
		sess *session.Session
		err  error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		sess, err := session.Handshake(ac.conn, true, mimic.HTTPMimic{})
		ch <- result{sess, err}
	}()

	var sess *session.Session
	select {
	case <-time.After(handshakeTimeout):
		s.log.Warn("handshake timed out", logging.KeyTransport, ac.transport)
		ac.conn.Close()
		return
	case <-ctx.Done():
		ac.conn.Close()
		return
	case res := <-ch:
		if res.err != nil {
			// Probes and scanners land here; drop silently at info level.
			s.log.Info("handshake failed", logging.KeyTransport, ac.transport, logging.KeyError, res.err)
			ac.conn.Close()
			return
		}
		sess = res.sess
	}

	s.metrics.HandshakeLatency.Observe(time.Since(start).Seconds())
	s.metrics.TunnelConnects.Inc()
	s.log.Info("tunnel established", logging.KeyTransport, ac.transport)

	out := make(chan *mux.Frame, outboundChanCapacity)
	engine := proxy.NewServerEngine(out, s.cfg.Proxy, s.log, s.metrics)

	reason := runDataLoop(ctx, sess, out, engine, s.log)
	sess.Close()
	engine.AbandonStreams()

	s.log.Info("tunnel closed", logging.KeyReason, reason)
}
