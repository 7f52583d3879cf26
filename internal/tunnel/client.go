package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chimeranet/chimera/internal/logging"
	"github.com/chimeranet/chimera/internal/metrics"
	"github.com/chimeranet/chimera/internal/mimic"
	"github.com/chimeranet/chimera/internal/mux"
	"github.com/chimeranet/chimera/internal/proxy"
	"github.com/chimeranet/chimera/internal/routing"
	"github.com/chimeranet/chimera/internal/session"
	"github.com/chimeranet/chimera/internal/socks5"
	"github.com/chimeranet/chimera/internal/sysproxy"
	"github.com/chimeranet/chimera/internal/transport"
)

// handshakeSeedLatency is credited to a path after a successful
// handshake; it pulls the estimate toward a healthy value faster than
// waiting for real measurements.
const handshakeSeedLatency = 50 * time.Millisecond

// ClientConfig configures the client-side supervisor.
type ClientConfig struct {
	// ServerAddr is the tunnel server's host:port.
	ServerAddr string

	// Socks configures the local SOCKS5 listener.
	Socks socks5.Config

	// Transports are the candidate paths, registered with the scorer in
	// order.
	Transports []transport.Transport

	// Obfuscate enables padding frames on short writes.
	Obfuscate bool

	// SystemProxy enables the OS proxy helper while the client runs.
	SystemProxy bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client is the client-side tunnel supervisor. The SOCKS listener, mux
// engine, and outbound frame channel persist across reconnects; each
// tunnel session is otherwise fresh, and streams live at a disconnect are
// abandoned.
type Client struct {
	cfg        ClientConfig
	scorer     *routing.Scorer
	transports map[string]transport.Transport
	out        chan *mux.Frame
	engine     *proxy.ClientEngine
	sysProxy   *sysproxy.Manager
	log        *slog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	socksLis *socks5.Listener
}

// NewClient creates a client supervisor and registers its transports with
// the path scorer.
func NewClient(cfg ClientConfig) (*Client, error) {
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

	scorer := routing.NewScorer()
	byName := make(map[string]transport.Transport, len(cfg.Transports))
	for _, tr := range cfg.Transports {
		scorer.Register(tr.Name())
		byName[tr.Name()] = tr
	}

	out := make(chan *mux.Frame, outboundChanCapacity)

	return &Client{
		cfg:        cfg,
		scorer:     scorer,
		transports: byName,
		out:        out,
		engine:     proxy.NewClientEngine(out, cfg.Obfuscate, log, m),
		sysProxy:   sysproxy.NewManager(log),
		log:        log.With(logging.KeyComponent, "tunnel-client"),
		metrics:    m,
	}, nil
}

// Scorer exposes the path scorer so callers can seed initial estimates.
func (c *Client) Scorer() *routing.Scorer {
	return c.scorer
}

// SocksAddr returns the bound SOCKS listener address, or nil before Run
// has bound it.
func (c *Client) SocksAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socksLis == nil {
		return nil
	}
	return c.socksLis.Addr()
}

// Run binds the SOCKS listener and drives the reconnection loop until ctx
// is canceled. The listener stays bound across tunnel drops.
func (c *Client) Run(ctx context.Context) error {
	listener, err := socks5.Listen(c.cfg.Socks, c.log)
	if err != nil {
		return err
	}
	defer listener.Close()

	c.mu.Lock()
	c.socksLis = listener
	c.mu.Unlock()

	go c.acceptLoop(listener)

	if c.cfg.SystemProxy {
		host, port := splitSocksAddr(listener.Addr())
		if err := c.sysProxy.Enable(host, port); err != nil {
			c.log.Error("failed to enable system proxy", logging.KeyError, err)
		}
	}
	defer c.sysProxy.Disable()

	c.log.Info("client running", "socks", listener.Addr().String(), "server", c.cfg.ServerAddr)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		sess, pathName, err := c.establish(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !sleepOrDone(ctx, reconnectDelay) {
				return nil
			}
			continue
		}

		c.log.Info("tunnel established", logging.KeyPath, pathName)
		reason := runDataLoop(ctx, sess, c.out, c.engine, c.log)
		sess.Close()
		c.engine.AbandonStreams()

		if ctx.Err() != nil {
			return nil
		}

		c.log.Warn("disconnected, reconnecting",
			logging.KeyReason, reason,
			logging.KeyDuration, reconnectDelay)
		c.metrics.TunnelReconnects.Inc()

		if !sleepOrDone(ctx, reconnectDelay) {
			return nil
		}
	}
}

// establish picks the best-scored path, connects, and completes the
// handshake. Failures are fed back to the scorer.
func (c *Client) establish(ctx context.Context, attempt int) (*session.Session, string, error) {
	name, ok := c.scorer.Best()
	if !ok {
		return nil, "", errors.New("no paths registered")
	}
	tr, ok := c.transports[name]
	if !ok {
		tr = c.transports["TCP"]
		if tr == nil {
			return nil, "", fmt.Errorf("no transport for path %q", name)
		}
	}

	if attempt > 1 {
		c.log.Warn("connecting", logging.KeyAttempt, attempt, logging.KeyPath, name)
	}

	conn, err := tr.Connect(ctx, c.cfg.ServerAddr)
	if err != nil {
		c.log.Warn("transport connect failed", logging.KeyPath, name, logging.KeyError, err)
		c.scorer.ReportFailure(name)
		c.metrics.TunnelFailures.WithLabelValues("connect").Inc()
		c.publishScores()
		return nil, "", err
	}

	start := time.Now()
	sess, err := session.Handshake(conn, false, mimic.HTTPMimic{})
	if err != nil {
		conn.Close()
		c.log.Warn("handshake failed", logging.KeyPath, name, logging.KeyError, err)
		c.scorer.ReportFailure(name)
		c.metrics.TunnelFailures.WithLabelValues("handshake").Inc()
		c.publishScores()
		return nil, "", err
	}

	c.scorer.UpdateLatency(name, handshakeSeedLatency)
	c.metrics.HandshakeLatency.Observe(time.Since(start).Seconds())
	c.metrics.TunnelConnects.Inc()
	c.publishScores()

	return sess, name, nil
}

// acceptLoop feeds accepted SOCKS sockets into the mux engine. It exits
// when the listener closes.
func (c *Client) acceptLoop(listener *socks5.Listener) {
	for {
		conn, host, port, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.log.Debug("SOCKS accept error", logging.KeyError, err)
			continue
		}
		c.engine.StartStream(conn, host, port)
	}
}

// publishScores exports the current path scores to Prometheus.
func (c *Client) publishScores() {
	for _, name := range c.scorer.Names() {
		if stats, ok := c.scorer.Stats(name); ok {
			c.metrics.PathScore.WithLabelValues(name).Set(float64(stats.Score()))
		}
	}
}

// sleepOrDone sleeps for d unless ctx finishes first. It reports whether
// the caller should keep going.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// splitSocksAddr extracts host and port for the system proxy helper.
func splitSocksAddr(addr net.Addr) (string, uint16) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return "127.0.0.1", 1080
	}
	return tcpAddr.IP.String(), uint16(tcpAddr.Port)
}
