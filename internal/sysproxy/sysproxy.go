// Package sysproxy toggles the operating system's SOCKS proxy so local
// applications use the tunnel without per-app configuration. Only macOS
// (networksetup) is supported; other platforms are a no-op.
package sysproxy

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/chimeranet/chimera/internal/logging"
)

// Manager enables and disables the system SOCKS proxy. Disable is
// idempotent so it can be called from both the shutdown path and a
// deferred cleanup without double-toggling.
type Manager struct {
	iface  string
	log    *slog.Logger
	active atomic.Bool
}

// NewManager creates a manager for the default network interface.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Manager{
		iface: detectInterface(),
		log:   log.With(logging.KeyComponent, "sysproxy"),
	}
}

// detectInterface picks the network service to configure. Wi-Fi covers
// the common laptop case; a robust version would parse
// `networksetup -listallhardwareports`.
func detectInterface() string {
	return "Wi-Fi"
}

// Enable points the system SOCKS proxy at host:port.
func (m *Manager) Enable(host string, port uint16) error {
	if runtime.GOOS != "darwin" {
		m.log.Debug("system proxy not supported on this platform", "os", runtime.GOOS)
		return nil
	}

	err := exec.Command("networksetup",
		"-setsocksfirewallproxy", m.iface, host, strconv.Itoa(int(port))).Run()
	if err != nil {
		return fmt.Errorf("networksetup: %w", err)
	}

	// Some macOS versions need the state flipped separately.
	exec.Command("networksetup", "-setsocksfirewallproxystate", m.iface, "on").Run()

	m.active.Store(true)
	m.log.Info("system proxy enabled", logging.KeyAddress, fmt.Sprintf("%s:%d", host, port))
	return nil
}

// Disable turns the system SOCKS proxy off if this manager enabled it.
func (m *Manager) Disable() {
	if !m.active.Swap(false) {
		return
	}

	if runtime.GOOS != "darwin" {
		return
	}

	exec.Command("networksetup", "-setsocksfirewallproxystate", m.iface, "off").Run()
	m.log.Info("system proxy disabled")
}

// Active reports whether this manager currently has the proxy enabled.
func (m *Manager) Active() bool {
	return m.active.Load()
}
