// Package main provides the CLI entry point for the Chimera tunnel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/chimeranet/chimera/internal/config"
	"github.com/chimeranet/chimera/internal/logging"
	"github.com/chimeranet/chimera/internal/metrics"
	"github.com/chimeranet/chimera/internal/proxy"
	"github.com/chimeranet/chimera/internal/socks5"
	"github.com/chimeranet/chimera/internal/transport"
	"github.com/chimeranet/chimera/internal/tunnel"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "chimera",
		Short: "Chimera - censorship-resistant TCP tunneling proxy",
		Long: `Chimera tunnels TCP traffic from a local SOCKS5 proxy to a remote
server over an encrypted, obfuscated transport session. The handshake is
disguised as innocuous HTTP, many concurrent streams share one tunnel,
and the client falls back between transports using an adaptive path
scorer.`,
		Version: Version,
	}

	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(serverCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and builds the logger.
func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, log, nil
}

// buildTransports maps configured transport names to implementations.
func buildTransports(names []string) ([]transport.Transport, error) {
	transports := make([]transport.Transport, 0, len(names))
	for _, name := range names {
		switch name {
		case "TCP":
			transports = append(transports, transport.NewTCPTransport())
		case "BlockedProtocol":
			transports = append(transports, transport.NewBlockedTransport())
		case "WebSocket":
			transports = append(transports, transport.NewWSTransport())
		case "QUIC":
			transports = append(transports, transport.NewQUICTransport())
		default:
			return nil, fmt.Errorf("unknown transport %q", name)
		}
	}
	return transports, nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func clientCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the tunnel client with a local SOCKS5 proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			if cfg.Metrics.Address != "" {
				if err := metrics.Serve(cfg.Metrics.Address); err != nil {
					return fmt.Errorf("metrics listener: %w", err)
				}
				log.Info("metrics listening", logging.KeyAddress, cfg.Metrics.Address)
			}

			transports, err := buildTransports(cfg.Client.Transports)
			if err != nil {
				return err
			}

			client, err := tunnel.NewClient(tunnel.ClientConfig{
				ServerAddr: cfg.ServerAddr(),
				Socks: socks5.Config{
					Address:        cfg.Client.SocksAddress,
					MaxConnections: cfg.Client.SocksMaxConnections,
				},
				Transports:  transports,
				Obfuscate:   cfg.Client.Obfuscate,
				SystemProxy: cfg.Client.SystemProxy,
				Logger:      log,
			})
			if err != nil {
				return err
			}

			// Seed the scorer so the fallback behavior is observable from a
			// cold start: the blocked path looks fastest until it fails.
			scorer := client.Scorer()
			for _, tr := range transports {
				switch tr.Name() {
				case "BlockedProtocol":
					scorer.UpdateLatency(tr.Name(), 10*time.Millisecond)
				case "TCP":
					scorer.UpdateLatency(tr.Name(), 100*time.Millisecond)
				}
			}

			log.Info("starting client",
				"server", cfg.ServerAddr(),
				"socks", cfg.Client.SocksAddress)

			ctx, cancel := signalContext()
			defer cancel()

			return client.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func serverCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the tunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			if cfg.Metrics.Address != "" {
				if err := metrics.Serve(cfg.Metrics.Address); err != nil {
					return fmt.Errorf("metrics listener: %w", err)
				}
				log.Info("metrics listening", logging.KeyAddress, cfg.Metrics.Address)
			}

			transports, err := buildTransports(cfg.Server.Transports)
			if err != nil {
				return err
			}

			server, err := tunnel.NewServer(tunnel.ServerConfig{
				Bind:       cfg.Server.Bind,
				Transports: transports,
				Proxy: proxy.ServerConfig{
					DialTimeout: cfg.Server.DialTimeout,
					RateLimit:   rate.Limit(cfg.Server.RateLimitBytes),
				},
				Logger: log,
			})
			if err != nil {
				return err
			}

			log.Info("starting server", logging.KeyAddress, cfg.Server.Bind)

			ctx, cancel := signalContext()
			defer cancel()

			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}
