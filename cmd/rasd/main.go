// Package main provides the CLI entry point for the RAS daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rasdaemon/rasd/internal/config"
	"github.com/rasdaemon/rasd/internal/connmgr"
	"github.com/rasdaemon/rasd/internal/logging"
	"github.com/rasdaemon/rasd/internal/metrics"
	"github.com/rasdaemon/rasd/internal/orchestrator"
	"github.com/rasdaemon/rasd/internal/pairing"
	"github.com/rasdaemon/rasd/internal/registry"
	"github.com/rasdaemon/rasd/internal/rendezvous"
	"github.com/rasdaemon/rasd/internal/signaling"
	"github.com/rasdaemon/rasd/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "rasd",
		Short:   "RAS daemon - secure remote terminal control",
		Version: Version,
	}
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

// run wires the daemon's subsystems against cfg and serves the
// signaling HTTP surface until an interrupt or terminate signal
// arrives.
func run(cfg config.Config) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	devices, err := registry.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open device registry: %w", err)
	}

	mx := metrics.Default()
	factory := transport.NewFactory()

	sessions := pairing.NewRegistry(cfg.Policy, logger, pairing.WithMetrics(mx))
	defer sessions.Stop()

	endpoint := signaling.NewEndpoint(sessions, devices, factory, cfg.Policy, logger,
		signaling.WithMetrics(mx))

	reconnect := rendezvous.New(cfg.NtfyServer, factory, cfg.Policy, logger,
		rendezvous.WithMetrics(mx))

	conns := connmgr.New(logger, connmgr.WithMetrics(mx), connmgr.WithBroadcastTimeout(cfg.Policy.BroadcastSendTimeout))

	orch := orchestrator.New(devices, reconnect, conns, cfg.Policy, logger)
	orch.WireSignaling(endpoint)
	orch.WireRendezvous(reconnect)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch.Start(ctx)
	defer orch.Stop()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: endpoint.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("signaling endpoint listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("signaling server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("signaling server shutdown error", logging.KeyError, err)
	}
	return nil
}
