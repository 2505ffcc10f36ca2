// kernelctl manages a fleet of remote kernel execution endpoints: it loads
// endpoint definitions from a TOML file, drives each endpoint's server
// lifecycle over SSH, and exposes the registry through a local admin API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/remotekernel/kernelctl/internal/admin"
	"github.com/remotekernel/kernelctl/internal/bridge"
	"github.com/remotekernel/kernelctl/internal/config"
	"github.com/remotekernel/kernelctl/internal/events"
	"github.com/remotekernel/kernelctl/internal/logging"
	"github.com/remotekernel/kernelctl/internal/registry"
)

func main() {
	if err := run(); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "kernelctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		adminAddr     string
		corsOrigins   []string
		bridgeWorkers int
		bridgeQueue   int
		autoStart     bool
	)

	flagSet := pflag.NewFlagSet("kernelctl", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "endpoints.toml", "path to the endpoint configuration file")
	flagSet.StringVar(&adminAddr, "admin-addr", "127.0.0.1:8450", "listen address for the admin API")
	flagSet.StringSliceVar(&corsOrigins, "cors-origin", nil, "allowed CORS origins for the admin API")
	flagSet.IntVar(&bridgeWorkers, "bridge-workers", bridge.DefaultConfig().Workers, "background workers for network operations")
	flagSet.IntVar(&bridgeQueue, "bridge-queue", bridge.DefaultConfig().QueueSize, "queue size for pending operations")
	flagSet.BoolVar(&autoStart, "auto-start", false, "bring every configured endpoint to running on boot")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	logging.ConfigureRuntime()
	logger := logging.Component("kernelctl")

	store, err := config.Load(configPath)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()
	br := bridge.NewWithConfig(logger, bridge.Config{Workers: bridgeWorkers, QueueSize: bridgeQueue})
	reg := registry.New(registry.Deps{Bridge: br, Bus: bus, Logger: logger})
	if err := reg.LoadStore(store); err != nil {
		return err
	}
	logger.Info().Int("endpoints", len(store.IDs())).Str("config", configPath).Msg("registry loaded")

	go logEvents(bus)

	if autoStart {
		for _, id := range reg.ListLoaded() {
			id := id
			if _, err := reg.Dispatch(id, "ensure-running", func(opErr error) {
				if opErr != nil {
					log.Warn().Err(opErr).Str("endpoint", id).Msg("auto-start failed")
				}
			}); err != nil {
				logger.Warn().Err(err).Str("endpoint", id).Msg("auto-start dispatch failed")
			}
		}
	}

	api := admin.New(reg, logger, corsOrigins)
	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Start(adminAddr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin api: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("admin api shutdown")
	}
	reg.CloseAll()
	if err := br.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("bridge shutdown")
	}
	return nil
}

// logEvents mirrors every registry notification into the process log.
func logEvents(bus *events.Bus) {
	sub := bus.Subscribe(128)
	for event := range sub.Events() {
		entry := log.Debug().
			Str("kind", string(event.Kind)).
			Str("endpoint", event.EndpointID)
		if event.State != "" {
			entry = entry.Str("state", event.State)
		}
		if event.KernelID != "" {
			entry = entry.Str("kernel", event.KernelID)
		}
		if event.Kind == events.KindServerLog {
			entry = entry.Str("server_log", event.Log.Message)
		}
		entry.Msg("event")
	}
}
