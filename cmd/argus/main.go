// Command argus runs the scan orchestration server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/soclab/argus/internal/api"
	"github.com/soclab/argus/internal/apisec"
	"github.com/soclab/argus/internal/config"
	"github.com/soclab/argus/internal/events"
	"github.com/soclab/argus/internal/logging"
	"github.com/soclab/argus/internal/netguard"
	"github.com/soclab/argus/internal/scanner"
	"github.com/soclab/argus/internal/scheduler"
	"github.com/soclab/argus/internal/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "argus",
		Short: "Scan orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "argus",
	})
	log.Info().Str("version", Version).Msg("Starting argus")

	if err := os.MkdirAll(cfg.DataPath, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer st.Close()

	validator := netguard.New(netguard.Options{
		AllowedSchemes:  cfg.SSRFAllowedSchemes,
		AllowedPorts:    cfg.SSRFAllowedPorts,
		HostDenylist:    cfg.SSRFHostDenylist,
		ResolverTimeout: cfg.DNSResolverTimeout,
	})

	hub := events.NewHub()
	pipeline := apisec.NewPipeline(cfg, st, validator)
	engine := scanner.New(cfg, st, hub, nil, pipeline)
	sched := scheduler.New(cfg, st, engine, hub, validator)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	if watcher, err := config.NewToolWatcher(filepath.Clean(cfg.ToolRoot)); err != nil {
		log.Warn().Err(err).Str("root", cfg.ToolRoot).Msg("Tool root not watchable")
	} else {
		watcher.Subscribe(func(path string) {
			log.Info().Str("path", path).Msg("Tool root changed, adapters will re-resolve binaries")
		})
		defer watcher.Stop()
	}

	router := api.NewRouter(cfg, st, sched, hub, validator, Version)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	logging.GoRecover("http-server", func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	return nil
}
