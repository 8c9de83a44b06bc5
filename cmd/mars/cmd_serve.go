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

	"github.com/mtzanidakis/mars/internal/config"
	"github.com/mtzanidakis/mars/internal/llm"
	"github.com/mtzanidakis/mars/internal/logging"
	"github.com/mtzanidakis/mars/internal/metrics"
	"github.com/mtzanidakis/mars/internal/natsbus"
	"github.com/mtzanidakis/mars/internal/optimizer"
	"github.com/mtzanidakis/mars/internal/runs"
	"github.com/mtzanidakis/mars/internal/store"
	"github.com/mtzanidakis/mars/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, event bus and background runner",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Close()
		return serve(cfg, log)
	},
}

func serve(cfg *config.Config, log *logging.Logger) error {
	slog.Info("starting mars", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	var (
		bus    *natsbus.Bus
		client *natsbus.Client
	)
	if cfg.NATS.Enabled {
		bus, err = natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()
		client, err = natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer client.Close()
		slog.Info("nats started", "port", bus.Port())
	}

	gen, err := llm.New(cfg.Provider)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}

	recorder := metrics.NewRecorder()
	mgr := runs.NewManager(db, client, cfg.Mars, gen, log.Logger, recorder)

	registry := optimizer.NewRegistry()
	coord, err := mgr.Coordinator()
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}
	if err := registry.Register(coord); err != nil {
		return err
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, mgr, registry, recorder, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal, reloading the config on SIGHUP
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			next, err := reload(cfg, log, mgr)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			cfg = next
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Warn("runs still in progress at shutdown", "error", err)
	}
	return nil
}

// reload re-reads the config file and applies the reloadable parts. Runs in
// progress keep the configuration they started with.
func reload(old *config.Config, log *logging.Logger, mgr *runs.Manager) (*config.Config, error) {
	next, err := loadConfig()
	if err != nil {
		return nil, err
	}
	diff := config.Diff(old, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, nothing changed")
		return next, nil
	}

	if diff.LogLevelChanged {
		if err := log.Reload(next.Log); err != nil {
			return nil, err
		}
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}

	if diff.MarsChanged || diff.ProviderChanged {
		var gen llm.Generator
		if diff.ProviderChanged {
			gen, err = llm.New(diff.NewProvider)
			if err != nil {
				return nil, fmt.Errorf("init provider: %w", err)
			}
		}
		if err := mgr.Reload(next.Mars, gen); err != nil {
			return nil, err
		}
		slog.Info("run configuration reloaded", "mars", diff.MarsChanged, "provider", diff.ProviderChanged)
	}
	return next, nil
}
