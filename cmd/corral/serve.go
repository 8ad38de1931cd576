package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corralhq/corral/pkg/api"
	"github.com/corralhq/corral/pkg/backup"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/ftp"
	"github.com/corralhq/corral/pkg/health"
	"github.com/corralhq/corral/pkg/lifecycle"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/network"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/stats"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/template"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the corral daemon",
	Long: `Runs the control plane: the cluster lifecycle controller, the
health and recovery engine, the metrics pipeline, the FTP sidecar
reconciler and the operational HTTP surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return serve(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the YAML configuration file")
}

// serve is the composition root: every collaborator is constructed and
// wired here, explicitly, then torn down in reverse order.
func serve(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := storage.Open(ctx, cfg.Store.DSN)
	cancel()
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	driver, err := runtime.NewDriver(runtime.Config{
		Command:        cfg.Runtime.Command,
		CommandTimeout: cfg.Runtime.CommandTimeout,
	})
	if err != nil {
		metrics.RegisterComponent("runtime", false, err.Error())
		return fmt.Errorf("failed to initialize container runtime: %w", err)
	}
	metrics.RegisterComponent("runtime", true, "")

	allocator := network.NewAllocator(store, network.Config{
		AppMin: cfg.Ports.AppMin, AppMax: cfg.Ports.AppMax,
		FTPMin: cfg.Ports.FTPMin, FTPMax: cfg.Ports.FTPMax,
	})
	templates := template.NewService(cfg.Paths.TemplatesDir, cfg.Paths.ClustersDir, cfg.Paths.ScriptsDir)

	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()

	collector := stats.NewCollector(cfg.Stats, driver, store, bus)

	controller := lifecycle.NewController(store, driver, allocator, templates, collector, cfg.Defaults, cfg.Health)

	sidecars := ftp.NewManager(cfg.FTP, driver, store)
	controller.SetSidecarManager(sidecars)

	monitor := health.NewMonitor(cfg.Health, driver, store, controller)
	controller.SetHealthObserver(monitor)

	collector.Start()
	metrics.RegisterComponent("stats-collector", true, "")
	defer collector.Stop()

	monitor.Start()
	metrics.RegisterComponent("health-monitor", true, "")
	defer monitor.Stop()

	sidecars.Start()
	defer sidecars.StopReconciler()

	var backups *backup.Manager
	if cfg.Backup.Enabled {
		backups = backup.NewManager(cfg.Backup, store, controller)
		backups.Start()
		defer backups.Stop()
	}

	server := api.NewServer(cfg.API.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Stop(shutdownCtx)
	}()

	logger.Info().Str("version", Version).Str("api", cfg.API.Addr).Msg("corral daemon running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
		return err
	}
	return nil
}
