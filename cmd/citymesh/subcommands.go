package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DrunkOnJava/citymesh/internal/config"
	"github.com/DrunkOnJava/citymesh/internal/coordinator"
	"github.com/DrunkOnJava/citymesh/internal/health"
	"github.com/DrunkOnJava/citymesh/internal/journal"
	"github.com/DrunkOnJava/citymesh/internal/registry"
	"github.com/DrunkOnJava/citymesh/internal/server"
	"github.com/DrunkOnJava/citymesh/internal/telemetry"
)

// Create the serve command
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
				cfg.Listen = addr
			}

			telemetry.InitGlobal(cfg.Telemetry.Enabled, cfg.Telemetry.FlushInterval.Std())

			var obs health.Observer
			var jnl *journal.Journal
			if cfg.Journal.Path != "" {
				jnl, err = journal.Open(cfg.Journal.Path)
				if err != nil {
					return fmt.Errorf("open journal: %w", err)
				}
				defer jnl.Close()
				obs = jnl
			}

			mon := health.NewMonitor(health.Config{
				Capacity:          cfg.Monitor.Capacity,
				HeartbeatInterval: cfg.Monitor.HeartbeatInterval.Std(),
				HeartbeatTimeout:  cfg.Monitor.HeartbeatTimeout.Std(),
				CircuitTimeout:    cfg.Monitor.CircuitTimeout.Std(),
				SweepInterval:     cfg.Monitor.SweepInterval.Std(),
			}, obs)

			reg := registry.New()
			if err := reg.Init(cfg.Plugins.Dir, nil); err != nil {
				return err
			}

			coord := coordinator.New(coordinator.Config{
				BlockedWorkers: cfg.Worker.BlockedWorkers,
			}, reg, mon)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go mon.Run(ctx)
			go coord.RunMaintenance(ctx, cfg.Monitor.SweepInterval.Std())
			if cfg.Plugins.Dir != "" {
				go reg.WatchPlugins(ctx, cfg.Plugins.ScanInterval.Std())
			}
			if jnl != nil {
				go snapshotLoop(ctx, jnl, mon, cfg.Journal.SnapshotInterval.Std())
			}

			srv := server.New(version, cfg, coord, reg, mon)
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe(cfg.Listen) }()

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errc:
				return err
			case <-sigc:
			}
			log.Info().Msg("citymesh shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("listen", "", "bind address (overrides config)")
	return cmd
}

func snapshotLoop(ctx context.Context, jnl *journal.Journal, mon *health.Monitor, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := jnl.RecordSnapshot(ctx, mon.Summary()); err != nil {
				log.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// Create the status command
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			client := server.NewClient(url)
			if tok := os.Getenv("CITYMESH_TOKEN"); tok != "" {
				client.Token = tok
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	cmd.Flags().String("url", "http://127.0.0.1:7480", "coordinator base URL")
	return cmd
}
