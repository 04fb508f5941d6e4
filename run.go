package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wayfareapp/wayfare-go/internal/config"
)

// sweepInterval is how often the daemon evicts expired cache entries.
const sweepInterval = 10 * time.Minute

// newRunCmd returns the run command: the long-lived engine daemon. It keeps
// the connectivity watcher probing, drains queues on reconnect, sweeps the
// cache periodically, and hot-reloads the config file.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()
			ctx := shutdownContext(cmd.Context(), logger)

			cleanup, err := writePIDFile(filepath.Join(cfgHolder.Config().Storage.DataDir, "wayfare.pid"))
			if err != nil {
				return err
			}
			defer cleanup()

			eng, _, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			// Config edits take effect without a restart; components read
			// through the shared holder on their next cycle.
			go func() {
				if watchErr := config.Watch(ctx, cfgHolder, logger, func(cfg *config.Config) {
					eng.ApplyConfig(cfg)
					logger.Info("configuration updated",
						slog.Int("max_retries", cfg.Sync.MaxRetries),
					)
				}); watchErr != nil {
					logger.Warn("config watch unavailable", slog.String("error", watchErr.Error()))
				}
			}()

			logger.Info("engine running",
				slog.String("data_dir", cfgHolder.Config().Storage.DataDir),
				slog.String("config", cfgHolder.Path()),
			)

			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					logger.Info("engine stopped")
					return nil

				case <-ticker.C:
					limit := cfgHolder.Config().Cache.SweepLimit

					removed, sweepErr := eng.SweepCache(context.Background(), limit)
					if sweepErr != nil {
						logger.Warn("cache sweep failed", slog.String("error", sweepErr.Error()))
						continue
					}

					if removed > 0 {
						logger.Debug("cache sweep", slog.Int("removed", removed))
					}
				}
			}
		},
	}
}

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second, so a hung teardown can still be escaped.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit", slog.String("signal", sig.String()))
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}
