package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wayfareapp/wayfare-go/internal/config"
	"github.com/wayfareapp/wayfare-go/internal/engine"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDataDir    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// cfgHolder carries the effective configuration loaded by PersistentPreRunE.
// Subcommands read through it; the run command also hands it to the config
// watcher so hot reloads become visible everywhere.
var cfgHolder *config.Holder

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "wayfare",
		Short:   "Offline-first sync engine for Wayfare",
		Long:    "Local-first storage, caching, and background synchronization for the Wayfare travel app.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "state directory override")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	// Register subcommands.
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDrainCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newSaveCmd())
	cmd.AddCommand(newRunCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override chain
// (defaults -> file -> environment -> flags) and stores it in cfgHolder.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	// Only pass overrides the user explicitly set.
	if cmd.Flags().Changed("data-dir") {
		cli.DataDir = &flagDataDir
	}

	if flagVerbose {
		level := "debug"
		cli.LogLevel = &level
	}

	env := config.ReadEnvOverrides()

	cfg, path, err := config.Resolve(env, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfgHolder = config.NewHolder(cfg, path)

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if cfgHolder != nil {
		cfg := cfgHolder.Config()

		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		format = cfg.Logging.LogFormat
	}

	// CLI flags override config (highest priority).
	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	// "auto" picks text for interactive terminals, JSON otherwise so piped
	// logs stay machine-readable.
	if format == "json" || (format == "auto" && !stderrIsTerminal()) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openEngine builds the full engine from the resolved config. The caller
// owns the returned engine and must Close it.
func openEngine(cmd *cobra.Command) (*engine.Engine, *slog.Logger, error) {
	logger := buildLogger()

	eng, err := engine.Open(cmd.Context(), cfgHolder, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening engine: %w", err)
	}

	return eng, logger, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
