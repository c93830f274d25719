package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/telemetry"
)

var (
	cfgFile      string
	verbose      bool
	cfg          *config.Config
	log          *slog.Logger
	logFile      *os.File
	otelShutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "esxi-patcher",
	Short: "ESXi patcher - apply patches to standalone ESXi hosts",
	Long: `ESXi patcher brings standalone ESXi hosts to a target build.

For every configured host it resolves the chain of patches between the
running version and the target, enters maintenance mode, uploads and
installs each patch in order, reboots, waits for the host to come back
and verifies the final version.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that handle their own config
		if cmd.Name() == "version" || cmd.Name() == "migrate-config" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log, err = newLogger(verbose, cfg.Settings.LogFile)
		if err != nil {
			return err
		}

		otelShutdown, err = telemetry.Init(context.Background(), &cfg.Telemetry, verbose)
		if err != nil {
			return fmt.Errorf("failed to init telemetry: %w", err)
		}

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown()
	},
}

func Execute() {
	err := rootCmd.Execute()
	// Post-run hooks are skipped when a command fails.
	_ = shutdown()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.FindConfigPath(), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *slog.Logger {
	return log
}

// shutdown flushes telemetry and closes the log file. It is safe to call
// more than once.
func shutdown() error {
	var err error
	if otelShutdown != nil {
		err = otelShutdown(context.Background())
		otelShutdown = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	return err
}

// newLogger writes to stderr and, when logPath is set, to that file too.
func newLogger(verbose bool, logPath string) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // path from config
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logFile = f
		w = io.MultiWriter(os.Stderr, f)
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
