// Package app provides the vitalsync command tree.
package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/vitalsync/internal/config"
)

// NewRootCmd builds the root command with every subcommand attached
func NewRootCmd() *cobra.Command {
	var configPath string
	cfg := new(config.Config)

	root := &cobra.Command{
		Use:          "vitalsync",
		Short:        "Health metric sync engine",
		Long:         `vitalsync observes health metrics, uploads new samples to a remote endpoint and serves a read-only snapshot of recent values.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := loaded.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			*cfg = *loaded

			slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Logging))
			slog.Debug("configuration loaded", "config_file", configPath)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (TOML)")

	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newSyncOnceCmd(cfg))
	root.AddCommand(newCatalogCmd(cfg))
	root.AddCommand(newRunsCmd(cfg))

	return root
}

func newLogger(w io.Writer, lc config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

