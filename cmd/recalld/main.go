// Package main implements the recalld CLI: the embedding daemon and the
// maintenance jobs (vector reconciliation, event pruning, windowed
// analysis) over the shared knowledge database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/store"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recalld",
	Short: "Local knowledge layer for tool-execution events",
	Long: `recalld turns a stream of tool-execution events into reusable
diagnostic knowledge: it remembers how past failures were resolved,
suggests relevant skills, and caches expensive analysis results.

This binary hosts the embedding daemon and the maintenance jobs; client
processes use the library packages directly.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/recalld/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(analyzeCmd)
}

// setup loads configuration and builds the logger shared by all
// subcommands.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, logger, nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (*store.Store, error) {
	s, err := store.Open(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}
