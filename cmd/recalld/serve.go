package main

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/embedding"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the embedding daemon",
	Long: `Run the embedding daemon in the foreground.

The daemon binds a unix socket, loads the embedding model on demand, and
exits on its own after the configured idle period. Client libraries start
it automatically; running it by hand is mainly useful for debugging.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	provider, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		return err
	}
	defer provider.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon := embedding.NewDaemon(cfg.Embedding, provider, logger)
	err = daemon.Serve(ctx)
	if errors.Is(err, embedding.ErrAlreadyRunning) {
		logger.Info("daemon already running on socket", zap.String("socket", cfg.Embedding.SocketPath))
		return nil
	}
	return err
}
