package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fortiblox/multivm/pkg/node"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node with periodic block production",
	RunE:  runNode,
}

func init() {
	addConfigFlags(runCmd.Flags())
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	dev, err := cmd.Flags().GetBool("dev")
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.LogLevel, dev)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	cfg.Logger = logger

	logger.Info("starting multivm", zap.String("version", Version), zap.String("commit", GitCommit))

	n, err := node.New(&cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Error("close node", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			st := n.Status()
			logger.Info("status",
				zap.Uint64("height", st.Height),
				zap.Stringer("hash", st.Hash),
				zap.Int("pending", st.Pending),
				zap.Uint64("blocks_produced", st.BlocksProduced),
				zap.Uint64("txs_processed", st.TxsProcessed),
				zap.NamedError("last_error", st.LastError))
		}
	}
}
