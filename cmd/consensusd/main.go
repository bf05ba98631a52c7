// Command consensusd runs one replica of the strongly-consistent
// key-to-integer store: a Raft consensus core fronted by an HTTP
// client gateway. Bootstrap follows the teacher's cmd/api/main.go
// signal-driven graceful shutdown, with cobra handling argument
// parsing the way the teacher's cmd/cli does.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ruvnet/kvconsensus/internal/config"
	"github.com/ruvnet/kvconsensus/internal/consensus/raft"
	"github.com/ruvnet/kvconsensus/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "consensusd <http_port> <replica_id>",
	Short: "Run a replica of the Raft-consensus key-to-integer store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Parse(args, config.DefaultAddressTable(), config.DefaultHTTPPorts())
		if err != nil {
			return err
		}

		logger, err := logging.New("consensusd", string(cfg.ReplicaID))
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync()

		app, err := raft.NewApp(cfg, logger)
		if err != nil {
			return fmt.Errorf("build app: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-quit
			logger.Info("shutdown signal received")
			cancel()
		}()

		return app.Run(ctx)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
