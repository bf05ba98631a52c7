// Command crdtd runs one replica of the eventually-consistent
// key-to-integer store: reliable causal broadcast feeding a
// last-writer-wins store, fronted by an HTTP client gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ruvnet/kvconsensus/internal/config"
	"github.com/ruvnet/kvconsensus/internal/crdt"
	"github.com/ruvnet/kvconsensus/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "crdtd <http_port> <replica_id>",
	Short: "Run a replica of the CRDT key-to-integer store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Parse(args, config.DefaultAddressTable(), config.DefaultHTTPPorts())
		if err != nil {
			return err
		}

		logger, err := logging.New("crdtd", string(cfg.ReplicaID))
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync()

		app, err := crdt.NewApp(cfg, logger)
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
