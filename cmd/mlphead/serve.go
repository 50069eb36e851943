package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-mlp-head/internal/server"
)

func newServeCmd() *cobra.Command {
	var requireWeights bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve eval-mode forward passes over HTTP",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			m, err := loadHead(cfg, requireWeights)
			if err != nil {
				return err
			}

			srv := server.New(cfg, m).
				WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeout) * time.Second)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}

	cmd.Flags().BoolVar(&requireWeights, "require-weights", false, "Fail when the --weights checkpoint is missing")

	return cmd
}
