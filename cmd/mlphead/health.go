package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-mlp-head/internal/server"
)

func newHealthCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the serve health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if addr == "" {
				addr = cfg.Server.ListenAddr
			}

			if err := server.ProbeHTTP(addr); err != nil {
				return fmt.Errorf("health %s: %w", addr, err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "ok")

			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Server address to check (default: --server-listen-addr)")

	return cmd
}
