package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-mlp-head/internal/head"
)

func newInitCmd() *cobra.Command {
	var dtype string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the configured head and write its checkpoint to --weights",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			dt, err := head.ParseDType(dtype)
			if err != nil {
				return err
			}

			m, err := buildHead(cfg)
			if err != nil {
				return err
			}

			if err := ensureParentDir(cfg.Paths.WeightsPath); err != nil {
				return err
			}

			if err := m.Save(cfg.Paths.WeightsPath, dt); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d layers, dtype %s)\n", cfg.Paths.WeightsPath, m.Len(), dt)

			return nil
		},
	}

	cmd.Flags().StringVar(&dtype, "dtype", "f32", "Parameter dtype: f32|f16")

	return cmd
}
