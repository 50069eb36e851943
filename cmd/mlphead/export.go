package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-mlp-head/internal/onnx"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the eval-mode head to the --onnx path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			m, err := loadHead(cfg, false)
			if err != nil {
				return err
			}

			if err := ensureParentDir(cfg.Paths.ONNXPath); err != nil {
				return err
			}

			if err := onnx.ExportHead(m, cfg.Paths.ONNXPath); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (input %q [N, %d], output %q [N, %d])\n",
				cfg.Paths.ONNXPath, onnx.DefaultInputName, inputWidth(m), onnx.DefaultOutputName, m.OutputWidth())

			return nil
		},
	}

	return cmd
}
