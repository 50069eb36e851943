package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-mlp-head/internal/onnx"
	"github.com/example/go-mlp-head/internal/parity"
)

func newParityCmd() *cobra.Command {
	var (
		input       string
		inputTensor string
		batch       int
		absTol      float64
		relTol      float64
		reexport    bool
	)

	defaults, _ := parity.ToleranceFor("onnx")

	cmd := &cobra.Command{
		Use:   "parity",
		Short: "Compare the native eval forward against onnxruntime on the --onnx graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			m, err := loadHead(cfg, false)
			if err != nil {
				return err
			}

			x, err := batchFor(m, input, inputTensor, batch, cfg.Head.Seed)
			if err != nil {
				return err
			}

			// The graph has no squeeze; feed it the squeezed batch. A single
			// row squeezes to rank 1, which the graph's [N, in] input rejects.
			x, err = x.Squeeze()
			if err != nil {
				return err
			}

			if x.Rank() != 2 {
				return fmt.Errorf("parity needs a [N, %d] batch with at least 2 rows, got shape %v after squeeze", inputWidth(m), x.Shape())
			}

			graph := cfg.Paths.ONNXPath
			if _, statErr := os.Stat(graph); reexport || errors.Is(statErr, os.ErrNotExist) {
				if err := ensureParentDir(graph); err != nil {
					return err
				}

				if err := onnx.ExportHead(m, graph); err != nil {
					return err
				}
			}

			info, err := onnx.DetectRuntime(cfg.Runtime)
			if err != nil {
				return err
			}

			runner, err := onnx.NewRunner(graph, onnx.RunnerConfig{LibraryPath: info.LibraryPath})
			if err != nil {
				return err
			}
			defer runner.Close()

			report, err := parity.Check(cmd.Context(), m, runner, x, parity.Tolerance{Abs: absTol, Rel: relTol})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if err := enc.Encode(report); err != nil {
				return err
			}

			if !report.Pass {
				return fmt.Errorf("parity failed: max abs err %g, max rel err %g", report.MaxAbsErr, report.MaxRelErr)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Input batch (.safetensors); random when empty")
	cmd.Flags().StringVar(&inputTensor, "input-tensor", "", "Tensor name inside --input (default: first)")
	cmd.Flags().IntVar(&batch, "batch", 8, "Random batch size when --input is empty")
	cmd.Flags().Float64Var(&absTol, "atol", defaults.Abs, "Absolute tolerance")
	cmd.Flags().Float64Var(&relTol, "rtol", defaults.Rel, "Relative tolerance")
	cmd.Flags().BoolVar(&reexport, "export", false, "Re-export the head to --onnx before comparing")

	return cmd
}
