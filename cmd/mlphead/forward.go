package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/go-mlp-head/internal/nn"
	"github.com/example/go-mlp-head/internal/runtime/tensor"
	"github.com/example/go-mlp-head/internal/safetensors"
)

// OutputTensorName names the tensor written by forward --out.
const OutputTensorName = "output"

func newForwardCmd() *cobra.Command {
	var (
		input        string
		inputTensor  string
		batch        int
		modeFlag     string
		outPath      string
		saveWeights  bool
		requireModel bool
	)

	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Run a batch through the head",
		Long: "Run a batch through the head. The batch comes from --input (a safetensors file) " +
			"or is drawn from a standard normal distribution. Size-1 axes are squeezed first, " +
			"so [N, C, 1, 1] inputs are accepted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			mode, err := nn.ParseMode(modeFlag)
			if err != nil {
				return err
			}

			if saveWeights && mode != nn.Train {
				return fmt.Errorf("--save-weights requires --mode train")
			}

			m, err := loadHead(cfg, requireModel)
			if err != nil {
				return err
			}

			x, err := batchFor(m, input, inputTensor, batch, cfg.Head.Seed)
			if err != nil {
				return err
			}

			y, err := m.Forward(x, mode)
			if err != nil {
				return err
			}

			if outPath != "" {
				if err := ensureParentDir(outPath); err != nil {
					return err
				}

				if err := safetensors.WriteFile(outPath, []safetensors.Tensor{{
					Name:  OutputTensorName,
					Shape: y.Shape(),
					Data:  y.RawData(),
				}}); err != nil {
					return err
				}
			}

			if saveWeights {
				if err := m.Save(cfg.Paths.WeightsPath, ""); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(summarize(x, y, mode))
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Input batch (.safetensors); random when empty")
	cmd.Flags().StringVar(&inputTensor, "input-tensor", "", "Tensor name inside --input (default: first)")
	cmd.Flags().IntVar(&batch, "batch", 8, "Random batch size when --input is empty")
	cmd.Flags().StringVar(&modeFlag, "mode", "eval", "Forward mode: eval|train")
	cmd.Flags().StringVar(&outPath, "out", "", "Write the output tensor to this .safetensors file")
	cmd.Flags().BoolVar(&saveWeights, "save-weights", false, "After a train-mode pass, write updated running statistics back to --weights")
	cmd.Flags().BoolVar(&requireModel, "require-weights", false, "Fail when the --weights file does not exist")

	return cmd
}

type forwardSummary struct {
	Mode        string    `json:"mode"`
	InputShape  []int64   `json:"input_shape"`
	OutputShape []int64   `json:"output_shape"`
	Min         float32   `json:"min"`
	Max         float32   `json:"max"`
	Mean        float64   `json:"mean"`
	Head        []float32 `json:"head"`
}

func summarize(x, y *tensor.Tensor, mode nn.Mode) forwardSummary {
	s := forwardSummary{Mode: mode.String(), InputShape: x.Shape(), OutputShape: y.Shape()}

	data := y.RawData()
	if len(data) == 0 {
		return s
	}

	s.Min, s.Max = data[0], data[0]

	var sum float64
	for _, v := range data {
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
		sum += float64(v)
	}

	s.Mean = sum / float64(len(data))
	s.Head = append([]float32(nil), data[:min(len(data), 8)]...)

	return s
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	return nil
}
