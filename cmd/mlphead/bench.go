package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/example/go-mlp-head/internal/bench"
	"github.com/example/go-mlp-head/internal/nn"
)

func newBenchCmd() *cobra.Command {
	var (
		batch         int
		runs          int
		modeFlag      string
		format        string
		minThroughput float64
		progress      bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark forward latency and throughput",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			mode, err := nn.ParseMode(modeFlag)
			if err != nil {
				return err
			}

			m, err := loadHead(cfg, false)
			if err != nil {
				return err
			}

			x, err := randomBatch(batch, inputWidth(m), cfg.Head.Seed)
			if err != nil {
				return err
			}

			var progressOut io.Writer
			if progress {
				progressOut = cmd.ErrOrStderr()
			}

			results, err := bench.Run(cmd.Context(), runs, batch, func(context.Context) error {
				_, err := m.Forward(x, mode)
				return err
			}, progressOut)
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(bench.Durations(results))

			switch format {
			case "json":
				bench.FormatJSON(results, stats, cmd.OutOrStdout())
			default:
				bench.FormatTable(results, stats, cmd.OutOrStdout())
			}

			return bench.CheckThroughputThreshold(bench.MeanThroughput(results), minThroughput)
		},
	}

	cmd.Flags().IntVar(&batch, "batch", 256, "Samples per forward pass")
	cmd.Flags().IntVar(&runs, "runs", 10, "Number of forward passes")
	cmd.Flags().StringVar(&modeFlag, "mode", "eval", "Forward mode: eval|train")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&minThroughput, "min-throughput", 0, "Exit non-zero if mean samples/s falls below this value (0 = disabled)")
	cmd.Flags().BoolVar(&progress, "progress", true, "Draw a progress bar on stderr")

	return cmd
}
