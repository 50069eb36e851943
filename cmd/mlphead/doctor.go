package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/example/go-mlp-head/internal/config"
	"github.com/example/go-mlp-head/internal/doctor"
	"github.com/example/go-mlp-head/internal/head"
	"github.com/example/go-mlp-head/internal/onnx"
)

func newDoctorCmd() *cobra.Command {
	var (
		skipWeights bool
		skipORT     bool
		requireONNX bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local head, checkpoint and runtime checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			dcfg := doctor.Config{
				Head:           func() (string, error) { return describeConfiguredHead(cfg) },
				Checkpoint:     func() (string, error) { return describeCheckpoint(cfg) },
				SkipCheckpoint: skipWeights,
				ORTVersion:     func() (string, error) { return probeORTVersion(cfg.Runtime) },
				SkipORT:        skipORT,
			}
			if requireONNX {
				dcfg.Files = append(dcfg.Files, cfg.Paths.ONNXPath)
			}

			result := doctor.Run(dcfg, out)

			if result.Failed() {
				for _, f := range result.Failures() {
					// #nosec G705 -- Writes plain diagnostic text to stderr for CLI output, not HTML rendering.
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	cmd.Flags().BoolVar(&skipWeights, "skip-weights", false, "Skip the checkpoint check")
	cmd.Flags().BoolVar(&skipORT, "skip-ort", false, "Skip the ONNX Runtime check")
	cmd.Flags().BoolVar(&requireONNX, "require-onnx", false, "Fail when the --onnx graph does not exist")

	return cmd
}

func describeConfiguredHead(cfg config.Config) (string, error) {
	m, err := buildHead(cfg)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("dims %s, %d layers, %s params",
		head.FormatDims(m.Dims()), m.Len(), humanize.Comma(int64(m.NumParams()))), nil
}

// describeCheckpoint loads the configured weights and checks that they fit
// the configured input width.
func describeCheckpoint(cfg config.Config) (string, error) {
	m, err := loadHead(cfg, true)
	if err != nil {
		return "", err
	}

	if dims := cfg.Head.Dims; len(dims) > 0 && m.Len() > 0 && m.InputWidth() != dims[0] {
		return "", fmt.Errorf("%s expects %d input features, config says %d", cfg.Paths.WeightsPath, m.InputWidth(), dims[0])
	}

	size := ""
	if st, err := os.Stat(cfg.Paths.WeightsPath); err == nil {
		size = ", " + humanize.Bytes(uint64(st.Size()))
	}

	extra, err := m.UnexpectedKeys(cfg.Paths.WeightsPath)
	if err != nil {
		return "", err
	}

	if len(extra) > 0 {
		size += fmt.Sprintf(", %d unexpected tensors: %s", len(extra), strings.Join(extra, " "))
	}

	return fmt.Sprintf("%s (dims %s, %s params%s)",
		cfg.Paths.WeightsPath, head.FormatDims(m.Dims()), humanize.Comma(int64(m.NumParams())), size), nil
}

func probeORTVersion(rc config.RuntimeConfig) (string, error) {
	info, err := onnx.DetectRuntime(rc)
	if err != nil {
		return "", err
	}

	return info.Version, nil
}
