package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/example/go-mlp-head/internal/head"
	"github.com/example/go-mlp-head/internal/nn"
)

func newDescribeCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Print the layer stack of the configured head",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			m, err := buildHead(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")

				return enc.Encode(describeReport{
					Dims:   m.Dims(),
					Layers: m.Describe(),
					Params: m.NumParams(),
				})
			}

			_, _ = fmt.Fprintln(out, layerTable(m.Describe()))
			_, _ = fmt.Fprintf(out, "dims %s, %d layers, %s parameters\n",
				head.FormatDims(m.Dims()), m.Len(), humanize.Comma(int64(m.NumParams())))

			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")

	return cmd
}

type describeReport struct {
	Dims   []int          `json:"dims"`
	Layers []nn.LayerInfo `json:"layers"`
	Params int            `json:"params"`
}

var (
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true)
)

func layerTable(layers []nn.LayerInfo) string {
	t := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("#", "Layer", "In", "Out", "Params", "Detail")

	for _, l := range layers {
		detail := l.Detail
		if l.Kind == nn.KindLinear.String() && !l.Bias {
			detail = "no bias"
		}

		t.Row(
			strconv.Itoa(l.Index),
			l.Kind,
			strconv.Itoa(l.In),
			strconv.Itoa(l.Out),
			humanize.Comma(int64(l.Params)),
			detail,
		)
	}

	return t.String()
}
