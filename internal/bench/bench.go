// Package bench provides benchmarking primitives for the mlphead bench command.
package bench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing of a single forward pass over one batch.
type RunResult struct {
	Index      int
	Cold       bool // true for the first run (cold-start)
	Duration   time.Duration
	Samples    int
	Throughput float64 // samples per second
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	Median time.Duration
}

// ComputeStats calculates min, max, mean and median over a slice of
// durations. An empty slice yields zero Stats.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	mid := len(sorted) / 2

	median := sorted[mid]
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	}

	return Stats{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   sum / time.Duration(len(sorted)),
		Median: median,
	}
}

// ---------------------------------------------------------------------------
// Throughput helpers
// ---------------------------------------------------------------------------

// CalcThroughput returns samples / duration in samples per second.
// Returns 0 if d is zero to avoid division by zero.
func CalcThroughput(samples int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}

	return float64(samples) / d.Seconds()
}

// MeanThroughput averages the per-run throughput of runs, skipping the cold
// run when there is more than one.
func MeanThroughput(runs []RunResult) float64 {
	var (
		sum float64
		n   int
	)

	for _, r := range runs {
		if r.Cold && len(runs) > 1 {
			continue
		}

		sum += r.Throughput
		n++
	}

	if n == 0 {
		return 0
	}

	return sum / float64(n)
}

// ---------------------------------------------------------------------------
// Throughput threshold gate
// ---------------------------------------------------------------------------

// CheckThroughputThreshold returns an error if mean < threshold.
// A threshold of 0 disables the gate.
func CheckThroughputThreshold(mean, threshold float64) error {
	if threshold <= 0 {
		return nil
	}

	if mean < threshold {
		return fmt.Errorf("mean throughput %.1f samples/s below threshold %.1f", mean, threshold)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// Run calls fn runs times, timing each call as one batch of samples. When
// progress is non-nil a progress bar is drawn to it. Run stops at the first
// error from fn or when ctx is done.
func Run(ctx context.Context, runs, samples int, fn func(context.Context) error, progress io.Writer) ([]RunResult, error) {
	if runs <= 0 {
		return nil, errors.New("bench: runs must be > 0")
	}

	if fn == nil {
		return nil, errors.New("bench: nil workload")
	}

	var bar *progressbar.ProgressBar
	if progress != nil {
		bar = progressbar.NewOptions(runs,
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription("forward"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("runs"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionClearOnFinish(),
		)
	}

	results := make([]RunResult, 0, runs)

	for i := range runs {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		start := time.Now()
		if err := fn(ctx); err != nil {
			return results, fmt.Errorf("bench: run %d: %w", i+1, err)
		}

		d := time.Since(start)
		results = append(results, RunResult{
			Index:      i,
			Cold:       i == 0,
			Duration:   d,
			Samples:    samples,
			Throughput: CalcThroughput(samples, d),
		})

		if bar != nil {
			_ = bar.Add(1)
		}
	}

	if bar != nil {
		_ = bar.Finish()
	}

	return results, nil
}

// Durations extracts the per-run durations of runs.
func Durations(runs []RunResult) []time.Duration {
	out := make([]time.Duration, len(runs))
	for i, r := range runs {
		out[i] = r.Duration
	}

	return out
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

var (
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	numberStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true)
)

func ms(d time.Duration) string {
	return strconv.FormatFloat(float64(d.Microseconds())/1000, 'f', 3, 64)
}

// FormatTable writes a human-readable table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	t := lgtable.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col >= 2:
				return numberStyle
			default:
				return cellStyle
			}
		}).
		Headers("Run", "Cold", "MS", "Samples", "Samples/s")

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}

		t.Row(
			strconv.Itoa(r.Index+1),
			cold,
			ms(r.Duration),
			humanize.Comma(int64(r.Samples)),
			humanize.CommafWithDigits(r.Throughput, 1),
		)
	}

	t.Row("min", "", ms(stats.Min), "", "")
	t.Row("median", "", ms(stats.Median), "", "")
	t.Row("mean", "", ms(stats.Mean), "", "")
	t.Row("max", "", ms(stats.Max), "", "")

	fmt.Fprintln(w, t.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
	Samples    int     `json:"samples"`
	Throughput float64 `json:"samples_per_sec"`
}

type jsonStats struct {
	MinMS          float64 `json:"min_ms"`
	MedianMS       float64 `json:"median_ms"`
	MeanMS         float64 `json:"mean_ms"`
	MaxMS          float64 `json:"max_ms"`
	MeanThroughput float64 `json:"mean_samples_per_sec"`
}

func msFloat(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:          msFloat(stats.Min),
			MedianMS:       msFloat(stats.Median),
			MeanMS:         msFloat(stats.Mean),
			MaxMS:          msFloat(stats.Max),
			MeanThroughput: MeanThroughput(runs),
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: msFloat(r.Duration),
			Samples:    r.Samples,
			Throughput: r.Throughput,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(jr)
}
