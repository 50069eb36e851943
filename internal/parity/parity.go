// Package parity compares head outputs against a reference implementation,
// typically the same head exported to ONNX and run through onnxruntime.
package parity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/go-mlp-head/internal/head"
	"github.com/example/go-mlp-head/internal/nn"
	"github.com/example/go-mlp-head/internal/runtime/tensor"
)

// Reference produces the expected output for a batch.
type Reference interface {
	Run(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error)
}

type TensorReport struct {
	Name       string    `json:"name"`
	Shape      []int64   `json:"shape"`
	WantShape  []int64   `json:"want_shape"`
	ShapeMatch bool      `json:"shape_match"`
	MaxAbsErr  float64   `json:"max_abs_err"`
	MaxRelErr  float64   `json:"max_rel_err"`
	Worst      int       `json:"worst_index"`
	Tolerance  Tolerance `json:"tolerance"`
	Pass       bool      `json:"pass"`
}

func CompareTensor(name string, got, want *tensor.Tensor, tol Tolerance) (TensorReport, error) {
	r := TensorReport{Name: name, Tolerance: tol, Worst: -1}
	if got == nil || want == nil {
		return r, fmt.Errorf("parity: %s got/want tensor must be non-nil", name)
	}

	r.Shape = got.Shape()
	r.WantShape = want.Shape()

	if !tensor.SameShape(r.Shape, r.WantShape) {
		return r, nil
	}

	r.ShapeMatch = true

	gd := got.RawData()
	wd := want.RawData()

	if len(gd) != len(wd) {
		return r, fmt.Errorf("parity: %s data length mismatch %d vs %d", name, len(gd), len(wd))
	}

	r.Pass = true

	for i := range gd {
		a := float64(gd[i])
		b := float64(wd[i])

		if math.IsNaN(a) != math.IsNaN(b) {
			r.Pass = false
			r.Worst = i
			r.MaxAbsErr = math.Inf(1)

			continue
		}

		absErr := math.Abs(a - b)
		if absErr > r.MaxAbsErr {
			r.MaxAbsErr = absErr
			r.Worst = i
		}

		relErr := absErr
		if den := math.Abs(b); den > 0 {
			relErr = absErr / den
		}

		if relErr > r.MaxRelErr {
			r.MaxRelErr = relErr
		}

		if !tol.allows(a, b) {
			r.Pass = false
		}
	}

	return r, nil
}

// Check runs m in Eval mode and ref on the same batch and compares the two.
func Check(ctx context.Context, m *head.MLP, ref Reference, x *tensor.Tensor, tol Tolerance) (TensorReport, error) {
	if m == nil || ref == nil {
		return TensorReport{}, errors.New("parity: head and reference are required")
	}

	got, err := m.Forward(x, nn.Eval)
	if err != nil {
		return TensorReport{}, fmt.Errorf("parity: native forward: %w", err)
	}

	want, err := ref.Run(ctx, x)
	if err != nil {
		return TensorReport{}, fmt.Errorf("parity: reference: %w", err)
	}

	report, err := CompareTensor("output", got, want, tol)
	if err != nil {
		return report, err
	}

	slog.Debug("parity check",
		"shape", report.Shape,
		"max_abs_err", report.MaxAbsErr,
		"max_rel_err", report.MaxRelErr,
		"pass", report.Pass,
	)

	return report, nil
}

// HeadReference adapts a second head, for example one loaded from an F16
// checkpoint, into a Reference evaluated in Eval mode.
type HeadReference struct {
	Head *head.MLP
}

func (h HeadReference) Run(_ context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	return h.Head.Forward(x, nn.Eval)
}
