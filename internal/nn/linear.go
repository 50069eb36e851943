package nn

import (
	"errors"
	"fmt"

	"github.com/example/go-mlp-head/internal/runtime/tensor"
	"github.com/example/go-mlp-head/internal/safetensors"
)

type Linear struct {
	Weight *tensor.Tensor // [out, in]
	Bias   *tensor.Tensor // optional [out]
}

// NewLinear allocates an in->out projection and fills it with init. A nil
// init leaves the parameters at zero.
func NewLinear(in, out int, withBias bool, init Initializer) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("nn: linear %d->%d: widths must be positive: %w", in, out, ErrConfig)
	}

	w, err := tensor.Zeros([]int64{int64(out), int64(in)})
	if err != nil {
		return nil, fmt.Errorf("nn: linear weight: %w", err)
	}

	var b *tensor.Tensor
	if withBias {
		b, err = tensor.Zeros([]int64{int64(out)})
		if err != nil {
			return nil, fmt.Errorf("nn: linear bias: %w", err)
		}
	}

	if init != nil {
		init(w.RawData(), b.RawData(), in)
	}

	return &Linear{Weight: w, Bias: b}, nil
}

func (l *Linear) In() int {
	if l == nil || l.Weight == nil {
		return 0
	}

	in, _ := l.Weight.Dim(1)

	return int(in)
}

func (l *Linear) Out() int {
	if l == nil || l.Weight == nil {
		return 0
	}

	out, _ := l.Weight.Dim(0)

	return int(out)
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if l == nil || l.Weight == nil {
		return nil, errors.New("nn: linear is not initialized")
	}

	y, err := tensor.Linear(x, l.Weight, l.Bias)
	if err != nil {
		return nil, fmt.Errorf("nn: linear %d->%d: %w", l.In(), l.Out(), err)
	}

	return y, nil
}

// Load replaces the parameters with "weight" and "bias" from vb. Shapes must
// match the layer; a bias in the checkpoint is required iff the layer has one.
func (l *Linear) Load(vb *VarBuilder) error {
	w, err := vb.Tensor("weight", int64(l.Out()), int64(l.In()))
	if err != nil {
		return err
	}

	b, ok, err := vb.TensorMaybe("bias", int64(l.Out()))
	if err != nil {
		return err
	}

	switch {
	case ok && l.Bias == nil:
		return fmt.Errorf("nn: linear %q: checkpoint has a bias but the layer has none", vb.Prefix())
	case !ok && l.Bias != nil:
		return fmt.Errorf("nn: linear %q: checkpoint has no bias", vb.Prefix())
	}

	l.Weight, l.Bias = w, b

	return nil
}

func (l *Linear) tensors(prefix, dtype string) []safetensors.Tensor {
	out := []safetensors.Tensor{{
		Name:  prefix + ".weight",
		DType: dtype,
		Shape: l.Weight.Shape(),
		Data:  l.Weight.Data(),
	}}

	if l.Bias != nil {
		out = append(out, safetensors.Tensor{
			Name:  prefix + ".bias",
			DType: dtype,
			Shape: l.Bias.Shape(),
			Data:  l.Bias.Data(),
		})
	}

	return out
}

func (l *Linear) numParams() int {
	return l.Weight.ElemCount() + l.Bias.ElemCount()
}
