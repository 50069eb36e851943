package nn

import (
	"errors"
	"fmt"

	"github.com/example/go-mlp-head/internal/runtime/tensor"
	"github.com/example/go-mlp-head/internal/safetensors"
)

// Kind tags the variant held by a Layer.
type Kind int

const (
	KindLinear Kind = iota
	KindBatchNorm
	KindReLU
	KindDropout
)

func (k Kind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindBatchNorm:
		return "batchnorm"
	case KindReLU:
		return "relu"
	case KindDropout:
		return "dropout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Layer is one entry of a head stack. Exactly the field matching Kind is set;
// ReLU carries no state.
type Layer struct {
	Kind   Kind
	Linear *Linear
	Norm   *BatchNorm
	Drop   *Dropout
}

func LinearLayer(l *Linear) Layer       { return Layer{Kind: KindLinear, Linear: l} }
func BatchNormLayer(n *BatchNorm) Layer { return Layer{Kind: KindBatchNorm, Norm: n} }
func ReLULayer() Layer                  { return Layer{Kind: KindReLU} }
func DropoutLayer(d *Dropout) Layer     { return Layer{Kind: KindDropout, Drop: d} }

// Apply runs one layer. ReLU rewrites x in place; the other kinds return a
// new tensor, except Dropout in Eval mode which returns x itself.
func Apply(l Layer, x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	switch l.Kind {
	case KindLinear:
		return l.Linear.Forward(x)
	case KindBatchNorm:
		return l.Norm.Forward(x, mode)
	case KindReLU:
		if x == nil {
			return nil, errors.New("nn: relu on nil tensor")
		}

		return tensor.ReLUInPlace(x), nil
	case KindDropout:
		if l.Drop == nil {
			return nil, errors.New("nn: dropout is not initialized")
		}

		return l.Drop.Forward(x, mode)
	default:
		return nil, fmt.Errorf("nn: unknown layer kind %v", l.Kind)
	}
}

// NumParams counts trainable parameters. Running statistics are buffers and
// are not counted.
func (l Layer) NumParams() int {
	switch l.Kind {
	case KindLinear:
		return l.Linear.numParams()
	case KindBatchNorm:
		return l.Norm.numParams()
	default:
		return 0
	}
}

// Load fills the layer's parameters and buffers from vb, which must already
// be scoped to the layer's prefix. Stateless layers ignore vb.
func (l Layer) Load(vb *VarBuilder) error {
	switch l.Kind {
	case KindLinear:
		return l.Linear.Load(vb)
	case KindBatchNorm:
		return l.Norm.Load(vb)
	default:
		return nil
	}
}

// Tensors returns the layer's state under prefix. Parameters use dtype;
// BatchNorm buffers keep their native F32/I64 types.
func (l Layer) Tensors(prefix, dtype string) []safetensors.Tensor {
	switch l.Kind {
	case KindLinear:
		return l.Linear.tensors(prefix, dtype)
	case KindBatchNorm:
		return l.Norm.tensors(prefix, dtype)
	default:
		return nil
	}
}

// LayerInfo summarizes a layer for display.
type LayerInfo struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	In     int    `json:"in"`
	Out    int    `json:"out"`
	Bias   bool   `json:"bias"`
	Params int    `json:"params"`
	Detail string `json:"detail,omitempty"`
}
