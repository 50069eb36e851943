package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/example/go-mlp-head/internal/runtime/tensor"
)

// DefaultDropoutP is the drop probability used by the head builder.
const DefaultDropoutP = 0.5

// Dropout zeroes activations at random in Train mode and is the identity in
// Eval mode.
type Dropout struct {
	P float32

	rng *rand.Rand
}

// NewDropout creates a dropout layer whose mask stream is determined by
// (seed, stream).
func NewDropout(p float32, seed, stream uint64) (*Dropout, error) {
	if !(p >= 0 && p <= 1) {
		return nil, fmt.Errorf("nn: dropout probability must be in [0, 1], got %v: %w", p, ErrConfig)
	}

	return &Dropout{P: p, rng: rand.New(rand.NewPCG(seed, stream))}, nil
}

func (d *Dropout) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	if mode != Train || d.P == 0 {
		return x, nil
	}

	y, err := tensor.Dropout(x, d.P, d.rng)
	if err != nil {
		return nil, fmt.Errorf("nn: dropout: %w", err)
	}

	return y, nil
}
