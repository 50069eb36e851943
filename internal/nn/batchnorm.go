package nn

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-mlp-head/internal/runtime/tensor"
	"github.com/example/go-mlp-head/internal/safetensors"
)

// Normalization defaults.
const (
	DefaultBatchNormEps      = 1e-5
	DefaultBatchNormMomentum = 0.1
)

// BatchNorm normalizes each feature of a [N, C] batch. In Train mode it uses
// the batch statistics and folds them into the running estimates; in Eval
// mode it uses the running estimates.
type BatchNorm struct {
	Features int
	Eps      float64
	Momentum float64

	Weight      []float32 // [C], init 1
	Bias        []float32 // [C], init 0
	RunningMean []float32 // [C], init 0
	RunningVar  []float32 // [C], init 1

	NumBatchesTracked int64
}

// ValidateBatchNorm checks eps and momentum.
func ValidateBatchNorm(eps, momentum float64) error {
	if !(eps > 0) || math.IsInf(eps, 0) {
		return fmt.Errorf("nn: batchnorm eps must be positive and finite, got %v: %w", eps, ErrConfig)
	}

	if !(momentum >= 0 && momentum <= 1) {
		return fmt.Errorf("nn: batchnorm momentum must be in [0, 1], got %v: %w", momentum, ErrConfig)
	}

	return nil
}

func NewBatchNorm(features int, eps, momentum float64) (*BatchNorm, error) {
	if features <= 0 {
		return nil, fmt.Errorf("nn: batchnorm features must be positive, got %d: %w", features, ErrConfig)
	}

	if err := ValidateBatchNorm(eps, momentum); err != nil {
		return nil, err
	}

	bn := &BatchNorm{
		Features:    features,
		Eps:         eps,
		Momentum:    momentum,
		Weight:      make([]float32, features),
		Bias:        make([]float32, features),
		RunningMean: make([]float32, features),
		RunningVar:  make([]float32, features),
	}

	for i := range features {
		bn.Weight[i] = 1
		bn.RunningVar[i] = 1
	}

	return bn, nil
}

func (bn *BatchNorm) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	if bn == nil || bn.Weight == nil {
		return nil, errors.New("nn: batchnorm is not initialized")
	}

	if x == nil {
		return nil, errors.New("nn: batchnorm on nil tensor")
	}

	shape := x.Shape()
	if len(shape) != 2 || shape[1] != int64(bn.Features) {
		return nil, fmt.Errorf("nn: batchnorm expects input [N, %d], got %v: %w", bn.Features, shape, ErrShapeMismatch)
	}

	if mode != Train {
		y, err := tensor.Normalize(x, bn.RunningMean, bn.RunningVar, bn.Weight, bn.Bias, float32(bn.Eps))
		if err != nil {
			return nil, fmt.Errorf("nn: batchnorm: %w", err)
		}

		return y, nil
	}

	n := shape[0]
	if n <= 1 {
		return nil, fmt.Errorf("nn: batchnorm expected more than 1 value per channel when training, got input %v: %w", shape, ErrShapeMismatch)
	}

	mean, variance, err := tensor.BatchStats(x)
	if err != nil {
		return nil, fmt.Errorf("nn: batchnorm: %w", err)
	}

	y, err := tensor.Normalize(x, mean, variance, bn.Weight, bn.Bias, float32(bn.Eps))
	if err != nil {
		return nil, fmt.Errorf("nn: batchnorm: %w", err)
	}

	// Running variance tracks the unbiased estimate.
	m := float32(bn.Momentum)

	tensor.Scale(bn.RunningMean, 1-m)
	tensor.Axpy(bn.RunningMean, m, mean)
	tensor.Scale(bn.RunningVar, 1-m)
	tensor.Axpy(bn.RunningVar, m*float32(n)/float32(n-1), variance)

	bn.NumBatchesTracked++

	return y, nil
}

// Load replaces parameters and running statistics from vb. A missing
// num_batches_tracked leaves the counter at zero.
func (bn *BatchNorm) Load(vb *VarBuilder) error {
	c := int64(bn.Features)

	fields := []struct {
		name string
		dst  *[]float32
	}{
		{"weight", &bn.Weight},
		{"bias", &bn.Bias},
		{"running_mean", &bn.RunningMean},
		{"running_var", &bn.RunningVar},
	}

	loaded := make([][]float32, len(fields))

	for i, f := range fields {
		t, err := vb.Tensor(f.name, c)
		if err != nil {
			return err
		}

		loaded[i] = t.Data()
	}

	count, _, err := vb.Int64Maybe("num_batches_tracked")
	if err != nil {
		return fmt.Errorf("nn: batchnorm %q: %w", vb.Prefix(), err)
	}

	for i, f := range fields {
		*f.dst = loaded[i]
	}

	bn.NumBatchesTracked = count

	return nil
}

func (bn *BatchNorm) tensors(prefix, dtype string) []safetensors.Tensor {
	vec := func(name, dt string, data []float32) safetensors.Tensor {
		return safetensors.Tensor{
			Name:  prefix + "." + name,
			DType: dt,
			Shape: []int64{int64(bn.Features)},
			Data:  append([]float32(nil), data...),
		}
	}

	// Running statistics stay F32 whatever the parameter dtype.
	return []safetensors.Tensor{
		vec("weight", dtype, bn.Weight),
		vec("bias", dtype, bn.Bias),
		vec("running_mean", safetensors.DTypeF32, bn.RunningMean),
		vec("running_var", safetensors.DTypeF32, bn.RunningVar),
		{
			Name:  prefix + ".num_batches_tracked",
			DType: safetensors.DTypeI64,
			Shape: []int64{},
			Data:  []float32{float32(bn.NumBatchesTracked)},
			Ints:  []int64{bn.NumBatchesTracked},
		},
	}
}

func (bn *BatchNorm) numParams() int {
	return len(bn.Weight) + len(bn.Bias)
}
