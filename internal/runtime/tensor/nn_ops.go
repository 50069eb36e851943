package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// Linear applies y = x * W^T + b where weight shape is [out, in].
// x may have any rank >= 1; the last axis is projected.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}

	if x.Rank() < 1 {
		return nil, fmt.Errorf("tensor: linear requires x rank >= 1, got shape %v: %w", x.shape, ErrShape)
	}

	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %d", weight.Rank())
	}

	in := x.shape[x.Rank()-1]

	out := weight.shape[0]
	if weight.shape[1] != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d: %w", in, weight.shape[1], ErrShape)
	}

	if bias != nil {
		if bias.Rank() != 1 || bias.shape[0] != out {
			return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, out)
		}
	}

	inI := int(in)
	outI := int(out)

	batch := 0
	if inI > 0 {
		batch = len(x.data) / inI
	}

	outData := make([]float32, batch*outI)
	wData := weight.data

	parallelFor(batch, getWorkers(), func(lo, hi int) {
		for bIdx := lo; bIdx < hi; bIdx++ {
			xSlice := x.data[bIdx*inI : bIdx*inI+inI]

			yBase := bIdx * outI
			for o := range outI {
				sum := dotF32(xSlice, wData[o*inI:(o+1)*inI])
				if bias != nil {
					sum += bias.data[o]
				}

				outData[yBase+o] = sum
			}
		}
	})

	outShape := make([]int64, x.Rank())
	copy(outShape, x.shape[:x.Rank()-1])
	outShape[x.Rank()-1] = out

	return newOwned(outData, outShape), nil
}

// ReLUInPlace clamps negative values of x to zero and returns x.
func ReLUInPlace(x *Tensor) *Tensor {
	if x == nil {
		return nil
	}

	for i, v := range x.data {
		if v < 0 {
			x.data[i] = 0
		}
	}

	return x
}

// BatchStats returns the per-feature mean and biased variance of a [N, C]
// tensor, reduced over the batch axis.
func BatchStats(x *Tensor) (mean, variance []float32, err error) {
	n, c, err := featureMatrix(x, "batch stats")
	if err != nil {
		return nil, nil, err
	}

	if n == 0 {
		return nil, nil, fmt.Errorf("tensor: batch stats on empty batch: %w", ErrShape)
	}

	sum := make([]float64, c)
	for r := range n {
		row := x.data[r*c : (r+1)*c]
		for j, v := range row {
			sum[j] += float64(v)
		}
	}

	mu := make([]float64, c)
	for j := range c {
		mu[j] = sum[j] / float64(n)
	}

	sq := make([]float64, c)
	for r := range n {
		row := x.data[r*c : (r+1)*c]
		for j, v := range row {
			d := float64(v) - mu[j]
			sq[j] += d * d
		}
	}

	mean = make([]float32, c)
	variance = make([]float32, c)

	for j := range c {
		mean[j] = float32(mu[j])
		variance[j] = float32(sq[j] / float64(n))
	}

	return mean, variance, nil
}

// Normalize computes (x - mean) / sqrt(variance + eps) * weight + bias per
// feature of a [N, C] tensor. weight and bias may be nil.
func Normalize(x *Tensor, mean, variance, weight, bias []float32, eps float32) (*Tensor, error) {
	n, c, err := featureMatrix(x, "normalize")
	if err != nil {
		return nil, err
	}

	if len(mean) != c || len(variance) != c {
		return nil, fmt.Errorf("tensor: normalize statistics width %d/%d do not match features %d: %w", len(mean), len(variance), c, ErrShape)
	}

	if (weight != nil && len(weight) != c) || (bias != nil && len(bias) != c) {
		return nil, fmt.Errorf("tensor: normalize affine width does not match features %d: %w", c, ErrShape)
	}

	if eps <= 0 {
		return nil, errors.New("tensor: normalize eps must be > 0")
	}

	invStd := make([]float32, c)
	for j := range c {
		invStd[j] = float32(1.0 / math.Sqrt(float64(variance[j])+float64(eps)))
	}

	out := make([]float32, len(x.data))

	for r := range n {
		base := r * c
		for j := range c {
			v := (x.data[base+j] - mean[j]) * invStd[j]
			if weight != nil {
				v *= weight[j]
			}

			if bias != nil {
				v += bias[j]
			}

			out[base+j] = v
		}
	}

	return newOwned(out, append([]int64(nil), x.shape...)), nil
}

// Dropout zeroes each element of x with probability p and scales survivors
// by 1/(1-p). p == 1 yields all zeros.
func Dropout(x *Tensor, p float32, rng *rand.Rand) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: dropout on nil tensor")
	}

	if p < 0 || p > 1 {
		return nil, fmt.Errorf("tensor: dropout probability must be in [0, 1], got %v", p)
	}

	if rng == nil {
		return nil, errors.New("tensor: dropout requires a random source")
	}

	out := make([]float32, len(x.data))
	if p == 1 {
		return newOwned(out, append([]int64(nil), x.shape...)), nil
	}

	scale := 1 / (1 - p)

	for i, v := range x.data {
		if rng.Float32() >= p {
			out[i] = v * scale
		}
	}

	return newOwned(out, append([]int64(nil), x.shape...)), nil
}

func featureMatrix(x *Tensor, op string) (n, c int, err error) {
	if x == nil {
		return 0, 0, fmt.Errorf("tensor: %s on nil tensor", op)
	}

	if x.Rank() != 2 {
		return 0, 0, fmt.Errorf("tensor: %s expects a [N, C] tensor, got shape %v: %w", op, x.shape, ErrShape)
	}

	return int(x.shape[0]), int(x.shape[1]), nil
}
