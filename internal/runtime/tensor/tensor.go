package tensor

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrShape reports an operand whose shape does not fit the operation.
var ErrShape = errors.New("shape mismatch")

// Tensor is a dense, row-major float32 tensor used by the head runtime.
type Tensor struct {
	shape []int64
	data  []float32
}

// New creates a tensor from data and shape.
func New(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	s := append([]int64(nil), shape...)
	d := append([]float32(nil), data...)

	return &Tensor{shape: s, data: d}, nil
}

// newOwned creates a Tensor taking ownership of the provided data and shape
// slices without copying. len(data) must equal the product of shape elements;
// this is the caller's responsibility and is not validated here.
func newOwned(data []float32, shape []int64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		shape: append([]int64(nil), shape...),
		data:  make([]float32, total),
	}, nil
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return append([]int64(nil), t.shape...)
}

// Dim returns the size of axis i; negative i counts from the end.
func (t *Tensor) Dim(i int) (int64, error) {
	if t == nil {
		return 0, errors.New("tensor: dim on nil tensor")
	}

	d, err := normalizeDim(i, len(t.shape))
	if err != nil {
		return 0, fmt.Errorf("tensor: %w", err)
	}

	return t.shape[d], nil
}

// Data returns a copy of the underlying tensor data.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return append([]float32(nil), t.data...)
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only unless they own the tensor.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	dup, _ := New(t.data, t.shape)

	return dup
}

// Squeeze drops every axis of size 1. The batch axis is not special: a
// [1, C, 1, 1] input becomes [C], and a tensor of one element becomes rank 0.
// The result shares storage with t.
func (t *Tensor) Squeeze() (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: squeeze on nil tensor")
	}

	shape := make([]int64, 0, len(t.shape))
	for _, d := range t.shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}

	return newOwned(t.data, shape), nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// shapeElemCount multiplies out shape, rejecting negative dimensions and
// products that overflow int.
func shapeElemCount(shape []int64) (int, error) {
	total := uint64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		hi, lo := bits.Mul64(total, uint64(d))
		if hi != 0 || lo > uint64(maxInt) {
			return 0, fmt.Errorf("tensor: shape %v exceeds platform int size", shape)
		}

		total = lo
	}

	return int(total), nil
}

const maxInt = int(^uint(0) >> 1)

// normalizeDim resolves a possibly negative axis index against rank.
func normalizeDim(dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("dim %d out of range for rank %d", dim, rank)
	}

	return dim, nil
}
