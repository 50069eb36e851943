package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUniformFanIn_BoundAndDeterminism(t *testing.T) {
	const in = 16

	w1 := make([]float32, 8*in)
	b1 := make([]float32, 8)
	UniformFanIn(7)(w1, b1, in)

	w2 := make([]float32, 8*in)
	b2 := make([]float32, 8)
	UniformFanIn(7)(w2, b2, in)

	assert.Equal(t, w1, w2)
	assert.Equal(t, b1, b2)

	bound := float32(1 / math.Sqrt(in))
	nonZero := 0

	for _, v := range append(append([]float32(nil), w1...), b1...) {
		assert.LessOrEqual(t, float32(math.Abs(float64(v))), bound)

		if v != 0 {
			nonZero++
		}
	}

	assert.Greater(t, nonZero, 0)

	w3 := make([]float32, 8*in)
	UniformFanIn(8)(w3, nil, in)
	assert.NotEqual(t, w1, w3)
}

func TestUniformFanIn_StreamAdvances(t *testing.T) {
	init := UniformFanIn(1)

	a := make([]float32, 4)
	b := make([]float32, 4)
	init(a, nil, 4)
	init(b, nil, 4)

	assert.NotEqual(t, a, b)
}
