package nn

import (
	"math"
	"math/rand/v2"
)

// Initializer fills a linear layer's weight ([out, in], row-major) and
// optional bias ([out]) in place.
type Initializer func(weight, bias []float32, in int)

// UniformFanIn draws weight and bias from U(-1/sqrt(in), 1/sqrt(in)), the
// default for fully connected layers in common frameworks. Successive calls
// continue the same PCG stream, so a whole stack is reproducible from seed.
func UniformFanIn(seed uint64) Initializer {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	return func(weight, bias []float32, in int) {
		bound := float32(1 / math.Sqrt(float64(in)))
		for i := range weight {
			weight[i] = (2*rng.Float32() - 1) * bound
		}

		for i := range bias {
			bias[i] = (2*rng.Float32() - 1) * bound
		}
	}
}

// Constant sets every weight to w and every bias entry to b.
func Constant(w, b float32) Initializer {
	return func(weight, bias []float32, _ int) {
		for i := range weight {
			weight[i] = w
		}

		for i := range bias {
			bias[i] = b
		}
	}
}
