package parity

import "fmt"

// Tolerance defines acceptable numeric drift of the native head versus a
// reference output. An element passes when |got-want| <= Abs + Rel*|want|.
type Tolerance struct {
	Abs float64 `json:"abs"`
	Rel float64 `json:"rel"`
}

// Tolerances holds the per-check parity targets.
var Tolerances = map[string]Tolerance{
	"onnx":      {Abs: 1e-4, Rel: 1e-4},
	"linear":    {Abs: 1e-4, Rel: 1e-4},
	"batchnorm": {Abs: 1e-4, Rel: 1e-4},
	"relu":      {Abs: 0, Rel: 0},
	"f16":       {Abs: 5e-3, Rel: 5e-3},
}

func ToleranceFor(name string) (Tolerance, error) {
	t, ok := Tolerances[name]
	if !ok {
		return Tolerance{}, fmt.Errorf("parity: no tolerance configured for %q", name)
	}

	return t, nil
}

func (t Tolerance) allows(got, want float64) bool {
	d := got - want
	if d < 0 {
		d = -d
	}

	if want < 0 {
		want = -want
	}

	return d <= t.Abs+t.Rel*want
}
