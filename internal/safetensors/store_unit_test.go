package safetensors

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/x448/float16"
)

func TestDecodeTensorData_F16SpecialValues(t *testing.T) {
	tests := []struct {
		name string
		h    uint16
		want float64
	}{
		{"negative zero", 0x8000, math.Copysign(0, -1)},
		{"max normal", 0x7bff, 65504},
		{"smallest normal", 0x0400, math.Ldexp(1, -14)},
		{"smallest subnormal", 0x0001, math.Ldexp(1, -24)},
		{"positive infinity", 0x7c00, math.Inf(1)},
		{"negative infinity", 0xfc00, math.Inf(-1)},
		{"NaN", 0x7e00, math.NaN()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := make([]byte, 2)
			binary.LittleEndian.PutUint16(raw, tt.h)

			out, err := decodeTensorData(raw, DTypeF16, []int64{1})
			if err != nil {
				t.Fatalf("decodeTensorData: %v", err)
			}

			got := float64(out[0])
			if math.IsNaN(tt.want) {
				if !math.IsNaN(got) {
					t.Fatalf("decode F16 0x%04x = %v; want NaN", tt.h, got)
				}

				return
			}

			if got != tt.want || math.Signbit(got) != math.Signbit(tt.want) {
				t.Fatalf("decode F16 0x%04x = %v; want %v", tt.h, got, tt.want)
			}
		})
	}
}

// Parameters saved as F16 by the writer must decode to the value the
// float16 package rounds them to.
func TestDecodeTensorData_F16MatchesWriterRounding(t *testing.T) {
	vals := []float32{0.1, -0.3333, 1e-5, 3.14159, 70000}

	raw := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(raw[i*2:], float16.Fromfloat32(v).Bits())
	}

	out, err := decodeTensorData(raw, DTypeF16, []int64{int64(len(vals))})
	if err != nil {
		t.Fatalf("decodeTensorData: %v", err)
	}

	for i, v := range vals {
		if want := float16.Fromfloat32(v).Float32(); out[i] != want {
			t.Errorf("value[%d] = %v; want %v", i, out[i], want)
		}
	}

	if !math.IsInf(float64(out[4]), 1) {
		t.Errorf("70000 should overflow to +Inf in F16, got %v", out[4])
	}
}

func TestDecodeTensorData_I64AndShortBuffers(t *testing.T) {
	raw := make([]byte, 16)
	binary.LittleEndian.PutUint64(raw, uint64(1<<20))
	binary.LittleEndian.PutUint64(raw[8:], ^uint64(0)) // -1

	out, err := decodeTensorData(raw, DTypeI64, []int64{2})
	if err != nil {
		t.Fatalf("decodeTensorData: %v", err)
	}

	if out[0] != 1<<20 || out[1] != -1 {
		t.Errorf("I64 decode = %v; want [1048576 -1]", out)
	}

	for _, dtype := range []string{DTypeF32, DTypeF16, DTypeBF16, DTypeI64} {
		if _, err := decodeTensorData(make([]byte, 1), dtype, []int64{1}); err == nil {
			t.Errorf("%s: expected error for a 1-byte buffer", dtype)
		}
	}
}

func TestEqualShape(t *testing.T) {
	tests := []struct {
		name string
		a, b []int64
		want bool
	}{
		{"scalar counters", nil, []int64{}, true},
		{"linear weight", []int64{2, 3}, []int64{2, 3}, true},
		{"transposed weight", []int64{2, 3}, []int64{3, 2}, false},
		{"rank differs", []int64{3}, []int64{1, 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := equalShape(tt.a, tt.b); got != tt.want {
				t.Fatalf("equalShape(%v, %v) = %v; want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
