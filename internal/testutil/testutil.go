// Package testutil provides shared skip helpers and numeric assertions for
// tests.
//
// Each Require helper calls t.Skip with a clear human-readable reason when the
// named prerequisite is absent, so integration tests remain runnable in
// partial environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    lib := testutil.RequireONNXRuntime(t)
//	    ...
//	}
package testutil

import (
	"math"
	"os"
	"testing"
)

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located and returns its path otherwise. It checks (in order): the
// MLPHEAD_ORT_LIB env var, then ORT_LIBRARY_PATH, then common system library
// paths.
func RequireONNXRuntime(tb testing.TB) string {
	tb.Helper()

	for _, env := range []string{"MLPHEAD_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			// #nosec G703 -- Integration tests intentionally accept explicit env-provided local library paths.
			_, err := os.Stat(p)
			if err == nil {
				return p
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)

			return ""
		}
	}
	// Fall back to common system locations.
	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	}
	for _, p := range candidates {
		_, err := os.Stat(p)
		if err == nil {
			return p
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set MLPHEAD_ORT_LIB or ORT_LIBRARY_PATH")

	return ""
}

// AssertAllClose fails the test unless got and want have equal length and
// every element satisfies |got-want| <= atol + rtol*|want|.
func AssertAllClose(tb testing.TB, got, want []float32, atol, rtol float64) {
	tb.Helper()

	if len(got) != len(want) {
		tb.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
		return
	}

	for i := range got {
		diff := math.Abs(float64(got[i]) - float64(want[i]))
		if diff > atol+rtol*math.Abs(float64(want[i])) {
			tb.Fatalf("element %d: got %v, want %v (|diff|=%g, atol=%g, rtol=%g)", i, got[i], want[i], diff, atol, rtol)
			return
		}
	}
}
