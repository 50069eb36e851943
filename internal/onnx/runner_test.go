//go:build !(js && wasm)

package onnx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/example/go-mlp-head/internal/head"
	"github.com/example/go-mlp-head/internal/nn"
	"github.com/example/go-mlp-head/internal/runtime/tensor"
	"github.com/example/go-mlp-head/internal/testutil"
)

func TestRunnerMatchesNativeEvalForward(t *testing.T) {
	libPath := testutil.RequireONNXRuntime(t)

	m := newExportHead(t, head.Options{Normalize: true, Nonlinear: true, Dropout: true, Bias: true, Seed: 11})

	// One Train step so the exported running statistics are not the defaults.
	warm, err := tensor.New([]float32{
		0.1, -0.2, 0.3, 0.4,
		1.5, 0.2, -0.7, 0.9,
		-1.1, 0.6, 0.2, -0.3,
	}, []int64{3, 4})
	if err != nil {
		t.Fatalf("tensor.New: %v", err)
	}
	if _, err := m.Forward(warm, nn.Train); err != nil {
		t.Fatalf("train forward: %v", err)
	}

	path := filepath.Join(t.TempDir(), "head.onnx")
	if err := ExportHead(m, path); err != nil {
		t.Fatalf("ExportHead: %v", err)
	}

	runner, err := NewRunner(path, RunnerConfig{LibraryPath: libPath})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer runner.Close()

	got, err := runner.Run(context.Background(), warm)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want, err := m.Forward(warm, nn.Eval)
	if err != nil {
		t.Fatalf("eval forward: %v", err)
	}

	if !tensor.SameShape(got.Shape(), want.Shape()) {
		t.Fatalf("shape = %v, want %v", got.Shape(), want.Shape())
	}
	testutil.AssertAllClose(t, got.RawData(), want.RawData(), 1e-5, 1e-4)

	if runner.Path() != path {
		t.Fatalf("Path() = %q", runner.Path())
	}

	runner.Close()
	runner.Close()

	if _, err := runner.Run(context.Background(), warm); err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestNewRunnerMissingLibrary(t *testing.T) {
	_, err := NewRunner("head.onnx", RunnerConfig{LibraryPath: filepath.Join(t.TempDir(), "missing.so")})
	if err == nil {
		t.Fatal("expected error for missing ORT library")
	}
}
