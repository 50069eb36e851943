//go:build js && wasm

package onnx

import (
	"context"
	"fmt"

	"github.com/example/go-mlp-head/internal/runtime/tensor"
)

// RunnerConfig holds ORT library settings for creating runners.
// In js/wasm builds, native ORT is unavailable; this struct is kept so the
// package API remains build-compatible.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
	InputName   string
	OutputName  string
}

// Runner is unavailable in js/wasm builds.
type Runner struct {
	path string
}

// NewRunner always returns an error in js/wasm builds.
func NewRunner(path string, _ RunnerConfig) (*Runner, error) {
	return nil, fmt.Errorf("native onnx runner is unavailable in js/wasm for graph %q", path)
}

// Run always returns an error in js/wasm builds.
func (r *Runner) Run(_ context.Context, _ *tensor.Tensor) (*tensor.Tensor, error) {
	return nil, fmt.Errorf("native onnx runner is unavailable in js/wasm for graph %q", r.path)
}

// RunNamed always returns an error in js/wasm builds.
func (r *Runner) RunNamed(_ context.Context, _ map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	return nil, fmt.Errorf("native onnx runner is unavailable in js/wasm for graph %q", r.path)
}

// Close is a no-op in js/wasm builds.
func (r *Runner) Close() {}

// Path returns the graph file.
func (r *Runner) Path() string {
	return r.path
}
