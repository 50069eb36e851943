//go:build !(js && wasm)

package onnx

import (
	"context"
	"errors"
	"fmt"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"

	"github.com/example/go-mlp-head/internal/runtime/tensor"
)

// RunnerConfig holds ORT library settings and the graph's tensor names.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
	InputName   string // default "input"
	OutputName  string // default "output"
}

// Runner wraps an ORT session for a single-input, single-output float graph
// such as an exported head.
type Runner struct {
	path    string
	input   string
	output  string
	runtime *ort.Runtime
	env     *ort.Env
	session *ort.Session
}

// NewRunner opens the graph at path.
func NewRunner(path string, cfg RunnerConfig) (*Runner, error) {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = 23
	}

	if cfg.InputName == "" {
		cfg.InputName = DefaultInputName
	}

	if cfg.OutputName == "" {
		cfg.OutputName = DefaultOutputName
	}

	runtime, err := ort.NewRuntime(cfg.LibraryPath, cfg.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("ort runtime for %q: %w", path, err)
	}

	env, err := runtime.NewEnv("mlphead", ort.LoggingLevelWarning)
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("ort env for %q: %w", path, err)
	}

	session, err := runtime.NewSession(env, path, nil)
	if err != nil {
		env.Close()
		_ = runtime.Close()

		return nil, fmt.Errorf("ort session for %q: %w", path, err)
	}

	return &Runner{
		path:    path,
		input:   cfg.InputName,
		output:  cfg.OutputName,
		runtime: runtime,
		env:     env,
		session: session,
	}, nil
}

// Run feeds x to the graph input and returns the graph output.
func (r *Runner) Run(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	outs, err := r.RunNamed(ctx, map[string]*tensor.Tensor{r.input: x})
	if err != nil {
		return nil, err
	}

	y, ok := outs[r.output]
	if !ok {
		return nil, fmt.Errorf("run %q: graph produced no %q output", r.path, r.output)
	}

	return y, nil
}

// RunNamed executes the graph with the given named float inputs.
func (r *Runner) RunNamed(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if r.session == nil {
		return nil, errors.New("onnx runner is closed")
	}

	ortInputs := make(map[string]*ort.Value, len(inputs))
	for name, t := range inputs {
		if t == nil {
			closeORTValues(ortInputs)
			return nil, fmt.Errorf("input %q is nil", name)
		}

		v, err := ort.NewTensorValue(r.runtime, t.Data(), t.Shape())
		if err != nil {
			closeORTValues(ortInputs)
			return nil, fmt.Errorf("input %q: %w", name, err)
		}

		ortInputs[name] = v
	}

	defer closeORTValues(ortInputs)

	ortOutputs, err := r.session.Run(ctx, ortInputs)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", r.path, err)
	}
	defer closeORTValues(ortOutputs)

	results := make(map[string]*tensor.Tensor, len(ortOutputs))
	for name, v := range ortOutputs {
		t, err := ortToTensor(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}

		results[name] = t
	}

	return results, nil
}

// Close releases all ORT resources. Safe to call multiple times.
func (r *Runner) Close() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}

	if r.env != nil {
		r.env.Close()
		r.env = nil
	}

	if r.runtime != nil {
		_ = r.runtime.Close()
		r.runtime = nil
	}
}

// Path returns the graph file the runner was opened with.
func (r *Runner) Path() string {
	return r.path
}

func ortToTensor(v *ort.Value) (*tensor.Tensor, error) {
	elemType, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("get element type: %w", err)
	}

	if elemType != ort.ONNXTensorElementDataTypeFloat {
		return nil, fmt.Errorf("unsupported ORT element type %d (want float)", elemType)
	}

	data, shape, err := ort.GetTensorData[float32](v)
	if err != nil {
		return nil, err
	}

	return tensor.New(data, shape)
}

func closeORTValues(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}
