package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"

	"github.com/example/go-mlp-head/internal/config"
	"github.com/example/go-mlp-head/internal/head"
	"github.com/example/go-mlp-head/internal/runtime/tensor"
	"github.com/example/go-mlp-head/internal/safetensors"
)

// buildHead builds the configured architecture with freshly initialized
// parameters.
func buildHead(cfg config.Config) (*head.MLP, error) {
	hc, dims, opts := cfg.HeadOptions()
	return head.New(hc, dims, opts)
}

// loadHead returns the head stored at the configured weights path. A
// checkpoint with architecture metadata is opened as is; a plain state dict
// is loaded into the configured architecture. When the file is missing and
// requireWeights is false the configured head is returned freshly
// initialized.
func loadHead(cfg config.Config, requireWeights bool) (*head.MLP, error) {
	path := cfg.Paths.WeightsPath

	if _, err := os.Stat(path); err != nil {
		if requireWeights || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("weights %q: %w", path, err)
		}

		slog.Warn("no checkpoint found, using initialized parameters", "path", path, "seed", cfg.Head.Seed)

		return buildHead(cfg)
	}

	m, err := head.Open(path, "")
	if err == nil {
		return m, nil
	}

	if !errors.Is(err, head.ErrNoArchitecture) {
		return nil, err
	}

	m, err = buildHead(cfg)
	if err != nil {
		return nil, err
	}

	if err := m.LoadFile(path, ""); err != nil {
		return nil, err
	}

	return m, nil
}

// inputWidth is the feature count a batch for m must carry.
func inputWidth(m *head.MLP) int {
	if w := m.InputWidth(); w > 0 {
		return w
	}

	if dims := m.Dims(); len(dims) > 0 {
		return dims[0]
	}

	return 1
}

// readBatch loads the named tensor (first tensor when name is empty) from a
// safetensors file.
func readBatch(path, name string) (*tensor.Tensor, error) {
	st, err := safetensors.LoadTensor(path, name)
	if err != nil {
		return nil, fmt.Errorf("read input %q: %w", path, err)
	}

	return tensor.New(st.Data, st.Shape)
}

// randomBatch returns a [n, width] batch of standard normal samples.
func randomBatch(n, width int, seed uint64) (*tensor.Tensor, error) {
	if n < 1 || width < 1 {
		return nil, fmt.Errorf("batch shape [%d, %d] must be positive", n, width)
	}

	rng := rand.New(rand.NewPCG(seed, ^seed))

	data := make([]float32, n*width)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}

	return tensor.New(data, []int64{int64(n), int64(width)})
}

// batchFor reads --input when set and otherwise generates a random batch
// sized for m.
func batchFor(m *head.MLP, input, inputTensor string, batch int, seed uint64) (*tensor.Tensor, error) {
	if input != "" {
		return readBatch(input, inputTensor)
	}

	return randomBatch(batch, inputWidth(m), seed)
}
