package head

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/example/go-mlp-head/internal/nn"
	"github.com/example/go-mlp-head/internal/safetensors"
)

// StatePrefix is the state-dict namespace of the layer stack; parameters
// are stored as "clf.<layer index>.<name>".
const StatePrefix = "clf"

// wrapperPrefix is prepended to every key of a model saved through
// torch.nn.DataParallel.
const wrapperPrefix = "module."

// storeOptions strips wrapperPrefix from checkpoint keys. Strict mode makes
// a file holding both "module.x" and "x" an error instead of picking one.
func storeOptions() safetensors.StoreOptions {
	return safetensors.StoreOptions{
		KeyMapper: func(name string) (string, bool) {
			return strings.TrimPrefix(name, wrapperPrefix), true
		},
		RemapMode: safetensors.RemapStrict,
	}
}

// StateDict returns every parameter and buffer as F32 tensors (the batch
// counters as I64), sorted by name.
func (m *MLP) StateDict() []safetensors.Tensor {
	return m.stateDict(safetensors.DTypeF32)
}

func (m *MLP) stateDict(dtype string) []safetensors.Tensor {
	var out []safetensors.Tensor

	for i, l := range m.layers {
		out = append(out, l.Tensors(StatePrefix+"."+strconv.Itoa(i), dtype)...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// ParseDType maps a user-facing dtype name to a checkpoint dtype for
// parameters. Empty means F32.
func ParseDType(s string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "F32", "FLOAT32":
		return safetensors.DTypeF32, nil
	case "F16", "FLOAT16", "HALF":
		return safetensors.DTypeF16, nil
	default:
		return "", fmt.Errorf("head: unsupported checkpoint dtype %q (want f32 or f16)", s)
	}
}

// Save writes the state dict and architecture metadata to path. dtype
// applies to parameters; running statistics stay F32.
func (m *MLP) Save(path, dtype string) error {
	dt, err := ParseDType(dtype)
	if err != nil {
		return err
	}

	tensors := m.stateDict(dt)
	if len(tensors) == 0 {
		return fmt.Errorf("head: nothing to save, dims %v build an empty stack", m.dims)
	}

	if err := safetensors.WriteFileWithMetadata(path, tensors, EncodeMetadata(m.cfg, m.dims, m.opts)); err != nil {
		return fmt.Errorf("head: save: %w", err)
	}

	slog.Info("head checkpoint saved", "path", path, "tensors", len(tensors), "dtype", dt)

	return nil
}

// Load copies parameters and buffers from vb into the head. vb must be
// scoped to the prefix that holds "clf.*". On error the head may be
// partially loaded.
func (m *MLP) Load(vb *nn.VarBuilder) error {
	stack := vb.Path(StatePrefix)

	for i, l := range m.layers {
		if err := l.Load(stack.Path(strconv.Itoa(i))); err != nil {
			return fmt.Errorf("head: load layer %d (%s): %w", i, l.Kind, err)
		}
	}

	return nil
}

// LoadFile loads a safetensors checkpoint into the head. prefix selects a
// sub-tree such as "heads.0"; empty means the file root.
func (m *MLP) LoadFile(path, prefix string) error {
	vb, err := nn.OpenVarBuilder(path, storeOptions())
	if err != nil {
		return fmt.Errorf("head: open checkpoint: %w", err)
	}
	defer vb.Close()

	if err := m.Load(vb.Path(prefix)); err != nil {
		return err
	}

	slog.Info("head checkpoint loaded", "path", path, "prefix", prefix, "layers", len(m.layers))

	return nil
}

// Open rebuilds a head from the architecture metadata stored in a checkpoint
// written by Save, then loads its weights.
func Open(path, prefix string) (*MLP, error) {
	vb, err := nn.OpenVarBuilder(path, storeOptions())
	if err != nil {
		return nil, fmt.Errorf("head: open checkpoint: %w", err)
	}
	defer vb.Close()

	cfg, dims, opts, err := DecodeMetadata(vb.Metadata())
	if err != nil {
		return nil, fmt.Errorf("head: %s: %w", path, err)
	}

	m, err := New(cfg, dims, opts)
	if err != nil {
		return nil, err
	}

	if err := m.Load(vb.Path(prefix)); err != nil {
		return nil, err
	}

	slog.Info("head checkpoint opened", "path", path, "dims", FormatDims(dims), "params", m.NumParams())

	return m, nil
}

// UnexpectedKeys decodes every tensor in the checkpoint at path and returns
// the sorted names the head does not own, such as optimizer state saved
// alongside the parameters.
func (m *MLP) UnexpectedKeys(path string) ([]string, error) {
	store, err := safetensors.OpenStore(path, storeOptions())
	if err != nil {
		return nil, fmt.Errorf("head: open checkpoint: %w", err)
	}
	defer store.Close()

	all, err := store.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("head: %s: %w", path, err)
	}

	for _, st := range m.StateDict() {
		delete(all, st.Name)
	}

	extra := make([]string, 0, len(all))
	for name := range all {
		extra = append(extra, name)
	}

	sort.Strings(extra)

	return extra, nil
}
