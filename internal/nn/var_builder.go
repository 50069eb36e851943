package nn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-mlp-head/internal/runtime/tensor"
	"github.com/example/go-mlp-head/internal/safetensors"
)

// VarBuilder provides dotted, hierarchical tensor lookup over a safetensors
// store, e.g. vb.Path("clf", "0").Tensor("weight") reads "clf.0.weight".
type VarBuilder struct {
	store  *safetensors.Store
	prefix string
}

func OpenVarBuilder(path string, opts safetensors.StoreOptions) (*VarBuilder, error) {
	store, err := safetensors.OpenStore(path, opts)
	if err != nil {
		return nil, err
	}

	return &VarBuilder{store: store}, nil
}

func NewVarBuilder(store *safetensors.Store) *VarBuilder {
	return &VarBuilder{store: store}
}

func (vb *VarBuilder) Path(parts ...string) *VarBuilder {
	if vb == nil {
		return nil
	}

	prefix := vb.prefix

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
	}

	return &VarBuilder{store: vb.store, prefix: prefix}
}

func (vb *VarBuilder) Prefix() string {
	if vb == nil {
		return ""
	}

	return vb.prefix
}

func (vb *VarBuilder) Has(name string) bool {
	if vb == nil || vb.store == nil {
		return false
	}

	return vb.store.Has(vb.resolve(name))
}

// Metadata returns the underlying store's "__metadata__" map.
func (vb *VarBuilder) Metadata() map[string]string {
	if vb == nil || vb.store == nil {
		return nil
	}

	return vb.store.Metadata()
}

func (vb *VarBuilder) Tensor(name string, wantShape ...int64) (*tensor.Tensor, error) {
	if vb == nil || vb.store == nil {
		return nil, errors.New("nn varbuilder: uninitialized store")
	}

	fullName := vb.resolve(name)

	var (
		st  *safetensors.Tensor
		err error
	)

	if len(wantShape) > 0 {
		st, err = vb.store.TensorWithShape(fullName, wantShape)
	} else {
		st, err = vb.store.Tensor(fullName)
	}

	if errors.Is(err, safetensors.ErrShapeMismatch) {
		return nil, fmt.Errorf("nn varbuilder: %w: %w", err, ErrShapeMismatch)
	}

	if err != nil {
		return nil, err
	}

	t, err := tensor.New(st.Data, st.Shape)
	if err != nil {
		return nil, fmt.Errorf("nn varbuilder: tensor %q: %w", fullName, err)
	}

	return t, nil
}

func (vb *VarBuilder) TensorMaybe(name string, wantShape ...int64) (*tensor.Tensor, bool, error) {
	if !vb.Has(name) {
		return nil, false, nil
	}

	t, err := vb.Tensor(name, wantShape...)
	if err != nil {
		return nil, true, err
	}

	return t, true, nil
}

// Int64Maybe reads a one-element counter such as num_batches_tracked. I64
// tensors are read exactly; float tensors are truncated.
func (vb *VarBuilder) Int64Maybe(name string) (int64, bool, error) {
	if !vb.Has(name) {
		return 0, false, nil
	}

	fullName := vb.resolve(name)

	st, err := vb.store.Tensor(fullName)
	if err != nil {
		return 0, true, err
	}

	if len(st.Data) != 1 {
		return 0, true, fmt.Errorf("nn varbuilder: %q must hold one value, got shape %v: %w", fullName, st.Shape, ErrShapeMismatch)
	}

	if len(st.Ints) == 1 {
		return st.Ints[0], true, nil
	}

	return int64(st.Data[0]), true, nil
}

// Close releases the underlying store. Builders derived with Path share it.
func (vb *VarBuilder) Close() {
	if vb == nil || vb.store == nil {
		return
	}

	vb.store.Close()
}

func (vb *VarBuilder) resolve(name string) string {
	name = strings.TrimSpace(name)
	if vb == nil || vb.prefix == "" {
		return name
	}

	if name == "" {
		return vb.prefix
	}

	return vb.prefix + "." + name
}
