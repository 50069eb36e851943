package safetensors

import (
	"errors"
)

// Tensor holds a single tensor loaded from a safetensors file. Data is
// always float32; DType records the on-disk element type. I64 tensors also
// carry their exact values in Ints, which the writer prefers over Data.
type Tensor struct {
	Name  string
	DType string
	Shape []int64
	Data  []float32
	Ints  []int64
}

// LoadTensor reads one tensor from a safetensors file, such as an input
// batch saved next to a checkpoint. An empty name selects the tensor whose
// name sorts first, which is the only tensor of a single-batch file.
func LoadTensor(path, name string) (*Tensor, error) {
	store, err := OpenStore(path, StoreOptions{})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if name != "" {
		return store.Tensor(name)
	}

	names := store.Names()
	if len(names) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	return store.Tensor(names[0])
}
