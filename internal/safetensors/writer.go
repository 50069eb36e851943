package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/x448/float16"
)

// EncodeTensors serializes tensors into safetensors format. Each tensor is
// stored with its DType; an empty DType means F32.
func EncodeTensors(tensors []Tensor) ([]byte, error) {
	return EncodeTensorsWithMetadata(tensors, nil)
}

// EncodeTensorsWithMetadata is EncodeTensors with a free-form string map
// written under "__metadata__".
func EncodeTensorsWithMetadata(tensors []Tensor, metadata map[string]string) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	sorted := make([]Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	header := make(map[string]any, len(sorted)+1)
	raw := make([]byte, 0, estimateTensorBytes(sorted))

	for _, tensor := range sorted {
		name := strings.TrimSpace(tensor.Name)
		if name == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}

		if name == metadataKey {
			return nil, fmt.Errorf("safetensors: tensor name %q is reserved", name)
		}

		if _, exists := header[name]; exists {
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		n, err := elemCount(tensor.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		dtype := tensorDType(tensor)
		exact := dtype == DTypeI64 && tensor.Ints != nil

		values := len(tensor.Data)
		if exact {
			values = len(tensor.Ints)
		}

		if int64(values) != n {
			return nil, fmt.Errorf(
				"safetensors: tensor %q shape %v expects %d elements, got %d",
				name,
				tensor.Shape,
				n,
				values,
			)
		}

		start := len(raw)

		if exact {
			raw = appendInts(raw, tensor.Ints)
		} else {
			raw, err = appendEncoded(raw, dtype, tensor.Data)
			if err != nil {
				return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
			}
		}

		header[name] = headerEntry{
			DType:   dtype,
			Shape:   append([]int64(nil), tensor.Shape...),
			Offsets: [2]int{start, len(raw)},
		}
	}

	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 0, 8+len(headerJSON)+len(raw))
	lenPrefix := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenPrefix, uint64(len(headerJSON)))
	out = append(out, lenPrefix...)
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// WriteFile writes tensors into a .safetensors file.
func WriteFile(path string, tensors []Tensor) error {
	return WriteFileWithMetadata(path, tensors, nil)
}

// WriteFileWithMetadata writes tensors and a metadata map into a
// .safetensors file.
func WriteFileWithMetadata(path string, tensors []Tensor, metadata map[string]string) error {
	data, err := EncodeTensorsWithMetadata(tensors, metadata)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}

func tensorDType(t Tensor) string {
	if t.DType == "" {
		return DTypeF32
	}

	return strings.ToUpper(t.DType)
}

func appendEncoded(raw []byte, dtype string, data []float32) ([]byte, error) {
	switch dtype {
	case DTypeF32:
		start := len(raw)

		raw = append(raw, make([]byte, len(data)*4)...)
		for i, v := range data {
			binary.LittleEndian.PutUint32(raw[start+i*4:], math.Float32bits(v))
		}
	case DTypeF16:
		start := len(raw)

		raw = append(raw, make([]byte, len(data)*2)...)
		for i, v := range data {
			binary.LittleEndian.PutUint16(raw[start+i*2:], float16.Fromfloat32(v).Bits())
		}
	case DTypeBF16:
		start := len(raw)

		raw = append(raw, make([]byte, len(data)*2)...)
		for i, v := range data {
			binary.LittleEndian.PutUint16(raw[start+i*2:], uint16(math.Float32bits(v)>>16))
		}
	case DTypeI64:
		start := len(raw)

		raw = append(raw, make([]byte, len(data)*8)...)
		for i, v := range data {
			if v != float32(math.Trunc(float64(v))) {
				return nil, fmt.Errorf("value %v at %d is not an integer", v, i)
			}

			binary.LittleEndian.PutUint64(raw[start+i*8:], uint64(int64(v)))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}

	return raw, nil
}

func appendInts(raw []byte, ints []int64) []byte {
	for _, v := range ints {
		raw = binary.LittleEndian.AppendUint64(raw, uint64(v))
	}

	return raw
}

func estimateTensorBytes(tensors []Tensor) int {
	total := 0

	for _, tensor := range tensors {
		size, err := elemWidth(tensorDType(tensor))
		if err != nil {
			size = 4
		}

		total += max(len(tensor.Data), len(tensor.Ints)) * size
	}

	return total
}
