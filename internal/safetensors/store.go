package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/x448/float16"
)

// Supported element types. Floating types widen to float32 on read; I64
// tensors also keep their exact values in Tensor.Ints.
const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
	DTypeI64  = "I64"
)

const metadataKey = "__metadata__"

// ErrShapeMismatch reports a stored tensor whose shape is not the one the
// caller asked for.
var ErrShapeMismatch = errors.New("safetensors: shape mismatch")

// elemCodec widens one little-endian element to float32.
type elemCodec struct {
	width  int
	decode func(b []byte) float32
}

var codecs = map[string]elemCodec{
	DTypeF32: {4, func(b []byte) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}},
	DTypeF16: {2, func(b []byte) float32 {
		return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
	}},
	DTypeBF16: {2, func(b []byte) float32 {
		return math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
	}},
	DTypeI64: {8, func(b []byte) float32 {
		return float32(int64(binary.LittleEndian.Uint64(b)))
	}},
}

// KeyMapper renames a stored tensor; keep=false drops it.
type KeyMapper func(name string) (mapped string, keep bool)

type RemapMode string

const (
	RemapLenient RemapMode = "lenient"
	RemapStrict  RemapMode = "strict"
)

type StoreOptions struct {
	KeyMapper KeyMapper
	// RemapMode decides whether a dropped tensor or a mapped-name collision
	// is an error. Empty means lenient.
	RemapMode RemapMode
}

// Store is an opened safetensors blob. Tensors are decoded on demand.
type Store struct {
	raw      []byte
	entries  map[string]span
	names    []string
	metadata map[string]string
}

// span locates one tensor inside Store.raw.
type span struct {
	dtype  string
	shape  []int64
	lo, hi int
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

func OpenStore(path string, opts StoreOptions) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return OpenStoreFromBytes(data, opts)
}

// OpenStoreFromBytes indexes data without copying it. Every header entry is
// validated, including the ones the key mapper drops. Keys are visited in
// sorted order, so a lenient collision keeps the name that sorts first.
func OpenStoreFromBytes(data []byte, opts StoreOptions) (*Store, error) {
	base, header, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	s := &Store{raw: data, entries: make(map[string]span, len(keys))}
	remap := remapper{mapKey: opts.KeyMapper, strict: opts.RemapMode == RemapStrict}

	for _, key := range keys {
		if key == metadataKey {
			if err := json.Unmarshal(header[key], &s.metadata); err != nil {
				return nil, fmt.Errorf("safetensors: decode metadata: %w", err)
			}

			continue
		}

		sp, err := locate(key, header[key], base, len(data))
		if err != nil {
			return nil, err
		}

		name, keep, err := remap.apply(key, s.entries)
		if err != nil {
			return nil, err
		}

		if keep {
			s.entries[name] = sp
			s.names = append(s.names, name)
		}
	}

	if len(s.entries) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	sort.Strings(s.names)

	return s, nil
}

// Metadata returns a copy of the free-form string map stored under
// "__metadata__", or nil when the file has none.
func (s *Store) Metadata() map[string]string {
	if s.metadata == nil {
		return nil
	}

	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}

	return out
}

func (s *Store) Names() []string {
	return slices.Clone(s.names)
}

func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

func (s *Store) Tensor(name string) (*Tensor, error) {
	sp, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, summarizeNames(s.names))
	}

	raw := s.raw[sp.lo:sp.hi]
	t := &Tensor{Name: name, DType: sp.dtype, Shape: slices.Clone(sp.shape)}

	var err error

	if sp.dtype == DTypeI64 {
		t.Ints, err = decodeInts(raw, sp.shape)
		if err == nil {
			t.Data = make([]float32, len(t.Ints))
			for i, v := range t.Ints {
				t.Data[i] = float32(v)
			}
		}
	} else {
		t.Data, err = decodeTensorData(raw, sp.dtype, sp.shape)
	}

	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q decode: %w", name, err)
	}

	return t, nil
}

// TensorWithShape is Tensor plus a shape check wrapping ErrShapeMismatch.
// The shape is checked before any data is decoded.
func (s *Store) TensorWithShape(name string, wantShape []int64) (*Tensor, error) {
	if sp, ok := s.entries[name]; ok && !equalShape(sp.shape, wantShape) {
		return nil, fmt.Errorf("safetensors: tensor %q shape %v does not match expected %v: %w", name, sp.shape, wantShape, ErrShapeMismatch)
	}

	return s.Tensor(name)
}

// ReadAll decodes every tensor, keyed by its mapped name.
func (s *Store) ReadAll() (map[string]*Tensor, error) {
	out := make(map[string]*Tensor, len(s.names))

	for _, name := range s.names {
		t, err := s.Tensor(name)
		if err != nil {
			return nil, err
		}

		out[name] = t
	}

	return out, nil
}

func (s *Store) Close() {
	*s = Store{}
}

type remapper struct {
	mapKey KeyMapper
	strict bool
}

// apply maps a stored key to its lookup name. keep is false for keys the
// mapper drops and, in lenient mode, for names already taken.
func (r remapper) apply(key string, taken map[string]span) (string, bool, error) {
	name, keep := key, true
	if r.mapKey != nil {
		name, keep = r.mapKey(key)
	}

	if !keep {
		if r.strict {
			return "", false, fmt.Errorf("safetensors: strict remap rejected tensor %q", key)
		}

		return "", false, nil
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, fmt.Errorf("safetensors: remapped tensor name for %q is empty", key)
	}

	if _, dup := taken[name]; dup {
		if r.strict {
			return "", false, fmt.Errorf("safetensors: strict remap collision for %q", name)
		}

		return "", false, nil
	}

	return name, true, nil
}

// decodeHeader splits off the JSON header and returns the offset where
// tensor data begins.
func decodeHeader(data []byte) (int, map[string]json.RawMessage, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	n := binary.LittleEndian.Uint64(data[:8])
	if n > uint64(len(data)-8) {
		return 0, nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", n, len(data))
	}

	base := 8 + int(n)

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:base], &header); err != nil {
		return 0, nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	return base, header, nil
}

// locate validates one header entry against a file of size bytes whose
// data section starts at base.
func locate(name string, raw json.RawMessage, base, size int) (span, error) {
	var e headerEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return span{}, fmt.Errorf("safetensors: decode header entry %q: %w", name, err)
	}

	dtype := strings.ToUpper(e.DType)

	codec, ok := codecs[dtype]
	if !ok {
		return span{}, fmt.Errorf("safetensors: tensor %q has unsupported dtype %q", name, e.DType)
	}

	if e.Offsets[0] < 0 || e.Offsets[1] < e.Offsets[0] {
		return span{}, fmt.Errorf("safetensors: tensor %q has invalid data offsets %v", name, e.Offsets)
	}

	n, err := elemCount(e.Shape)
	if err != nil {
		return span{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	sp := span{dtype: dtype, shape: slices.Clone(e.Shape), lo: base + e.Offsets[0], hi: base + e.Offsets[1]}
	if sp.hi > size {
		return span{}, fmt.Errorf("safetensors: tensor %q data [%d:%d] exceeds file size %d", name, sp.lo, sp.hi, size)
	}

	if have := int64(sp.hi - sp.lo); have/int64(codec.width) < n {
		return span{}, fmt.Errorf("safetensors: tensor %q needs %d %s elements but data has %d bytes", name, n, dtype, have)
	}

	return sp, nil
}

func elemCount(shape []int64) (int64, error) {
	total := int64(1)

	for _, d := range shape {
		switch {
		case d < 0:
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		case d == 0:
			return 0, nil
		case total > math.MaxInt64/d:
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}

func elemWidth(dtype string) (int, error) {
	codec, ok := codecs[strings.ToUpper(dtype)]
	if !ok {
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}

	return codec.width, nil
}

func decodeTensorData(raw []byte, dtype string, shape []int64) ([]float32, error) {
	codec, ok := codecs[strings.ToUpper(dtype)]
	if !ok {
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}

	n, err := elemCount(shape)
	if err != nil {
		return nil, err
	}

	if int64(len(raw))/int64(codec.width) < n {
		return nil, fmt.Errorf("need %d bytes for %s, got %d", n*int64(codec.width), dtype, len(raw))
	}

	out := make([]float32, n)
	for i := range out {
		out[i] = codec.decode(raw[i*codec.width:])
	}

	return out, nil
}

func decodeInts(raw []byte, shape []int64) ([]int64, error) {
	n, err := elemCount(shape)
	if err != nil {
		return nil, err
	}

	if int64(len(raw))/8 < n {
		return nil, fmt.Errorf("need %d bytes for I64, got %d", n*8, len(raw))
	}

	out := make([]int64, n)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}

	return out, nil
}

func equalShape(a, b []int64) bool {
	return slices.Equal(a, b)
}

func summarizeNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}

	const maxNames = 8
	if len(names) <= maxNames {
		return strings.Join(names, ", ")
	}

	return strings.Join(names[:maxNames], ", ") + ", ..."
}
