package onnx

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/go-mlp-head/internal/head"
	"github.com/example/go-mlp-head/internal/nn"
)

// Graph tensor names used by ExportHead and expected by Runner by default.
const (
	DefaultInputName  = "input"
	DefaultOutputName = "output"
)

const (
	exportIRVersion = 7
	exportOpset     = 13
	producerName    = "mlphead"
)

// ONNX protobuf field numbers (onnx.proto, proto2).
const (
	modelIRVersion     = 1
	modelProducerName  = 2
	modelGraph         = 7
	modelOpsetImport   = 8
	modelMetadataProps = 14

	opsetDomain  = 1
	opsetVersion = 2

	graphNode        = 1
	graphName        = 2
	graphInitializer = 5
	graphInput       = 11
	graphOutput      = 12

	nodeInput     = 1
	nodeOutput    = 2
	nodeName      = 3
	nodeOpType    = 4
	nodeAttribute = 5

	attrName = 1
	attrF    = 2
	attrI    = 3
	attrType = 20

	attrTypeFloat = 1
	attrTypeInt   = 2

	tensorDims     = 1
	tensorDataType = 2
	tensorName     = 8
	tensorRawData  = 9

	dataTypeFloat = 1

	valueInfoName = 1
	valueInfoType = 2

	typeTensorType = 1
	tensorElemType = 1
	tensorShape    = 2
	shapeDim       = 1
	dimValue       = 1
	dimParam       = 2

	entryKey   = 1
	entryValue = 2
)

// EncodeHead serializes the Eval-mode computation of m as an ONNX model
// with one float input [N, in] and one output [N, out]. Linear becomes Gemm,
// BatchNorm becomes BatchNormalization over the running statistics, ReLU
// becomes Relu, and Dropout is omitted.
func EncodeHead(m *head.MLP) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("onnx export: nil head")
	}

	var (
		nodes        [][]byte
		initializers [][]byte
		current      = DefaultInputName
	)

	for i, l := range m.Layers() {
		prefix := head.StatePrefix + "." + strconv.Itoa(i)
		out := prefix + ".out"

		switch l.Kind {
		case nn.KindLinear:
			w := l.Linear.Weight
			initializers = append(initializers, encodeInitializer(prefix+".weight", w.Shape(), w.RawData()))
			inputs := []string{current, prefix + ".weight"}

			if b := l.Linear.Bias; b != nil {
				initializers = append(initializers, encodeInitializer(prefix+".bias", b.Shape(), b.RawData()))
				inputs = append(inputs, prefix+".bias")
			}

			nodes = append(nodes, encodeNode(prefix, "Gemm", inputs, out, intAttr("transB", 1)))
		case nn.KindBatchNorm:
			bn := l.Norm
			shape := []int64{int64(bn.Features)}
			for _, p := range []struct {
				name string
				data []float32
			}{
				{"weight", bn.Weight},
				{"bias", bn.Bias},
				{"running_mean", bn.RunningMean},
				{"running_var", bn.RunningVar},
			} {
				initializers = append(initializers, encodeInitializer(prefix+"."+p.name, shape, p.data))
			}

			nodes = append(nodes, encodeNode(prefix, "BatchNormalization",
				[]string{current, prefix + ".weight", prefix + ".bias", prefix + ".running_mean", prefix + ".running_var"},
				out,
				floatAttr("epsilon", float32(bn.Eps)),
				floatAttr("momentum", float32(1-bn.Momentum)),
			))
		case nn.KindReLU:
			nodes = append(nodes, encodeNode(prefix, "Relu", []string{current}, out))
		case nn.KindDropout:
			continue
		default:
			return nil, fmt.Errorf("onnx export: layer %d: unsupported kind %v", i, l.Kind)
		}

		current = out
	}

	if len(nodes) == 0 {
		nodes = append(nodes, encodeNode("identity", "Identity", []string{DefaultInputName}, DefaultOutputName))
	} else {
		// Re-emit the last node so that it writes the graph output.
		nodes[len(nodes)-1] = renameNodeOutput(nodes[len(nodes)-1], current, DefaultOutputName)
	}

	inWidth, outWidth := int64(m.InputWidth()), int64(m.OutputWidth())
	if len(m.Layers()) == 0 {
		inWidth, outWidth = -1, -1
	}

	var graph []byte
	for _, n := range nodes {
		graph = appendMessage(graph, graphNode, n)
	}

	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, "mlp_head")

	for _, init := range initializers {
		graph = appendMessage(graph, graphInitializer, init)
	}

	graph = appendMessage(graph, graphInput, encodeValueInfo(DefaultInputName, inWidth))
	graph = appendMessage(graph, graphOutput, encodeValueInfo(DefaultOutputName, outWidth))

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, exportIRVersion)
	model = protowire.AppendTag(model, modelProducerName, protowire.BytesType)
	model = protowire.AppendString(model, producerName)
	model = appendMessage(model, modelGraph, graph)

	var opset []byte
	opset = protowire.AppendTag(opset, opsetDomain, protowire.BytesType)
	opset = protowire.AppendString(opset, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, exportOpset)
	model = appendMessage(model, modelOpsetImport, opset)

	md := head.EncodeMetadata(m.Config(), m.Dims(), m.Options())
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, entryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
		entry = protowire.AppendString(entry, md[k])
		model = appendMessage(model, modelMetadataProps, entry)
	}

	return model, nil
}

// ExportHead writes EncodeHead(m) to path.
func ExportHead(m *head.MLP, path string) error {
	data, err := EncodeHead(m)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("onnx export: write %s: %w", path, err)
	}

	slog.Info("head exported to onnx", "path", path, "bytes", len(data), "opset", exportOpset)

	return nil
}

type attribute struct {
	name string
	kind int
	i    int64
	f    float32
}

func intAttr(name string, v int64) attribute { return attribute{name: name, kind: attrTypeInt, i: v} }
func floatAttr(name string, v float32) attribute {
	return attribute{name: name, kind: attrTypeFloat, f: v}
}

type node struct {
	name   string
	opType string
	inputs []string
	output string
	attrs  []attribute
}

func encodeNode(name, opType string, inputs []string, output string, attrs ...attribute) []byte {
	return node{name: name, opType: opType, inputs: inputs, output: output, attrs: attrs}.encode()
}

func (n node) encode() []byte {
	var b []byte
	for _, in := range n.inputs {
		b = protowire.AppendTag(b, nodeInput, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}

	b = protowire.AppendTag(b, nodeOutput, protowire.BytesType)
	b = protowire.AppendString(b, n.output)
	b = protowire.AppendTag(b, nodeName, protowire.BytesType)
	b = protowire.AppendString(b, n.name)
	b = protowire.AppendTag(b, nodeOpType, protowire.BytesType)
	b = protowire.AppendString(b, n.opType)

	for _, a := range n.attrs {
		var ab []byte
		ab = protowire.AppendTag(ab, attrName, protowire.BytesType)
		ab = protowire.AppendString(ab, a.name)

		switch a.kind {
		case attrTypeFloat:
			ab = protowire.AppendTag(ab, attrF, protowire.Fixed32Type)
			ab = protowire.AppendFixed32(ab, math.Float32bits(a.f))
		case attrTypeInt:
			ab = protowire.AppendTag(ab, attrI, protowire.VarintType)
			ab = protowire.AppendVarint(ab, uint64(a.i))
		}

		ab = protowire.AppendTag(ab, attrType, protowire.VarintType)
		ab = protowire.AppendVarint(ab, uint64(a.kind))
		b = appendMessage(b, nodeAttribute, ab)
	}

	return b
}

// renameNodeOutput rewrites a node encoded by encodeNode so that its output
// is to instead of from.
func renameNodeOutput(encoded []byte, from, to string) []byte {
	var out []byte

	for len(encoded) > 0 {
		num, typ, n := protowire.ConsumeTag(encoded)
		if n < 0 {
			return encoded
		}

		fieldLen := protowire.ConsumeFieldValue(num, typ, encoded[n:])
		if fieldLen < 0 {
			return encoded
		}

		field := encoded[:n+fieldLen]

		if num == nodeOutput && typ == protowire.BytesType {
			if v, _ := protowire.ConsumeString(encoded[n:]); v == from {
				field = protowire.AppendString(protowire.AppendTag(nil, nodeOutput, protowire.BytesType), to)
			}
		}

		out = append(out, field...)
		encoded = encoded[n+fieldLen:]
	}

	return out
}

func encodeInitializer(name string, shape []int64, data []float32) []byte {
	var b []byte
	for _, d := range shape {
		b = protowire.AppendTag(b, tensorDims, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}

	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, dataTypeFloat)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, name)

	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}

	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)

	return b
}

// encodeValueInfo describes a float tensor [N, width]; a negative width
// leaves the feature axis symbolic too.
func encodeValueInfo(name string, width int64) []byte {
	var batch []byte
	batch = protowire.AppendTag(batch, dimParam, protowire.BytesType)
	batch = protowire.AppendString(batch, "N")

	var feat []byte
	if width < 0 {
		feat = protowire.AppendTag(feat, dimParam, protowire.BytesType)
		feat = protowire.AppendString(feat, "C")
	} else {
		feat = protowire.AppendTag(feat, dimValue, protowire.VarintType)
		feat = protowire.AppendVarint(feat, uint64(width))
	}

	var shape []byte
	shape = appendMessage(shape, shapeDim, batch)
	shape = appendMessage(shape, shapeDim, feat)

	var tt []byte
	tt = protowire.AppendTag(tt, tensorElemType, protowire.VarintType)
	tt = protowire.AppendVarint(tt, dataTypeFloat)
	tt = appendMessage(tt, tensorShape, shape)

	var typ []byte
	typ = appendMessage(typ, typeTensorType, tt)

	var b []byte
	b = protowire.AppendTag(b, valueInfoName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = appendMessage(b, valueInfoType, typ)

	return b
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
