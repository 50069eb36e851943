// Package head builds and runs a configurable MLP head: a stack of linear
// projections, each optionally followed by batch normalization, ReLU and
// dropout.
package head

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/go-mlp-head/internal/nn"
	"github.com/example/go-mlp-head/internal/runtime/tensor"
)

// MLP is a built head. It is not safe for concurrent Train-mode forwards:
// BatchNorm running statistics and dropout streams are updated without
// locking.
type MLP struct {
	cfg    HeadConfig
	dims   []int
	opts   Options
	layers []nn.Layer
}

// Build assembles the layer stack for dims. For each consecutive pair it
// appends, in order: Linear, BatchNorm if opts.Normalize, ReLU if
// opts.Nonlinear, Dropout if opts.Dropout.
//
// The input width of the next Linear only advances to the previous stage's
// output width when opts.Nonlinear is set. Without it every Linear reads
// dims[0] features, so stacks with more than one stage only run when the
// intermediate widths equal dims[0]. This is intentional and pinned by
// TestBuild_LastDimAdvancesOnlyWithNonlinear.
func Build(cfg HeadConfig, dims []int, opts Options) ([]nn.Layer, error) {
	for i, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("head: dims[%d] = %d must be positive: %w", i, d, nn.ErrConfig)
		}
	}

	if opts.Normalize {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if len(dims) < 2 {
		return nil, nil
	}

	init := opts.Init
	if init == nil {
		init = nn.UniformFanIn(opts.Seed)
	}

	layers := make([]nn.Layer, 0, (len(dims)-1)*4)
	lastDim := dims[0]

	for _, dim := range dims[1:] {
		lin, err := nn.NewLinear(lastDim, dim, opts.Bias, init)
		if err != nil {
			return nil, fmt.Errorf("head: layer %d: %w", len(layers), err)
		}

		layers = append(layers, nn.LinearLayer(lin))

		if opts.Normalize {
			bn, err := nn.NewBatchNorm(dim, cfg.BatchNormEps, cfg.BatchNormMomentum)
			if err != nil {
				return nil, fmt.Errorf("head: layer %d: %w", len(layers), err)
			}

			layers = append(layers, nn.BatchNormLayer(bn))
		}

		if opts.Nonlinear {
			layers = append(layers, nn.ReLULayer())
			lastDim = dim
		}

		if opts.Dropout {
			// The layer index is the mask stream, so each dropout draws
			// independently from the same seed.
			d, err := nn.NewDropout(nn.DefaultDropoutP, opts.Seed, uint64(len(layers)))
			if err != nil {
				return nil, fmt.Errorf("head: layer %d: %w", len(layers), err)
			}

			layers = append(layers, nn.DropoutLayer(d))
		}
	}

	return layers, nil
}

// New builds a head for dims.
func New(cfg HeadConfig, dims []int, opts Options) (*MLP, error) {
	layers, err := Build(cfg, dims, opts)
	if err != nil {
		return nil, err
	}

	slog.Debug("head built",
		"dims", FormatDims(dims),
		"layers", len(layers),
		"normalize", opts.Normalize,
		"nonlinear", opts.Nonlinear,
		"dropout", opts.Dropout,
	)

	return &MLP{
		cfg:    cfg,
		dims:   append([]int(nil), dims...),
		opts:   opts,
		layers: layers,
	}, nil
}

// Forward squeezes every size-1 axis out of batch and runs the stack in
// order. A [N, C, 1, 1] batch becomes [N, C]; with N == 1 the batch axis
// is dropped as well, so a single sample comes back without it. BatchNorm
// layers then reject the rank-1 input.
//
// With an empty stack the squeezed batch is returned, sharing storage with
// batch.
func (m *MLP) Forward(batch *tensor.Tensor, mode nn.Mode) (*tensor.Tensor, error) {
	if m == nil {
		return nil, errors.New("head: forward on nil head")
	}

	x, err := batch.Squeeze()
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}

	for i, layer := range m.layers {
		x, err = nn.Apply(layer, x, mode)
		if err != nil {
			return nil, fmt.Errorf("head: layer %d (%s): %w", i, layer.Kind, err)
		}
	}

	return x, nil
}

// Layers returns a copy of the stack. Layer values share parameters with
// the head.
func (m *MLP) Layers() []nn.Layer {
	return append([]nn.Layer(nil), m.layers...)
}

func (m *MLP) Len() int { return len(m.layers) }

func (m *MLP) Dims() []int { return append([]int(nil), m.dims...) }

func (m *MLP) Config() HeadConfig { return m.cfg }

func (m *MLP) Options() Options { return m.opts }

// InputWidth is the feature count the first Linear expects, or 0 for an
// empty stack.
func (m *MLP) InputWidth() int {
	for _, l := range m.layers {
		if l.Kind == nn.KindLinear {
			return l.Linear.In()
		}
	}

	return 0
}

// OutputWidth is the feature count produced by the last Linear, or 0 for an
// empty stack.
func (m *MLP) OutputWidth() int {
	for i := len(m.layers) - 1; i >= 0; i-- {
		if m.layers[i].Kind == nn.KindLinear {
			return m.layers[i].Linear.Out()
		}
	}

	return 0
}

func (m *MLP) NumParams() int {
	total := 0
	for _, l := range m.layers {
		total += l.NumParams()
	}

	return total
}

// Describe summarizes each layer with the widths it reads and writes.
func (m *MLP) Describe() []nn.LayerInfo {
	out := make([]nn.LayerInfo, 0, len(m.layers))
	width := 0

	for i, l := range m.layers {
		info := nn.LayerInfo{Index: i, Kind: l.Kind.String(), Params: l.NumParams()}

		switch l.Kind {
		case nn.KindLinear:
			info.In, info.Out = l.Linear.In(), l.Linear.Out()
			info.Bias = l.Linear.Bias != nil
			width = info.Out
		case nn.KindBatchNorm:
			info.In, info.Out = l.Norm.Features, l.Norm.Features
			info.Bias = true
			info.Detail = fmt.Sprintf("eps=%g momentum=%g", l.Norm.Eps, l.Norm.Momentum)
		case nn.KindReLU:
			info.In, info.Out = width, width
			info.Detail = "inplace"
		case nn.KindDropout:
			info.In, info.Out = width, width
			info.Detail = fmt.Sprintf("p=%g", l.Drop.P)
		}

		out = append(out, info)
	}

	return out
}
