package head

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/example/go-mlp-head/internal/nn"
)

// HeadConfig holds the normalization hyperparameters read by the builder.
type HeadConfig struct {
	BatchNormEps      float64
	BatchNormMomentum float64
}

func DefaultHeadConfig() HeadConfig {
	return HeadConfig{
		BatchNormEps:      nn.DefaultBatchNormEps,
		BatchNormMomentum: nn.DefaultBatchNormMomentum,
	}
}

// Validate checks the normalization hyperparameters.
func (c HeadConfig) Validate() error {
	if err := nn.ValidateBatchNorm(c.BatchNormEps, c.BatchNormMomentum); err != nil {
		return fmt.Errorf("head: %w", err)
	}

	return nil
}

// Options selects the optional stages of each block and how parameters are
// initialized.
type Options struct {
	Normalize bool
	Nonlinear bool
	Dropout   bool
	Bias      bool

	// Init fills linear parameters; nil means nn.UniformFanIn(Seed).
	Init nn.Initializer
	// Seed drives the default initializer and every dropout mask stream.
	Seed uint64
}

func DefaultOptions() Options {
	return Options{Bias: true}
}

// ErrNoArchitecture reports a checkpoint without the metadata Open needs to
// rebuild the layer stack.
var ErrNoArchitecture = errors.New("checkpoint has no architecture metadata")

// Checkpoint metadata keys.
const (
	metaDims      = "dims"
	metaNormalize = "use_bn"
	metaNonlinear = "use_relu"
	metaDropout   = "use_dropout"
	metaBias      = "use_bias"
	metaEps       = "batchnorm_eps"
	metaMomentum  = "batchnorm_momentum"
	metaFormat    = "format"
)

// EncodeMetadata records everything needed to rebuild an architecture.
func EncodeMetadata(cfg HeadConfig, dims []int, opts Options) map[string]string {
	return map[string]string{
		metaFormat:    "pt",
		metaDims:      FormatDims(dims),
		metaNormalize: strconv.FormatBool(opts.Normalize),
		metaNonlinear: strconv.FormatBool(opts.Nonlinear),
		metaDropout:   strconv.FormatBool(opts.Dropout),
		metaBias:      strconv.FormatBool(opts.Bias),
		metaEps:       strconv.FormatFloat(cfg.BatchNormEps, 'g', -1, 64),
		metaMomentum:  strconv.FormatFloat(cfg.BatchNormMomentum, 'g', -1, 64),
	}
}

// DecodeMetadata is the inverse of EncodeMetadata. Missing flags keep their
// defaults; dims are required.
func DecodeMetadata(md map[string]string) (HeadConfig, []int, Options, error) {
	cfg := DefaultHeadConfig()
	opts := DefaultOptions()

	rawDims, ok := md[metaDims]
	if !ok {
		return cfg, nil, opts, fmt.Errorf("head: checkpoint metadata has no %q entry: %w", metaDims, ErrNoArchitecture)
	}

	dims, err := ParseDims(rawDims)
	if err != nil {
		return cfg, nil, opts, err
	}

	flags := []struct {
		key string
		dst *bool
	}{
		{metaNormalize, &opts.Normalize},
		{metaNonlinear, &opts.Nonlinear},
		{metaDropout, &opts.Dropout},
		{metaBias, &opts.Bias},
	}

	for _, f := range flags {
		v, ok := md[f.key]
		if !ok {
			continue
		}

		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, nil, opts, fmt.Errorf("head: metadata %s=%q: %w", f.key, v, err)
		}

		*f.dst = b
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{metaEps, &cfg.BatchNormEps},
		{metaMomentum, &cfg.BatchNormMomentum},
	}

	for _, f := range floats {
		v, ok := md[f.key]
		if !ok {
			continue
		}

		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, nil, opts, fmt.Errorf("head: metadata %s=%q: %w", f.key, v, err)
		}

		*f.dst = x
	}

	return cfg, dims, opts, nil
}

// ParseDims parses a comma separated width list such as "2048,512,10".
func ParseDims(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("head: empty dims: %w", nn.ErrConfig)
	}

	parts := strings.Split(s, ",")
	dims := make([]int, 0, len(parts))

	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("head: dims %q: %w", s, nn.ErrConfig)
		}

		dims = append(dims, d)
	}

	return dims, nil
}

func FormatDims(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}

	return strings.Join(parts, ",")
}
