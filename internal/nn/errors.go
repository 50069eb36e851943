package nn

import (
	"errors"

	"github.com/example/go-mlp-head/internal/runtime/tensor"
)

var (
	// ErrConfig reports an invalid layer width or normalization
	// hyperparameter, detected at construction time.
	ErrConfig = errors.New("invalid head configuration")

	// ErrShapeMismatch reports an input whose shape a layer cannot accept.
	// It is the tensor runtime's shape error, so kernel failures match it too.
	ErrShapeMismatch = tensor.ErrShape
)
