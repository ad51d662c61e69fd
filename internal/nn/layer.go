// Package nn holds the host-model building blocks that calibration runs over:
// weighted layers, parameter-free passthrough layers and Sequential containers.
package nn

import (
	"errors"
	"fmt"

	"github.com/samcharles93/adaround/internal/tensor"
)

var ErrShape = errors.New("nn: shape mismatch")

// Kind tags a layer's variant. Calibration eligibility is decided from the
// Kind rather than from the concrete Go type.
type Kind uint8

const (
	KindPassthrough Kind = iota
	KindLinear
	KindConv2D
	KindEmbedding
	KindSequential
)

func (k Kind) String() string {
	switch k {
	case KindPassthrough:
		return "passthrough"
	case KindLinear:
		return "linear"
	case KindConv2D:
		return "conv2d"
	case KindEmbedding:
		return "embedding"
	case KindSequential:
		return "sequential"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Layer is anything that can sit in a model's execution graph.
type Layer interface {
	Name() string
	Kind() Kind
	Forward(x tensor.Tensor) (tensor.Tensor, error)
}

// Weighted is a layer that owns a weight tensor.
//
// Apply and WeightGrad are pure: they never modify the layer, which lets the
// same layer be evaluated with a float and a quantized weight side by side.
type Weighted interface {
	Layer
	Weight() tensor.Tensor
	Bias() tensor.Tensor
	// Apply evaluates the layer on x with w substituted for its weight.
	Apply(x, w tensor.Tensor) (tensor.Tensor, error)
	// WeightGrad returns dL/dW for input x given dL/dY.
	WeightGrad(x, gradOut tensor.Tensor) (tensor.Tensor, error)
}

func shapeErr(layer, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrShape, layer, fmt.Sprintf(format, args...))
}
