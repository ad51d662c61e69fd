// Package toy provides small deterministic models and data used to exercise
// calibration in tests, benchmarks and the CLI's --toy mode.
package toy

import (
	"fmt"
	"math"

	"github.com/samcharles93/adaround/internal/nn"
	"github.com/samcharles93/adaround/internal/tensor"
)

// ConvChain builds three stride-5, 5x5 convolutions (3→4→5→6 channels)
// applied back to back. A 125x125 input shrinks to 25, 5 and finally 1.
func ConvChain(seed int64) *nn.Sequential {
	channels := []int{3, 4, 5, 6}
	layers := make([]nn.Layer, 0, len(channels)-1)
	for i := 0; i+1 < len(channels); i++ {
		in, out := channels[i], channels[i+1]
		// uniform(-1/sqrt(fan_in), 1/sqrt(fan_in)) like a default conv init
		bound := 1 / math.Sqrt(float64(in*5*5))
		w := tensor.Rand(seed+int64(11*(i+1)), bound, out, in, 5, 5)
		b := tensor.Rand(seed+int64(23*(i+1)), bound, out)
		conv, err := nn.NewConv2D(fmt.Sprintf("conv2d%d", i+1), w, b, 5, 0)
		if err != nil {
			panic(err)
		}
		layers = append(layers, conv)
	}
	return nn.NewSequential("conv_chain", layers...)
}

// LinearChain builds fully connected layers with the given widths, with a
// ReLU between consecutive layers. dims must have at least two entries.
func LinearChain(seed int64, dims ...int) *nn.Sequential {
	if len(dims) < 2 {
		panic("toy: LinearChain needs at least two widths")
	}
	var layers []nn.Layer
	for i := 0; i+1 < len(dims); i++ {
		in, out := dims[i], dims[i+1]
		bound := 1 / math.Sqrt(float64(in))
		w := tensor.Rand(seed+int64(11*(i+1)), bound, out, in)
		b := tensor.Rand(seed+int64(23*(i+1)), bound, out)
		fc, err := nn.NewLinear(fmt.Sprintf("fc%d", i+1), w, b)
		if err != nil {
			panic(err)
		}
		layers = append(layers, fc)
		if i+2 < len(dims) {
			layers = append(layers, nn.ReLU(fmt.Sprintf("relu%d", i+1)))
		}
	}
	return nn.NewSequential("linear_chain", layers...)
}

// Images returns count random batches shaped [batch, c, h, w] with values in
// [0, 1), reproducible from seed.
func Images(seed int64, count, batch, c, h, w int) []tensor.Tensor {
	out := make([]tensor.Tensor, count)
	for i := range out {
		t := tensor.Rand(seed+int64(i), 0.5, batch, c, h, w)
		for j := range t.Data {
			t.Data[j] += 0.5
		}
		out[i] = t
	}
	return out
}

// Vectors returns count random batches shaped [batch, dim] in [-1, 1).
func Vectors(seed int64, count, batch, dim int) []tensor.Tensor {
	out := make([]tensor.Tensor, count)
	for i := range out {
		out[i] = tensor.Rand(seed+int64(i), 1, batch, dim)
	}
	return out
}

// Fixtures lists the names accepted by Fixture.
var Fixtures = []string{"conv_chain", "linear_chain"}

// Fixture returns a named model together with count calibration batches
// shaped for it.
func Fixture(name string, seed int64, count int) (*nn.Sequential, []tensor.Tensor, error) {
	if count < 1 {
		return nil, nil, fmt.Errorf("toy: need at least one batch, got %d", count)
	}
	switch name {
	case "conv_chain":
		return ConvChain(seed), Images(seed+1000, count, 1, 3, 125, 125), nil
	case "linear_chain":
		return LinearChain(seed, 16, 32, 16, 8), Vectors(seed+1000, count, 8, 16), nil
	default:
		return nil, nil, fmt.Errorf("toy: unknown fixture %q", name)
	}
}
