package adaround

import (
	"math"

	"github.com/samcharles93/adaround/internal/tensor"
	"github.com/samcharles93/adaround/pkg/quant"
)

// maskAt returns the soft rounding mask for a single v and its derivative.
//
// mask(v) = clamp(sigmoid(v*Stretch)*(1+2*Margin) - Margin, 0, 1)
//
// The derivative is zero wherever the clamp is active.
func (o Options) maskAt(v float64) (float64, float64) {
	s := tensor.Sigmoid(v * o.Stretch)
	widen := 1 + 2*o.Margin
	u := s*widen - o.Margin
	switch {
	case u < 0:
		return 0, 0
	case u > 1:
		return 1, 0
	}
	return u, o.Stretch * widen * s * (1 - s)
}

// SoftMask maps a rounding parameter tensor to mask values in [0, 1].
func SoftMask(v tensor.Tensor, o Options) tensor.Tensor {
	return tensor.Map(v, func(x float64) float64 {
		m, _ := o.maskAt(x)
		return m
	})
}

// SoftQuantize returns scale * clamp(floor(W/scale) + mask(V), qmin, qmax),
// the differentiable stand-in for the rounded weight.
func SoftQuantize(w, v tensor.Tensor, p quant.Params, o Options) tensor.Tensor {
	out, _ := softQuantize(w, v, p, o)
	return out
}

// softQuantize also returns d out / d v per element.
func softQuantize(w, v tensor.Tensor, p quant.Params, o Options) (tensor.Tensor, tensor.Tensor) {
	out := tensor.New(w.Shape...)
	grad := tensor.New(w.Shape...)
	lo, hi := float64(p.QuantMin), float64(p.QuantMax)
	for i, x := range w.Data {
		m, dm := o.maskAt(v.Data[i])
		level := math.Floor(x/p.Scale) + m
		if level < lo || level > hi {
			out.Data[i] = p.Scale * tensor.Clamp(level, lo, hi)
			continue
		}
		out.Data[i] = p.Scale * level
		grad.Data[i] = p.Scale * dm
	}
	return out, grad
}

// HardQuantize commits every rounding decision: a weight rounds up when its
// mask is at least 0.5 and down otherwise, then is clamped to the grid. This
// equals hard fake-quantization of SoftQuantize's output.
func HardQuantize(w, v tensor.Tensor, p quant.Params, o Options) tensor.Tensor {
	out := tensor.New(w.Shape...)
	lo, hi := float64(p.QuantMin), float64(p.QuantMax)
	for i, x := range w.Data {
		m, _ := o.maskAt(v.Data[i])
		level := math.Floor(x / p.Scale)
		if m >= 0.5 {
			level++
		}
		out.Data[i] = p.Scale * tensor.Clamp(level, lo, hi)
	}
	return out
}
