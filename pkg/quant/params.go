package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/adaround/internal/tensor"
)

// Integer ranges for the supported storage types.
const (
	QInt8Min  = -128
	QInt8Max  = 127
	QUInt8Min = 0
	QUInt8Max = 255
)

var ErrInvalidParams = errors.New("quant: invalid quantization parameters")

// Scheme describes how a tensor's range maps onto the integer grid.
type Scheme uint8

const (
	// PerTensorSymmetric uses a zero point of 0 and a range centred on zero.
	PerTensorSymmetric Scheme = iota
	// PerTensorAffine places the observed [min, max] range on the full grid.
	PerTensorAffine
)

func (s Scheme) String() string {
	switch s {
	case PerTensorSymmetric:
		return "per_tensor_symmetric"
	case PerTensorAffine:
		return "per_tensor_affine"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// Params are the quantization parameters of a single tensor.
//
// A real value x maps to q = clamp(Round(x/Scale) + ZeroPoint, QuantMin, QuantMax)
// and back to Scale * (q - ZeroPoint). Params is a value type; once a layer
// starts tuning its Params never change.
type Params struct {
	Scale     float64 `json:"scale" yaml:"scale"`
	ZeroPoint int     `json:"zero_point" yaml:"zero_point"`
	QuantMin  int     `json:"quant_min" yaml:"quant_min"`
	QuantMax  int     `json:"quant_max" yaml:"quant_max"`
}

// Validate checks Scale > 0, QuantMin < QuantMax and a zero point on the grid.
func (p Params) Validate() error {
	if !(p.Scale > 0) || math.IsInf(p.Scale, 0) {
		return fmt.Errorf("%w: scale %v must be positive and finite", ErrInvalidParams, p.Scale)
	}
	if p.QuantMin >= p.QuantMax {
		return fmt.Errorf("%w: quant_min %d must be below quant_max %d", ErrInvalidParams, p.QuantMin, p.QuantMax)
	}
	if p.ZeroPoint < p.QuantMin || p.ZeroPoint > p.QuantMax {
		return fmt.Errorf("%w: zero_point %d outside [%d, %d]", ErrInvalidParams, p.ZeroPoint, p.QuantMin, p.QuantMax)
	}
	return nil
}

// Symmetric returns int8 symmetric parameters with the given scale.
func Symmetric(scale float64) Params {
	return Params{Scale: scale, QuantMin: QInt8Min, QuantMax: QInt8Max}
}

// Round rounds half up, so ties always resolve to the ceiling. This keeps
// hard rounding consistent with a rounding mask of exactly 0.5 meaning "up".
func Round(x float64) float64 {
	return math.Floor(x + 0.5)
}

// Quantize maps x onto the integer grid.
func (p Params) Quantize(x float64) int {
	q := Round(x/p.Scale) + float64(p.ZeroPoint)
	return int(tensor.Clamp(q, float64(p.QuantMin), float64(p.QuantMax)))
}

// Dequantize maps an integer level back to a real value.
func (p Params) Dequantize(q int) float64 {
	return p.Scale * float64(q-p.ZeroPoint)
}

// FakeQuantize quantizes and immediately dequantizes x.
func (p Params) FakeQuantize(x float64) float64 {
	return p.Dequantize(p.Quantize(x))
}

// FakeQuantizeTensor applies FakeQuantize to every element of t.
func (p Params) FakeQuantizeTensor(t tensor.Tensor) tensor.Tensor {
	return tensor.Map(t, p.FakeQuantize)
}

// Lo returns the smallest representable real value.
func (p Params) Lo() float64 { return p.Dequantize(p.QuantMin) }

// Hi returns the largest representable real value.
func (p Params) Hi() float64 { return p.Dequantize(p.QuantMax) }

// FromRange derives parameters for an observed [min, max] range.
func FromRange(lo, hi float64, qmin, qmax int, scheme Scheme) (Params, error) {
	if qmin >= qmax {
		return Params{}, fmt.Errorf("%w: quant_min %d must be below quant_max %d", ErrInvalidParams, qmin, qmax)
	}
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return Params{}, fmt.Errorf("%w: non-finite range [%v, %v]", ErrInvalidParams, lo, hi)
	}
	lo = math.Min(lo, 0)
	hi = math.Max(hi, 0)
	levels := float64(qmax - qmin)

	var p Params
	switch scheme {
	case PerTensorSymmetric:
		amax := math.Max(-lo, hi)
		p = Params{
			Scale:     amax / (levels / 2),
			ZeroPoint: 0,
			QuantMin:  qmin,
			QuantMax:  qmax,
		}
		if qmin >= 0 {
			// unsigned grids put zero at the midpoint
			p.ZeroPoint = (qmin + qmax + 1) / 2
		}
	case PerTensorAffine:
		scale := (hi - lo) / levels
		zp := 0
		if scale > 0 {
			zp = qmin - int(Round(lo/scale))
		}
		p = Params{
			Scale:     scale,
			ZeroPoint: min(max(zp, qmin), qmax),
			QuantMin:  qmin,
			QuantMax:  qmax,
		}
	default:
		return Params{}, fmt.Errorf("%w: unknown scheme %s", ErrInvalidParams, scheme)
	}
	if p.Scale <= minScale {
		p.Scale = minScale
	}
	return p, nil
}

// minScale keeps all-zero tensors from producing a zero scale.
const minScale = 1.1920928955078125e-07
