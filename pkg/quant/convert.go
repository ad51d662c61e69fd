package quant

import (
	"fmt"
	"slices"

	"github.com/samcharles93/adaround/internal/tensor"
)

// QuantTensor is a tensor stored as integer levels plus its Params.
type QuantTensor struct {
	Shape  []int  `json:"shape"`
	Params Params `json:"params"`
	Data   []int8 `json:"-"`
}

// Dequantize expands the integer levels back to real values.
func (q QuantTensor) Dequantize() tensor.Tensor {
	out := tensor.New(q.Shape...)
	for i, v := range q.Data {
		out.Data[i] = q.Params.Dequantize(int(v))
	}
	return out
}

// QuantizeTensor stores t on the int8 grid described by p.
func QuantizeTensor(t tensor.Tensor, p Params) (QuantTensor, error) {
	if err := p.Validate(); err != nil {
		return QuantTensor{}, err
	}
	if p.QuantMin < QInt8Min || p.QuantMax > QInt8Max {
		return QuantTensor{}, fmt.Errorf("%w: range [%d, %d] does not fit int8", ErrInvalidParams, p.QuantMin, p.QuantMax)
	}
	data := make([]int8, t.Len())
	for i, v := range t.Data {
		data[i] = int8(p.Quantize(v))
	}
	return QuantTensor{Shape: slices.Clone(t.Shape), Params: p, Data: data}, nil
}

// Prepared is a layer whose quantization is final and can be lowered to a
// fixed-point representation.
type Prepared interface {
	Name() string
	// QuantizedWeight returns the committed (hard-rounded) weight and its Params.
	QuantizedWeight() (tensor.Tensor, Params, error)
	Bias() tensor.Tensor
}

// FixedPoint is the converted form of a layer: int8 weight levels plus a
// float bias.
type FixedPoint struct {
	LayerName string
	Weight    QuantTensor
	BiasData  tensor.Tensor
}

func (f *FixedPoint) Name() string { return f.LayerName }

func (f *FixedPoint) QuantizedWeight() (tensor.Tensor, Params, error) {
	return f.Weight.Dequantize(), f.Weight.Params, nil
}

func (f *FixedPoint) Bias() tensor.Tensor { return f.BiasData }

// Convert lowers a prepared layer to its fixed-point form. Converting a
// FixedPoint returns it unchanged.
func Convert(p Prepared) (*FixedPoint, error) {
	if fp, ok := p.(*FixedPoint); ok {
		return fp, nil
	}
	w, params, err := p.QuantizedWeight()
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", p.Name(), err)
	}
	qt, err := QuantizeTensor(w, params)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", p.Name(), err)
	}
	return &FixedPoint{
		LayerName: p.Name(),
		Weight:    qt,
		BiasData:  p.Bias().Clone(),
	}, nil
}
