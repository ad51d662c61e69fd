package nn

import (
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/adaround/internal/tensor"
)

// Linear computes y = x Wᵀ + b for x shaped [N, In] (or [In]).
type Linear struct {
	name string
	W    tensor.Tensor // [Out, In]
	B    tensor.Tensor // [Out], may be empty
}

// NewLinear builds a Linear layer from a weight [out, in] and optional bias [out].
func NewLinear(name string, w, b tensor.Tensor) (*Linear, error) {
	if w.Rank() != 2 {
		return nil, shapeErr(name, "weight must be rank 2, got %v", w.Shape)
	}
	if b.Len() != 0 && (b.Rank() != 1 || b.Dim(0) != w.Dim(0)) {
		return nil, shapeErr(name, "bias %v does not match weight %v", b.Shape, w.Shape)
	}
	return &Linear{name: name, W: w, B: b}, nil
}

func (l *Linear) Name() string          { return l.name }
func (l *Linear) Kind() Kind            { return KindLinear }
func (l *Linear) Weight() tensor.Tensor { return l.W }
func (l *Linear) Bias() tensor.Tensor   { return l.B }

func (l *Linear) Forward(x tensor.Tensor) (tensor.Tensor, error) {
	return l.Apply(x, l.W)
}

func (l *Linear) Apply(x, w tensor.Tensor) (tensor.Tensor, error) {
	if !w.SameShape(l.W) {
		return tensor.Tensor{}, shapeErr(l.name, "weight %v, want %v", w.Shape, l.W.Shape)
	}
	out, in := l.W.Dim(0), l.W.Dim(1)
	n, vector, err := l.rows(x)
	if err != nil {
		return tensor.Tensor{}, err
	}

	X := mat.NewDense(n, in, x.Data)
	W := mat.NewDense(out, in, w.Data)
	y := tensor.New(n, out)
	Y := mat.NewDense(n, out, y.Data)
	Y.Mul(X, W.T())

	if l.B.Len() != 0 {
		for i := range n {
			tensor.Add(y.Index(i), l.B)
		}
	}
	if vector {
		return y.Reshape(out), nil
	}
	return y, nil
}

func (l *Linear) WeightGrad(x, gradOut tensor.Tensor) (tensor.Tensor, error) {
	out, in := l.W.Dim(0), l.W.Dim(1)
	n, _, err := l.rows(x)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if gradOut.Len() != n*out {
		return tensor.Tensor{}, shapeErr(l.name, "gradient %v for %d rows of %d outputs", gradOut.Shape, n, out)
	}
	X := mat.NewDense(n, in, x.Data)
	G := mat.NewDense(n, out, gradOut.Data)
	dw := tensor.New(out, in)
	DW := mat.NewDense(out, in, dw.Data)
	DW.Mul(G.T(), X)
	return dw, nil
}

func (l *Linear) rows(x tensor.Tensor) (int, bool, error) {
	in := l.W.Dim(1)
	switch {
	case x.Rank() == 1 && x.Dim(0) == in:
		return 1, true, nil
	case x.Rank() == 2 && x.Dim(1) == in && x.Dim(0) > 0:
		return x.Dim(0), false, nil
	default:
		return 0, false, shapeErr(l.name, "input %v, want [N, %d]", x.Shape, in)
	}
}
