package nn

import "github.com/samcharles93/adaround/internal/tensor"

// Func is a parameter-free layer such as an activation or a reshape.
type Func struct {
	name string
	fn   func(tensor.Tensor) (tensor.Tensor, error)
}

// NewFunc wraps fn as a passthrough layer.
func NewFunc(name string, fn func(tensor.Tensor) (tensor.Tensor, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }
func (f *Func) Kind() Kind   { return KindPassthrough }

func (f *Func) Forward(x tensor.Tensor) (tensor.Tensor, error) {
	return f.fn(x)
}

// ReLU returns a rectified-linear activation layer.
func ReLU(name string) *Func {
	return NewFunc(name, func(x tensor.Tensor) (tensor.Tensor, error) {
		return tensor.Relu(x), nil
	})
}

// Flatten collapses every dimension after the first.
func Flatten(name string) *Func {
	return NewFunc(name, func(x tensor.Tensor) (tensor.Tensor, error) {
		if x.Rank() < 2 {
			return x, nil
		}
		return x.Reshape(x.Dim(0), x.Len()/x.Dim(0)), nil
	})
}

// Identity passes its input through unchanged.
func Identity(name string) *Func {
	return NewFunc(name, func(x tensor.Tensor) (tensor.Tensor, error) { return x, nil })
}

// Embedding maps integer ids to rows of its table. It is weighted but has no
// calibration support, so calibration skips it.
type Embedding struct {
	name  string
	Table tensor.Tensor // [Vocab, Dim]
}

func NewEmbedding(name string, table tensor.Tensor) (*Embedding, error) {
	if table.Rank() != 2 {
		return nil, shapeErr(name, "table must be rank 2, got %v", table.Shape)
	}
	return &Embedding{name: name, Table: table}, nil
}

func (e *Embedding) Name() string          { return e.name }
func (e *Embedding) Kind() Kind            { return KindEmbedding }
func (e *Embedding) Weight() tensor.Tensor { return e.Table }
func (e *Embedding) Bias() tensor.Tensor   { return tensor.Tensor{} }

func (e *Embedding) Forward(x tensor.Tensor) (tensor.Tensor, error) {
	return e.Apply(x, e.Table)
}

// Apply looks up each id in x, wrapping ids outside [0, Vocab) modulo Vocab.
func (e *Embedding) Apply(x, w tensor.Tensor) (tensor.Tensor, error) {
	vocab, dim := w.Dim(0), w.Dim(1)
	out := tensor.New(x.Len(), dim)
	for i, v := range x.Data {
		tok := int(v) % vocab
		if tok < 0 {
			tok += vocab
		}
		copy(out.Index(i).Data, w.Index(tok).Data)
	}
	return out, nil
}

func (e *Embedding) WeightGrad(x, gradOut tensor.Tensor) (tensor.Tensor, error) {
	vocab, dim := e.Table.Dim(0), e.Table.Dim(1)
	if gradOut.Len() != x.Len()*dim {
		return tensor.Tensor{}, shapeErr(e.name, "gradient %v for %d ids", gradOut.Shape, x.Len())
	}
	dw := tensor.New(vocab, dim)
	for i, v := range x.Data {
		tok := int(v) % vocab
		if tok < 0 {
			tok += vocab
		}
		row := dw.Index(tok)
		for j := range dim {
			row.Data[j] += gradOut.Data[i*dim+j]
		}
	}
	return dw, nil
}
