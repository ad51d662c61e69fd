package tensor

import (
	"fmt"
	"math/rand"
	"slices"
)

// Tensor is a dense row-major array of float64 values.
//
// Shape lists the extent of each dimension, outermost first. Data holds the
// flattened values and always has exactly Numel(Shape) elements. Tensors are
// plain values: copying a Tensor shares Data, use Clone for an independent copy.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) Tensor {
	n := Numel(shape)
	return Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float64, n),
	}
}

// FromData wraps existing data. It panics if len(data) does not match the shape.
func FromData(data []float64, shape ...int) Tensor {
	if Numel(shape) != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return Tensor{
		Shape: slices.Clone(shape),
		Data:  data,
	}
}

// Full returns a tensor of the given shape with every element set to v.
func Full(v float64, shape ...int) Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Numel returns the element count for shape. It panics on negative extents.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("tensor: negative dimension")
		}
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t Tensor) Len() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t Tensor) Rank() int { return len(t.Shape) }

// Dim returns the extent of dimension i.
func (t Tensor) Dim(i int) int { return t.Shape[i] }

// IsZero reports whether t was never allocated.
func (t Tensor) IsZero() bool { return t.Data == nil && t.Shape == nil }

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: slices.Clone(t.Shape),
		Data:  slices.Clone(t.Data),
	}
}

// SameShape reports whether t and o have identical shapes.
func (t Tensor) SameShape(o Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Reshape returns a view of t with a new shape of the same element count.
func (t Tensor) Reshape(shape ...int) Tensor {
	if Numel(shape) != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.Shape, shape))
	}
	return Tensor{Shape: slices.Clone(shape), Data: t.Data}
}

// Index returns a view of the i-th slice along the outermost dimension.
func (t Tensor) Index(i int) Tensor {
	if t.Rank() == 0 || i < 0 || i >= t.Shape[0] {
		panic("tensor: index out of range")
	}
	inner := Numel(t.Shape[1:])
	return Tensor{
		Shape: slices.Clone(t.Shape[1:]),
		Data:  t.Data[i*inner : (i+1)*inner],
	}
}

// Stack concatenates equally shaped tensors along a new outermost dimension.
func Stack(ts []Tensor) Tensor {
	if len(ts) == 0 {
		return Tensor{}
	}
	inner := ts[0].Shape
	out := New(append([]int{len(ts)}, inner...)...)
	n := Numel(inner)
	for i, t := range ts {
		if !slices.Equal(t.Shape, inner) {
			panic(fmt.Sprintf("tensor: stack shape mismatch %v vs %v", t.Shape, inner))
		}
		copy(out.Data[i*n:(i+1)*n], t.Data)
	}
	return out
}

func (t Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// FillRand fills t with reproducible pseudo-random values uniformly drawn from
// [-scale, scale). The same seed always produces the same values.
func FillRand(t *Tensor, seed int64, scale float64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float64()*2 - 1) * scale
	}
}

// Rand returns a new tensor filled by FillRand.
func Rand(seed int64, scale float64, shape ...int) Tensor {
	t := New(shape...)
	FillRand(&t, seed, scale)
	return t
}
