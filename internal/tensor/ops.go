package tensor

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Clamp limits x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Map returns a new tensor with fn applied to every element of t.
func Map(t Tensor, fn func(float64) float64) Tensor {
	out := New(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = fn(v)
	}
	return out
}

// Sub returns a - b. Shapes must match.
func Sub(a, b Tensor) Tensor {
	mustSameShape(a, b)
	out := New(a.Shape...)
	floats.SubTo(out.Data, a.Data, b.Data)
	return out
}

// Add adds src to dst element-wise.
func Add(dst, src Tensor) {
	mustSameShape(dst, src)
	floats.Add(dst.Data, src.Data)
}

// Scale multiplies every element of t by s in place.
func Scale(s float64, t Tensor) {
	floats.Scale(s, t.Data)
}

// Dot computes the dot product of a and b.
func Dot(a, b []float64) float64 {
	return floats.Dot(a, b)
}

// Norm returns the Frobenius (L2) norm of t.
func Norm(t Tensor) float64 {
	return floats.Norm(t.Data, 2)
}

// Distance returns ||a - b|| in the Frobenius norm.
func Distance(a, b Tensor) float64 {
	mustSameShape(a, b)
	return floats.Distance(a.Data, b.Data, 2)
}

// Sum returns the sum of all elements.
func Sum(t Tensor) float64 {
	return floats.Sum(t.Data)
}

// MaxAbs returns the largest absolute value in t, or 0 for an empty tensor.
func MaxAbs(t Tensor) float64 {
	var m float64
	for _, v := range t.Data {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}

// MinMax returns the smallest and largest element of t.
func MinMax(t Tensor) (float64, float64) {
	if t.Len() == 0 {
		return 0, 0
	}
	return floats.Min(t.Data), floats.Max(t.Data)
}

// AllFinite reports whether every element of t is neither NaN nor ±Inf.
func AllFinite(t Tensor) bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// EqualApprox reports whether a and b have the same shape and all elements
// are within tol of each other.
func EqualApprox(a, b Tensor, tol float64) bool {
	if !a.SameShape(b) {
		return false
	}
	return floats.EqualApprox(a.Data, b.Data, tol)
}

// Relu returns max(x, 0) element-wise.
func Relu(t Tensor) Tensor {
	return Map(t, func(v float64) float64 { return math.Max(v, 0) })
}

func mustSameShape(a, b Tensor) {
	if !a.SameShape(b) {
		panic("tensor: shape mismatch " + a.String() + " vs " + b.String())
	}
}
