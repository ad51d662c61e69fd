package quant

import (
	"errors"
	"math"

	"github.com/samcharles93/adaround/internal/tensor"
)

var ErrNoObservations = errors.New("quant: observer has not seen any data")

// Observer collects statistics about a tensor and derives its Params.
type Observer interface {
	Observe(t tensor.Tensor)
	Params() (Params, error)
}

// MinMaxObserver tracks the running minimum and maximum.
type MinMaxObserver struct {
	QuantMin int
	QuantMax int
	Scheme   Scheme

	lo, hi float64
	seen   bool
}

// NewMinMaxObserver returns an observer for the given grid and scheme.
func NewMinMaxObserver(qmin, qmax int, scheme Scheme) *MinMaxObserver {
	return &MinMaxObserver{QuantMin: qmin, QuantMax: qmax, Scheme: scheme}
}

func (o *MinMaxObserver) Observe(t tensor.Tensor) {
	if t.Len() == 0 {
		return
	}
	lo, hi := tensor.MinMax(t)
	if !o.seen {
		o.lo, o.hi, o.seen = lo, hi, true
		return
	}
	o.lo = math.Min(o.lo, lo)
	o.hi = math.Max(o.hi, hi)
}

func (o *MinMaxObserver) Params() (Params, error) {
	if !o.seen {
		return Params{}, ErrNoObservations
	}
	return FromRange(o.lo, o.hi, o.QuantMin, o.QuantMax, o.Scheme)
}

// Range returns the observed [min, max].
func (o *MinMaxObserver) Range() (float64, float64) { return o.lo, o.hi }
