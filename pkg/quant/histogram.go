package quant

import (
	"math"

	"github.com/samcharles93/adaround/internal/tensor"
)

// DefaultHistogramBins matches the resolution commonly used for weight ranges.
const DefaultHistogramBins = 2048

// HistogramObserver records a histogram of absolute values and picks the
// symmetric clipping threshold that minimises the expected squared
// quantization error (rounding noise inside the range, clipping error outside).
type HistogramObserver struct {
	Bins     int
	QuantMin int
	QuantMax int

	counts []float64
	maxAbs float64
	seen   bool
}

// NewHistogramObserver returns a per-tensor symmetric histogram observer.
func NewHistogramObserver(qmin, qmax, bins int) *HistogramObserver {
	if bins <= 0 {
		bins = DefaultHistogramBins
	}
	return &HistogramObserver{Bins: bins, QuantMin: qmin, QuantMax: qmax}
}

func (o *HistogramObserver) Observe(t tensor.Tensor) {
	if t.Len() == 0 {
		return
	}
	amax := tensor.MaxAbs(t)
	switch {
	case !o.seen:
		o.counts = make([]float64, o.Bins)
		o.maxAbs = amax
		o.seen = true
	case amax > o.maxAbs:
		o.rebin(amax)
	}
	for _, v := range t.Data {
		o.counts[o.bin(math.Abs(v))]++
	}
}

func (o *HistogramObserver) bin(a float64) int {
	if o.maxAbs == 0 {
		return 0
	}
	i := int(a / o.maxAbs * float64(o.Bins))
	return min(max(i, 0), o.Bins-1)
}

// rebin spreads the existing counts over a wider range. Each old bin's mass
// moves to the new bin containing its centre.
func (o *HistogramObserver) rebin(newMax float64) {
	old := o.counts
	oldWidth := o.maxAbs / float64(o.Bins)
	o.counts = make([]float64, o.Bins)
	o.maxAbs = newMax
	for i, c := range old {
		if c == 0 {
			continue
		}
		o.counts[o.bin((float64(i)+0.5)*oldWidth)] += c
	}
}

func (o *HistogramObserver) Params() (Params, error) {
	if !o.seen {
		return Params{}, ErrNoObservations
	}
	t := o.threshold()
	return FromRange(-t, t, o.QuantMin, o.QuantMax, PerTensorSymmetric)
}

func (o *HistogramObserver) threshold() float64 {
	if o.maxAbs == 0 {
		return 0
	}
	width := o.maxAbs / float64(o.Bins)
	half := float64(o.QuantMax-o.QuantMin) / 2
	start := max(o.Bins/16, 1)

	best, bestErr := o.maxAbs, math.Inf(1)
	for k := start; k <= o.Bins; k++ {
		t := float64(k) * width
		step := t / half
		noise := step * step / 12
		var e float64
		for i, c := range o.counts {
			if c == 0 {
				continue
			}
			centre := (float64(i) + 0.5) * width
			if centre <= t {
				e += c * noise
			} else {
				d := centre - t
				e += c * d * d
			}
		}
		if e < bestErr {
			best, bestErr = t, e
		}
	}
	return best
}
