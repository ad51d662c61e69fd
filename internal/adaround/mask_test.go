package adaround

import (
	"math"
	"testing"

	"github.com/samcharles93/adaround/internal/tensor"
	"github.com/samcharles93/adaround/pkg/quant"
)

func TestSoftMaskRange(t *testing.T) {
	t.Parallel()
	o := DefaultOptions()
	v := tensor.FromData([]float64{-1e6, -1, -0.05, -0.01, -0.001, 0, 0.001, 0.01, 0.05, 1, 1e6}, 11)
	m := SoftMask(v, o)
	prev := -1.0
	for i, x := range m.Data {
		if x < 0 || x > 1 {
			t.Fatalf("mask(%v) = %v, outside [0, 1]", v.Data[i], x)
		}
		if x < prev {
			t.Fatalf("mask not monotone at v=%v: %v < %v", v.Data[i], x, prev)
		}
		prev = x
	}
	if m.Data[0] != 0 || m.Data[len(m.Data)-1] != 1 {
		t.Fatalf("saturated masks = %v, %v, want 0 and 1", m.Data[0], m.Data[len(m.Data)-1])
	}
	if got := m.Data[5]; math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("mask(0) = %v, want 0.5", got)
	}
}

func TestMaskDerivative(t *testing.T) {
	t.Parallel()
	o := DefaultOptions()
	const eps = 1e-7
	for _, v := range []float64{-0.02, -0.003, 0, 0.004, 0.015} {
		_, dm := o.maskAt(v)
		hi, _ := o.maskAt(v + eps)
		lo, _ := o.maskAt(v - eps)
		num := (hi - lo) / (2 * eps)
		if math.Abs(num-dm) > 1e-4*math.Max(1, math.Abs(num)) {
			t.Fatalf("dmask(%v) = %v, numerical %v", v, dm, num)
		}
	}
	if _, dm := o.maskAt(5); dm != 0 {
		t.Fatalf("derivative in clamped region = %v, want 0", dm)
	}
}

func TestSoftQuantizeStaysOnGridRange(t *testing.T) {
	t.Parallel()
	o := DefaultOptions()
	p := quant.Params{Scale: 0.25, QuantMin: -4, QuantMax: 3}
	w := tensor.Rand(1, 2, 64)
	v := tensor.Rand(2, 0.05, 64)
	soft := SoftQuantize(w, v, p, o)
	for i, x := range soft.Data {
		level := x / p.Scale
		if level < float64(p.QuantMin)-1e-9 || level > float64(p.QuantMax)+1e-9 {
			t.Fatalf("soft[%d] = %v, level %v outside grid", i, x, level)
		}
		f := math.Floor(w.Data[i] / p.Scale)
		if f >= float64(p.QuantMin) && f+1 <= float64(p.QuantMax) {
			if level < f-1e-9 || level > f+1+1e-9 {
				t.Fatalf("soft[%d] level %v not between floor %v and ceil", i, level, f)
			}
		}
	}
}

func TestHardQuantizeFollowsMask(t *testing.T) {
	t.Parallel()
	o := DefaultOptions()
	p := quant.Params{Scale: 1, QuantMin: -8, QuantMax: 7}
	w := tensor.FromData([]float64{0.3, 0.3, 6.9, -8.6, 2.5}, 5)
	v := tensor.FromData([]float64{10, -10, 10, -10, 0.01}, 5)
	got := HardQuantize(w, v, p, o)
	want := []float64{1, 0, 7, -8, 3}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("hard = %v, want %v", got.Data, want)
		}
	}
}

func TestHardQuantizeMatchesFakeQuantOfSoft(t *testing.T) {
	t.Parallel()
	o := DefaultOptions()
	p := quant.Params{Scale: 0.1, QuantMin: -128, QuantMax: 127}
	w := tensor.Rand(3, 1, 100)
	// saturated masks so the soft value sits exactly on a level
	v := tensor.Map(tensor.Rand(4, 1, 100), func(x float64) float64 { return 10 * x / math.Abs(x) })
	hard := HardQuantize(w, v, p, o)
	fq := p.FakeQuantizeTensor(SoftQuantize(w, v, p, o))
	if !tensor.EqualApprox(hard, fq, 1e-12) {
		t.Fatalf("hard quantize disagrees with fake-quant of soft quantize")
	}
}
