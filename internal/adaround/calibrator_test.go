package adaround

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/samcharles93/adaround/internal/data"
	"github.com/samcharles93/adaround/internal/logger"
	"github.com/samcharles93/adaround/internal/nn"
	"github.com/samcharles93/adaround/internal/optim"
	"github.com/samcharles93/adaround/internal/tensor"
	"github.com/samcharles93/adaround/internal/toy"
	"github.com/samcharles93/adaround/pkg/quant"
)

func quiet() logger.Logger { return logger.JSON(io.Discard, slog.LevelError) }

func mustLinear(t *testing.T, w []float64, out, in int) *nn.Linear {
	t.Helper()
	l, err := nn.NewLinear("fc", tensor.FromData(w, out, in), tensor.New(out))
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func mustCalibrator(t *testing.T, l nn.Weighted, opts Options) *Calibrator {
	t.Helper()
	c, err := NewCalibrator(l.Name(), 0, l, opts, nil, quiet())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCommittedRoundingNoWorseThanNearest(t *testing.T) {
	t.Parallel()
	opts := DefaultOptions()
	opts.RegWeight = 0
	opts.QuantMin, opts.QuantMax = -8, 7
	layer := mustLinear(t, []float64{1.3, 2.7, -0.4, 0.9}, 2, 2)
	c := mustCalibrator(t, layer, opts)

	ctx := context.Background()
	x := tensor.FromData([]float64{1, 2}, 1, 2)
	if err := c.Observe(); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginTuningWith(quant.Params{Scale: 1, QuantMin: -8, QuantMax: 7}); err != nil {
		t.Fatal(err)
	}
	for i := range opts.Iterations {
		if _, err := c.Step(ctx, i, x); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if err := c.Commit(); err != nil {
		t.Fatal(err)
	}

	hard, p, err := c.QuantizedWeight()
	if err != nil {
		t.Fatal(err)
	}
	nearest := p.FakeQuantizeTensor(layer.Weight())
	if got, ref := tensor.Distance(layer.Weight(), hard), tensor.Distance(layer.Weight(), nearest); got > ref+1e-12 {
		t.Fatalf("committed distance %v exceeds nearest rounding %v", got, ref)
	}
	st := c.Stats()
	if st.CommittedDistance > st.NearestDistance+1e-12 {
		t.Fatalf("stats: committed %v > nearest %v", st.CommittedDistance, st.NearestDistance)
	}
	if st.Iterations != opts.Iterations {
		t.Fatalf("iterations = %d, want %d", st.Iterations, opts.Iterations)
	}
	for i, w := range hard.Data {
		if w != math.Trunc(w) || w < -8 || w > 7 {
			t.Fatalf("hard[%d] = %v is not a grid level", i, w)
		}
	}
}

func TestCalibratorRejectsInvalidTransitions(t *testing.T) {
	t.Parallel()
	layer := mustLinear(t, []float64{0.5, -0.25}, 1, 2)
	c := mustCalibrator(t, layer, DefaultOptions())
	ctx := context.Background()
	x := tensor.FromData([]float64{1, 1}, 1, 2)

	mustInvalid := func(name string, err error) {
		t.Helper()
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("%s in state %s: got %v, want ErrInvalidState", name, c.State(), err)
		}
		var le *LayerError
		if !errors.As(err, &le) || le.Layer != "fc" || le.Iteration != -1 {
			t.Fatalf("%s: error %v does not carry layer context", name, err)
		}
	}

	// float
	mustInvalid("begin tuning", c.BeginTuning())
	mustInvalid("commit", c.Commit())
	mustInvalid("set rounding", c.SetRounding(tensor.New(1, 2)))
	if _, err := c.Step(ctx, 0, x); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("step before tuning: %v", err)
	}
	if _, err := c.Probe().Evaluate(x, ModeQuantized); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("quantized evaluation before tuning: %v", err)
	}

	// observing
	if err := c.Observe(); err != nil {
		t.Fatal(err)
	}
	mustInvalid("observe twice", c.Observe())
	mustInvalid("commit from observing", c.Commit())
	if _, err := c.Rounding(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("rounding while observing: %v", err)
	}

	// tuning
	if err := c.Record(ctx, x); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginTuning(); err != nil {
		t.Fatal(err)
	}
	mustInvalid("begin tuning twice", c.BeginTuning())
	if err := c.SetRounding(tensor.Full(5, 1, 2)); err != nil {
		t.Fatalf("set rounding while tuning: %v", err)
	}
	if err := c.SetRounding(tensor.New(3)); err == nil {
		t.Fatal("set rounding with wrong shape succeeded")
	}

	// committed
	if err := c.Commit(); err != nil {
		t.Fatal(err)
	}
	mustInvalid("set rounding after commit", c.SetRounding(tensor.New(1, 2)))
	mustInvalid("commit twice", c.Commit())
	mustInvalid("observe after commit", c.Observe())
	if _, err := c.Rounding(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("rounding after commit: %v", err)
	}
}

func TestProbeIsActiveOnlyWhileTuning(t *testing.T) {
	t.Parallel()
	layer := mustLinear(t, []float64{0.31, -0.77, 0.12, 0.45}, 2, 2)
	c := mustCalibrator(t, layer, DefaultOptions())
	p := c.Probe()
	ctx := context.Background()
	x := tensor.FromData([]float64{0.5, -1}, 1, 2)

	want, err := layer.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	check := func(active bool) {
		t.Helper()
		if p.Active() != active {
			t.Fatalf("state %s: active = %v", p.State(), p.Active())
		}
		if _, ok := p.Capture(); ok != active {
			t.Fatalf("state %s: captured = %v", p.State(), ok)
		}
	}

	y, err := p.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.EqualApprox(y, want, 0) {
		t.Fatalf("float probe output %v, want %v", y, want)
	}
	check(false)

	if err := c.Observe(); err != nil {
		t.Fatal(err)
	}
	if err := c.Record(ctx, x); err != nil {
		t.Fatal(err)
	}
	check(false)

	if err := c.BeginTuning(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Step(ctx, 0, x); err != nil {
		t.Fatal(err)
	}
	check(true)
	// the step moved V; a fresh active pass captures against the new weight
	if _, err := p.Forward(x); err != nil {
		t.Fatal(err)
	}
	capt, _ := p.Capture()
	if !tensor.EqualApprox(capt.Float, want, 0) {
		t.Fatalf("captured float %v, want %v", capt.Float, want)
	}
	q, err := p.Evaluate(x, ModeQuantized)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.EqualApprox(capt.Quantized, q, 1e-12) {
		t.Fatal("captured quantized output differs from a fresh quantized evaluation")
	}

	if err := c.Commit(); err != nil {
		t.Fatal(err)
	}
	check(false)
	hard, _, _ := c.QuantizedWeight()
	wantQ, err := layer.Apply(x, hard)
	if err != nil {
		t.Fatal(err)
	}
	y, err = p.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.EqualApprox(y, wantQ, 1e-12) {
		t.Fatalf("committed probe output %v, want %v", y, wantQ)
	}
	// the wrapped layer keeps its float weight
	if layer.Weight().Data[0] != 0.31 {
		t.Fatalf("float weight was modified: %v", layer.Weight().Data)
	}
}

func TestDivergedLayerCannotCommit(t *testing.T) {
	t.Parallel()
	layer := mustLinear(t, []float64{math.NaN(), 0.5}, 1, 2)
	c := mustCalibrator(t, layer, DefaultOptions())
	x := tensor.FromData([]float64{1, 1}, 1, 2)

	if err := c.Observe(); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginTuningWith(quant.Symmetric(0.01)); err != nil {
		t.Fatal(err)
	}
	_, err := c.Step(context.Background(), 3, x)
	if !errors.Is(err, ErrDivergedOptimization) {
		t.Fatalf("step error = %v, want ErrDivergedOptimization", err)
	}
	var le *LayerError
	if !errors.As(err, &le) || le.Iteration != 3 {
		t.Fatalf("error %v does not name iteration 3", err)
	}
	if err := c.Commit(); !errors.Is(err, ErrDivergedOptimization) {
		t.Fatalf("commit after divergence = %v", err)
	}
	if c.State() == StateCommitted {
		t.Fatal("diverged layer was committed")
	}
}

func TestConvertIsIdempotent(t *testing.T) {
	t.Parallel()
	opts := DefaultOptions()
	opts.ObserveBatches, opts.Iterations = 2, 4
	layer := mustLinear(t, []float64{0.31, -0.77, 0.12, 0.45, 0.05, -0.6}, 2, 3)
	c := mustCalibrator(t, layer, opts)

	if _, err := c.Convert(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("convert before commit = %v", err)
	}
	src, err := data.NewCycle(toy.Vectors(1, 3, 4, 3), 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Calibrate(context.Background(), src.Next, nil); err != nil {
		t.Fatal(err)
	}
	a, err := c.Convert()
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Convert()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("second convert re-derived the fixed-point layer")
	}
	again, err := quant.Convert(a)
	if err != nil || again != a {
		t.Fatalf("converting a fixed-point layer: %v, %p != %p", err, again, a)
	}
	hard, _, _ := c.QuantizedWeight()
	if !tensor.EqualApprox(a.Weight.Dequantize(), hard, 1e-12) {
		t.Fatal("fixed-point weight does not dequantize to the committed weight")
	}
}

func TestOutputObjective(t *testing.T) {
	t.Parallel()
	opts := ReducedOptions()
	opts.Objective = ObjectiveOutput
	opts.ObserveBatches, opts.Iterations = 2, 20
	model := toy.LinearChain(5, 6, 4)
	layer := model.Layers[0].(nn.Weighted)
	c := mustCalibrator(t, layer, opts)

	src, err := data.NewCycle(toy.Vectors(2, 4, 8, 6), 2, true)
	if err != nil {
		t.Fatal(err)
	}
	var losses []Loss
	err = c.Calibrate(context.Background(), src.Next, func(_ int, l Loss) error {
		losses = append(losses, l)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(losses) != opts.Iterations {
		t.Fatalf("got %d step callbacks, want %d", len(losses), opts.Iterations)
	}
	for i, l := range losses {
		if !l.Finite() || l.Reconstruction < 0 {
			t.Fatalf("loss %d = %+v", i, l)
		}
	}
	hard, p, err := c.QuantizedWeight()
	if err != nil {
		t.Fatal(err)
	}
	for i, w := range hard.Data {
		level := w / p.Scale
		if math.Abs(level-math.Round(level)) > 1e-9 {
			t.Fatalf("hard[%d] = %v is off the grid of scale %v", i, w, p.Scale)
		}
	}
}

func TestActivationQuantization(t *testing.T) {
	t.Parallel()
	opts := ReducedOptions()
	opts.QuantizeActivations = true
	opts.ObserveBatches, opts.Iterations = 2, 3
	model := toy.LinearChain(9, 5, 3)
	layer := model.Layers[0].(nn.Weighted)
	c := mustCalibrator(t, layer, opts)

	batches := toy.Vectors(4, 2, 6, 5)
	src, err := data.NewCycle(batches, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Calibrate(context.Background(), src.Next, nil); err != nil {
		t.Fatal(err)
	}
	ap, ok := c.ActivationParams()
	if !ok {
		t.Fatal("activation params not fixed")
	}
	if ap.QuantMin != quant.QUInt8Min || ap.QuantMax != quant.QUInt8Max {
		t.Fatalf("activation grid [%d, %d], want uint8", ap.QuantMin, ap.QuantMax)
	}
	y, err := c.Probe().Forward(batches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.EqualApprox(y, ap.FakeQuantizeTensor(y), 1e-9) {
		t.Fatal("committed output is not on the activation grid")
	}
	for _, v := range y.Data {
		if v < ap.Lo()-1e-9 || v > ap.Hi()+1e-9 {
			t.Fatalf("output %v outside activation range [%v, %v]", v, ap.Lo(), ap.Hi())
		}
	}
}

func TestCalibratorOptimizerSelection(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		optimizer Optimizer
		check     func(optim.Optimizer) bool
	}{
		{OptimizerAdam, func(o optim.Optimizer) bool { _, ok := o.(*optim.Adam); return ok }},
		{OptimizerSGD, func(o optim.Optimizer) bool { _, ok := o.(*optim.SGD); return ok }},
	} {
		t.Run(string(tc.optimizer), func(t *testing.T) {
			t.Parallel()
			opts := DefaultOptions()
			opts.Optimizer = tc.optimizer
			opts.Momentum = 0.5
			opts.LearningRate = 0.5
			layer := mustLinear(t, []float64{0.31, -0.77, 0.12, 0.45}, 2, 2)
			c := mustCalibrator(t, layer, opts)
			if c.Optimizer() != nil {
				t.Fatal("optimizer allocated before tuning")
			}
			if err := c.Observe(); err != nil {
				t.Fatal(err)
			}
			if err := c.BeginTuningWith(quant.Params{Scale: 0.1, QuantMin: -8, QuantMax: 7}); err != nil {
				t.Fatal(err)
			}
			if !tc.check(c.Optimizer()) {
				t.Fatalf("optimizer is %T", c.Optimizer())
			}
			before, err := c.Rounding()
			if err != nil {
				t.Fatal(err)
			}
			before = before.Clone()
			if _, err := c.Step(context.Background(), 0, tensor.FromData([]float64{1, 2}, 1, 2)); err != nil {
				t.Fatal(err)
			}
			after, err := c.Rounding()
			if err != nil {
				t.Fatal(err)
			}
			if tensor.EqualApprox(before, after, 0) {
				t.Fatal("optimizer step left V unchanged")
			}
			if err := c.Commit(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

// offsetBoundary scales inputs on the way in and shifts outputs on the way out.
type offsetBoundary struct{ scale, shift float64 }

func (b offsetBoundary) Quant(x tensor.Tensor) tensor.Tensor {
	return tensor.Map(x, func(v float64) float64 { return v * b.scale })
}

func (b offsetBoundary) Dequant(x tensor.Tensor) tensor.Tensor {
	return tensor.Map(x, func(v float64) float64 { return v + b.shift })
}

func TestCalibratorBoundary(t *testing.T) {
	t.Parallel()
	layer := mustLinear(t, []float64{1, 2}, 1, 2)
	c := mustCalibrator(t, layer, DefaultOptions())
	x := tensor.FromData([]float64{1, 1}, 1, 2)

	if err := c.SetBoundary(offsetBoundary{scale: 2, shift: 1}); err != nil {
		t.Fatal(err)
	}
	y, err := c.Probe().Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if y.Data[0] != 7 {
		t.Fatalf("forward through boundary = %v, want 2*(1+2)+1 = 7", y.Data[0])
	}

	if err := c.SetBoundary(nil); err != nil {
		t.Fatal(err)
	}
	if y, _ = c.Probe().Forward(x); y.Data[0] != 3 {
		t.Fatalf("identity boundary forward = %v, want 3", y.Data[0])
	}

	if err := c.Observe(); err != nil {
		t.Fatal(err)
	}
	if err := c.SetBoundary(offsetBoundary{scale: 1}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("set boundary while observing = %v, want ErrInvalidState", err)
	}
}
