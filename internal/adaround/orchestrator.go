package adaround

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/adaround/internal/data"
	"github.com/samcharles93/adaround/internal/logger"
	"github.com/samcharles93/adaround/internal/nn"
	"github.com/samcharles93/adaround/internal/tensor"
	"github.com/samcharles93/adaround/pkg/quant"
)

// Hooks observe a sequential run. All hooks run on the calibrating goroutine.
type Hooks struct {
	AfterStep   func(c *Calibrator, iteration int, loss Loss)
	AfterCommit func(c *Calibrator)
}

// Orchestrator calibrates every eligible layer of a model one at a time, in
// execution order, so each layer is tuned against inputs that already carry
// the quantization error of the layers before it.
type Orchestrator struct {
	Hooks Hooks

	model   *nn.Sequential
	opts    Options
	log     logger.Logger
	leaves  []nn.Entry
	targets []*Calibrator
	skipped []SkippedLayer
	cursor  int
}

// supported reports whether calibration knows how to round this kind's weight.
func supported(k nn.Kind) bool {
	return k == nn.KindLinear || k == nn.KindConv2D
}

// NewOrchestrator wraps every eligible layer of model in a Probe, in place.
// Weighted layers of other kinds are left untouched and reported as skipped.
func NewOrchestrator(model *nn.Sequential, opts Options, log logger.Logger) (*Orchestrator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	o := &Orchestrator{model: model, opts: opts, log: log.With("model", model.Name())}

	entries := nn.Walk(model)
	for i, e := range entries {
		if _, ok := e.Layer.(*Probe); ok {
			return nil, fmt.Errorf("%w: layer %s is already wrapped", ErrInvalidState, e.Path)
		}
		w, ok := e.Layer.(nn.Weighted)
		if !ok {
			continue
		}
		if !supported(w.Kind()) {
			o.skipped = append(o.skipped, SkippedLayer{
				Name:   e.Path,
				Kind:   w.Kind().String(),
				Reason: ErrUnsupportedLayerType.Error(),
			})
			o.log.Warn("skipping layer", "layer", e.Path, "kind", w.Kind(), "error", ErrUnsupportedLayerType)
			continue
		}
		c, err := NewCalibrator(e.Path, len(o.targets), w, opts, o.upstream(i), log)
		if err != nil {
			return nil, err
		}
		e.Parent.Replace(e.Index, c.Probe())
		entries[i].Layer = c.Probe()
		o.targets = append(o.targets, c)
	}
	o.leaves = entries
	return o, nil
}

// upstream runs the leaves in front of leaf. Earlier probes are committed by
// the time it is used, so their output is the hard-quantized one.
func (o *Orchestrator) upstream(leaf int) Upstream {
	return func(x tensor.Tensor) (tensor.Tensor, error) {
		var err error
		for _, e := range o.leaves[:leaf] {
			x, err = e.Layer.Forward(x)
			if err != nil {
				return tensor.Tensor{}, fmt.Errorf("%s: %w", e.Path, err)
			}
		}
		return x, nil
	}
}

// Calibrators returns the per-layer calibrators in calibration order.
func (o *Orchestrator) Calibrators() []*Calibrator { return o.targets }

// Skipped returns the weighted layers that were not wrapped.
func (o *Orchestrator) Skipped() []SkippedLayer { return o.skipped }

// Cursor returns the index of the next layer to calibrate.
func (o *Orchestrator) Cursor() int { return o.cursor }

// SetBoundary installs b around every wrapped layer. All layers must still
// be float.
func (o *Orchestrator) SetBoundary(b Boundary) error {
	for _, c := range o.targets {
		if c.State() != StateFloat {
			return c.stateErr("set boundary")
		}
	}
	for _, c := range o.targets {
		if err := c.SetBoundary(b); err != nil {
			return err
		}
	}
	return nil
}

// Run calibrates the remaining layers in order, pulling batches from src.
//
// Each layer is lowered to fixed point as soon as it commits.
// Cancelling ctx stops the run between layers; a layer that has started
// tuning always runs to commit. Any layer failure halts the run. The returned
// report covers every layer committed so far, including on error.
func (o *Orchestrator) Run(ctx context.Context, src data.Source) (*Report, error) {
	report := NewReport(o.model.Name(), o.opts)
	report.Skipped = o.skipped
	defer func() { report.FinishedAt = time.Now() }()

	for _, c := range o.targets[:o.cursor] {
		report.addLayer(c, 0)
	}

	limit := len(o.targets)
	if o.opts.MaxLayers > 0 {
		limit = min(limit, o.opts.MaxLayers)
	}
	// a layer's lifecycle is not interruptible once started
	layerCtx := context.WithoutCancel(ctx)

	for o.cursor < limit {
		if err := ctx.Err(); err != nil {
			report.Error = err.Error()
			return report, err
		}
		c := o.targets[o.cursor]
		o.log.Info("calibrating layer", "layer", c.Name(), "index", c.Index(), "of", len(o.targets))

		start := time.Now()
		err := c.Calibrate(layerCtx, src.Next, func(i int, l Loss) error {
			if err := o.checkSequential(c.Index()); err != nil {
				return err
			}
			if o.Hooks.AfterStep != nil {
				o.Hooks.AfterStep(c, i, l)
			}
			return nil
		})
		if err != nil {
			report.Error = err.Error()
			o.log.Error("layer calibration failed", "layer", c.Name(), "error", err)
			return report, err
		}
		if _, err := c.Convert(); err != nil {
			report.Error = err.Error()
			o.log.Error("layer conversion failed", "layer", c.Name(), "error", err)
			return report, err
		}
		if o.Hooks.AfterCommit != nil {
			o.Hooks.AfterCommit(c)
		}
		report.addLayer(c, time.Since(start))
		o.cursor++
	}

	report.Complete = o.cursor == len(o.targets)
	if !report.Complete {
		o.log.Warn("calibration stopped early", "calibrated", o.cursor, "layers", len(o.targets))
	}
	return report, nil
}

// checkSequential verifies that while layer k tunes, every earlier layer is
// committed and every later layer is still float.
func (o *Orchestrator) checkSequential(k int) error {
	for j, c := range o.targets {
		var want State
		switch {
		case j < k:
			want = StateCommitted
		case j > k:
			want = StateFloat
		default:
			want = StateTuning
		}
		if c.State() != want {
			return fmt.Errorf("%w: layer %s is %s while layer %d tunes", ErrInvalidState, c.Name(), c.State(), k)
		}
	}
	return nil
}

// JointLoss sums the calibration losses of the named layers, all of which
// must be tuning. The default sequential schedule never has more than one
// tuning layer; this is the primitive for tuning several jointly.
func (o *Orchestrator) JointLoss(names []string, beta float64) (Loss, error) {
	byName := make(map[string]*Calibrator, len(o.targets))
	for _, c := range o.targets {
		byName[c.Name()] = c
	}
	losses := make([]Loss, 0, len(names))
	for _, n := range names {
		c, ok := byName[n]
		if !ok {
			return Loss{}, fmt.Errorf("unknown layer %q", n)
		}
		l, err := c.Loss(beta)
		if err != nil {
			return Loss{}, err
		}
		losses = append(losses, l)
	}
	return AggregateLoss(losses...), nil
}

// Convert returns the fixed-point form of every committed layer, in
// calibration order. Run converts each layer at commit, so this reuses them.
func (o *Orchestrator) Convert() ([]*quant.FixedPoint, error) {
	out := make([]*quant.FixedPoint, 0, o.cursor)
	for _, c := range o.targets {
		if c.State() != StateCommitted {
			continue
		}
		fp, err := c.Convert()
		if err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, nil
}
