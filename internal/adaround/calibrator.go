package adaround

import (
	"context"
	"fmt"

	"github.com/samcharles93/adaround/internal/logger"
	"github.com/samcharles93/adaround/internal/nn"
	"github.com/samcharles93/adaround/internal/optim"
	"github.com/samcharles93/adaround/internal/tensor"
	"github.com/samcharles93/adaround/pkg/quant"
)

// Upstream turns a model input into the input of the layer being calibrated
// by running every layer in front of it.
type Upstream func(x tensor.Tensor) (tensor.Tensor, error)

// Calibrator drives one weighted layer through observe → tune → commit.
type Calibrator struct {
	name     string
	index    int
	opts     Options
	log      logger.Logger
	probe    *Probe
	upstream Upstream

	state     State
	weightObs quant.Observer
	actObs    *quant.MinMaxObserver
	params    quant.Params
	actParams *quant.Params

	v         tensor.Tensor
	opt       optim.Optimizer
	iteration int
	failed    error

	committed tensor.Tensor
	fixed     *quant.FixedPoint
	stats     LayerStats
}

// LayerStats summarises a layer's calibration.
type LayerStats struct {
	First             Loss
	Last              Loss
	Iterations        int
	NearestDistance   float64
	CommittedDistance float64
	Flipped           int
}

// NewCalibrator prepares layer for calibration. index is the layer's position
// in the calibration order and is only used for error context. A nil
// upstream means the calibration batches are fed to the layer directly.
func NewCalibrator(name string, index int, layer nn.Weighted, opts Options, upstream Upstream, log logger.Logger) (*Calibrator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	if upstream == nil {
		upstream = func(x tensor.Tensor) (tensor.Tensor, error) { return x, nil }
	}
	return &Calibrator{
		name:     name,
		index:    index,
		opts:     opts,
		log:      log.With("layer", name, "index", index),
		probe:    newProbe(layer, nil),
		upstream: upstream,
		state:    StateFloat,
	}, nil
}

// Optimizer returns the optimizer driving V; nil outside tuning.
func (c *Calibrator) Optimizer() optim.Optimizer { return c.opt }

// SetBoundary replaces the quantize/dequantize pair around the layer. It is
// only allowed before observation starts; nil restores the identity pair.
func (c *Calibrator) SetBoundary(b Boundary) error {
	if c.state != StateFloat {
		return c.stateErr("set boundary")
	}
	if b == nil {
		b = IdentityBoundary{}
	}
	c.probe.boundary = b
	return nil
}

func (c *Calibrator) Name() string         { return c.name }
func (c *Calibrator) Index() int           { return c.index }
func (c *Calibrator) State() State         { return c.state }
func (c *Calibrator) Probe() *Probe        { return c.probe }
func (c *Calibrator) Stats() LayerStats    { return c.stats }
func (c *Calibrator) Params() quant.Params { return c.params }

// ActivationParams returns the fixed output quantization params, if
// activations are quantized and tuning has started.
func (c *Calibrator) ActivationParams() (quant.Params, bool) {
	if c.actParams == nil {
		return quant.Params{}, false
	}
	return *c.actParams, true
}

// Bias returns the wrapped layer's bias.
func (c *Calibrator) Bias() tensor.Tensor { return c.probe.layer.Bias() }

// Rounding returns a copy of the current rounding parameter. It is only
// available while tuning.
func (c *Calibrator) Rounding() (tensor.Tensor, error) {
	if c.state != StateTuning {
		return tensor.Tensor{}, c.stateErr("read rounding parameter")
	}
	return c.v.Clone(), nil
}

// SetRounding replaces the rounding parameter. Only the tuning layer's
// parameter may be written.
func (c *Calibrator) SetRounding(v tensor.Tensor) error {
	if c.state != StateTuning {
		return c.stateErr("set rounding parameter")
	}
	if !v.SameShape(c.v) {
		return fmt.Errorf("%s: rounding parameter shape %v, want %v", c.name, v.Shape, c.v.Shape)
	}
	copy(c.v.Data, v.Data)
	c.refresh()
	return nil
}

func (c *Calibrator) stateErr(op string) error {
	return &LayerError{
		Layer:     c.name,
		Index:     c.index,
		Iteration: -1,
		Err:       fmt.Errorf("%w: cannot %s in state %s", ErrInvalidState, op, c.state),
	}
}

// Observe enables statistics collection. Float → Observing.
func (c *Calibrator) Observe() error {
	if c.state != StateFloat {
		return c.stateErr("start observing")
	}
	c.weightObs = quant.NewHistogramObserver(c.opts.QuantMin, c.opts.QuantMax, c.opts.HistogramBins)
	if c.opts.QuantizeActivations {
		c.actObs = quant.NewMinMaxObserver(quant.QUInt8Min, quant.QUInt8Max, quant.PerTensorAffine)
	}
	c.state = StateObserving
	c.probe.set(view{
		state: StateObserving,
		observe: func(w, y tensor.Tensor) {
			c.weightObs.Observe(w)
			if c.actObs != nil {
				c.actObs.Observe(y)
			}
		},
	})
	c.log.Debug("observing")
	return nil
}

// Record runs one calibration batch through the upstream layers and the
// probe so the observers see it.
func (c *Calibrator) Record(ctx context.Context, batch tensor.Tensor) error {
	if c.state != StateObserving {
		return c.stateErr("record statistics")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	x, err := c.upstream(batch)
	if err != nil {
		return c.wrap(-1, err)
	}
	if _, err := c.probe.Forward(x); err != nil {
		return c.wrap(-1, err)
	}
	return nil
}

// BeginTuning fixes the quantization parameters from the observers,
// allocates the rounding parameter and an optimizer that tracks only it.
// Observing → Tuning.
func (c *Calibrator) BeginTuning() error {
	if c.state != StateObserving {
		return c.stateErr("begin tuning")
	}
	params, err := c.weightObs.Params()
	if err != nil {
		return c.wrap(-1, fmt.Errorf("%w: %w", ErrNotCalibrated, err))
	}
	if err := params.Validate(); err != nil {
		return c.wrap(-1, err)
	}
	c.params = params
	if c.actObs != nil {
		ap, err := c.actObs.Params()
		if err != nil {
			return c.wrap(-1, fmt.Errorf("%w: %w", ErrNotCalibrated, err))
		}
		c.actParams = &ap
	}
	return c.startTuning()
}

// BeginTuningWith tunes against externally fixed params instead of the
// observed ones. Observing → Tuning.
func (c *Calibrator) BeginTuningWith(p quant.Params) error {
	if c.state != StateObserving {
		return c.stateErr("begin tuning")
	}
	if err := p.Validate(); err != nil {
		return c.wrap(-1, err)
	}
	c.params = p
	return c.startTuning()
}

func (c *Calibrator) startTuning() error {
	w := c.probe.layer.Weight()
	c.v = tensor.Full(c.opts.InitV, w.Shape...)
	params := []*tensor.Tensor{&c.v}
	switch c.opts.Optimizer {
	case OptimizerSGD:
		c.opt = optim.NewSGD(params, c.opts.LearningRate, c.opts.Momentum)
	default:
		c.opt = optim.NewAdam(params, c.opts.LearningRate)
	}
	c.weightObs, c.actObs = nil, nil
	c.state = StateTuning
	c.iteration = 0
	c.refresh()
	c.log.Debug("tuning", "scale", c.params.Scale, "quant_min", c.params.QuantMin, "quant_max", c.params.QuantMax)
	return nil
}

// refresh hands the probe the soft-quantized weight for the current V.
func (c *Calibrator) refresh() {
	c.probe.set(view{
		state:  StateTuning,
		weight: SoftQuantize(c.probe.layer.Weight(), c.v, c.params, c.opts),
		act:    c.actParams,
	})
}

// Step runs tuning iteration i on one calibration batch: forward through the
// upstream layers and the active probe, evaluate the loss, and apply one
// optimizer step to V. A non-finite loss or gradient is fatal for the layer.
func (c *Calibrator) Step(ctx context.Context, i int, batch tensor.Tensor) (Loss, error) {
	if c.state != StateTuning {
		return Loss{}, c.stateErr("step")
	}
	if c.failed != nil {
		return Loss{}, c.failed
	}
	if err := ctx.Err(); err != nil {
		return Loss{}, err
	}
	x, err := c.upstream(batch)
	if err != nil {
		return Loss{}, c.wrap(i, err)
	}
	if _, err := c.probe.Forward(x); err != nil {
		return Loss{}, c.wrap(i, err)
	}

	loss, grad, err := c.loss(c.opts.Beta(i))
	if err != nil {
		return Loss{}, c.wrap(i, err)
	}
	if !loss.Finite() || !tensor.AllFinite(grad) {
		c.failed = c.wrap(i, fmt.Errorf("%w: loss %v (reconstruction %v, regularization %v)",
			ErrDivergedOptimization, loss.Total, loss.Reconstruction, loss.Regularization))
		c.log.Error("calibration diverged", "iteration", i, "loss", loss.Total)
		return loss, c.failed
	}
	if err := c.opt.Step([]tensor.Tensor{grad}); err != nil {
		c.failed = c.wrap(i, fmt.Errorf("%w: %w", ErrDivergedOptimization, err))
		return loss, c.failed
	}
	if !tensor.AllFinite(c.v) {
		c.failed = c.wrap(i, fmt.Errorf("%w: rounding parameter is not finite", ErrDivergedOptimization))
		return loss, c.failed
	}
	c.refresh()

	if c.iteration == 0 {
		c.stats.First = loss
	}
	c.stats.Last = loss
	c.iteration++
	c.stats.Iterations = c.iteration
	c.log.Debug("step",
		"iteration", i,
		"beta", loss.Beta,
		"loss", loss.Total,
		"reconstruction", loss.Reconstruction,
		"regularization", loss.Regularization,
		"sqnr", loss.SQNR,
	)
	return loss, nil
}

// Loss evaluates the loss at the current V for the given beta without
// stepping. With the output objective it needs a capture from a prior Step
// or Forward through the active probe.
func (c *Calibrator) Loss(beta float64) (Loss, error) {
	if c.state != StateTuning {
		return Loss{}, c.stateErr("evaluate loss")
	}
	l, _, err := c.loss(beta)
	return l, err
}

func (c *Calibrator) loss(beta float64) (Loss, tensor.Tensor, error) {
	w := c.probe.layer.Weight()
	if c.opts.Objective == ObjectiveWeight {
		l, g := WeightLoss(w, c.v, c.params, beta, c.opts)
		return l, g, nil
	}

	capt, ok := c.probe.Capture()
	if !ok {
		return Loss{}, tensor.Tensor{}, fmt.Errorf("%w: no capture for output objective", ErrNotCalibrated)
	}
	recon, gradOut := outputDistance(capt.Float, capt.Quantized, c.opts)
	if c.actParams != nil {
		gradOut = c.maskActivationGrad(capt, gradOut)
	}
	gradW, err := c.probe.layer.WeightGrad(capt.Input, gradOut)
	if err != nil {
		return Loss{}, tensor.Tensor{}, err
	}
	soft, dsoft := softQuantize(w, c.v, c.params, c.opts)
	grad := tensor.New(c.v.Shape...)
	for i := range grad.Data {
		grad.Data[i] = gradW.Data[i] * dsoft.Data[i]
	}
	hard := HardQuantize(w, c.v, c.params, c.opts)
	l, g := combine(recon, c.opts.ReconWeight*tensor.Distance(w, soft), c.v, beta, c.opts, grad, SQNR(w, hard))
	return l, g, nil
}

// maskActivationGrad zeroes the gradient where the activation fake-quant
// clamps; inside the range it is passed straight through.
func (c *Calibrator) maskActivationGrad(capt Capture, g tensor.Tensor) tensor.Tensor {
	lo, hi := c.actParams.Lo(), c.actParams.Hi()
	pre, err := c.probe.layer.Apply(capt.Input, c.probe.view.weight)
	if err != nil {
		return g
	}
	out := g.Clone()
	for i, y := range pre.Data {
		if y < lo || y > hi {
			out.Data[i] = 0
		}
	}
	return out
}

// Commit binarizes every rounding decision, freezes the hard weight and
// discards V. Tuning → Committed.
func (c *Calibrator) Commit() error {
	if c.failed != nil {
		return c.failed
	}
	if c.state != StateTuning {
		return c.stateErr("commit")
	}
	w := c.probe.layer.Weight()
	c.committed = HardQuantize(w, c.v, c.params, c.opts)

	nearest := c.params.FakeQuantizeTensor(w)
	c.stats.NearestDistance = tensor.Distance(w, nearest)
	c.stats.CommittedDistance = tensor.Distance(w, c.committed)
	c.stats.Flipped = 0
	for i := range nearest.Data {
		if nearest.Data[i] != c.committed.Data[i] {
			c.stats.Flipped++
		}
	}

	c.v = tensor.Tensor{}
	c.opt = nil
	c.state = StateCommitted
	c.probe.set(view{state: StateCommitted, weight: c.committed, act: c.actParams})
	c.log.Info("committed",
		"iterations", c.stats.Iterations,
		"loss", c.stats.Last.Total,
		"nearest_distance", c.stats.NearestDistance,
		"committed_distance", c.stats.CommittedDistance,
		"flipped", c.stats.Flipped,
	)
	return nil
}

// QuantizedWeight returns the committed hard weight.
func (c *Calibrator) QuantizedWeight() (tensor.Tensor, quant.Params, error) {
	if c.state != StateCommitted {
		return tensor.Tensor{}, quant.Params{}, c.stateErr("read quantized weight")
	}
	return c.committed, c.params, nil
}

// Convert lowers the committed layer to fixed point. Repeated calls return
// the same result without re-deriving anything.
func (c *Calibrator) Convert() (*quant.FixedPoint, error) {
	if c.fixed != nil {
		return c.fixed, nil
	}
	fp, err := quant.Convert(c)
	if err != nil {
		return nil, err
	}
	c.fixed = fp
	return fp, nil
}

func (c *Calibrator) wrap(iteration int, err error) error {
	return &LayerError{Layer: c.name, Index: c.index, Iteration: iteration, Err: err}
}

// Calibrate runs the whole lifecycle: observe ObserveBatches batches, tune
// for Iterations steps and commit. onStep, if set, runs after every tuning
// step; an error from it aborts the layer.
func (c *Calibrator) Calibrate(ctx context.Context, next func(context.Context) (tensor.Tensor, error), onStep func(i int, l Loss) error) error {
	if err := c.Observe(); err != nil {
		return err
	}
	for range c.opts.ObserveBatches {
		b, err := next(ctx)
		if err != nil {
			return c.wrap(-1, err)
		}
		if err := c.Record(ctx, b); err != nil {
			return err
		}
	}
	if err := c.BeginTuning(); err != nil {
		return err
	}
	for i := range c.opts.Iterations {
		b, err := next(ctx)
		if err != nil {
			return c.wrap(i, err)
		}
		l, err := c.Step(ctx, i, b)
		if err != nil {
			return err
		}
		if onStep != nil {
			if err := onStep(i, l); err != nil {
				return c.wrap(i, err)
			}
		}
	}
	return c.Commit()
}

var _ quant.Prepared = (*Calibrator)(nil)
