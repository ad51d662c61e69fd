package adaround

import (
	"fmt"

	"github.com/samcharles93/adaround/internal/nn"
	"github.com/samcharles93/adaround/internal/tensor"
	"github.com/samcharles93/adaround/pkg/quant"
)

// Boundary is the host model's quantize/dequantize stub pair placed around a
// probed layer.
type Boundary interface {
	Quant(x tensor.Tensor) tensor.Tensor
	Dequant(x tensor.Tensor) tensor.Tensor
}

// IdentityBoundary passes values through unchanged.
type IdentityBoundary struct{}

func (IdentityBoundary) Quant(x tensor.Tensor) tensor.Tensor   { return x }
func (IdentityBoundary) Dequant(x tensor.Tensor) tensor.Tensor { return x }

// Mode selects how a probe evaluates its layer.
type Mode uint8

const (
	// ModeFloat uses the original weight and no output quantization.
	ModeFloat Mode = iota
	// ModeQuantized uses the quantized weight for the layer's current state
	// (soft while tuning, hard once committed) plus activation fake-quant
	// when configured.
	ModeQuantized
)

// Capture holds the outputs of the most recent active forward pass.
type Capture struct {
	Input     tensor.Tensor
	Float     tensor.Tensor
	Quantized tensor.Tensor
}

// view is everything a probe needs to evaluate its layer. The owning
// calibrator replaces it as a whole on every transition and tuning step.
type view struct {
	state   State
	weight  tensor.Tensor // weight for ModeQuantized
	act     *quant.Params
	observe func(w, y tensor.Tensor)
}

// Probe wraps one weighted layer and is a drop-in replacement for it.
//
// While its layer is tuning the probe is active: each Forward evaluates the
// layer twice on the same input, records both outputs, and returns the
// quantized one so that downstream layers see the quantization error.
type Probe struct {
	layer    nn.Weighted
	boundary Boundary
	view     view
	capture  Capture
	captured bool
}

func newProbe(layer nn.Weighted, b Boundary) *Probe {
	if b == nil {
		b = IdentityBoundary{}
	}
	return &Probe{layer: layer, boundary: b, view: view{state: StateFloat}}
}

func (p *Probe) Name() string          { return p.layer.Name() }
func (p *Probe) Kind() nn.Kind         { return p.layer.Kind() }
func (p *Probe) Layer() nn.Weighted    { return p.layer }
func (p *Probe) State() State          { return p.view.state }
func (p *Probe) Active() bool          { return p.view.state == StateTuning }
func (p *Probe) Weight() tensor.Tensor { return p.layer.Weight() }

// Capture returns the most recent capture, if the probe has been active.
func (p *Probe) Capture() (Capture, bool) { return p.capture, p.captured }

// Evaluate runs the wrapped layer once in the given mode. It has no side
// effects on the probe or the layer.
func (p *Probe) Evaluate(x tensor.Tensor, mode Mode) (tensor.Tensor, error) {
	switch mode {
	case ModeFloat:
		return p.layer.Forward(x)
	case ModeQuantized:
		if p.view.state < StateTuning {
			return tensor.Tensor{}, fmt.Errorf("%s: %w", p.Name(), ErrNotCalibrated)
		}
		y, err := p.layer.Apply(x, p.view.weight)
		if err != nil {
			return tensor.Tensor{}, err
		}
		if p.view.act != nil {
			y = p.view.act.FakeQuantizeTensor(y)
		}
		return y, nil
	default:
		return tensor.Tensor{}, fmt.Errorf("%s: unknown mode %d", p.Name(), mode)
	}
}

func (p *Probe) Forward(x tensor.Tensor) (tensor.Tensor, error) {
	x = p.boundary.Quant(x)
	var (
		y   tensor.Tensor
		err error
	)
	switch p.view.state {
	case StateFloat:
		y, err = p.Evaluate(x, ModeFloat)
	case StateObserving:
		y, err = p.Evaluate(x, ModeFloat)
		if err == nil && p.view.observe != nil {
			p.view.observe(p.layer.Weight(), y)
		}
	case StateTuning:
		y, err = p.forwardActive(x)
	case StateCommitted:
		y, err = p.Evaluate(x, ModeQuantized)
	}
	if err != nil {
		return tensor.Tensor{}, err
	}
	return p.boundary.Dequant(y), nil
}

func (p *Probe) forwardActive(x tensor.Tensor) (tensor.Tensor, error) {
	f, err := p.Evaluate(x, ModeFloat)
	if err != nil {
		return tensor.Tensor{}, err
	}
	q, err := p.Evaluate(x, ModeQuantized)
	if err != nil {
		return tensor.Tensor{}, err
	}
	p.capture = Capture{Input: x, Float: f, Quantized: q}
	p.captured = true
	return q, nil
}

func (p *Probe) set(v view) {
	p.view = v
	if v.state != StateTuning {
		p.capture = Capture{}
		p.captured = false
	}
}
