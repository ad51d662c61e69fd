// Package optim implements gradient-based optimizers over an explicit,
// fixed set of parameter tensors.
//
// An optimizer only ever writes to the tensors it was constructed with, so a
// caller controls exactly which parameters can drift by choosing that set.
package optim

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/adaround/internal/tensor"
)

var (
	ErrGradientMismatch = errors.New("optim: gradients do not match parameters")
	ErrNonFiniteGrad    = errors.New("optim: non-finite gradient")
)

// Optimizer updates its parameters in place from their gradients.
type Optimizer interface {
	// Step applies one update. grads[i] is the gradient of params[i].
	Step(grads []tensor.Tensor) error
	// Params returns the tracked parameter set.
	Params() []*tensor.Tensor
}

func checkGrads(params []*tensor.Tensor, grads []tensor.Tensor) error {
	if len(grads) != len(params) {
		return fmt.Errorf("%w: %d gradients for %d parameters", ErrGradientMismatch, len(grads), len(params))
	}
	for i, g := range grads {
		if !g.SameShape(*params[i]) {
			return fmt.Errorf("%w: gradient %d shape %v, parameter %v", ErrGradientMismatch, i, g.Shape, params[i].Shape)
		}
		for _, v := range g.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: parameter %d", ErrNonFiniteGrad, i)
			}
		}
	}
	return nil
}

// SGD is plain stochastic gradient descent with optional momentum.
type SGD struct {
	LR       float64
	Momentum float64

	params   []*tensor.Tensor
	velocity [][]float64
}

func NewSGD(params []*tensor.Tensor, lr, momentum float64) *SGD {
	vel := make([][]float64, len(params))
	for i, p := range params {
		vel[i] = make([]float64, p.Len())
	}
	return &SGD{LR: lr, Momentum: momentum, params: params, velocity: vel}
}

func (o *SGD) Params() []*tensor.Tensor { return o.params }

func (o *SGD) Step(grads []tensor.Tensor) error {
	if err := checkGrads(o.params, grads); err != nil {
		return err
	}
	for i, p := range o.params {
		vel := o.velocity[i]
		for j, g := range grads[i].Data {
			vel[j] = o.Momentum*vel[j] + g
			p.Data[j] -= o.LR * vel[j]
		}
	}
	return nil
}

// Adam combines momentum with per-element adaptive step sizes:
//
//	m_t = β1 m_{t-1} + (1-β1) g
//	v_t = β2 v_{t-1} + (1-β2) g²
//	θ  -= lr * m̂_t / (√v̂_t + ε)
//
// where m̂ and v̂ are the bias-corrected moments.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	params []*tensor.Tensor
	m, v   [][]float64
	t      int
}

// NewAdam returns Adam with the usual defaults (β1 0.9, β2 0.999, ε 1e-8).
func NewAdam(params []*tensor.Tensor, lr float64) *Adam {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, p.Len())
		v[i] = make([]float64, p.Len())
	}
	return &Adam{
		LR:      lr,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		params:  params,
		m:       m,
		v:       v,
	}
}

func (o *Adam) Params() []*tensor.Tensor { return o.params }

// Steps returns how many updates have been applied.
func (o *Adam) Steps() int { return o.t }

func (o *Adam) Step(grads []tensor.Tensor) error {
	if err := checkGrads(o.params, grads); err != nil {
		return err
	}
	o.t++
	bias1 := 1 - math.Pow(o.Beta1, float64(o.t))
	bias2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j, g := range grads[i].Data {
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g*g
			mHat := m[j] / bias1
			vHat := v[j] / bias2
			p.Data[j] -= o.LR * mHat / (math.Sqrt(vHat) + o.Epsilon)
		}
	}
	return nil
}
