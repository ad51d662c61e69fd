package adaround

import (
	"fmt"

	"github.com/samcharles93/adaround/pkg/quant"
)

// Objective selects what the reconstruction term compares.
type Objective string

const (
	// ObjectiveWeight compares the float weight with its rounded version.
	ObjectiveWeight Objective = "weight"
	// ObjectiveOutput compares the layer's float and quantized outputs on the
	// current calibration batch.
	ObjectiveOutput Objective = "output"
)

// Optimizer selects the update rule applied to the rounding parameters.
type Optimizer string

const (
	OptimizerAdam Optimizer = "adam"
	OptimizerSGD  Optimizer = "sgd"
)

// Options holds every numeric constant of the calibration procedure.
type Options struct {
	// Stretch multiplies v before the sigmoid of the rounding mask.
	Stretch float64 `yaml:"stretch" json:"stretch"`
	// Margin widens the sigmoid to (-Margin, 1+Margin) before clamping.
	Margin float64 `yaml:"margin" json:"margin"`

	BetaLow     float64 `yaml:"beta_low" json:"beta_low"`
	BetaHigh    float64 `yaml:"beta_high" json:"beta_high"`
	RegWeight   float64 `yaml:"reg_weight" json:"reg_weight"`
	ReconWeight float64 `yaml:"recon_weight" json:"recon_weight"`

	// Iterations is the tuning budget per layer.
	Iterations int `yaml:"iterations" json:"iterations"`
	// ObserveBatches is the number of forward passes spent collecting
	// statistics before tuning starts.
	ObserveBatches int       `yaml:"observe_batches" json:"observe_batches"`
	LearningRate   float64   `yaml:"learning_rate" json:"learning_rate"`
	Optimizer      Optimizer `yaml:"optimizer" json:"optimizer"`
	// Momentum only applies to OptimizerSGD.
	Momentum float64 `yaml:"momentum" json:"momentum"`
	// InitV is the initial value of every rounding parameter. 0 gives a
	// mask of 0.5.
	InitV     float64   `yaml:"init_v" json:"init_v"`
	Objective Objective `yaml:"objective" json:"objective"`

	// Weight grid; per-tensor symmetric.
	QuantMin      int `yaml:"quant_min" json:"quant_min"`
	QuantMax      int `yaml:"quant_max" json:"quant_max"`
	HistogramBins int `yaml:"histogram_bins" json:"histogram_bins"`

	// QuantizeActivations applies an observed uint8 affine fake-quant to each
	// calibrated layer's output. The activation range is observed, never tuned.
	QuantizeActivations bool `yaml:"quantize_activations" json:"quantize_activations"`

	// MaxLayers stops the sequential run after that many layers; 0 means all.
	MaxLayers int   `yaml:"max_layers" json:"max_layers"`
	Seed      int64 `yaml:"seed" json:"seed"`
}

// DefaultOptions returns the full-precision reference settings.
func DefaultOptions() Options {
	return Options{
		Stretch:        100,
		Margin:         0.1,
		BetaLow:        2,
		BetaHigh:       8,
		RegWeight:      1,
		ReconWeight:    100,
		Iterations:     10,
		ObserveBatches: 100,
		LearningRate:   10,
		Optimizer:      OptimizerAdam,
		InitV:          0,
		Objective:      ObjectiveWeight,
		QuantMin:       quant.QInt8Min,
		QuantMax:       quant.QInt8Max,
		HistogramBins:  quant.DefaultHistogramBins,
	}
}

// ReducedOptions returns the faster preset: smaller learning rate and fewer
// observation passes.
func ReducedOptions() Options {
	o := DefaultOptions()
	o.LearningRate = 0.1
	o.ObserveBatches = 10
	return o
}

// Validate rejects settings the procedure cannot run with.
func (o Options) Validate() error {
	switch {
	case o.Stretch <= 0:
		return fmt.Errorf("stretch must be positive, got %v", o.Stretch)
	case o.Margin < 0:
		return fmt.Errorf("margin must not be negative, got %v", o.Margin)
	case o.BetaLow <= 0 || o.BetaHigh < o.BetaLow:
		return fmt.Errorf("beta bounds must satisfy 0 < low <= high, got [%v, %v]", o.BetaLow, o.BetaHigh)
	case o.RegWeight < 0 || o.ReconWeight < 0:
		return fmt.Errorf("loss weights must not be negative")
	case o.Iterations < 1:
		return fmt.Errorf("iterations must be at least 1, got %d", o.Iterations)
	case o.ObserveBatches < 1:
		return fmt.Errorf("observe_batches must be at least 1, got %d", o.ObserveBatches)
	case o.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive, got %v", o.LearningRate)
	case o.QuantMin >= o.QuantMax:
		return fmt.Errorf("quant_min %d must be below quant_max %d", o.QuantMin, o.QuantMax)
	case o.QuantMin < quant.QInt8Min || o.QuantMax > quant.QInt8Max:
		return fmt.Errorf("weight grid [%d, %d] must fit int8", o.QuantMin, o.QuantMax)
	case o.MaxLayers < 0:
		return fmt.Errorf("max_layers must not be negative, got %d", o.MaxLayers)
	case o.Momentum < 0 || o.Momentum >= 1:
		return fmt.Errorf("momentum must be in [0, 1), got %v", o.Momentum)
	}
	switch o.Optimizer {
	case OptimizerAdam, OptimizerSGD:
	default:
		return fmt.Errorf("unknown optimizer %q", o.Optimizer)
	}
	switch o.Objective {
	case ObjectiveWeight, ObjectiveOutput:
	default:
		return fmt.Errorf("unknown objective %q", o.Objective)
	}
	return nil
}

// Beta returns the annealing exponent for tuning iteration i:
// BetaLow + i/Iterations * (BetaHigh - BetaLow).
func (o Options) Beta(i int) float64 {
	progress := float64(i) / float64(o.Iterations)
	return o.BetaLow + progress*(o.BetaHigh-o.BetaLow)
}
