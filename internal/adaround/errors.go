package adaround

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCalibrated is returned when a quantized evaluation is requested
	// before the layer's quantization parameters have been fixed.
	ErrNotCalibrated = errors.New("adaround: layer not calibrated")
	// ErrInvalidState is returned for any transition or mutation the layer's
	// current state does not allow.
	ErrInvalidState = errors.New("adaround: invalid calibration state")
	// ErrDivergedOptimization is returned when the loss or its gradient is
	// not finite during tuning.
	ErrDivergedOptimization = errors.New("adaround: optimization diverged")
	// ErrUnsupportedLayerType marks weighted layers that cannot be calibrated.
	ErrUnsupportedLayerType = errors.New("adaround: unsupported layer type")
)

// LayerError ties a failure to the layer and tuning iteration it occurred in.
// Iteration is -1 when the failure happened outside the tuning loop.
type LayerError struct {
	Layer     string
	Index     int
	Iteration int
	Err       error
}

func (e *LayerError) Error() string {
	if e.Iteration < 0 {
		return fmt.Sprintf("layer %d (%s): %v", e.Index, e.Layer, e.Err)
	}
	return fmt.Sprintf("layer %d (%s) iteration %d: %v", e.Index, e.Layer, e.Iteration, e.Err)
}

func (e *LayerError) Unwrap() error { return e.Err }
