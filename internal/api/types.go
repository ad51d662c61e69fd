package api

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/adaround/internal/adaround"
)

// Status is the lifecycle of a submitted calibration run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CalibrationRequest submits a run. Exactly one of Fixture and Spec is set.
type CalibrationRequest struct {
	// Fixture names a built-in model: "conv_chain" or "linear_chain".
	Fixture string `json:"fixture,omitempty"`
	// Spec is a path to a model spec YAML on the server.
	Spec string `json:"spec,omitempty"`
	// Reduced starts from the reduced preset instead of the defaults.
	Reduced bool `json:"reduced,omitempty"`
	// Options overrides individual fields of the preset.
	Options json.RawMessage `json:"options,omitempty"`
	// Batches is the number of synthetic batches for fixtures.
	Batches int   `json:"batches,omitempty"`
	Seed    int64 `json:"seed,omitempty"`
}

// Progress reports where a running calibration is.
type Progress struct {
	Layer     string  `json:"layer"`
	Index     int     `json:"index"`
	Layers    int     `json:"layers"`
	Iteration int     `json:"iteration"`
	Loss      float64 `json:"loss"`
}

// Calibration is the server-side record of one run.
type Calibration struct {
	ID         string           `json:"id"`
	Object     string           `json:"object"`
	Status     Status           `json:"status"`
	Model      string           `json:"model"`
	CreatedAt  int64            `json:"created_at"`
	StartedAt  *int64           `json:"started_at,omitempty"`
	FinishedAt *int64           `json:"finished_at,omitempty"`
	Options    adaround.Options `json:"options"`
	Progress   *Progress        `json:"progress,omitempty"`
	Error      string           `json:"error,omitempty"`
	Report     *adaround.Report `json:"report,omitempty"`
}

type CalibrationList struct {
	Object string        `json:"object"`
	Data   []Calibration `json:"data"`
}

type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Queued  int    `json:"queued"`
}

func unixPtr(t time.Time) *int64 {
	v := t.Unix()
	return &v
}
