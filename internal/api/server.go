package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/adaround/internal/adaround"
	"github.com/samcharles93/adaround/internal/toy"
	"github.com/samcharles93/adaround/internal/version"
)

// Limits bounds what a single request may ask the worker to do.
type Limits struct {
	MaxBatches        int `yaml:"max_batches"`
	MaxIterations     int `yaml:"max_iterations"`
	MaxObserveBatches int `yaml:"max_observe_batches"`
}

// DefaultLimits allows roughly ten times the default preset.
func DefaultLimits() Limits {
	return Limits{MaxBatches: 256, MaxIterations: 1000, MaxObserveBatches: 1000}
}

type Server struct {
	store  *RunStore
	worker *Worker
	clock  func() time.Time
	// Limits is applied to every new calibration request.
	Limits Limits
}

func NewServer(store *RunStore, worker *Worker) *Server {
	if store == nil {
		store = NewRunStore("")
	}
	return &Server{
		store:  store,
		worker: worker,
		clock:  time.Now,
		Limits: DefaultLimits(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)

	e.POST("/v1/calibrations", s.handleCreateCalibration)
	e.GET("/v1/calibrations", s.handleListCalibrations)
	e.GET("/v1/calibrations/:id", s.handleGetCalibration)
	e.DELETE("/v1/calibrations/:id", s.handleCancelCalibration)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, Health{
		Status:  "ok",
		Version: version.String(),
		Queued:  s.store.Queued(),
	})
}

func (s *Server) handleCreateCalibration(c *echo.Context) error {
	if s.worker == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "calibration worker not configured", "")
	}
	req, err := decodeJSON[CalibrationRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	opts, model, err := resolveRequest(req, s.Limits)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return writeBadRequest(c, err.Error())
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}

	cal := s.store.Create(req, model, opts, s.clock())
	if err := s.worker.Submit(cal.ID); err != nil {
		s.store.Cancel(cal.ID, s.clock())
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "calibration queue is full", "queue_full")
	}
	return c.JSON(http.StatusAccepted, cal)
}

// resolveRequest validates a request and merges its option overrides onto
// the selected preset. Spec paths must stay inside the loader's specs
// directory.
func resolveRequest(req CalibrationRequest, limits Limits) (adaround.Options, string, error) {
	switch {
	case req.Fixture == "" && req.Spec == "":
		return adaround.Options{}, "", newInvalidRequest("one of fixture or spec is required")
	case req.Fixture != "" && req.Spec != "":
		return adaround.Options{}, "", newInvalidRequest("fixture and spec are mutually exclusive")
	case req.Batches < 0:
		return adaround.Options{}, "", newInvalidRequest("batches must not be negative")
	case req.Batches > limits.MaxBatches:
		return adaround.Options{}, "", newInvalidRequest(fmt.Sprintf("batches must be at most %d", limits.MaxBatches))
	case req.Spec != "" && !filepath.IsLocal(req.Spec):
		return adaround.Options{}, "", newInvalidRequest("spec must be a relative path inside the specs directory")
	}
	model := req.Spec
	if req.Fixture != "" {
		if !slices.Contains(toy.Fixtures, req.Fixture) {
			return adaround.Options{}, "", newInvalidRequest("unknown fixture " + req.Fixture)
		}
		model = req.Fixture
	}

	opts := adaround.DefaultOptions()
	if req.Reduced {
		opts = adaround.ReducedOptions()
	}
	if len(bytes.TrimSpace(req.Options)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(req.Options))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return adaround.Options{}, "", newInvalidRequest("options: " + err.Error())
		}
	}
	if req.Seed != 0 {
		opts.Seed = req.Seed
	}
	if err := opts.Validate(); err != nil {
		return adaround.Options{}, "", newInvalidRequest("options: " + err.Error())
	}
	switch {
	case opts.Iterations > limits.MaxIterations:
		return adaround.Options{}, "", newInvalidRequest(fmt.Sprintf("options: iterations must be at most %d", limits.MaxIterations))
	case opts.ObserveBatches > limits.MaxObserveBatches:
		return adaround.Options{}, "", newInvalidRequest(fmt.Sprintf("options: observe_batches must be at most %d", limits.MaxObserveBatches))
	}
	return opts, model, nil
}

func (s *Server) handleListCalibrations(c *echo.Context) error {
	return c.JSON(http.StatusOK, CalibrationList{
		Object: "list",
		Data:   s.store.List(),
	})
}

func (s *Server) handleGetCalibration(c *echo.Context) error {
	cal, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "calibration not found")
	}
	return c.JSON(http.StatusOK, cal)
}

func (s *Server) handleCancelCalibration(c *echo.Context) error {
	cal, ok := s.store.Cancel(c.Param("id"), s.clock())
	if !ok {
		return writeNotFound(c, "calibration not found")
	}
	return c.JSON(http.StatusOK, cal)
}
