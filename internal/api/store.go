package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/adaround/internal/adaround"
)

type runRecord struct {
	Calibration Calibration
	Request     CalibrationRequest
	cancel      context.CancelFunc
}

// RunStore keeps every submitted run in memory. When dir is set, finished
// reports are also written there as <id>.json.
type RunStore struct {
	mu    sync.Mutex
	runs  map[string]*runRecord
	order []string
	dir   string
}

func NewRunStore(dir string) *RunStore {
	return &RunStore{
		runs: make(map[string]*runRecord),
		dir:  dir,
	}
}

func (s *RunStore) Create(req CalibrationRequest, model string, opts adaround.Options, now time.Time) Calibration {
	cal := Calibration{
		ID:        "cal_" + uuid.NewString(),
		Object:    "calibration",
		Status:    StatusQueued,
		Model:     model,
		CreatedAt: now.Unix(),
		Options:   opts,
	}
	s.mu.Lock()
	s.runs[cal.ID] = &runRecord{Calibration: cal, Request: req}
	s.order = append(s.order, cal.ID)
	s.mu.Unlock()
	return cal
}

func (s *RunStore) Get(id string) (Calibration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return Calibration{}, false
	}
	return rec.Calibration, true
}

func (s *RunStore) request(id string) (CalibrationRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return CalibrationRequest{}, false
	}
	return rec.Request, true
}

// List returns runs newest first.
func (s *RunStore) List() []Calibration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Calibration, 0, len(s.order))
	for _, id := range slices.Backward(s.order) {
		out = append(out, s.runs[id].Calibration)
	}
	return out
}

// Update applies fn to the stored run. Terminal runs are not modified.
func (s *RunStore) Update(id string, fn func(*Calibration)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok || rec.Calibration.Status.Terminal() {
		return false
	}
	fn(&rec.Calibration)
	return true
}

// start marks a queued run running and remembers how to cancel it.
func (s *RunStore) start(id string, cancel context.CancelFunc, now time.Time) bool {
	return s.Update(id, func(c *Calibration) {
		if c.Status != StatusQueued {
			return
		}
		c.Status = StatusRunning
		c.StartedAt = unixPtr(now)
		s.runs[id].cancel = cancel
	})
}

// Cancel stops a queued or running run. Running runs stop between layers.
func (s *RunStore) Cancel(id string, now time.Time) (Calibration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return Calibration{}, false
	}
	switch rec.Calibration.Status {
	case StatusQueued:
		rec.Calibration.Status = StatusCancelled
		rec.Calibration.FinishedAt = unixPtr(now)
	case StatusRunning:
		if rec.cancel != nil {
			rec.cancel()
		}
	}
	return rec.Calibration, true
}

// Finish records the outcome of a run and persists its report.
func (s *RunStore) Finish(id string, report *adaround.Report, runErr error, cancelled bool, now time.Time) error {
	var persist *adaround.Report
	s.Update(id, func(c *Calibration) {
		c.FinishedAt = unixPtr(now)
		c.Report = report
		c.Progress = nil
		switch {
		case cancelled:
			c.Status = StatusCancelled
		case runErr != nil:
			c.Status = StatusFailed
			c.Error = runErr.Error()
		default:
			c.Status = StatusCompleted
		}
		persist = report
	})
	if persist == nil || s.dir == "" {
		return nil
	}
	return writeReport(filepath.Join(s.dir, id+".json"), persist)
}

func (s *RunStore) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.runs {
		if rec.Calibration.Status == StatusQueued {
			n++
		}
	}
	return n
}

func writeReport(path string, r *adaround.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := r.Encode(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}
