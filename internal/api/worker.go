package api

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/samcharles93/adaround/internal/adaround"
	"github.com/samcharles93/adaround/internal/data"
	"github.com/samcharles93/adaround/internal/logger"
	"github.com/samcharles93/adaround/internal/modelspec"
	"github.com/samcharles93/adaround/internal/nn"
	"github.com/samcharles93/adaround/internal/tensor"
	"github.com/samcharles93/adaround/internal/toy"
)

const defaultFixtureBatches = 16

// Loader builds the model and calibration batches for a request.
type Loader interface {
	Load(ctx context.Context, req CalibrationRequest) (*nn.Sequential, []tensor.Tensor, error)
}

// DefaultLoader serves built-in fixtures and model specs from disk. Spec
// paths are resolved under SpecsDir.
type DefaultLoader struct {
	SpecsDir string
}

func (l DefaultLoader) Load(_ context.Context, req CalibrationRequest) (*nn.Sequential, []tensor.Tensor, error) {
	if req.Fixture != "" {
		n := req.Batches
		if n == 0 {
			n = defaultFixtureBatches
		}
		return toy.Fixture(req.Fixture, req.Seed, n)
	}
	if !filepath.IsLocal(req.Spec) {
		return nil, nil, fmt.Errorf("spec %s escapes the specs directory", req.Spec)
	}
	spec, err := modelspec.Load(filepath.Join(l.SpecsDir, req.Spec))
	if err != nil {
		return nil, nil, err
	}
	if spec.Inputs == nil {
		return nil, nil, fmt.Errorf("model spec %s names no calibration inputs", req.Spec)
	}
	model, err := spec.BuildFromFile()
	if err != nil {
		return nil, nil, err
	}
	batches, err := modelspec.LoadBatches(*spec.Inputs)
	if err != nil {
		return nil, nil, err
	}
	return model, batches, nil
}

// Worker executes queued calibrations one at a time.
type Worker struct {
	store  *RunStore
	loader Loader
	queue  chan string
	log    logger.Logger
	clock  func() time.Time
}

func NewWorker(store *RunStore, loader Loader, depth int, log logger.Logger) *Worker {
	if loader == nil {
		loader = DefaultLoader{}
	}
	if depth < 1 {
		depth = 1
	}
	if log == nil {
		log = logger.Default()
	}
	return &Worker{
		store:  store,
		loader: loader,
		queue:  make(chan string, depth),
		log:    log,
		clock:  time.Now,
	}
}

// Submit queues a stored run without blocking.
func (w *Worker) Submit(id string) error {
	select {
	case w.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes queued runs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-w.queue:
			w.process(ctx, id)
		}
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	log := w.log.With("run", id)
	req, ok := w.store.request(id)
	if !ok {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !w.store.start(id, cancel, w.clock()) {
		log.Info("skipping run", "reason", "no longer queued")
		return
	}
	cal, _ := w.store.Get(id)

	report, err := w.calibrate(runCtx, id, req, cal.Options, log)
	cancelled := errors.Is(err, context.Canceled) && runCtx.Err() != nil
	if err != nil && !cancelled {
		log.Error("calibration failed", "error", err)
	}
	if err := w.store.Finish(id, report, err, cancelled, w.clock()); err != nil {
		log.Error("persist report", "error", err)
	}
}

func (w *Worker) calibrate(ctx context.Context, id string, req CalibrationRequest, opts adaround.Options, log logger.Logger) (*adaround.Report, error) {
	model, batches, err := w.loader.Load(ctx, req)
	if err != nil {
		return nil, err
	}
	cycle, err := data.NewCycle(batches, opts.Seed, true)
	if err != nil {
		return nil, err
	}
	// a layer in progress always runs to commit, so its batches must keep
	// flowing after ctx is cancelled
	pf := data.Prefetch(context.WithoutCancel(ctx), cycle, 4)
	defer func() { _ = pf.Close() }()

	orch, err := adaround.NewOrchestrator(model, opts, log)
	if err != nil {
		return nil, err
	}
	total := len(orch.Calibrators())
	orch.Hooks.AfterStep = func(c *adaround.Calibrator, i int, l adaround.Loss) {
		w.store.Update(id, func(cal *Calibration) {
			cal.Progress = &Progress{Layer: c.Name(), Index: c.Index(), Layers: total, Iteration: i, Loss: l.Total}
		})
	}
	return orch.Run(ctx, pf)
}
