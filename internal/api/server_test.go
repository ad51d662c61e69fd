package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/adaround/internal/logger"
)

func newTestServer(t *testing.T, dir string, depth int, run bool) (*echo.Echo, *Worker) {
	t.Helper()
	store := NewRunStore(dir)
	worker := NewWorker(store, DefaultLoader{}, depth, logger.Discard())
	if run {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = worker.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	e := echo.New()
	NewServer(store, worker).Register(e)
	return e, worker
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func waitFor(t *testing.T, e *echo.Echo, id string) Calibration {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, e, http.MethodGet, "/v1/calibrations/"+id, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("get status: got %d body=%s", rec.Code, rec.Body.String())
		}
		cal := decode[Calibration](t, rec)
		if cal.Status.Terminal() {
			return cal
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("calibration %s did not finish", id)
	return Calibration{}
}

const quickRun = `{"fixture":"linear_chain","reduced":true,"batches":2,"seed":3,"options":{"iterations":2,"observe_batches":1}}`

func TestCalibrationLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	e, _ := newTestServer(t, dir, 4, true)

	rec := doJSON(t, e, http.MethodPost, "/v1/calibrations", quickRun)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
	}
	created := decode[Calibration](t, rec)
	if created.ID == "" || created.Status != StatusQueued {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if created.Options.Iterations != 2 || created.Options.ObserveBatches != 1 || created.Options.LearningRate != 0.1 || created.Options.Seed != 3 {
		t.Fatalf("options not merged onto the reduced preset: %+v", created.Options)
	}

	done := waitFor(t, e, created.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("status %s, error %q", done.Status, done.Error)
	}
	if done.Report == nil || !done.Report.Complete || done.Report.Layers.Len() != 3 {
		t.Fatalf("unexpected report: %+v", done.Report)
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Fatal("missing timestamps")
	}
	if _, err := os.Stat(filepath.Join(dir, created.ID+".json")); err != nil {
		t.Fatalf("report not persisted: %v", err)
	}

	list := decode[CalibrationList](t, doJSON(t, e, http.MethodGet, "/v1/calibrations", ""))
	if len(list.Data) != 1 || list.Data[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestCreateValidationErrors(t *testing.T) {
	t.Parallel()
	e, _ := newTestServer(t, "", 4, false)

	tests := map[string]struct {
		body string
		want string
	}{
		"empty":            {`{}`, "one of fixture or spec is required"},
		"both":             {`{"fixture":"conv_chain","spec":"m.yaml"}`, "mutually exclusive"},
		"unknown fixture":  {`{"fixture":"resnet"}`, "unknown fixture"},
		"bad options":      {`{"fixture":"conv_chain","options":{"iterations":0}}`, "iterations must be at least 1"},
		"unknown option":   {`{"fixture":"conv_chain","options":{"warmup":3}}`, "warmup"},
		"unknown field":    {`{"fixture":"conv_chain","model":"x"}`, "model"},
		"not json":         {`fixture`, "invalid_request_error"},
		"too many batches": {`{"fixture":"conv_chain","batches":100000}`, "batches must be at most 256"},
		"spec outside dir": {`{"spec":"../../etc/model.yaml"}`, "relative path"},
	}
	for name, tc := range tests {
		rec := doJSON(t, e, http.MethodPost, "/v1/calibrations", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d body=%s", name, rec.Code, rec.Body.String())
			continue
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Errorf("%s: error body %s does not mention %q", name, rec.Body.String(), tc.want)
		}
	}
}

func TestGetUnknownCalibration(t *testing.T) {
	t.Parallel()
	e, _ := newTestServer(t, "", 1, false)
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec := doJSON(t, e, method, "/v1/calibrations/cal_missing", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", method, rec.Code)
		}
	}
}

func TestCancelQueuedAndQueueFull(t *testing.T) {
	t.Parallel()
	e, _ := newTestServer(t, "", 1, false)

	first := decode[Calibration](t, doJSON(t, e, http.MethodPost, "/v1/calibrations", quickRun))
	rec := doJSON(t, e, http.MethodPost, "/v1/calibrations", quickRun)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 with a full queue, got %d body=%s", rec.Code, rec.Body.String())
	}

	health := decode[Health](t, doJSON(t, e, http.MethodGet, "/healthz", ""))
	if health.Status != "ok" || health.Queued != 1 || health.Version == "" {
		t.Fatalf("unexpected health: %+v", health)
	}

	rec = doJSON(t, e, http.MethodDelete, "/v1/calibrations/"+first.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[Calibration](t, rec); got.Status != StatusCancelled || got.FinishedAt == nil {
		t.Fatalf("unexpected cancel response: %+v", got)
	}
}

func TestWorkerSkipsCancelledRuns(t *testing.T) {
	t.Parallel()
	store := NewRunStore("")
	worker := NewWorker(store, DefaultLoader{}, 1, logger.Discard())
	cal := store.Create(CalibrationRequest{Fixture: "linear_chain"}, "linear_chain", adaroundQuick(), time.Now())
	store.Cancel(cal.ID, time.Now())

	worker.process(context.Background(), cal.ID)
	got, _ := store.Get(cal.ID)
	if got.Status != StatusCancelled || got.StartedAt != nil {
		t.Fatalf("cancelled run was started: %+v", got)
	}
}

func TestWorkerRecordsLoadFailure(t *testing.T) {
	t.Parallel()
	store := NewRunStore("")
	worker := NewWorker(store, DefaultLoader{}, 1, logger.Discard())
	cal := store.Create(CalibrationRequest{Spec: filepath.Join(t.TempDir(), "missing.yaml")}, "missing", adaroundQuick(), time.Now())

	worker.process(context.Background(), cal.ID)
	got, _ := store.Get(cal.ID)
	if got.Status != StatusFailed || got.Error == "" {
		t.Fatalf("expected failed run, got %+v", got)
	}
}
