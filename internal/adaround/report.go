package adaround

import (
	"io"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/adaround/pkg/quant"
)

// LayerReport is the outcome of calibrating one layer.
type LayerReport struct {
	Name       string       `json:"name"`
	Kind       string       `json:"kind"`
	Index      int          `json:"index"`
	State      State        `json:"state"`
	Shape      []int        `json:"shape"`
	Params     quant.Params `json:"params"`
	Iterations int          `json:"iterations"`
	FirstLoss  Loss         `json:"first_loss"`
	FinalLoss  Loss         `json:"final_loss"`
	// SQNRdB is nil when the committed weight is exact.
	SQNRdB            *float64 `json:"sqnr_db,omitempty"`
	NearestDistance   float64  `json:"nearest_distance"`
	CommittedDistance float64  `json:"committed_distance"`
	Flipped           int      `json:"flipped"`
	Weights           int      `json:"weights"`
	Seconds           float64  `json:"seconds"`
}

// SkippedLayer is a weighted layer that was left uncalibrated.
type SkippedLayer struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Report summarises a sequential calibration run. Layers are kept in
// calibration order.
type Report struct {
	ID         string                                      `json:"id"`
	Model      string                                      `json:"model"`
	StartedAt  time.Time                                   `json:"started_at"`
	FinishedAt time.Time                                   `json:"finished_at"`
	Options    Options                                     `json:"options"`
	Layers     *orderedmap.OrderedMap[string, LayerReport] `json:"layers"`
	Skipped    []SkippedLayer                              `json:"skipped,omitempty"`
	// Complete is set only when every eligible layer was committed.
	Complete bool   `json:"complete"`
	Error    string `json:"error,omitempty"`
}

// NewReport starts an empty report with a fresh id.
func NewReport(model string, opts Options) *Report {
	return &Report{
		ID:        uuid.NewString(),
		Model:     model,
		StartedAt: time.Now(),
		Options:   opts,
		Layers:    orderedmap.New[string, LayerReport](),
	}
}

func (r *Report) addLayer(c *Calibrator, elapsed time.Duration) {
	st := c.Stats()
	w := c.Probe().Weight()
	lr := LayerReport{
		Name:              c.Name(),
		Kind:              c.Probe().Kind().String(),
		Index:             c.Index(),
		State:             c.State(),
		Shape:             w.Shape,
		Params:            c.Params(),
		Iterations:        st.Iterations,
		FirstLoss:         st.First,
		FinalLoss:         st.Last,
		NearestDistance:   st.NearestDistance,
		CommittedDistance: st.CommittedDistance,
		Flipped:           st.Flipped,
		Weights:           w.Len(),
		Seconds:           elapsed.Seconds(),
	}
	if committed, _, err := c.QuantizedWeight(); err == nil {
		if s := SQNR(w, committed); !math.IsInf(s, 0) && !math.IsNaN(s) {
			lr.SQNRdB = &s
		}
	}
	r.Layers.Set(c.Name(), lr)
}

// Ordered returns the layer reports in calibration order.
func (r *Report) Ordered() []LayerReport {
	if r.Layers == nil {
		return nil
	}
	out := make([]LayerReport, 0, r.Layers.Len())
	for p := r.Layers.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

// Encode writes the report as indented JSON.
func (r *Report) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// DecodeReport reads a report written by Encode.
func DecodeReport(rd io.Reader) (*Report, error) {
	r := &Report{Layers: orderedmap.New[string, LayerReport]()}
	if err := json.NewDecoder(rd).Decode(r); err != nil {
		return nil, err
	}
	return r, nil
}
