package adaround

import (
	"math"

	"github.com/samcharles93/adaround/internal/tensor"
	"github.com/samcharles93/adaround/pkg/quant"
)

// Loss is the breakdown of one calibration loss evaluation.
type Loss struct {
	// Reconstruction is ReconWeight times the distance being reconstructed:
	// ||W - hard(W)|| for the weight objective, ||Y_float - Y_quant|| for the
	// output objective.
	Reconstruction float64 `json:"reconstruction"`
	// Relaxed is the same distance measured on the soft-quantized weight.
	Relaxed        float64 `json:"relaxed"`
	Regularization float64 `json:"regularization"`
	Total          float64 `json:"total"`
	Beta           float64 `json:"beta"`
	// SQNR of the hard-quantized weight in dB; +Inf when it is exact.
	SQNR float64 `json:"-"`
}

// Finite reports whether every term is a real number.
func (l Loss) Finite() bool {
	return isFinite(l.Reconstruction) && isFinite(l.Regularization) && isFinite(l.Total)
}

func isFinite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

// SQNR returns 20*log10(||x|| / ||x - y||).
func SQNR(x, y tensor.Tensor) float64 {
	noise := tensor.Distance(x, y)
	if noise == 0 {
		return math.Inf(1)
	}
	return 20 * math.Log10(tensor.Norm(x)/noise)
}

// Regularization returns RegWeight * sum(1 - |2*mask(V) - 1|^beta) and its
// gradient with respect to V. It is zero exactly when every mask is 0 or 1.
func Regularization(v tensor.Tensor, beta float64, o Options) (float64, tensor.Tensor) {
	grad := tensor.New(v.Shape...)
	var sum float64
	for i, x := range v.Data {
		m, dm := o.maskAt(x)
		d := 2*m - 1
		a := math.Abs(d)
		sum += 1 - math.Pow(a, beta)
		if dm == 0 || a == 0 {
			// |d|^beta is flat at d=0 for beta > 1
			continue
		}
		sign := 1.0
		if d < 0 {
			sign = -1
		}
		grad.Data[i] = -o.RegWeight * beta * math.Pow(a, beta-1) * sign * 2 * dm
	}
	return o.RegWeight * sum, grad
}

// WeightLoss evaluates the calibration loss of a layer weight W under the
// rounding parameter V and returns the loss with its gradient in V.
//
// The reported reconstruction uses the hard-rounded weight. Its gradient is
// taken straight through the hard rounding onto the relaxed weight, so the
// error driving V is W - SoftQuantize(W, V).
func WeightLoss(w, v tensor.Tensor, p quant.Params, beta float64, o Options) (Loss, tensor.Tensor) {
	soft, dsoft := softQuantize(w, v, p, o)
	hard := HardQuantize(w, v, p, o)

	hardDist := tensor.Distance(w, hard)
	relaxed := tensor.Sub(w, soft)
	relaxedDist := tensor.Norm(relaxed)

	grad := tensor.New(v.Shape...)
	if relaxedDist > 0 {
		k := -o.ReconWeight / relaxedDist
		for i, e := range relaxed.Data {
			grad.Data[i] = k * e * dsoft.Data[i]
		}
	}
	return combine(o.ReconWeight*hardDist, o.ReconWeight*relaxedDist, v, beta, o, grad, SQNR(w, hard))
}

// outputDistance returns ReconWeight*||floatOut - quantOut|| and its gradient
// with respect to quantOut. Both outputs must come from the same input.
func outputDistance(floatOut, quantOut tensor.Tensor, o Options) (float64, tensor.Tensor) {
	diff := tensor.Sub(floatOut, quantOut)
	dist := tensor.Norm(diff)
	gradOut := tensor.New(diff.Shape...)
	if dist > 0 {
		// d/dY_q of ReconWeight*||Y_f - Y_q||
		k := -o.ReconWeight / dist
		for i, e := range diff.Data {
			gradOut.Data[i] = k * e
		}
	}
	return o.ReconWeight * dist, gradOut
}

func combine(recon, relaxed float64, v tensor.Tensor, beta float64, o Options, grad tensor.Tensor, sqnr float64) (Loss, tensor.Tensor) {
	reg, regGrad := Regularization(v, beta, o)
	tensor.Add(grad, regGrad)
	return Loss{
		Reconstruction: recon,
		Relaxed:        relaxed,
		Regularization: reg,
		Total:          recon + reg,
		Beta:           beta,
		SQNR:           sqnr,
	}, grad
}

// AggregateLoss sums per-layer losses for joint tuning of several layers.
// SQNR is per tensor and is not aggregated.
func AggregateLoss(losses ...Loss) Loss {
	var out Loss
	for _, l := range losses {
		out.Reconstruction += l.Reconstruction
		out.Relaxed += l.Relaxed
		out.Regularization += l.Regularization
		out.Total += l.Total
		out.Beta = l.Beta
	}
	return out
}
