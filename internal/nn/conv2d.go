package nn

import (
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/adaround/internal/tensor"
)

// Conv2D is a 2-D convolution over inputs shaped [N, C, H, W].
type Conv2D struct {
	name    string
	W       tensor.Tensor // [OutC, InC, KH, KW]
	B       tensor.Tensor // [OutC], may be empty
	Stride  int
	Padding int
}

// NewConv2D builds a convolution layer. stride must be at least 1.
func NewConv2D(name string, w, b tensor.Tensor, stride, padding int) (*Conv2D, error) {
	if w.Rank() != 4 {
		return nil, shapeErr(name, "weight must be rank 4, got %v", w.Shape)
	}
	if b.Len() != 0 && (b.Rank() != 1 || b.Dim(0) != w.Dim(0)) {
		return nil, shapeErr(name, "bias %v does not match weight %v", b.Shape, w.Shape)
	}
	if stride < 1 || padding < 0 {
		return nil, shapeErr(name, "invalid stride %d / padding %d", stride, padding)
	}
	return &Conv2D{name: name, W: w, B: b, Stride: stride, Padding: padding}, nil
}

func (c *Conv2D) Name() string          { return c.name }
func (c *Conv2D) Kind() Kind            { return KindConv2D }
func (c *Conv2D) Weight() tensor.Tensor { return c.W }
func (c *Conv2D) Bias() tensor.Tensor   { return c.B }

func (c *Conv2D) Forward(x tensor.Tensor) (tensor.Tensor, error) {
	return c.Apply(x, c.W)
}

type convGeom struct {
	n, ic, h, w int
	oc, kh, kw  int
	oh, ow      int
	stride, pad int
}

func (c *Conv2D) geometry(x tensor.Tensor) (convGeom, error) {
	if x.Rank() != 4 {
		return convGeom{}, shapeErr(c.name, "input must be [N, C, H, W], got %v", x.Shape)
	}
	g := convGeom{
		n: x.Dim(0), ic: x.Dim(1), h: x.Dim(2), w: x.Dim(3),
		oc: c.W.Dim(0), kh: c.W.Dim(2), kw: c.W.Dim(3),
		stride: c.Stride, pad: c.Padding,
	}
	if g.ic != c.W.Dim(1) {
		return convGeom{}, shapeErr(c.name, "input channels %d, want %d", g.ic, c.W.Dim(1))
	}
	g.oh = (g.h+2*g.pad-g.kh)/g.stride + 1
	g.ow = (g.w+2*g.pad-g.kw)/g.stride + 1
	if g.oh <= 0 || g.ow <= 0 {
		return convGeom{}, shapeErr(c.name, "input %v too small for kernel %dx%d", x.Shape, g.kh, g.kw)
	}
	return g, nil
}

// im2col unfolds x into a patch matrix [N*OH*OW, IC*KH*KW]. Row (n, i, j)
// holds the receptive field of output pixel (i, j) of sample n, laid out in
// the same (ci, ki, kj) order as a flattened kernel. Padding reads as zero.
func im2col(x tensor.Tensor, g convGeom) *mat.Dense {
	k := g.ic * g.kh * g.kw
	cols := make([]float64, g.n*g.oh*g.ow*k)
	for n := range g.n {
		for i := range g.oh {
			for j := range g.ow {
				row := cols[((n*g.oh+i)*g.ow+j)*k:][:k]
				for ci := range g.ic {
					for ki := range g.kh {
						r := i*g.stride + ki - g.pad
						if r < 0 || r >= g.h {
							continue
						}
						xrow := ((n*g.ic+ci)*g.h + r) * g.w
						base := (ci*g.kh + ki) * g.kw
						for kj := range g.kw {
							col := j*g.stride + kj - g.pad
							if col < 0 || col >= g.w {
								continue
							}
							row[base+kj] = x.Data[xrow+col]
						}
					}
				}
			}
		}
	}
	return mat.NewDense(g.n*g.oh*g.ow, k, cols)
}

func (c *Conv2D) Apply(x, w tensor.Tensor) (tensor.Tensor, error) {
	if !w.SameShape(c.W) {
		return tensor.Tensor{}, shapeErr(c.name, "weight %v, want %v", w.Shape, c.W.Shape)
	}
	g, err := c.geometry(x)
	if err != nil {
		return tensor.Tensor{}, err
	}
	cols := im2col(x, g)
	pixels := g.oh * g.ow
	W := mat.NewDense(g.oc, g.ic*g.kh*g.kw, w.Data)
	var Y mat.Dense
	Y.Mul(cols, W.T()) // [N*OH*OW, OC]

	y := tensor.New(g.n, g.oc, g.oh, g.ow)
	for n := range g.n {
		for o := range g.oc {
			var bias float64
			if c.B.Len() != 0 {
				bias = c.B.Data[o]
			}
			dst := y.Data[(n*g.oc+o)*pixels:][:pixels]
			for p := range pixels {
				dst[p] = Y.At(n*pixels+p, o) + bias
			}
		}
	}
	return y, nil
}

func (c *Conv2D) WeightGrad(x, gradOut tensor.Tensor) (tensor.Tensor, error) {
	g, err := c.geometry(x)
	if err != nil {
		return tensor.Tensor{}, err
	}
	pixels := g.oh * g.ow
	if gradOut.Len() != g.n*g.oc*pixels {
		return tensor.Tensor{}, shapeErr(c.name, "gradient %v, want [%d %d %d %d]", gradOut.Shape, g.n, g.oc, g.oh, g.ow)
	}
	// gradOut is NCHW; G is its [N*OH*OW, OC] view matching the rows of cols
	G := mat.NewDense(g.n*pixels, g.oc, nil)
	for n := range g.n {
		for o := range g.oc {
			src := gradOut.Data[(n*g.oc+o)*pixels:][:pixels]
			for p, v := range src {
				G.Set(n*pixels+p, o, v)
			}
		}
	}
	dw := tensor.New(c.W.Shape...)
	DW := mat.NewDense(g.oc, g.ic*g.kh*g.kw, dw.Data)
	DW.Mul(G.T(), im2col(x, g))
	return dw, nil
}
