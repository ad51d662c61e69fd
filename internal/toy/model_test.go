package toy

import (
	"testing"

	"github.com/samcharles93/adaround/internal/nn"
	"github.com/samcharles93/adaround/internal/tensor"
)

// TestConvChainShapes pushes a 125x125 image through the chain and checks
// the spatial size collapses to 1x1 with 6 output channels.
func TestConvChainShapes(t *testing.T) {
	t.Parallel()
	model := ConvChain(1)
	x := Images(3, 1, 2, 3, 125, 125)[0]
	y, err := model.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{2, 6, 1, 1}
	for i, d := range want {
		if y.Dim(i) != d {
			t.Fatalf("output shape %v, want %v", y.Shape, want)
		}
	}
}

// TestChainsAreDeterministic verifies the same seed yields identical weights.
func TestChainsAreDeterministic(t *testing.T) {
	t.Parallel()
	a := nn.Walk(LinearChain(4, 8, 6, 4, 2))
	b := nn.Walk(LinearChain(4, 8, 6, 4, 2))
	if len(a) != 5 {
		t.Fatalf("expected 3 linear + 2 relu, got %d layers", len(a))
	}
	for i := range a {
		wa, ok := a[i].Layer.(nn.Weighted)
		if !ok {
			continue
		}
		wb := b[i].Layer.(nn.Weighted)
		if !tensor.EqualApprox(wa.Weight(), wb.Weight(), 0) {
			t.Fatalf("layer %s differs between identical seeds", a[i].Path)
		}
	}
}

func TestImagesRange(t *testing.T) {
	t.Parallel()
	for _, img := range Images(7, 3, 1, 3, 5, 5) {
		lo, hi := tensor.MinMax(img)
		if lo < 0 || hi >= 1 {
			t.Fatalf("values outside [0,1): [%v, %v]", lo, hi)
		}
	}
}

func TestFixtures(t *testing.T) {
	t.Parallel()
	for _, name := range Fixtures {
		model, batches, err := Fixture(name, 1, 2)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(batches) != 2 {
			t.Fatalf("%s: got %d batches", name, len(batches))
		}
		if _, err := model.Forward(batches[0]); err != nil {
			t.Fatalf("%s: forward: %v", name, err)
		}
	}
	if _, _, err := Fixture("resnet", 1, 2); err == nil {
		t.Fatal("unknown fixture accepted")
	}
	if _, _, err := Fixture("conv_chain", 1, 0); err == nil {
		t.Fatal("zero batches accepted")
	}
}
