package modelspec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/adaround/internal/nn"
	"github.com/samcharles93/adaround/internal/safetensors"
	"github.com/samcharles93/adaround/internal/tensor"
)

const chainYAML = `
name: tiny
weights: weights.safetensors
inputs:
  file: inputs.safetensors
  tensor: x
layers:
  - {name: conv, type: conv2d, stride: 2}
  - {name: relu, type: relu}
  - {name: flat, type: flatten}
  - name: head
    type: sequential
    layers:
      - {name: fc, type: linear}
      - {name: out, type: linear, weight: shared.w, no_bias: true}
`

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "model.yaml"), []byte(chainYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	w := safetensors.NewWriter()
	add := func(name string, tt tensor.Tensor) {
		if err := w.AddFloat(name, tt, safetensors.F32); err != nil {
			t.Fatal(err)
		}
	}
	add("conv.weight", tensor.Rand(1, 0.5, 2, 1, 2, 2))
	add("conv.bias", tensor.Rand(2, 0.5, 2))
	add("head.fc.weight", tensor.Rand(3, 0.5, 3, 8))
	add("head.fc.bias", tensor.Rand(4, 0.5, 3))
	add("shared.w", tensor.Rand(5, 0.5, 2, 3))
	if err := w.WriteFile(filepath.Join(dir, "weights.safetensors")); err != nil {
		t.Fatal(err)
	}

	in := safetensors.NewWriter()
	if err := in.AddFloat("x", tensor.Rand(6, 1, 5, 4, 1, 4, 4), safetensors.F16); err != nil {
		t.Fatal(err)
	}
	if err := in.WriteFile(filepath.Join(dir, "inputs.safetensors")); err != nil {
		t.Fatal(err)
	}
	return filepath.Join(dir, "model.yaml")
}

func TestLoadAndBuild(t *testing.T) {
	t.Parallel()
	path := writeFixture(t)
	spec, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Weights != filepath.Join(filepath.Dir(path), "weights.safetensors") {
		t.Fatalf("weights path not resolved: %s", spec.Weights)
	}
	model, err := spec.BuildFromFile()
	if err != nil {
		t.Fatal(err)
	}

	var paths []string
	var kinds []nn.Kind
	for _, e := range nn.Walk(model) {
		paths = append(paths, e.Path)
		kinds = append(kinds, e.Layer.Kind())
	}
	if diff := cmp.Diff([]string{"conv", "relu", "flat", "head.fc", "head.out"}, paths); diff != "" {
		t.Fatalf("layer paths (-want +got):\n%s", diff)
	}
	want := []nn.Kind{nn.KindConv2D, nn.KindPassthrough, nn.KindPassthrough, nn.KindLinear, nn.KindLinear}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("layer kinds (-want +got):\n%s", diff)
	}

	batches, err := LoadBatches(*spec.Inputs)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 5 {
		t.Fatalf("got %d batches, want 5", len(batches))
	}
	y, err := model.Forward(batches[0])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{4, 2}, y.Shape); diff != "" {
		t.Fatalf("output shape (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := map[string]Spec{
		"no name":    {Layers: []Layer{{Name: "a", Type: TypeReLU}}},
		"no layers":  {Name: "m"},
		"bad type":   {Name: "m", Layers: []Layer{{Name: "a", Type: "lstm"}}},
		"duplicate":  {Name: "m", Layers: []Layer{{Name: "a", Type: TypeReLU}, {Name: "a", Type: TypeReLU}}},
		"empty seq":  {Name: "m", Layers: []Layer{{Name: "s", Type: TypeSequential}}},
		"bad nest":   {Name: "m", Layers: []Layer{{Name: "a", Type: TypeLinear, Layers: []Layer{{Name: "b", Type: TypeReLU}}}}},
		"unnamed":    {Name: "m", Layers: []Layer{{Type: TypeReLU}}},
		"neg stride": {Name: "m", Layers: []Layer{{Name: "c", Type: TypeConv2D, Stride: -1}}},
	}
	for name, spec := range tests {
		if err := spec.Validate(); !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("%s: Validate = %v, want ErrInvalidSpec", name, err)
		}
	}
	ok := Spec{Name: "m", Layers: []Layer{{Name: "s", Type: TypeSequential, Layers: []Layer{{Name: "a", Type: TypeReLU}}}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
}

func TestBuildMissingWeight(t *testing.T) {
	t.Parallel()
	path := writeFixture(t)
	spec, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	spec.Layers[0].Weight = "nope"
	if _, err := spec.BuildFromFile(); !errors.Is(err, safetensors.ErrNotFound) {
		t.Fatalf("Build = %v, want ErrNotFound", err)
	}
}
