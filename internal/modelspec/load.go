package modelspec

import (
	"fmt"

	"github.com/samcharles93/adaround/internal/nn"
	"github.com/samcharles93/adaround/internal/safetensors"
	"github.com/samcharles93/adaround/internal/tensor"
)

// BuildFromFile builds the model from the spec's own weights file.
func (s *Spec) BuildFromFile() (*nn.Sequential, error) {
	if s.Weights == "" {
		return nil, fmt.Errorf("%w: model %s has no weights file", ErrInvalidSpec, s.Name)
	}
	return s.BuildFrom(s.Weights)
}

// BuildFrom builds the model from the safetensors file at path.
func (s *Spec) BuildFrom(path string) (*nn.Sequential, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return s.Build(f)
}

// LoadBatches reads calibration batches described by in.
func LoadBatches(in Inputs) ([]tensor.Tensor, error) {
	f, err := safetensors.Open(in.File)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if in.Tensor == "" {
		var out []tensor.Tensor
		for _, name := range f.Names() {
			t, err := f.Float(name)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: %s holds no tensors", ErrInvalidSpec, in.File)
		}
		return out, nil
	}

	all, err := f.Float(in.Tensor)
	if err != nil {
		return nil, err
	}
	if all.Rank() < 2 {
		return nil, fmt.Errorf("%w: input tensor %s must have a leading batch dimension, got %v",
			ErrInvalidSpec, in.Tensor, all.Shape)
	}
	out := make([]tensor.Tensor, all.Dim(0))
	for i := range out {
		out[i] = all.Index(i)
	}
	return out, nil
}
