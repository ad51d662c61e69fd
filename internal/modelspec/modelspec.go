// Package modelspec describes a layer chain in YAML and binds it to weights
// stored in a safetensors file.
//
//	name: conv_chain
//	weights: weights.safetensors
//	layers:
//	  - {name: conv2d1, type: conv2d, stride: 5}
//	  - {name: relu1, type: relu}
//	  - {name: head, type: sequential, layers: [{name: fc, type: linear}]}
//
// Weight tensors default to "<path>.weight" and "<path>.bias", where path is
// the dotted layer path.
package modelspec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/adaround/internal/nn"
	"github.com/samcharles93/adaround/internal/tensor"
)

var ErrInvalidSpec = errors.New("modelspec: invalid spec")

// LayerType names the layer kinds a spec can build.
type LayerType string

const (
	TypeLinear     LayerType = "linear"
	TypeConv2D     LayerType = "conv2d"
	TypeEmbedding  LayerType = "embedding"
	TypeReLU       LayerType = "relu"
	TypeFlatten    LayerType = "flatten"
	TypeIdentity   LayerType = "identity"
	TypeSequential LayerType = "sequential"
)

type Layer struct {
	Name string    `yaml:"name"`
	Type LayerType `yaml:"type"`
	// Weight and Bias override the default tensor names.
	Weight string `yaml:"weight,omitempty"`
	Bias   string `yaml:"bias,omitempty"`
	// NoBias builds the layer without reading a bias tensor.
	NoBias  bool    `yaml:"no_bias,omitempty"`
	Stride  int     `yaml:"stride,omitempty"`
	Padding int     `yaml:"padding,omitempty"`
	Layers  []Layer `yaml:"layers,omitempty"`
}

// Inputs locates calibration batches. Tensor, if set, names one tensor whose
// leading dimension indexes batches; otherwise every tensor in the file is a
// batch, taken in name order.
type Inputs struct {
	File   string `yaml:"file"`
	Tensor string `yaml:"tensor,omitempty"`
}

type Spec struct {
	Name    string  `yaml:"name"`
	Weights string  `yaml:"weights"`
	Inputs  *Inputs `yaml:"inputs,omitempty"`
	Layers  []Layer `yaml:"layers"`
}

// WeightSource supplies float tensors by name.
type WeightSource interface {
	Float(name string) (tensor.Tensor, error)
}

// Load reads a spec from path. Relative file references are resolved against
// the spec's directory.
func Load(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Spec
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSpec, path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	s.Weights = resolve(dir, s.Weights)
	if s.Inputs != nil {
		s.Inputs.File = resolve(dir, s.Inputs.File)
	}
	return &s, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Validate checks names, types and nesting without touching any weights.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing model name", ErrInvalidSpec)
	}
	if len(s.Layers) == 0 {
		return fmt.Errorf("%w: model %s has no layers", ErrInvalidSpec, s.Name)
	}
	if s.Inputs != nil && s.Inputs.File == "" {
		return fmt.Errorf("%w: inputs without a file", ErrInvalidSpec)
	}
	return validateLayers(s.Layers, "", map[string]bool{})
}

func validateLayers(layers []Layer, prefix string, seen map[string]bool) error {
	for _, l := range layers {
		if l.Name == "" {
			return fmt.Errorf("%w: unnamed layer under %q", ErrInvalidSpec, prefix)
		}
		path := join(prefix, l.Name)
		if seen[path] {
			return fmt.Errorf("%w: duplicate layer %s", ErrInvalidSpec, path)
		}
		seen[path] = true
		switch l.Type {
		case TypeSequential:
			if len(l.Layers) == 0 {
				return fmt.Errorf("%w: sequential %s has no layers", ErrInvalidSpec, path)
			}
			if err := validateLayers(l.Layers, path, seen); err != nil {
				return err
			}
			continue
		case TypeConv2D:
			if l.Stride < 0 || l.Padding < 0 {
				return fmt.Errorf("%w: conv2d %s has negative stride or padding", ErrInvalidSpec, path)
			}
		case TypeLinear, TypeEmbedding, TypeReLU, TypeFlatten, TypeIdentity:
		default:
			return fmt.Errorf("%w: layer %s has unknown type %q", ErrInvalidSpec, path, l.Type)
		}
		if len(l.Layers) > 0 {
			return fmt.Errorf("%w: only sequential layers may nest, %s is %s", ErrInvalidSpec, path, l.Type)
		}
	}
	return nil
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Build constructs the model, reading weights from src.
func (s *Spec) Build(src WeightSource) (*nn.Sequential, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	layers, err := buildLayers(s.Layers, "", src)
	if err != nil {
		return nil, err
	}
	return nn.NewSequential(s.Name, layers...), nil
}

func buildLayers(specs []Layer, prefix string, src WeightSource) ([]nn.Layer, error) {
	out := make([]nn.Layer, 0, len(specs))
	for _, l := range specs {
		built, err := buildLayer(l, join(prefix, l.Name), src)
		if err != nil {
			return nil, err
		}
		out = append(out, built)
	}
	return out, nil
}

func buildLayer(l Layer, path string, src WeightSource) (nn.Layer, error) {
	switch l.Type {
	case TypeReLU:
		return nn.ReLU(l.Name), nil
	case TypeFlatten:
		return nn.Flatten(l.Name), nil
	case TypeIdentity:
		return nn.Identity(l.Name), nil
	case TypeSequential:
		children, err := buildLayers(l.Layers, path, src)
		if err != nil {
			return nil, err
		}
		return nn.NewSequential(l.Name, children...), nil
	}

	w, err := src.Float(orDefault(l.Weight, path+".weight"))
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", path, err)
	}
	if l.Type == TypeEmbedding {
		return nn.NewEmbedding(l.Name, w)
	}
	var b tensor.Tensor
	if !l.NoBias {
		if b, err = src.Float(orDefault(l.Bias, path+".bias")); err != nil {
			return nil, fmt.Errorf("layer %s: %w", path, err)
		}
	}
	if l.Type == TypeLinear {
		return nn.NewLinear(l.Name, w, b)
	}
	stride := l.Stride
	if stride == 0 {
		stride = 1
	}
	return nn.NewConv2D(l.Name, w, b, stride, l.Padding)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
