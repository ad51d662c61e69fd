package nn

import (
	"fmt"

	"github.com/samcharles93/adaround/internal/tensor"
)

// Sequential runs its children in definition order. Definition order is also
// execution order, so calibrating layers in walk order means every layer sees
// the already-quantized output of the layers before it.
type Sequential struct {
	name   string
	Layers []Layer
}

func NewSequential(name string, layers ...Layer) *Sequential {
	return &Sequential{name: name, Layers: layers}
}

func (s *Sequential) Name() string { return s.name }
func (s *Sequential) Kind() Kind   { return KindSequential }

func (s *Sequential) Forward(x tensor.Tensor) (tensor.Tensor, error) {
	var err error
	for _, l := range s.Layers {
		x, err = l.Forward(x)
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("%s: %w", l.Name(), err)
		}
	}
	return x, nil
}

// Replace swaps the child at index i, returning the previous child.
func (s *Sequential) Replace(i int, l Layer) Layer {
	old := s.Layers[i]
	s.Layers[i] = l
	return old
}

// Entry is one leaf of a model walk together with its owning container.
type Entry struct {
	Layer  Layer
	Parent *Sequential
	Index  int    // position within Parent.Layers
	Path   string // dotted path from the root, e.g. "block.conv1"
}

// Walk lists every non-container layer under root in definition order.
func Walk(root *Sequential) []Entry {
	var out []Entry
	walk(root, "", &out)
	return out
}

func walk(s *Sequential, prefix string, out *[]Entry) {
	for i, l := range s.Layers {
		path := l.Name()
		if prefix != "" {
			path = prefix + "." + path
		}
		if child, ok := l.(*Sequential); ok {
			walk(child, path, out)
			continue
		}
		*out = append(*out, Entry{Layer: l, Parent: s, Index: i, Path: path})
	}
}
