// Package network is a small pure-Go convolutional backbone with a reverse pass, used
// for models exported as JSON weights and for exercising the attribution engine
// without a native runtime.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/straja-ai/cxrlens/internal/classifier"
	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Sequential chains layers. Every named layer can be tapped.
type Sequential struct {
	name   string
	layers []Layer
	index  map[string]int
}

// NewSequential checks that layer names are present and unique.
func NewSequential(name string, layers ...Layer) (*Sequential, error) {
	if strings.TrimSpace(name) == "" {
		return nil, xray.Misconfigured("network", "backbone name is empty")
	}
	if len(layers) == 0 {
		return nil, xray.Misconfigured("network", "backbone %q has no layers", name)
	}
	index := make(map[string]int, len(layers))
	for i, l := range layers {
		if l.Name() == "" {
			return nil, xray.Misconfigured("network", "backbone %q layer %d is unnamed", name, i)
		}
		if _, dup := index[l.Name()]; dup {
			return nil, xray.Misconfigured("network", "backbone %q has duplicate layer %q", name, l.Name())
		}
		index[l.Name()] = i
	}
	return &Sequential{name: name, layers: layers, index: index}, nil
}

func (s *Sequential) Name() string { return s.name }

func (s *Sequential) Layers() []string {
	out := make([]string, len(s.layers))
	for i, l := range s.layers {
		out[i] = l.Name()
	}
	return out
}

// Differentiable is true for every layer of the tower.
func (s *Sequential) Differentiable(layer string) bool {
	_, ok := s.index[layer]
	return ok
}

// Forward runs the tower once, keeping every activation so the pullback can walk the
// same graph back to the tapped layer.
func (s *Sequential) Forward(ctx context.Context, x *tensor.Tensor, tap string) (*classifier.Pass, error) {
	tapIdx, ok := s.index[tap]
	if !ok {
		return nil, xray.Misconfigured("network", "layer %q not found in backbone %q", tap, s.name)
	}

	acts := make([]*tensor.Tensor, len(s.layers)+1)
	acts[0] = x
	for i, l := range s.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		y, err := l.Forward(acts[i])
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name(), err)
		}
		acts[i+1] = y
	}

	pullback := func(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
		g := gradOutput
		for i := len(s.layers) - 1; i > tapIdx; i-- {
			var err error
			g, err = s.layers[i].Backward(acts[i], acts[i+1], g)
			if err != nil {
				return nil, fmt.Errorf("backward %s: %w", s.layers[i].Name(), err)
			}
		}
		return g, nil
	}
	return classifier.NewPass(tap, acts[tapIdx+1], acts[len(s.layers)], pullback), nil
}

// LayerSpec is the JSON form of one layer.
type LayerSpec struct {
	Name    string    `json:"name"`
	Type    string    `json:"type"` // conv2d | relu | maxpool2d
	Kernel  int       `json:"kernel,omitempty"`
	In      int       `json:"in,omitempty"`
	Out     int       `json:"out,omitempty"`
	Weights []float64 `json:"weights,omitempty"`
	Bias    []float64 `json:"bias,omitempty"`
}

// Spec is the JSON form of a Sequential backbone.
type Spec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`
}

// Load reads a backbone from a JSON weights file.
func Load(path string) (*Sequential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backbone %s: %w", path, err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse backbone %s: %w", path, err)
	}
	return Build(spec)
}

// Build constructs a Sequential from spec.
func Build(spec Spec) (*Sequential, error) {
	layers := make([]Layer, 0, len(spec.Layers))
	for i, ls := range spec.Layers {
		switch strings.ToLower(strings.TrimSpace(ls.Type)) {
		case "conv2d":
			l, err := NewConv2D(ls.Name, ls.Kernel, ls.In, ls.Out, ls.Weights, ls.Bias)
			if err != nil {
				return nil, err
			}
			layers = append(layers, l)
		case "relu":
			layers = append(layers, NewReLU(ls.Name))
		case "maxpool2d":
			layers = append(layers, NewMaxPool2D(ls.Name))
		default:
			return nil, xray.Misconfigured("network", "layer %d (%q) has unknown type %q", i, ls.Name, ls.Type)
		}
	}
	return NewSequential(spec.Name, layers...)
}
