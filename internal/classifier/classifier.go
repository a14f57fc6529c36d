// Package classifier holds the immutable handle to a frozen two-stage classifier:
// a named backbone feeding an explicit pooling/dropout/dense head.
//
// The layers to use are named up front in a Layout and validated when the handle is
// built, rather than discovered by scanning layer types at call time.
package classifier

import (
	"context"
	"fmt"

	"github.com/straja-ai/cxrlens/internal/head"
	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Backbone is the feature-extracting sub-network.
type Backbone interface {
	Name() string
	// Layers lists the layer names a pass can tap, in forward order.
	Layers() []string
	// Forward runs one pass over x and exposes the activation at tap together with the
	// final backbone output.
	Forward(ctx context.Context, x *tensor.Tensor, tap string) (*Pass, error)
	// Differentiable reports whether a pass tapped at layer can pull gradients back to it.
	Differentiable(layer string) bool
}

// Pullback maps a gradient on the backbone output to a gradient on the tapped activation.
type Pullback func(gradOutput *tensor.Tensor) (*tensor.Tensor, error)

// Pass is the result of one backbone forward. Tap and Output come from the same
// computation, so a gradient on Output can be pulled back to Tap.
type Pass struct {
	Layer  string
	Tap    *tensor.Tensor
	Output *tensor.Tensor

	pullback Pullback
}

// NewPass bundles the two outputs of a single forward with the pullback over it.
func NewPass(layer string, tap, output *tensor.Tensor, pullback Pullback) *Pass {
	return &Pass{Layer: layer, Tap: tap, Output: output, pullback: pullback}
}

// Pullback returns d(score)/d(Tap) given d(score)/d(Output).
func (p *Pass) Pullback(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if p == nil || p.pullback == nil {
		return nil, xray.Misconfigured("pullback", "no gradient path from backbone output to layer %q", p.layerName())
	}
	if !tensor.SameShape(gradOutput, p.Output) {
		return nil, xray.InvalidInput("pullback", "gradient shape does not match backbone output")
	}
	g, err := p.pullback(gradOutput)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, xray.Misconfigured("pullback", "gradient to layer %q is undefined", p.Layer)
	}
	if !tensor.SameShape(g, p.Tap) {
		return nil, xray.Misconfigured("pullback", "gradient to layer %q has the wrong shape", p.Layer)
	}
	return g, nil
}

func (p *Pass) layerName() string {
	if p == nil {
		return ""
	}
	return p.Layer
}

// Layout names the sub-modules of the classifier explicitly.
type Layout struct {
	Backbone string `yaml:"backbone" json:"backbone"`
	TapLayer string `yaml:"tap_layer" json:"tap_layer"`
	Pooling  string `yaml:"pooling" json:"pooling"`
	Dropout  string `yaml:"dropout,omitempty" json:"dropout,omitempty"`
	Dense    string `yaml:"dense" json:"dense"`
}

// Classifier is read-only after New and may be shared by concurrent callers.
type Classifier struct {
	layout   Layout
	backbone Backbone
	head     *head.Head
	input    tensor.Shape
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithInputShape makes Predict and Forward reject images of any other shape.
func WithInputShape(s tensor.Shape) Option {
	return func(c *Classifier) { c.input = s }
}

// New validates layout against the backbone and head. Any mismatch is a deployment
// mistake and is reported as xray.ErrConfiguration.
func New(layout Layout, backbone Backbone, hd *head.Head, opts ...Option) (*Classifier, error) {
	if backbone == nil || hd == nil {
		return nil, xray.Misconfigured("classifier", "backbone and head are required")
	}
	if layout.Backbone != backbone.Name() {
		return nil, xray.Misconfigured("classifier", "backbone %q not found (model provides %q)", layout.Backbone, backbone.Name())
	}
	if err := checkLayer(backbone, layout.TapLayer); err != nil {
		return nil, err
	}

	pooling, dropout, dense := hd.Names()
	if layout.Pooling != pooling {
		return nil, xray.Misconfigured("classifier", "pooling layer %q not found (head provides %q)", layout.Pooling, pooling)
	}
	if layout.Dropout != "" && layout.Dropout != dropout {
		return nil, xray.Misconfigured("classifier", "dropout layer %q not found (head provides %q)", layout.Dropout, dropout)
	}
	if layout.Dense != dense {
		return nil, xray.Misconfigured("classifier", "dense layer %q not found (head provides %q)", layout.Dense, dense)
	}
	if hd.Classes() != xray.NumClasses {
		return nil, xray.Misconfigured("classifier", "dense %q has %d outputs, want %d", dense, hd.Classes(), xray.NumClasses)
	}

	c := &Classifier{layout: layout, backbone: backbone, head: hd}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func checkLayer(b Backbone, layer string) error {
	for _, name := range b.Layers() {
		if name == layer {
			if !b.Differentiable(layer) {
				return xray.Misconfigured("classifier", "layer %q in backbone %q has no gradient path to the head", layer, b.Name())
			}
			return nil
		}
	}
	return xray.Misconfigured("classifier", "layer %q not found in backbone %q", layer, b.Name())
}

// Layout returns the validated layout.
func (c *Classifier) Layout() Layout { return c.layout }

// Head returns the classification head.
func (c *Classifier) Head() *head.Head { return c.head }

// InputShape returns the expected image shape, zero when unconstrained.
func (c *Classifier) InputShape() tensor.Shape { return c.input }

// CheckLayer verifies that layer can be tapped for gradients.
func (c *Classifier) CheckLayer(layer string) error {
	return checkLayer(c.backbone, layer)
}

// Forward runs the backbone once tapped at layer.
func (c *Classifier) Forward(ctx context.Context, image *tensor.Tensor, layer string) (*Pass, error) {
	if err := c.checkImage(image); err != nil {
		return nil, err
	}
	pass, err := c.backbone.Forward(ctx, image, layer)
	if err != nil {
		return nil, fmt.Errorf("backbone %s: %w", c.backbone.Name(), err)
	}
	return pass, nil
}

// Predict runs backbone and head and returns the class probabilities.
func (c *Classifier) Predict(ctx context.Context, image *tensor.Tensor) (xray.Probs, error) {
	pass, err := c.Forward(ctx, image, c.layout.TapLayer)
	if err != nil {
		return xray.Probs{}, err
	}
	probs, _, err := c.head.Forward(pass.Output)
	if err != nil {
		return xray.Probs{}, err
	}
	return xray.FromSlice(probs)
}

func (c *Classifier) checkImage(image *tensor.Tensor) error {
	if err := image.Validate(); err != nil {
		return err
	}
	if c.input != (tensor.Shape{}) && image.Shape() != c.input {
		return xray.InvalidInput("classifier", "image shape %dx%dx%d, classifier expects %dx%dx%d",
			image.H, image.W, image.C, c.input.H, c.input.W, c.input.C)
	}
	return nil
}
