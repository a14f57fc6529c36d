// Package gradcam computes gradient-weighted class activation maps over a frozen
// classifier.
package gradcam

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/straja-ai/cxrlens/internal/classifier"
	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Epsilon keeps the final normalization finite when the map is all zero.
const Epsilon = 1e-9

// Heatmap is a spatial relevance map at the tapped layer's resolution, values in [0,1].
type Heatmap struct {
	H      int        `json:"h"`
	W      int        `json:"w"`
	Values []float64  `json:"values"`
	Class  xray.Class `json:"class"`
	Layer  string     `json:"layer"`
}

// At returns the value at row y, column x.
func (h *Heatmap) At(y, x int) float64 { return h.Values[y*h.W+x] }

// Max returns the largest value, 0 for an empty map.
func (h *Heatmap) Max() float64 {
	m := 0.0
	for _, v := range h.Values {
		m = math.Max(m, v)
	}
	return m
}

// Attribute explains why clf assigns class to image. backboneName and tapLayer must
// match the classifier layout; a tap that is unknown or has no gradient path back from
// the head is a configuration error.
//
// class is the decision being explained, which may differ from the model's top-1 after
// correction and gating.
func Attribute(ctx context.Context, image *tensor.Tensor, clf *classifier.Classifier, backboneName, tapLayer string, class xray.Class) (*Heatmap, error) {
	if clf == nil {
		return nil, xray.Misconfigured("gradcam", "classifier is nil")
	}
	if !class.Valid() {
		return nil, xray.InvalidInput("gradcam", "class %d outside the fixed class order", int(class))
	}
	layout := clf.Layout()
	if backboneName != layout.Backbone {
		return nil, xray.Misconfigured("gradcam", "backbone %q not found (classifier uses %q)", backboneName, layout.Backbone)
	}
	if err := clf.CheckLayer(tapLayer); err != nil {
		return nil, err
	}

	pass, err := clf.Forward(ctx, image, tapLayer)
	if err != nil {
		return nil, err
	}

	_, gradOutput, err := clf.Head().ScoreGrad(pass.Output, int(class))
	if err != nil {
		return nil, err
	}
	gradTap, err := pass.Pullback(gradOutput)
	if err != nil {
		return nil, err
	}
	if gradTap.MaxAbs() == 0 {
		return nil, xray.Misconfigured("gradcam", "gradient of %s at layer %q is zero", class, tapLayer)
	}
	for _, g := range gradTap.Data {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return nil, xray.Misconfigured("gradcam", "gradient of %s at layer %q is undefined", class, tapLayer)
		}
	}

	if !tensor.SameShape(gradTap, pass.Tap) {
		return nil, xray.Misconfigured("gradcam", "gradient at layer %q does not match the activation shape", tapLayer)
	}

	return weighted(pass.Tap, gradTap.ChannelMeans(), class, tapLayer), nil
}

// weighted forms relu(A . w) over the tap activation A viewed as an (H*W) x C matrix
// and rescales it so the peak is 1.
func weighted(act *tensor.Tensor, weights []float64, class xray.Class, layer string) *Heatmap {
	var cam mat.VecDense
	cam.MulVec(act.Matrix(), mat.NewVecDense(len(weights), weights))
	values := mat.Col(nil, 0, &cam)
	for i, v := range values {
		values[i] = math.Max(v, 0)
	}
	peak := floats.Max(values)
	for i := range values {
		values[i] /= peak + Epsilon
	}
	return &Heatmap{H: act.H, W: act.W, Values: values, Class: class, Layer: layer}
}

// Engine binds a classifier to the layer names it should be explained at.
type Engine struct {
	clf      *classifier.Classifier
	backbone string
	layer    string
}

// NewEngine validates backbone and layer once so each Attribute call can skip the lookup
// errors. Empty names fall back to the classifier layout.
func NewEngine(clf *classifier.Classifier, backbone, layer string) (*Engine, error) {
	if clf == nil {
		return nil, xray.Misconfigured("gradcam", "classifier is nil")
	}
	layout := clf.Layout()
	if backbone == "" {
		backbone = layout.Backbone
	}
	if layer == "" {
		layer = layout.TapLayer
	}
	if backbone != layout.Backbone {
		return nil, xray.Misconfigured("gradcam", "backbone %q not found (classifier uses %q)", backbone, layout.Backbone)
	}
	if err := clf.CheckLayer(layer); err != nil {
		return nil, fmt.Errorf("gradcam engine: %w", err)
	}
	return &Engine{clf: clf, backbone: backbone, layer: layer}, nil
}

// Layer is the tapped layer name.
func (e *Engine) Layer() string { return e.layer }

// Backbone is the backbone name.
func (e *Engine) Backbone() string { return e.backbone }

// Classifier returns the bound classifier.
func (e *Engine) Classifier() *classifier.Classifier { return e.clf }

// Attribute runs Attribute with the engine's classifier and layer.
func (e *Engine) Attribute(ctx context.Context, image *tensor.Tensor, class xray.Class) (*Heatmap, error) {
	return Attribute(ctx, image, e.clf, e.backbone, e.layer, class)
}
