// Package onnxmodel loads a frozen chest X-ray classifier exported to ONNX.
//
// A bundle directory holds:
//
//	backbone.onnx     feature extractor, NHWC float32 input
//	head.json         pooling/dropout/dense head weights
//	layout.yaml       layer names and graph tensor names
//	label_map.json    optional, must match the fixed class order
//	manifest.json     optional size and sha256 list
package onnxmodel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
	"gopkg.in/yaml.v3"

	"github.com/straja-ai/cxrlens/internal/classifier"
	"github.com/straja-ai/cxrlens/internal/head"
	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

const (
	backboneFile = "backbone.onnx"
	headFile     = "head.json"
	layoutFile   = "layout.yaml"
	labelsFile   = "label_map.json"
)

// GraphNames maps layout names onto ONNX tensor names.
type GraphNames struct {
	Input      string `yaml:"input"`
	InputShape []int  `yaml:"input_shape"` // H, W, C
	// Outputs maps a layer name to its graph output. The backbone output is required;
	// other entries are exposed for inspection only.
	Outputs map[string]string `yaml:"outputs"`
	// OutputLayer is the layer name of the final backbone activation.
	OutputLayer string `yaml:"output_layer"`
}

// BundleLayout is the content of layout.yaml.
type BundleLayout struct {
	classifier.Layout `yaml:",inline"`
	Preprocess        string     `yaml:"preprocess"`
	Graph             GraphNames `yaml:"graph"`
}

// Bundle is a loaded model. Close releases the ONNX sessions.
type Bundle struct {
	Dir        string
	Layout     BundleLayout
	Labels     []string
	Manifest   *Manifest
	Classifier *classifier.Classifier

	backbone *Backbone
}

// Close releases native resources.
func (b *Bundle) Close() {
	if b != nil {
		b.backbone.Close()
	}
}

// LoadBundle validates the bundle files and layout, then builds the ONNX session pool.
// Layout problems are reported as xray.ErrConfiguration before the runtime is touched.
func LoadBundle(dir string, rt RuntimeConfig) (*Bundle, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("bundle dir is empty")
	}
	rt = rt.withDefaults()

	manifest, err := VerifyBundle(dir)
	if err != nil {
		return nil, fmt.Errorf("verify bundle: %w", err)
	}
	modelPath := filepath.Join(dir, backboneFile)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", modelPath, err)
	}
	layout, err := LoadLayout(filepath.Join(dir, layoutFile))
	if err != nil {
		return nil, err
	}
	labels, err := classifier.LoadLabels(filepath.Join(dir, labelsFile))
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}
	hd, err := head.Load(filepath.Join(dir, headFile))
	if err != nil {
		return nil, err
	}

	if err := initRuntime(dir, rt); err != nil {
		return nil, err
	}

	input := tensor.Shape{H: layout.Graph.InputShape[0], W: layout.Graph.InputShape[1], C: layout.Graph.InputShape[2]}
	names, shapes, err := outputShapes(modelPath, layout.Graph)
	if err != nil {
		return nil, err
	}
	backbone, err := newBackbone(modelPath, layout.Backbone, layout.Graph.Input, input, names, shapes, rt)
	if err != nil {
		return nil, err
	}

	clf, err := classifier.New(layout.Layout, &layerView{Backbone: backbone, layout: layout.Graph}, hd, classifier.WithInputShape(input))
	if err != nil {
		backbone.Close()
		return nil, err
	}
	return &Bundle{
		Dir:        dir,
		Layout:     layout,
		Labels:     labels,
		Manifest:   manifest,
		Classifier: clf,
		backbone:   backbone,
	}, nil
}

// LoadLayout reads and validates layout.yaml.
func LoadLayout(path string) (BundleLayout, error) {
	var layout BundleLayout
	data, err := os.ReadFile(path)
	if err != nil {
		return layout, fmt.Errorf("read layout: %w", err)
	}
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return layout, fmt.Errorf("parse layout %s: %w", path, err)
	}
	return layout, layout.validate()
}

func (l BundleLayout) validate() error {
	if l.Backbone == "" || l.TapLayer == "" || l.Pooling == "" || l.Dense == "" {
		return xray.Misconfigured("onnx", "layout must name backbone, tap_layer, pooling and dense")
	}
	g := l.Graph
	if g.Input == "" {
		return xray.Misconfigured("onnx", "layout graph.input is empty")
	}
	if len(g.InputShape) != 3 || g.InputShape[0] <= 0 || g.InputShape[1] <= 0 || g.InputShape[2] <= 0 {
		return xray.Misconfigured("onnx", "layout graph.input_shape must be three positive dims, got %v", g.InputShape)
	}
	if g.OutputLayer == "" || g.Outputs[g.OutputLayer] == "" {
		return xray.Misconfigured("onnx", "layout graph.outputs has no entry for output layer %q", g.OutputLayer)
	}
	if _, ok := g.Outputs[l.TapLayer]; !ok {
		return xray.Misconfigured("onnx", "layer %q not found in backbone %q", l.TapLayer, l.Backbone)
	}
	if l.TapLayer != g.OutputLayer {
		return xray.Misconfigured("onnx",
			"layer %q in backbone %q has no gradient path: ONNX backbones can only be explained at %q",
			l.TapLayer, l.Backbone, g.OutputLayer)
	}
	return nil
}

// graphOrder returns the graph output names with the backbone output first.
func (g GraphNames) graphOrder() (layers, outputs []string) {
	layers = append(layers, g.OutputLayer)
	outputs = append(outputs, g.Outputs[g.OutputLayer])
	rest := make([]string, 0, len(g.Outputs))
	for layer := range g.Outputs {
		if layer != g.OutputLayer {
			rest = append(rest, layer)
		}
	}
	slices.Sort(rest)
	for _, layer := range rest {
		layers = append(layers, layer)
		outputs = append(outputs, g.Outputs[layer])
	}
	return layers, outputs
}

func outputShapes(modelPath string, g GraphNames) ([]string, []tensor.Shape, error) {
	_, infos, err := ort.GetInputOutputInfoWithOptions(modelPath, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect %s: %w", modelPath, err)
	}
	dims := make(map[string][]int64, len(infos))
	for _, info := range infos {
		dims[info.Name] = info.Dimensions
	}

	_, outputs := g.graphOrder()
	shapes := make([]tensor.Shape, len(outputs))
	for i, name := range outputs {
		d, ok := dims[name]
		if !ok {
			return nil, nil, xray.Misconfigured("onnx", "graph output %q not found in %s", name, filepath.Base(modelPath))
		}
		if len(d) != 4 || d[1] <= 0 || d[2] <= 0 || d[3] <= 0 {
			return nil, nil, xray.Misconfigured("onnx", "graph output %q has shape %v, want [1,H,W,C]", name, d)
		}
		shapes[i] = tensor.Shape{H: int(d[1]), W: int(d[2]), C: int(d[3])}
	}
	return outputs, shapes, nil
}

// layerView exposes the backbone under the layout's layer names rather than graph
// tensor names.
type layerView struct {
	*Backbone
	layout GraphNames
}

func (v *layerView) Layers() []string {
	layers, _ := v.layout.graphOrder()
	return layers
}

func (v *layerView) Differentiable(layer string) bool {
	return layer == v.layout.OutputLayer
}

func (v *layerView) Forward(ctx context.Context, x *tensor.Tensor, tap string) (*classifier.Pass, error) {
	out, ok := v.layout.Outputs[tap]
	if !ok {
		return nil, xray.Misconfigured("onnx", "layer %q not found in backbone %q", tap, v.name)
	}
	pass, err := v.Backbone.Forward(ctx, x, out)
	if err != nil {
		return nil, err
	}
	pass.Layer = tap
	return pass, nil
}
