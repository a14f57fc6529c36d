// Package model opens the classifier bundle named by configuration.
//
// Two bundle kinds are supported. A native bundle carries JSON weights for the pure-Go
// backbone and can be explained at any of its layers:
//
//	backbone.json     network.Spec
//	head.json         head.Spec
//	layout.yaml       layer names, preprocess convention, input shape
//	label_map.json    optional
//	manifest.json     optional
//
// An ONNX bundle is described in package onnxmodel.
package model

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/straja-ai/cxrlens/internal/classifier"
	"github.com/straja-ai/cxrlens/internal/config"
	"github.com/straja-ai/cxrlens/internal/head"
	"github.com/straja-ai/cxrlens/internal/network"
	"github.com/straja-ai/cxrlens/internal/onnxmodel"
	"github.com/straja-ai/cxrlens/internal/preprocess"
	"github.com/straja-ai/cxrlens/internal/redact"
	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

type Kind string

const (
	KindNative Kind = "native"
	KindONNX   Kind = "onnx"
)

const (
	nativeBackboneFile = "backbone.json"
	headFile           = "head.json"
	layoutFile         = "layout.yaml"
	labelsFile         = "label_map.json"
)

// ErrNoModel is returned by Open when configuration names no model.
var ErrNoModel = errors.New("no model configured")

// Model is an opened bundle ready for inference and attribution.
type Model struct {
	Kind       Kind
	Dir        string
	Classifier *classifier.Classifier
	Labels     []string
	Preprocess preprocess.Options

	closeFn func()
}

// Close releases native resources held by the bundle.
func (m *Model) Close() {
	if m != nil && m.closeFn != nil {
		m.closeFn()
	}
}

// Layout returns the validated layer layout.
func (m *Model) Layout() classifier.Layout { return m.Classifier.Layout() }

// NativeLayout is the layout.yaml of a native bundle.
type NativeLayout struct {
	classifier.Layout `yaml:",inline"`
	Preprocess        string `yaml:"preprocess"`
	InputShape        []int  `yaml:"input_shape"` // H, W, C
}

// Open loads the bundle described by mc. Layer names set in ac take precedence over
// the ones declared in the bundle.
func Open(mc config.ModelConfig, ac config.AttributionConfig) (*Model, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(mc.Kind)))
	over := classifier.Layout{
		Backbone: ac.Backbone,
		TapLayer: ac.TapLayer,
		Pooling:  ac.Pooling,
		Dropout:  ac.Dropout,
		Dense:    ac.Dense,
	}

	var (
		m   *Model
		err error
	)
	switch kind {
	case "":
		return nil, ErrNoModel
	case KindNative:
		m, err = LoadNative(mc.BundleDir, over, mc.InputSize)
	case KindONNX:
		m, err = loadONNX(mc, over)
	default:
		return nil, xray.Misconfigured("model", "unknown model kind %q", mc.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s bundle %s: %w", kind, redact.Path(mc.BundleDir), err)
	}

	if strings.TrimSpace(mc.Preprocess) != "" {
		conv, err := preprocess.ParseConvention(mc.Preprocess)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.Preprocess.Convention = conv
	}

	l := m.Layout()
	slog.Info("model loaded",
		"kind", string(m.Kind),
		"bundle", redact.Path(m.Dir),
		"backbone", l.Backbone,
		"tap_layer", l.TapLayer,
		"preprocess", string(m.Preprocess.Convention),
		"input", fmt.Sprintf("%dx%d", m.Preprocess.Width, m.Preprocess.Height),
	)
	return m, nil
}

// LoadNative opens a native JSON-weights bundle. inputSize is used when layout.yaml
// declares no input shape.
func LoadNative(dir string, over classifier.Layout, inputSize int) (*Model, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("bundle dir is empty")
	}
	if _, err := onnxmodel.VerifyBundle(dir); err != nil {
		return nil, fmt.Errorf("verify bundle: %w", err)
	}

	layout, err := loadNativeLayout(filepath.Join(dir, layoutFile))
	if err != nil {
		return nil, err
	}
	layout.Layout = mergeLayout(layout.Layout, over)

	labels, err := classifier.LoadLabels(filepath.Join(dir, labelsFile))
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}
	backbone, err := network.Load(filepath.Join(dir, nativeBackboneFile))
	if err != nil {
		return nil, err
	}
	hd, err := head.Load(filepath.Join(dir, headFile))
	if err != nil {
		return nil, err
	}

	shape, err := inputShape(layout.InputShape, inputSize)
	if err != nil {
		return nil, err
	}
	clf, err := classifier.New(layout.Layout, backbone, hd, classifier.WithInputShape(shape))
	if err != nil {
		return nil, err
	}

	conv, err := preprocess.ParseConvention(layout.Preprocess)
	if err != nil {
		return nil, err
	}
	return &Model{
		Kind:       KindNative,
		Dir:        dir,
		Classifier: clf,
		Labels:     labels,
		Preprocess: preprocess.Options{Width: shape.W, Height: shape.H, Convention: conv},
	}, nil
}

func loadONNX(mc config.ModelConfig, over classifier.Layout) (*Model, error) {
	b, err := onnxmodel.LoadBundle(mc.BundleDir, onnxmodel.RuntimeConfig{
		SharedLibraryPath: mc.SharedLibraryPath,
		MaxSessions:       mc.MaxSessions,
		IntraThreads:      mc.IntraThreads,
		InterThreads:      mc.InterThreads,
	})
	if err != nil {
		return nil, err
	}
	// The exported graph fixes the layout; overrides may only restate it.
	if merged := mergeLayout(b.Layout.Layout, over); merged != b.Layout.Layout {
		b.Close()
		return nil, xray.Misconfigured("model",
			"attribution layout %+v disagrees with onnx bundle layout %+v", merged, b.Layout.Layout)
	}

	conv, err := preprocess.ParseConvention(b.Layout.Preprocess)
	if err != nil {
		b.Close()
		return nil, err
	}
	shape := b.Classifier.InputShape()
	return &Model{
		Kind:       KindONNX,
		Dir:        b.Dir,
		Classifier: b.Classifier,
		Labels:     b.Labels,
		Preprocess: preprocess.Options{Width: shape.W, Height: shape.H, Convention: conv},
		closeFn:    b.Close,
	}, nil
}

func loadNativeLayout(path string) (NativeLayout, error) {
	var layout NativeLayout
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Layer names may come entirely from configuration.
		return layout, nil
	}
	if err != nil {
		return layout, fmt.Errorf("read layout: %w", err)
	}
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return layout, fmt.Errorf("parse layout %s: %w", path, err)
	}
	return layout, nil
}

func mergeLayout(base, over classifier.Layout) classifier.Layout {
	pick := func(b, o string) string {
		if strings.TrimSpace(o) != "" {
			return o
		}
		return b
	}
	return classifier.Layout{
		Backbone: pick(base.Backbone, over.Backbone),
		TapLayer: pick(base.TapLayer, over.TapLayer),
		Pooling:  pick(base.Pooling, over.Pooling),
		Dropout:  pick(base.Dropout, over.Dropout),
		Dense:    pick(base.Dense, over.Dense),
	}
}

func inputShape(dims []int, size int) (tensor.Shape, error) {
	switch {
	case len(dims) == 3:
		if dims[0] <= 0 || dims[1] <= 0 || dims[2] != 3 {
			return tensor.Shape{}, xray.Misconfigured("model", "input_shape must be [H, W, 3], got %v", dims)
		}
		return tensor.Shape{H: dims[0], W: dims[1], C: dims[2]}, nil
	case len(dims) != 0:
		return tensor.Shape{}, xray.Misconfigured("model", "input_shape must have three dims, got %v", dims)
	case size <= 0:
		size = preprocess.DefaultSize
	}
	return tensor.Shape{H: size, W: size, C: 3}, nil
}
