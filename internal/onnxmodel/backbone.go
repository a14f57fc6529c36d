package onnxmodel

import (
	"context"
	"fmt"
	"slices"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/straja-ai/cxrlens/internal/classifier"
	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Backbone runs a frozen ONNX feature extractor. The graph is NHWC with batch 1.
//
// ONNX Runtime has no reverse pass, so the only layer a gradient can reach is the
// backbone output itself, where the pullback is the identity.
type Backbone struct {
	name    string
	input   tensor.Shape
	outputs []string // graph outputs in session order; outputs[0] is the backbone output
	shapes  []tensor.Shape

	sessions chan *session
	poolSize int
}

type session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
}

func newBackbone(modelPath, name, inputName string, input tensor.Shape, outputs []string, shapes []tensor.Shape, rt RuntimeConfig) (*Backbone, error) {
	b := &Backbone{
		name:     name,
		input:    input,
		outputs:  outputs,
		shapes:   shapes,
		sessions: make(chan *session, rt.MaxSessions),
		poolSize: rt.MaxSessions,
	}
	for i := 0; i < rt.MaxSessions; i++ {
		s, err := newSession(modelPath, inputName, input, outputs, shapes, rt)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("create onnx session %d/%d: %w", i+1, rt.MaxSessions, err)
		}
		b.sessions <- s
	}
	return b, nil
}

func newSession(modelPath, inputName string, input tensor.Shape, outputs []string, shapes []tensor.Shape, rt RuntimeConfig) (*session, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(rt.IntraThreads); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(rt.InterThreads); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	in, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(input.H), int64(input.W), int64(input.C)))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	s := &session{input: in}
	values := make([]ort.Value, 0, len(outputs))
	for i, shape := range shapes {
		out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(shape.H), int64(shape.W), int64(shape.C)))
		if err != nil {
			s.destroy()
			return nil, fmt.Errorf("allocate %s tensor: %w", outputs[i], err)
		}
		s.outputs = append(s.outputs, out)
		values = append(values, out)
	}

	s.session, err = ort.NewAdvancedSession(modelPath, []string{inputName}, outputs, []ort.Value{in}, values, opts)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return s, nil
}

func (s *session) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	for _, o := range s.outputs {
		o.Destroy()
	}
}

func (b *Backbone) Name() string { return b.name }

// Layers lists the graph outputs, backbone output first.
func (b *Backbone) Layers() []string { return slices.Clone(b.outputs) }

// Differentiable is true only for the backbone output.
func (b *Backbone) Differentiable(layer string) bool {
	return len(b.outputs) > 0 && layer == b.outputs[0]
}

// Forward runs one session. The tapped activation and the backbone output are read
// from the same Run. Waiting for a free session honours ctx.
func (b *Backbone) Forward(ctx context.Context, x *tensor.Tensor, tap string) (*classifier.Pass, error) {
	tapIdx := slices.Index(b.outputs, tap)
	if tapIdx < 0 {
		return nil, xray.Misconfigured("onnx", "layer %q is not an output of backbone %q", tap, b.name)
	}
	if x.Shape() != b.input {
		return nil, xray.InvalidInput("onnx", "input %dx%dx%d, backbone %q expects %dx%dx%d",
			x.H, x.W, x.C, b.name, b.input.H, b.input.W, b.input.C)
	}

	var s *session
	select {
	case s = <-b.sessions:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { b.sessions <- s }()

	in := s.input.GetData()
	for i, v := range x.Data {
		in[i] = float32(v)
	}
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	acts := make([]*tensor.Tensor, len(b.outputs))
	for i, out := range s.outputs {
		shape := b.shapes[i]
		t := tensor.New(shape.H, shape.W, shape.C)
		for j, v := range out.GetData() {
			t.Data[j] = float64(v)
		}
		acts[i] = t
	}

	var pullback classifier.Pullback
	if tapIdx == 0 {
		pullback = func(g *tensor.Tensor) (*tensor.Tensor, error) { return g.Clone(), nil }
	}
	return classifier.NewPass(tap, acts[tapIdx], acts[0], pullback), nil
}

// Close destroys every pooled session. It must not race with Forward.
func (b *Backbone) Close() {
	if b == nil || b.sessions == nil {
		return
	}
	for {
		select {
		case s := <-b.sessions:
			s.destroy()
		default:
			return
		}
	}
}
