// Package tensor provides the dense height x width x channel tensors that flow between
// the backbone, the head and the attribution engine.
package tensor

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/straja-ai/cxrlens/internal/xray"
)

// Tensor is a row-major HWC tensor. Index (y, x, c) lives at (y*W+x)*C+c.
type Tensor struct {
	H, W, C int
	Data    []float64
}

// New allocates a zero tensor.
func New(h, w, c int) *Tensor {
	return &Tensor{H: h, W: w, C: c, Data: make([]float64, h*w*c)}
}

// FromData wraps data after checking it matches the shape.
func FromData(h, w, c int, data []float64) (*Tensor, error) {
	if h <= 0 || w <= 0 || c <= 0 {
		return nil, xray.InvalidInput("tensor", "non-positive shape %dx%dx%d", h, w, c)
	}
	if len(data) != h*w*c {
		return nil, xray.InvalidInput("tensor", "shape %dx%dx%d needs %d values, got %d", h, w, c, h*w*c, len(data))
	}
	return &Tensor{H: h, W: w, C: c, Data: data}, nil
}

// Shape is a tensor shape.
type Shape struct {
	H, W, C int
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return Shape{t.H, t.W, t.C} }

// Validate checks the shape and that every value is finite.
func (t *Tensor) Validate() error {
	if t == nil {
		return xray.InvalidInput("tensor", "tensor is nil")
	}
	if t.H <= 0 || t.W <= 0 || t.C <= 0 || len(t.Data) != t.H*t.W*t.C {
		return xray.InvalidInput("tensor", "malformed tensor %dx%dx%d with %d values", t.H, t.W, t.C, len(t.Data))
	}
	for i, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return xray.InvalidInput("tensor", "value %d is not finite", i)
		}
	}
	return nil
}

func (t *Tensor) index(y, x, c int) int { return (y*t.W+x)*t.C + c }

// At returns the value at (y, x, c).
func (t *Tensor) At(y, x, c int) float64 { return t.Data[t.index(y, x, c)] }

// Set stores v at (y, x, c).
func (t *Tensor) Set(y, x, c int, v float64) { t.Data[t.index(y, x, c)] = v }

// Add accumulates v at (y, x, c).
func (t *Tensor) Add(y, x, c int, v float64) { t.Data[t.index(y, x, c)] += v }

// Clone deep-copies t.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{H: t.H, W: t.W, C: t.C, Data: make([]float64, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// ZerosLike allocates a zero tensor with t's shape.
func ZerosLike(t *Tensor) *Tensor { return New(t.H, t.W, t.C) }

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return a != nil && b != nil && a.H == b.H && a.W == b.W && a.C == b.C
}

// Matrix views t as an (H*W) x C matrix, one row per spatial position. The matrix
// shares t's backing array.
func (t *Tensor) Matrix() *mat.Dense {
	return mat.NewDense(t.H*t.W, t.C, t.Data)
}

// ChannelMeans averages each channel over the spatial dimensions.
func (t *Tensor) ChannelMeans() []float64 {
	m := t.Matrix()
	col := make([]float64, t.H*t.W)
	out := make([]float64, t.C)
	for c := range out {
		out[c] = stat.Mean(mat.Col(col, c, m), nil)
	}
	return out
}

// MaxAbs returns the largest absolute value in t.
func (t *Tensor) MaxAbs() float64 {
	return floats.Norm(t.Data, math.Inf(1))
}
