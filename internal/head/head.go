// Package head implements the classification head that sits on top of the backbone:
// global average pooling, dropout (identity at inference) and a dense softmax layer.
package head

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Spec is the on-disk description of a head.
type Spec struct {
	Pooling     string      `json:"pooling"`
	Dropout     string      `json:"dropout,omitempty"`
	DropoutRate float64     `json:"dropout_rate,omitempty"`
	Dense       string      `json:"dense"`
	Weights     [][]float64 `json:"weights"` // channels x classes
	Bias        []float64   `json:"bias"`
}

// Head is immutable after construction and safe for concurrent use.
type Head struct {
	pooling     string
	dropout     string
	dropoutRate float64
	dense       string

	weights *mat.Dense    // channels x classes
	bias    *mat.VecDense // classes
}

// Load reads a head spec from a JSON file.
func Load(path string) (*Head, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read head %s: %w", path, err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse head %s: %w", path, err)
	}
	return New(spec)
}

// New validates spec and builds the head.
func New(spec Spec) (*Head, error) {
	if spec.Pooling == "" || spec.Dense == "" {
		return nil, xray.Misconfigured("head", "pooling and dense layer names are required")
	}
	if spec.DropoutRate < 0 || spec.DropoutRate >= 1 {
		return nil, xray.Misconfigured("head", "dropout rate %g outside [0,1)", spec.DropoutRate)
	}
	rows := len(spec.Weights)
	if rows == 0 {
		return nil, xray.Misconfigured("head", "dense %q has no weights", spec.Dense)
	}
	cols := len(spec.Weights[0])
	if cols == 0 || len(spec.Bias) != cols {
		return nil, xray.Misconfigured("head", "dense %q bias has %d entries for %d classes", spec.Dense, len(spec.Bias), cols)
	}
	flat := make([]float64, 0, rows*cols)
	for i, row := range spec.Weights {
		if len(row) != cols {
			return nil, xray.Misconfigured("head", "dense %q row %d has %d columns, want %d", spec.Dense, i, len(row), cols)
		}
		flat = append(flat, row...)
	}
	if !allFinite(flat) || !allFinite(spec.Bias) {
		return nil, xray.Misconfigured("head", "dense %q has non-finite parameters", spec.Dense)
	}
	bias := make([]float64, cols)
	copy(bias, spec.Bias)

	return &Head{
		pooling:     spec.Pooling,
		dropout:     spec.Dropout,
		dropoutRate: spec.DropoutRate,
		dense:       spec.Dense,
		weights:     mat.NewDense(rows, cols, flat),
		bias:        mat.NewVecDense(cols, bias),
	}, nil
}

// Names returns the pooling, dropout and dense layer names. Dropout may be empty.
func (h *Head) Names() (pooling, dropout, dense string) {
	return h.pooling, h.dropout, h.dense
}

// InputWidth is the number of backbone channels the dense layer expects.
func (h *Head) InputWidth() int {
	r, _ := h.weights.Dims()
	return r
}

// Classes is the number of outputs.
func (h *Head) Classes() int {
	_, c := h.weights.Dims()
	return c
}

// Forward maps a backbone output to class probabilities and logits.
func (h *Head) Forward(features *tensor.Tensor) (probs, logits []float64, err error) {
	z, err := h.logits(features)
	if err != nil {
		return nil, nil, err
	}
	return softmax(z), z, nil
}

// ScoreGrad returns softmax(...)[class] and its gradient with respect to features.
func (h *Head) ScoreGrad(features *tensor.Tensor, class int) (float64, *tensor.Tensor, error) {
	z, err := h.logits(features)
	if err != nil {
		return 0, nil, err
	}
	k := h.Classes()
	if class < 0 || class >= k {
		return 0, nil, xray.InvalidInput("head", "class index %d outside [0,%d)", class, k)
	}
	p := softmax(z)

	// d p_k / d z_j = p_k (delta_kj - p_j)
	dz := mat.NewVecDense(k, nil)
	for j := 0; j < k; j++ {
		delta := 0.0
		if j == class {
			delta = 1
		}
		dz.SetVec(j, p[class]*(delta-p[j]))
	}
	var dg mat.VecDense
	dg.MulVec(h.weights, dz)

	// Pooling spreads the pooled gradient evenly over every spatial position.
	grad := tensor.ZerosLike(features)
	n := float64(features.H * features.W)
	for i := range grad.Data {
		grad.Data[i] = dg.AtVec(i%features.C) / n
	}
	return p[class], grad, nil
}

func (h *Head) logits(features *tensor.Tensor) ([]float64, error) {
	if err := features.Validate(); err != nil {
		return nil, err
	}
	if features.C != h.InputWidth() {
		return nil, xray.Misconfigured("head", "dense %q expects %d channels, backbone produced %d", h.dense, h.InputWidth(), features.C)
	}
	pooled := mat.NewVecDense(features.C, features.ChannelMeans())
	// Dropout is the identity at inference time.
	var z mat.VecDense
	z.MulVec(h.weights.T(), pooled)
	z.AddVec(&z, h.bias)
	return mat.Col(nil, 0, &z), nil
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func softmax(z []float64) []float64 {
	maxZ := math.Inf(-1)
	for _, v := range z {
		maxZ = math.Max(maxZ, v)
	}
	out := make([]float64, len(z))
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - maxZ)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
