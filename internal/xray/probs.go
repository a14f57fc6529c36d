package xray

import (
	"math"
	"sort"
)

// SumTolerance is how far a probability vector may drift from 1 and still be accepted.
// Softmax output from a float32 runtime routinely lands within 1e-6, so 1e-3 only
// rejects vectors that were never normalized.
const SumTolerance = 1e-3

// Probs is a probability vector indexed by Class.
type Probs [NumClasses]float64

// FromSlice copies a model output into Probs.
func FromSlice[T float32 | float64](v []T) (Probs, error) {
	var p Probs
	if len(v) != NumClasses {
		return p, InvalidInput("probs", "expected %d entries, got %d", NumClasses, len(v))
	}
	for i, x := range v {
		p[i] = float64(x)
	}
	return p, p.Validate()
}

// Validate checks that every entry is finite, non-negative, at most 1, and that the
// vector sums to 1 within SumTolerance. An all-zero vector is degenerate.
func (p Probs) Validate() error {
	if err := p.validateEntries(); err != nil {
		return err
	}
	sum := p.Sum()
	if sum == 0 {
		return Degenerate("probs", "vector sums to zero")
	}
	if math.Abs(sum-1) > SumTolerance {
		return InvalidInput("probs", "vector sums to %.6f, want 1", sum)
	}
	return nil
}

// ValidateMass checks entries without requiring the vector to be normalized yet.
func (p Probs) ValidateMass() error {
	if err := p.validateEntries(); err != nil {
		return err
	}
	if p.Sum() == 0 {
		return Degenerate("probs", "vector sums to zero")
	}
	return nil
}

func (p Probs) validateEntries() error {
	for i, x := range p {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return InvalidInput("probs", "entry %d (%s) is not finite", i, Class(i))
		}
		if x < 0 || x > 1 {
			return InvalidInput("probs", "entry %d (%s) = %g outside [0,1]", i, Class(i), x)
		}
	}
	return nil
}

// Sum returns the total mass.
func (p Probs) Sum() float64 {
	var s float64
	for _, x := range p {
		s += x
	}
	return s
}

// Normalize rescales p to sum to 1.
func (p Probs) Normalize() (Probs, error) {
	sum := p.Sum()
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return p, Degenerate("normalize", "cannot normalize vector with mass %g", sum)
	}
	var out Probs
	for i, x := range p {
		out[i] = x / sum
	}
	return out, nil
}

// Argmax returns the class with the largest mass. Ties resolve to the lower index.
func (p Probs) Argmax() Class {
	best := 0
	for i := 1; i < NumClasses; i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return Class(best)
}

// Sorted returns the entries in descending order.
func (p Probs) Sorted() [NumClasses]float64 {
	s := p
	sort.Sort(sort.Reverse(sort.Float64Slice(s[:])))
	return s
}

// Slice returns the entries as a fresh slice.
func (p Probs) Slice() []float64 {
	out := make([]float64, NumClasses)
	copy(out, p[:])
	return out
}

// Map keys the vector by class label.
func (p Probs) Map() map[string]float64 {
	out := make(map[string]float64, NumClasses)
	for i, x := range p {
		out[Class(i).String()] = x
	}
	return out
}
