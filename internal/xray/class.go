// Package xray holds the domain types shared by the post-processing and
// explainability packages: the fixed class enumeration, probability vectors,
// decisions and the error taxonomy.
package xray

import (
	"fmt"
	"strings"
)

// Class is an index into the fixed three-way class enumeration.
type Class int

const (
	Normal    Class = 0 // negative
	Bacterial Class = 1 // positive, type A
	Viral     Class = 2 // positive, type B
)

// NumClasses is the length of every probability vector.
const NumClasses = 3

var classLabels = [NumClasses]string{
	"NORMAL",
	"BACTERIAL_PNEUMONIA",
	"VIRAL_PNEUMONIA",
}

// Labels returns the class labels in index order.
func Labels() []string {
	out := make([]string, NumClasses)
	copy(out, classLabels[:])
	return out
}

func (c Class) String() string {
	if !c.Valid() {
		return fmt.Sprintf("CLASS(%d)", int(c))
	}
	return classLabels[c]
}

// Valid reports whether c is one of the three known classes.
func (c Class) Valid() bool {
	return c >= Normal && c <= Viral
}

// Positive reports whether c is a disease class.
func (c Class) Positive() bool {
	return c == Bacterial || c == Viral
}

// ParseClass accepts a label ("VIRAL_PNEUMONIA"), a short name ("viral") or an index ("2").
func ParseClass(s string) (Class, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	switch v {
	case "NORMAL", "NEGATIVE", "0":
		return Normal, nil
	case "BACTERIAL_PNEUMONIA", "BACTERIAL", "1":
		return Bacterial, nil
	case "VIRAL_PNEUMONIA", "VIRAL", "2":
		return Viral, nil
	}
	return Normal, InvalidInput("parse class", "unknown class %q", s)
}

// Decision is a class choice plus whether a correction or gate changed the naive argmax.
type Decision struct {
	Class      Class `json:"class"`
	Overridden bool  `json:"overridden"`
}
