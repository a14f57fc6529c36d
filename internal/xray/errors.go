package xray

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers distinguish a bad request from a bad deployment with errors.Is.
var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrNumericDegeneracy is reported for vectors that cannot be normalized.
	// It also matches ErrInvalidInput.
	ErrNumericDegeneracy = errors.New("numeric degeneracy")
	ErrConfiguration     = errors.New("configuration error")
)

// Kind classifies an Error.
type Kind int

const (
	KindInvalidInput Kind = iota
	KindDegenerate
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindDegenerate:
		return "numeric_degeneracy"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error carries the failing operation and a human readable detail.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.sentinel().Error(), e.Detail)
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindDegenerate:
		return ErrNumericDegeneracy
	case KindConfiguration:
		return ErrConfiguration
	default:
		return ErrInvalidInput
	}
}

func (e *Error) Unwrap() error { return e.sentinel() }

// Is lets a degenerate vector match ErrInvalidInput as well.
func (e *Error) Is(target error) bool {
	if e.Kind == KindDegenerate && target == ErrInvalidInput {
		return true
	}
	return false
}

// InvalidInput builds an ErrInvalidInput error for op.
func InvalidInput(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Degenerate builds an ErrNumericDegeneracy error for op.
func Degenerate(op, format string, args ...any) error {
	return &Error{Kind: KindDegenerate, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Misconfigured builds an ErrConfiguration error for op.
func Misconfigured(op, format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or false if err is not part of the taxonomy.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	switch {
	case errors.Is(err, ErrNumericDegeneracy):
		return KindDegenerate, true
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration, true
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput, true
	}
	return 0, false
}
