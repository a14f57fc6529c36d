// Package audit records every scoring and explanation decision as a structured event
// and delivers it asynchronously to one or more sinks.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventVersion is bumped whenever the JSON shape of Event changes.
const EventVersion = "1"

// Kind names the operation an event describes.
type Kind string

const (
	KindScore   Kind = "score"
	KindExplain Kind = "explain"
)

// DecisionPayload is the outcome of the scoring path.
type DecisionPayload struct {
	Raw           []float64 `json:"raw"`
	Corrected     []float64 `json:"corrected"`
	Class         string    `json:"class"`
	Confidence    float64   `json:"confidence"`
	Overridden    bool      `json:"overridden"`
	Thresholded   bool      `json:"thresholded"`
	MinConfidence float64   `json:"min_confidence"`
	Severity      int       `json:"severity"`
	Risk          string    `json:"risk"`
}

// AttributionPayload summarizes a heatmap. Raw values never leave the process.
type AttributionPayload struct {
	Class  string  `json:"class"`
	Layer  string  `json:"layer"`
	Height int     `json:"height"`
	Width  int     `json:"width"`
	Peak   float64 `json:"peak"`
	Cached bool    `json:"cached"`
}

type ModelInfo struct {
	Kind     string `json:"kind,omitempty"`
	Backbone string `json:"backbone,omitempty"`
	TapLayer string `json:"tap_layer,omitempty"`
}

type TimingMs struct {
	Predict     float64 `json:"predict,omitempty"`
	Score       float64 `json:"score,omitempty"`
	Attribution float64 `json:"attribution,omitempty"`
	Total       float64 `json:"total"`
}

// Event is the canonical audit record.
type Event struct {
	Version     string              `json:"version"`
	ID          string              `json:"id"`
	Timestamp   time.Time           `json:"timestamp"`
	Kind        Kind                `json:"kind"`
	Source      string              `json:"source,omitempty"`
	Model       ModelInfo           `json:"model"`
	Decision    *DecisionPayload    `json:"decision,omitempty"`
	Attribution *AttributionPayload `json:"attribution,omitempty"`
	Timing      TimingMs            `json:"timing_ms"`
	Error       string              `json:"error,omitempty"`
}

// NewEvent stamps a fresh event of the given kind.
func NewEvent(kind Kind) *Event {
	return &Event{
		Version:   EventVersion,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
	}
}

// Ms converts a duration to fractional milliseconds for the timing block.
func Ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
