// Package replay re-runs recorded probability vectors through the scoring path and
// reports any drift in decision, gating or severity.
package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/straja-ai/cxrlens/internal/xray"
)

// Expected is the recorded outcome of a case.
type Expected struct {
	Class       string `json:"class"`
	Overridden  bool   `json:"overridden"`
	Thresholded bool   `json:"thresholded"`
	Severity    int    `json:"severity"`
}

// Case is one regression vector.
type Case struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Raw  xray.Probs `json:"raw"`
	// MinConfidence overrides the gate threshold for this case; 0 keeps the default.
	MinConfidence float64  `json:"min_confidence,omitempty"`
	Expected      Expected `json:"expected"`
}

// Fixture is the JSON file format.
type Fixture struct {
	Description string `json:"description"`
	Cases       []Case `json:"cases"`
}

// LoadFixture reads a fixture. Cases without an id get a fresh one so they can be
// stored.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Cases))
	for i := range f.Cases {
		c := &f.Cases[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("fixture %s: duplicate case id %q", path, c.ID)
		}
		seen[c.ID] = true
		if c.Expected.Class != "" {
			if _, err := xray.ParseClass(c.Expected.Class); err != nil {
				return nil, fmt.Errorf("fixture %s: case %q: %w", path, c.Name, err)
			}
		}
	}
	return &f, nil
}

// WriteFixture writes f as indented JSON.
func WriteFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}
