package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/straja-ai/cxrlens/internal/xray"
)

// LoadLabels reads a label_map.json as a list or an index map. A missing file means the
// fixed class order; a present file must agree with it.
func LoadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return xray.Labels(), nil
	}
	if err != nil {
		return nil, err
	}

	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil || len(labels) == 0 {
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		labels = make([]string, len(m))
		for k, v := range m {
			idx, convErr := strconv.Atoi(k)
			if convErr != nil {
				return nil, fmt.Errorf("invalid label index %q: %w", k, convErr)
			}
			if idx < 0 || idx >= len(m) {
				return nil, fmt.Errorf("label index %d out of range", idx)
			}
			labels[idx] = v
		}
	}

	want := xray.Labels()
	if len(labels) != len(want) {
		return nil, xray.Misconfigured("labels", "label map has %d classes, want %d", len(labels), len(want))
	}
	for i := range want {
		c, err := xray.ParseClass(labels[i])
		if err != nil || int(c) != i {
			return nil, xray.Misconfigured("labels", "label %d is %q, want %s", i, labels[i], want[i])
		}
	}
	return labels, nil
}
