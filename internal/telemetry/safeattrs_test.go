package telemetry

import (
	"context"
	"strings"
	"testing"
)

func TestSafeAttributesFiltersIdentifiers(t *testing.T) {
	kvs := map[string]interface{}{
		"patient_id":    "P-0042",
		"patient_name":  "Jane Roe",
		"mrn":           "123456",
		"image_path":    "/data/P-0042/cxr.png",
		"authorization": "secret",
		"cxrlens.class": "VIRAL_PNEUMONIA",
		"cxrlens.layer": "out_relu",
		"long_string":   strings.Repeat("x", 300),
		"overridden":    true,
	}

	attrs := SafeAttributes(kvs)
	keys := map[string]bool{}
	for _, a := range attrs {
		keys[string(a.Key)] = true
	}
	for _, bad := range []string{"patient_id", "patient_name", "mrn", "image_path", "authorization", "long_string"} {
		if keys[bad] {
			t.Fatalf("unexpected unsafe attribute %s", bad)
		}
	}
	for _, want := range []string{"cxrlens.class", "cxrlens.layer", "overridden"} {
		if !keys[want] {
			t.Fatalf("expected attribute %s to be kept", want)
		}
	}
	for i := 1; i < len(attrs); i++ {
		if attrs[i-1].Key > attrs[i].Key {
			t.Fatalf("attributes not sorted: %v", attrs)
		}
	}
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Enabled {
		t.Fatalf("expected disabled provider")
	}
	p.RecordScore(context.Background(), "NORMAL", false, false, 0, 1.5)
	p.RecordAttribution(context.Background(), "NORMAL", "out_relu", true, 3)
	p.Shutdown(context.Background())

	var nilProvider *Provider
	nilProvider.RecordScore(context.Background(), "NORMAL", true, true, 1, 1)
	if nilProvider.Tracer() == nil || nilProvider.Meter() == nil {
		t.Fatalf("nil provider must still hand out no-op instruments")
	}
}
