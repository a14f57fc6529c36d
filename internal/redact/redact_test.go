package redact

import (
	"strings"
	"testing"
)

func TestStringRedaction(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		disallow []string
		require  []string
	}{
		{
			name:     "medical record number",
			input:    "loaded study mrn: 00412345 for review",
			disallow: []string{"00412345"},
			require:  []string{"mrn: [REDACTED]", "for review"},
		},
		{
			name:     "patient name quoted",
			input:    `patient_name="Jane Roe" class=VIRAL_PNEUMONIA`,
			disallow: []string{"Jane", "Roe"},
			require:  []string{"patient_name=[REDACTED]", "class=VIRAL_PNEUMONIA"},
		},
		{
			name:     "accession and dob",
			input:    "accession_no=ACX-77812 dob=1961-04-12",
			disallow: []string{"ACX-77812", "1961-04-12"},
			require:  []string{"accession_no=[REDACTED]", "dob=[REDACTED]"},
		},
		{
			name:     "bare identifiers and dates",
			input:    "file P-004211 scanned 2024-02-19",
			disallow: []string{"P-004211", "2024-02-19"},
			require:  []string{"[ID]", "[DATE]"},
		},
		{
			name:     "pacs url",
			input:    "fetched https://pacs.example.org/studies/P-004211/image.dcm?token=abc123",
			disallow: []string{"studies/P-004211", "abc123"},
			require:  []string{"https://pacs.example.org/image.dcm"},
		},
		{
			name:     "bearer and key",
			input:    "Bearer abcdef key=supersecret",
			disallow: []string{"abcdef", "supersecret"},
			require:  []string{"[REDACTED]"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := String(tc.input)
			for _, bad := range tc.disallow {
				if bad != "" && contains(out, bad) {
					t.Fatalf("output still contains %q: %s", bad, out)
				}
			}
			for _, want := range tc.require {
				if want == "" {
					continue
				}
				if !contains(out, want) {
					t.Fatalf("output missing required substring %q: %s", want, out)
				}
			}
		})
	}
}

func TestPathKeepsFileName(t *testing.T) {
	got := Path("/archive/P-004211/2024-02-19/frontal.png")
	if got != "frontal.png" {
		t.Fatalf("expected bare file name, got %q", got)
	}
	if got := Path("/archive/P-004211.png"); contains(got, "004211") {
		t.Fatalf("identifier leaked through file name: %q", got)
	}
	if Path("") != "" {
		t.Fatalf("empty path must stay empty")
	}
}

func TestAttr(t *testing.T) {
	a := Attr("detail", "mrn=123456")
	if contains(a.Value.String(), "123456") {
		t.Fatalf("attr not redacted: %s", a.Value.String())
	}
}

func contains(s, sub string) bool {
	return s != "" && sub != "" && strings.Contains(s, sub)
}
