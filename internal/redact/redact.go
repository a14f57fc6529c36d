// Package redact scrubs patient identifiers and credentials from free-form strings
// before they reach logs, audit trails or telemetry.
package redact

import (
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	bearerRe     = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._\-+/=]+)`)
	mrnRe        = regexp.MustCompile(`(?i)\b(mrn|medical[_ ]record(?:[_ ]number)?)(\s*[:=#]\s*)([A-Za-z0-9\-]+)`)
	patientRe    = regexp.MustCompile(`(?i)\b(patient(?:[_ ]?(?:id|name))?)(\s*[:=]\s*)("[^"]*"|'[^']*'|[^\s,;]+)`)
	accessionRe  = regexp.MustCompile(`(?i)\b(accession(?:[_ ]?(?:no|number))?)(\s*[:=#]\s*)([A-Za-z0-9\-]+)`)
	dobRe        = regexp.MustCompile(`(?i)\b(dob|date[_ ]of[_ ]birth|birth[_ ]?date)(\s*[:=]\s*)(\S+)`)
	isoDateRe    = regexp.MustCompile(`\b(19|20)\d{2}-\d{2}-\d{2}\b`)
	tokenishRe   = regexp.MustCompile(`(?i)\b(key|token|secret)\s*[:=]\s*([A-Za-z0-9._\-+/=]{6,})`)
	urlRe        = regexp.MustCompile(`https?://[^\s"'<>]+`)
	identifierRe = regexp.MustCompile(`(?i)\b(?:P|MRN|ACC)-?\d{4,}\b`)
)

// String redacts known identifier and secret patterns from s.
func String(s string) string {
	if s == "" {
		return s
	}

	out := s
	out = bearerRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = mrnRe.ReplaceAllString(out, "${1}${2}[REDACTED]")
	out = patientRe.ReplaceAllString(out, "${1}${2}[REDACTED]")
	out = accessionRe.ReplaceAllString(out, "${1}${2}[REDACTED]")
	out = dobRe.ReplaceAllString(out, "${1}${2}[REDACTED]")
	out = tokenishRe.ReplaceAllStringFunc(out, func(s string) string {
		matches := tokenishRe.FindStringSubmatch(s)
		if len(matches) < 3 || strings.Contains(s, "[REDACTED]") {
			return s
		}
		return matches[1] + "=[REDACTED]"
	})
	out = urlRe.ReplaceAllStringFunc(out, redactURL)
	out = isoDateRe.ReplaceAllString(out, "[DATE]")
	out = identifierRe.ReplaceAllString(out, "[ID]")
	for strings.Contains(out, "[REDACTED][REDACTED]") {
		out = strings.ReplaceAll(out, "[REDACTED][REDACTED]", "[REDACTED]")
	}
	return out
}

// Path keeps only the file name of p, with identifiers removed. Directory components
// in imaging archives routinely encode the patient.
func Path(p string) string {
	if p == "" {
		return p
	}
	return String(filepath.Base(p))
}

// Any formats the value with %+v and redacts it.
func Any(v any) string {
	return String(fmt.Sprintf("%+v", v))
}

// Sprintf formats like fmt.Sprintf and redacts the result.
func Sprintf(format string, args ...interface{}) string {
	return String(fmt.Sprintf(format, args...))
}

// Attr is a slog string attribute with its value redacted.
func Attr(key, value string) slog.Attr {
	return slog.String(key, String(value))
}

// PathAttr is a slog attribute carrying a redacted file name.
func PathAttr(key, p string) slog.Attr {
	return slog.String(key, Path(p))
}

func redactURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "[REDACTED_URL]"
	}

	host := u.Host
	if strings.HasSuffix(trimmed, "/") {
		return fmt.Sprintf("%s://%s/[REDACTED_PATH]", u.Scheme, host)
	}

	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "." || base == "/" || base == "" {
		return fmt.Sprintf("%s://%s/[REDACTED_PATH]", u.Scheme, host)
	}
	return fmt.Sprintf("%s://%s/%s", u.Scheme, host, base)
}
