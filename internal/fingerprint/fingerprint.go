package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Kind prefixes a fingerprint so that the same text under different failure
// classes never collides.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindDispatch   Kind = "dispatch"
	KindTruncated  Kind = "truncated"
	KindMalformed  Kind = "malformed"
	KindValidation Kind = "validation"
	KindCollection Kind = "collection"
	KindBudget     Kind = "budget"
	KindAbandoned  Kind = "abandoned"
	KindInternal   Kind = "internal"
)

// Normalize rewrites volatile fragments (timestamps, addresses, line numbers,
// durations) so that two occurrences of the same failure compare equal.
func (r *Rules) Normalize(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		for _, rule := range r.Rewrites {
			line = rule.re.ReplaceAllString(line, rule.Replace)
		}
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// Signature returns the normalized lines the fingerprint is computed over:
// the root-cause lines when any exist, otherwise the leading lines.
func (r *Rules) Signature(text string) string {
	normalized := r.Normalize(text)
	if normalized == "" {
		return ""
	}
	lines := strings.Split(normalized, "\n")

	var picked []string
	for _, line := range lines {
		if r.isRootCause(line) && !r.isLowSignalLine(line) {
			picked = append(picked, line)
			if len(picked) == r.MaxSignatureLines {
				break
			}
		}
	}
	if len(picked) == 0 {
		if len(lines) > r.MaxSignatureLines {
			lines = lines[:r.MaxSignatureLines]
		}
		picked = lines
	}
	return strings.Join(picked, "\n")
}

// Compute returns "<kind>:<16 hex chars>" for text. Empty text still
// yields a stable key for the kind.
func (r *Rules) Compute(kind Kind, text string) string {
	hash := sha256.Sum256([]byte(string(kind) + "\x00" + r.Signature(text)))
	return fmt.Sprintf("%s:%x", kind, hash[:8])
}

// IsLowSignal reports whether text carries no actionable detail: it is empty
// or every line is generic.
func (r *Rules) IsLowSignal(text string) bool {
	normalized := r.Normalize(text)
	if normalized == "" {
		return true
	}
	for _, line := range strings.Split(normalized, "\n") {
		if !r.isLowSignalLine(line) {
			return false
		}
	}
	return true
}

// RootCause returns the first normalized line that looks like a root cause,
// or "" when none does.
func (r *Rules) RootCause(text string) string {
	for _, line := range strings.Split(r.Normalize(text), "\n") {
		if line != "" && r.isRootCause(line) && !r.isLowSignalLine(line) {
			return line
		}
	}
	return ""
}

// KindOf extracts the kind prefix of a fingerprint.
func KindOf(fp string) Kind {
	kind, _, ok := strings.Cut(fp, ":")
	if !ok {
		return ""
	}
	return Kind(kind)
}

func (r *Rules) isLowSignalLine(line string) bool {
	for _, re := range r.lowSignal {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func (r *Rules) isRootCause(line string) bool {
	for _, re := range r.rootCause {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
