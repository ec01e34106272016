// Package ids provides identifier canonicalization and monotonic UTC
// timestamp formatting shared by every component that names a tenant,
// work order, module, step, or transaction.
package ids

import (
	"strings"
	"time"

	"workforge/internal/werrors"
)

// CanonicalizeForMatch trims an identifier and, for digit-only strings,
// strips leading zeros so that "007" and "7" compare equal. It rejects
// empty (post-trim) input.
func CanonicalizeForMatch(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", werrors.New(werrors.KindValidation, "identifier must not be empty")
	}
	if isDigits(trimmed) {
		stripped := strings.TrimLeft(trimmed, "0")
		if stripped == "" {
			// all-zero numeric id, e.g. "000" -> "0"
			stripped = "0"
		}
		return stripped, nil
	}
	return trimmed, nil
}

// CanonicalizeForStorage trims an identifier and, for digit-only strings,
// zero-pads to width. Non-numeric identifiers are returned trimmed and
// unchanged. It rejects empty (post-trim) input.
func CanonicalizeForStorage(s string, width int) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", werrors.New(werrors.KindValidation, "identifier must not be empty")
	}
	if isDigits(trimmed) {
		stripped := strings.TrimLeft(trimmed, "0")
		if stripped == "" {
			stripped = "0"
		}
		if len(stripped) >= width {
			return stripped, nil
		}
		return strings.Repeat("0", width-len(stripped)) + stripped, nil
	}
	return trimmed, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ReasonScope classifies a reason code as platform-global or module-scoped.
type ReasonScope int

const (
	// ReasonScopeGlobal composes reason codes with module_id forced to "000".
	ReasonScopeGlobal ReasonScope = 0
	// ReasonScopeModule composes reason codes against a specific module.
	ReasonScopeModule ReasonScope = 1
)

// ComposeReasonCode builds the 9-digit wire format G·CC·MMM·RRR.
// categoryID must be 0-99, moduleID either "000" (global) or a 1-999
// numeric module id, reasonID 1-999.
func ComposeReasonCode(scope ReasonScope, categoryID int, moduleID string, reasonID int) (string, error) {
	if categoryID < 0 || categoryID > 99 {
		return "", werrors.Newf(werrors.KindValidation, "category_id %d out of range [0,99]", categoryID)
	}
	if reasonID < 1 || reasonID > 999 {
		return "", werrors.Newf(werrors.KindValidation, "reason_id %d out of range [1,999]", reasonID)
	}

	moduleComponent := "000"
	if scope == ReasonScopeModule {
		padded, err := CanonicalizeForStorage(moduleID, 3)
		if err != nil {
			return "", err
		}
		if len(padded) != 3 {
			return "", werrors.Newf(werrors.KindValidation, "module_id %q does not fit 3 digits", moduleID)
		}
		moduleComponent = padded
	}

	g := "0"
	if scope == ReasonScopeModule {
		g = "1"
	}

	cc := zeroPad(categoryID, 2)
	rrr := zeroPad(reasonID, 3)

	return g + cc + moduleComponent + rrr, nil
}

func zeroPad(n int, width int) string {
	s := itoa(n)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// NowUTC returns the current time truncated to second precision in UTC.
var NowUTC = func() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// FormatTimestamp renders t as RFC3339 in UTC, the wire format used in
// every CSV/JSON record produced by this module.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
