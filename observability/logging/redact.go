package logging

import (
	"encoding/hex"
	"log/slog"
	"strings"

	"lukechampine.com/blake3"
)

// RedactedValue is the placeholder emitted for secrets.
const RedactedValue = "[REDACTED]"

// Keys whose values are safe to log verbatim.
var allowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"owner":     {},
	"mint":      {},
	"amount":    {},
	"state":     {},
	"outcome":   {},
}

// Bearer values that are redacted but fingerprinted so the same token or
// invoice can be followed across log lines.
var fingerprinted = map[string]struct{}{
	"token":   {},
	"invoice": {},
	"quote":   {},
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsAllowlisted reports whether key is logged without redaction.
func IsAllowlisted(key string) bool {
	_, ok := allowlist[normalizeKey(key)]
	return ok
}

// MaskValue redacts non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// Fingerprint returns a short digest of value for correlating redacted
// entries. It is not reversible.
func Fingerprint(value string) string {
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:4])
}

// MaskField builds a log attribute for key, redacting the value unless the key
// is allowlisted. Ecash tokens and invoices keep a fingerprint; seeds,
// signatures and anything unknown are fully masked.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	if _, ok := fingerprinted[normalizeKey(key)]; ok {
		return slog.String(key, "[REDACTED:"+Fingerprint(value)+"]")
	}
	return slog.String(key, RedactedValue)
}
