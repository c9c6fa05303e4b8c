package ecash

import (
	"net/url"
	"strings"
)

// legacyMintPaths maps deprecated mint locations (host+path) to their current
// path. Keys are matched after host lowercasing and trailing slash removal.
var legacyMintPaths = map[string]string{
	"mint.minibits.cash/bitcoin": "/Bitcoin",
}

// NormalizeMintURL canonicalises a mint URL so that equivalent spellings
// compare equal: whitespace and trailing slashes are removed, the scheme and
// host are lowercased and known legacy paths are rewritten. Every comparison of
// mint identity must go through this function.
func NormalizeMintURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return strings.TrimRight(trimmed, "/")
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""
	if current, ok := legacyMintPaths[parsed.Host+parsed.Path]; ok {
		parsed.Path = current
	}
	return parsed.String()
}

// SameMint reports whether two mint URLs identify the same mint.
func SameMint(a, b string) bool {
	return NormalizeMintURL(a) == NormalizeMintURL(b)
}
