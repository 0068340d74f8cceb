package source

import "strings"

// DefaultIDLength is the content id length used when neither the provider
// nor the configuration says otherwise.
const DefaultIDLength = 7

// defaultIDLengths holds provider-specific defaults.
var defaultIDLengths = map[string]int{
	"oci": 12,
}

// IDLength returns the content id length for the named provider.
func (o Options) IDLength(provider string) int {
	if n, ok := o.IDLengths[provider]; ok && n > 0 {
		return n
	}
	if n, ok := defaultIDLengths[provider]; ok {
		return n
	}
	return DefaultIDLength
}

// shortID truncates a full identifier (commit hash, digest) to n characters,
// lowercased. Identifiers shorter than n are returned whole.
func shortID(full string, n int) string {
	full = strings.ToLower(strings.TrimSpace(full))
	if n <= 0 || len(full) <= n {
		return full
	}
	return full[:n]
}

// isCommitHash reports whether s is a full 40-character hex SHA-1 hash.
func isCommitHash(s string) bool {
	return len(s) == 40 && isHexString(s)
}

// isShortCommitHash reports whether s looks like an abbreviated commit hash (7-39 hex chars).
func isShortCommitHash(s string) bool {
	return len(s) >= 7 && len(s) < 40 && isHexString(s)
}

// looksLikeCommit reports whether ref is a full or abbreviated commit hash
// rather than a branch or tag name.
func looksLikeCommit(ref string) bool {
	return isCommitHash(ref) || isShortCommitHash(ref)
}

// isHexString reports whether s is non-empty and contains only hexadecimal characters.
func isHexString(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
