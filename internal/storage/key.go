package storage

import (
	"strings"
	"unicode"
)

const maxSanitizedNameLen = 180

// sanitizeFilename strips path separators and anything outside a safe
// charset, then bounds the result's length. The storage key is the sole
// source of truth for object identity (SPEC_FULL.md §4.2); the sanitized
// name only affects display and the derived key, never lookups.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == '\x00':
			continue
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		out = "file"
	}
	if len(out) > maxSanitizedNameLen {
		out = out[:maxSanitizedNameLen]
	}
	return out
}

// DeriveStorageKey computes the deterministic {share_id}/{sanitized_filename}
// key scheme from SPEC_FULL.md §4.2.
func DeriveStorageKey(shareID, originalName string) string {
	return shareID + "/" + sanitizeFilename(originalName)
}
