// Package canonicalkey derives deterministic, normalized keys from raw
// conversation text. It is pure and total: every string has a canonical key,
// and the same input always produces the same output on any platform.
package canonicalkey

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// maxKeyBytes is the byte budget for a canonical key before truncation.
const maxKeyBytes = 200

// truncatedBytes is how much of the normalized key survives truncation,
// leaving room for the "_" + 8 hex char MD5 suffix.
const truncatedBytes = 191

// Context carries optional scoping information for key derivation.
type Context struct {
	// Project, when set, is prefixed onto the key as "{project}::".
	Project string
}

// Canonical normalizes text into a deterministic grouping key:
//  1. Unicode NFKC normalize
//  2. lowercase
//  3. strip characters that are not letters, numbers, or whitespace
//  4. collapse whitespace runs to a single space and trim
//  5. prefix with "{project}::" if ctx.Project is set
//  6. if the result exceeds 200 bytes, truncate to 191 bytes and append
//     "_" + first 8 hex chars of MD5(full key)
func Canonical(text string, ctx *Context) string {
	normalized := norm.NFKC.String(text)
	lowered := strings.ToLower(normalized)

	var b strings.Builder
	b.Grow(len(lowered))
	lastWasSpace := false
	for _, r := range lowered {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			lastWasSpace = false
		case unicode.IsSpace(r):
			if !lastWasSpace {
				b.WriteRune(' ')
			}
			lastWasSpace = true
		default:
			// dropped: not a letter, number, or whitespace
		}
	}
	key := strings.TrimSpace(b.String())

	if ctx != nil && ctx.Project != "" {
		key = ctx.Project + "::" + key
	}

	if len(key) <= maxKeyBytes {
		return key
	}

	sum := md5.Sum([]byte(key))
	suffix := fmt.Sprintf("_%x", sum[:4])
	return truncateToValidUTF8(key, truncatedBytes) + suffix
}

// truncateToValidUTF8 truncates s to at most n bytes without splitting a
// multi-byte rune in half.
func truncateToValidUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// DedupeKey derives the idempotency key for an event: the session it
// belongs to combined with a content hash, so identical content in
// different sessions never collides.
func DedupeKey(content, sessionID string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s:%x", sessionID, sum)
}
