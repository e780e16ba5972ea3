package normalizers

import (
	"strings"
	"unicode"
)

var botSuffixes = []string{"[bot]", "-bot", "_bot"}

// UsernameKey collapses punctuation and case variants of a handle into one key.
// "@J.Smith", "j_smith" and "jsmith[bot]" all key to "jsmith".
func UsernameKey(s string) string {
	return Alphanumeric(StripDiacritics(trimHandle(s)))
}

// trimHandle drops the leading '@' and any bot suffix, preserving case
func trimHandle(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "@")
	lower := strings.ToLower(s)
	for _, suffix := range botSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return s[:len(s)-len(suffix)]
		}
	}
	return s
}

// UsernameTokens splits a handle on '.', '_', '-' and camel-case boundaries.
// Purely numeric tokens are dropped.
func UsernameTokens(s string) []string {
	s = trimHandle(s)
	tokens := []string{}
	var cur []rune
	flush := func() {
		if len(cur) == 0 {
			return
		}
		tok := Alphanumeric(StripDiacritics(string(cur)))
		cur = cur[:0]
		if tok == "" || strings.IndexFunc(tok, unicode.IsLetter) < 0 {
			return
		}
		tokens = append(tokens, tok)
	}

	var prev rune
	for i, r := range s {
		switch {
		case r == '.' || r == '_' || r == '-' || unicode.IsSpace(r):
			flush()
		case i > 0 && unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
		prev = r
	}
	flush()
	return tokens
}

// UsernameBucket is the coarse retrieval bucket of a username key: its first three runes.
// Keys shorter than that have no bucket.
func UsernameBucket(key string) string {
	r := []rune(key)
	if len(r) < 3 {
		return ""
	}
	return string(r[:3])
}
