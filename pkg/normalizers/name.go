package normalizers

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nameSuffixes = map[string]bool{
	"jr": true, "sr": true, "ii": true, "iii": true, "iv": true,
	"phd": true, "md": true, "dds": true, "esq": true,
}

// StripDiacritics decomposes s and drops the combining marks, so "José" becomes "Jose"
func StripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName produces the comparable form of a person's name:
// lowercase, no diacritics, no punctuation, no generational or academic
// suffixes, and "Last, First" flipped to "first last".
func NormalizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if parts := strings.SplitN(s, ",", 2); len(parts) == 2 {
		last, first := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		// "Smith, Jr." is a suffix, not a flipped name
		if last != "" && first != "" && !nameSuffixes[Alphanumeric(first)] {
			s = first + " " + last
		} else {
			s = last + " " + first
		}
	}

	s = strings.ToLower(StripDiacritics(s))

	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '.':
			b.WriteRune(' ')
		}
	}

	tokens := strings.Fields(b.String())
	kept := tokens[:0]
	for i, tok := range tokens {
		if i > 0 && nameSuffixes[tok] {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

// NameTokens returns the whitespace tokens of the normalized name
func NameTokens(s string) []string {
	return strings.Fields(NormalizeName(s))
}
