package matching

import (
	"math"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Levenshtein returns 1 - distance/max(len) over runes. Two empty strings are identical.
func Levenshtein(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// BestSimilarity returns the highest Levenshtein similarity of a against any
// of forms, and the form that produced it. Empty inputs score 0.
func BestSimilarity(a string, forms []string) (float64, string) {
	if a == "" {
		return 0, ""
	}
	best, bestForm := 0.0, ""
	for _, f := range forms {
		if f == "" {
			continue
		}
		if s := Levenshtein(a, f); s > best {
			best, bestForm = s, f
			if best == 1 {
				break
			}
		}
	}
	return best, bestForm
}

// clamp01 bounds a score to [0, 1] and rounds away float noise so identical
// inputs always produce byte-identical scores.
func clamp01(v float64) float64 {
	v = math.Round(v*1e9) / 1e9
	return math.Max(0, math.Min(1, v))
}
