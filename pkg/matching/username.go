package matching

import (
	"strings"

	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// minPatternLen drops generated handles too short to be evidence of anything
const minPatternLen = 3

// NamePatterns returns the handles people commonly derive from their name:
// firstlast, lastfirst, flast, firstl, fmlast and lastf. Input tokens must
// already be normalized. Single-token names yield that token only.
func NamePatterns(tokens []string) []string {
	switch len(tokens) {
	case 0:
		return nil
	case 1:
		return keep([]string{tokens[0]})
	}

	first, last := tokens[0], tokens[len(tokens)-1]
	f, l := initial(first), initial(last)
	patterns := []string{
		first + last,
		last + first,
		f + last,
		first + l,
		last + f,
	}
	if len(tokens) > 2 {
		var middle strings.Builder
		for _, m := range tokens[1 : len(tokens)-1] {
			middle.WriteString(initial(m))
		}
		patterns = append(patterns, f+middle.String()+last)
	}
	return keep(patterns)
}

func initial(token string) string {
	for _, r := range token {
		return string(r)
	}
	return ""
}

func keep(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	seen := map[string]bool{}
	for _, p := range patterns {
		p = normalizers.Alphanumeric(p)
		if len(p) < minPatternLen || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// usernameForms returns every key the account may plausibly be known under:
// its own username key plus the patterns of its name and username tokens.
func usernameForms(usernameKey string, nameTokens, usernameTokens []string) []string {
	forms := []string{}
	if len(usernameKey) >= minPatternLen {
		forms = append(forms, usernameKey)
	}
	forms = append(forms, NamePatterns(nameTokens)...)
	if len(usernameTokens) > 1 {
		forms = append(forms, NamePatterns(usernameTokens)...)
	}
	return keep(forms)
}
