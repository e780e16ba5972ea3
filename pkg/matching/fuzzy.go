package matching

import (
	"fmt"
	"slices"
	"sort"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/policy"
)

const (
	SignalName     = "name"
	SignalUsername = "username"
	SignalDomain   = "domain"
	SignalActivity = "activity"

	publicDomainScore = 0.25
	orgDomainScore    = 0.5
)

// Score computes the weighted confidence of every candidate. The result is
// ranked by score descending, then person id ascending. Scoring reads no clock
// and no randomness, so identical inputs give identical output.
func Score(cfg *policy.Config, draft models.ExternalAccountDraft, keys DraftKeys, candidates []models.CandidateProfile) []models.ScoredCandidate {
	w := cfg.Weights()
	out := make([]models.ScoredCandidate, 0, len(candidates))

	for _, c := range candidates {
		name, nameDetail := nameScore(keys, c)
		user, userDetail := usernameScore(keys, c)
		domain, domainDetail := domainScore(cfg, keys, c)

		signals := []models.Signal{
			{Name: SignalName, Score: name, Weight: w.Name, Contribution: w.Name * name, Detail: nameDetail},
			{Name: SignalUsername, Score: user, Weight: w.Username, Contribution: w.Username * user, Detail: userDetail},
			{Name: SignalDomain, Score: domain, Weight: w.Domain, Contribution: w.Domain * domain, Detail: domainDetail},
		}
		total := w.Name*name + w.Username*user + w.Domain*domain

		if penalty, detail, ok := activityPenalty(cfg, draft, c); ok {
			signals = append(signals, models.Signal{Name: SignalActivity, Score: 1, Weight: penalty, Contribution: -penalty, Detail: detail})
			total -= penalty
		}

		out = append(out, models.ScoredCandidate{
			PersonID: c.Person.ID,
			Score:    clamp01(total),
			Signals:  signals,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PersonID < out[j].PersonID
	})
	return out
}

func nameScore(keys DraftKeys, c models.CandidateProfile) (float64, string) {
	candidate := normalizers.NormalizeName(c.DisplayName())
	if keys.Name == "" || candidate == "" {
		return 0, "no name to compare"
	}
	return clamp01(Levenshtein(keys.Name, candidate)), fmt.Sprintf("%q vs %q", keys.Name, candidate)
}

// candidateForms returns the known username keys of a candidate and every
// handle predictable from its name or those usernames
func candidateForms(c models.CandidateProfile) (known, forms []string) {
	for _, l := range c.Links {
		if l.UsernameKey == "" {
			continue
		}
		if !slices.Contains(known, l.UsernameKey) {
			known = append(known, l.UsernameKey)
		}
		forms = append(forms, l.UsernameKey)
		if tokens := normalizers.UsernameTokens(l.Username); len(tokens) > 1 {
			forms = append(forms, NamePatterns(tokens)...)
		}
	}
	forms = append(forms, NamePatterns(normalizers.NameTokens(c.DisplayName()))...)
	return known, keep(forms)
}

func usernameScore(keys DraftKeys, c models.CandidateProfile) (float64, string) {
	if keys.UsernameKey == "" {
		return 0, "no username"
	}
	known, forms := candidateForms(c)
	if slices.Contains(forms, keys.UsernameKey) {
		return 1, fmt.Sprintf("%q is a known form of the candidate", keys.UsernameKey)
	}
	for _, k := range known {
		if slices.Contains(keys.UsernameForms, k) {
			return 1, fmt.Sprintf("candidate username %q is a form of the draft", k)
		}
	}
	best, form := BestSimilarity(keys.UsernameKey, forms)
	if form == "" {
		return 0, "candidate has no username forms"
	}
	return clamp01(best), fmt.Sprintf("closest form %q", form)
}

func domainScore(cfg *policy.Config, keys DraftKeys, c models.CandidateProfile) (float64, string) {
	if keys.EmailDomain == "" {
		return 0, "no email domain"
	}
	if slices.Contains(c.EmailDomains(), keys.EmailDomain) {
		if cfg.IsPublicDomain(keys.EmailDomain) {
			return publicDomainScore, "shared public mail domain " + keys.EmailDomain
		}
		return 1, "shared domain " + keys.EmailDomain
	}
	if cfg.IsOrgDomain(keys.EmailDomain) {
		return orgDomainScore, "organization domain " + keys.EmailDomain
	}
	return 0, "no shared domain"
}

// activityPenalty applies when the account existed well before the Person was hired
func activityPenalty(cfg *policy.Config, draft models.ExternalAccountDraft, c models.CandidateProfile) (float64, string, bool) {
	if cfg.ActivityPenalty() == 0 || cfg.IsActivityExempt(draft.System) {
		return 0, "", false
	}
	if draft.AccountCreatedAt == nil || c.Person.HireDate == nil {
		return 0, "", false
	}
	if c.Person.HireDate.Sub(*draft.AccountCreatedAt) <= cfg.ActivityGrace() {
		return 0, "", false
	}
	return cfg.ActivityPenalty(), fmt.Sprintf("account created %s, person hired %s",
		draft.AccountCreatedAt.Format("2006-01-02"), c.Person.HireDate.Format("2006-01-02")), true
}
