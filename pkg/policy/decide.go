package policy

import (
	"fmt"
	"slices"

	"github.com/Ramsey-B/clover/pkg/models"
)

type Kind string

const (
	KindAutoLink Kind = "auto_link"
	KindQueue    Kind = "queue"
	KindUnlinked Kind = "unlinked"
	KindConflict Kind = "conflict"
)

type Input struct {
	Exact models.ExactResult
	// Ranked is sorted by score descending, then person id
	Ranked []models.ScoredCandidate
}

// Decision is what should happen to one account. PersonID is set for
// AutoLink and names the best option for Queue.
type Decision struct {
	Kind       Kind
	PersonID   string
	Method     models.MatchMethod
	Confidence float64
	Options    []models.ScoredCandidate
	Reason     string
}

// Decide maps match results onto an outcome. It is pure: the same config,
// system and input always give the same decision.
func Decide(cfg *Config, system string, in Input) Decision {
	t := cfg.Thresholds(system)

	if in.Exact.IsConflict() {
		options := ConflictOptions(in.Exact.Email, in.Exact.Conflicting...)
		return Decision{
			Kind:       KindConflict,
			Method:     models.MatchMethodEmail,
			Confidence: 1,
			Options:    options,
			Reason:     fmt.Sprintf("verified email %s belongs to %d persons", in.Exact.Email, len(options)),
		}
	}

	if in.Exact.Matched() {
		return Decision{
			Kind:       KindAutoLink,
			PersonID:   in.Exact.PersonID,
			Method:     models.MatchMethodEmail,
			Confidence: 1,
			Reason:     "verified email match",
		}
	}

	if len(in.Ranked) == 0 {
		return Decision{Kind: KindUnlinked, Method: models.MatchMethodFuzzy, Reason: "no candidates"}
	}

	best := in.Ranked[0]
	aboveAuto := 0
	aboveReview := 0
	for _, c := range in.Ranked {
		if c.Score >= t.AutoLink {
			aboveAuto++
		}
		if c.Score >= t.Review {
			aboveReview++
		}
	}

	switch {
	case aboveAuto >= 2:
		return Decision{
			Kind:       KindQueue,
			PersonID:   best.PersonID,
			Method:     models.MatchMethodFuzzy,
			Confidence: best.Score,
			Options:    clone(in.Ranked[:aboveAuto]),
			Reason:     fmt.Sprintf("%d candidates at or above the auto-link threshold", aboveAuto),
		}
	case aboveAuto == 1:
		return Decision{
			Kind:       KindAutoLink,
			PersonID:   best.PersonID,
			Method:     models.MatchMethodFuzzy,
			Confidence: best.Score,
			Reason:     "fuzzy score at or above the auto-link threshold",
		}
	case aboveReview > 0:
		return Decision{
			Kind:       KindQueue,
			PersonID:   best.PersonID,
			Method:     models.MatchMethodFuzzy,
			Confidence: best.Score,
			Options:    clone(in.Ranked[:min(aboveReview, MaxOptions)]),
			Reason:     "fuzzy score between the review and auto-link thresholds",
		}
	}

	return Decision{
		Kind:       KindUnlinked,
		Method:     models.MatchMethodFuzzy,
		Confidence: best.Score,
		Reason:     "best fuzzy score below the review threshold",
	}
}

// ConflictOptions offers every Person claiming email, ordered by id
func ConflictOptions(email string, personIDs ...string) []models.ScoredCandidate {
	ids := slices.Clone(personIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	options := make([]models.ScoredCandidate, 0, len(ids))
	for _, id := range ids {
		options = append(options, models.ScoredCandidate{
			PersonID: id,
			Score:    1,
			Signals:  []models.Signal{{Name: "email", Score: 1, Weight: 1, Contribution: 1, Detail: email}},
		})
	}
	return options
}

func clone(in []models.ScoredCandidate) []models.ScoredCandidate {
	out := make([]models.ScoredCandidate, len(in))
	copy(out, in)
	return out
}
