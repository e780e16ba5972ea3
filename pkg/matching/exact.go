package matching

import (
	"slices"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/policy"
)

// MatchExact finds the candidates owning the draft's email as a verified
// address. One owner is a definite match. Several owners is a conflict and
// none is chosen. No email or an email-exempt system never matches.
func MatchExact(cfg *policy.Config, system string, keys DraftKeys, candidates []models.CandidateProfile) models.ExactResult {
	result := models.ExactResult{Email: keys.Email}
	if keys.Email == "" || cfg.IsEmailExempt(system) {
		return result
	}

	exempt := cfg.EmailExemptSystems()
	owners := []string{}
	for _, c := range candidates {
		if slices.Contains(c.VerifiedEmails(exempt), keys.Email) {
			owners = append(owners, c.Person.ID)
		}
	}
	slices.Sort(owners)

	switch len(owners) {
	case 0:
	case 1:
		result.PersonID = owners[0]
	default:
		result.Conflicting = owners
	}
	return result
}
