// Package matching narrows the Person population for a draft and scores the survivors
package matching

import (
	"strings"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/policy"
)

// DraftKeys are the normalized comparison keys of one draft, computed once per resolve
type DraftKeys struct {
	Email          string
	EmailDomain    string
	UsernameKey    string
	UsernameTokens []string
	UsernameBucket string
	// Name is the normalized display name, or the username tokens joined
	// when the username splits into several tokens
	Name          string
	NameTokens    []string
	UsernameForms []string
}

func KeysFor(cfg *policy.Config, d models.ExternalAccountDraft) DraftKeys {
	k := DraftKeys{
		Email:          cfg.NormalizeEmail(d.Email),
		UsernameKey:    normalizers.UsernameKey(d.Username),
		UsernameTokens: normalizers.UsernameTokens(d.Username),
	}
	k.EmailDomain = normalizers.EmailDomain(k.Email)
	k.UsernameBucket = normalizers.UsernameBucket(k.UsernameKey)

	k.NameTokens = normalizers.NameTokens(d.DisplayName)
	if len(k.NameTokens) == 0 && len(k.UsernameTokens) > 1 {
		k.NameTokens = k.UsernameTokens
	}
	k.Name = strings.Join(k.NameTokens, " ")
	k.UsernameForms = usernameForms(k.UsernameKey, k.NameTokens, k.UsernameTokens)
	return k
}

// Query builds the coarse candidate query for the keys
func (k DraftKeys) Query(cfg *policy.Config, tenantID string, exclude []string) models.CandidateQuery {
	q := models.CandidateQuery{
		TenantID:       tenantID,
		Email:          k.Email,
		UsernameForms:  k.UsernameForms,
		UsernameBucket: k.UsernameBucket,
		NameTokens:     k.NameTokens,
		ExcludePersons: exclude,
		Limit:          cfg.CandidateLimit(),
	}
	if k.EmailDomain != "" && !cfg.IsPublicDomain(k.EmailDomain) {
		q.EmailDomain = k.EmailDomain
	}
	return q
}
