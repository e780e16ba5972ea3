package memstore

import (
	"slices"
	"sort"

	"github.com/Ramsey-B/clover/pkg/models"
)

// findCandidateHits mirrors the candidate query of the postgres person repository
func findCandidateHits(st *state, q models.CandidateQuery) []models.CandidateHit {
	linksByPerson := map[string][]models.ExternalAccountLink{}
	for _, l := range st.links {
		if l.TenantID == q.TenantID && l.IsActive() {
			linksByPerson[l.PersonID] = append(linksByPerson[l.PersonID], l)
		}
	}

	type scored struct {
		id      string
		score   float64
		signals []models.CoarseSignal
	}
	var ranked []scored
	for _, p := range st.persons {
		if p.TenantID != q.TenantID || p.Status == models.PersonStatusBot || p.MergedInto != nil {
			continue
		}
		if slices.Contains(q.ExcludePersons, p.ID) {
			continue
		}
		signals := personSignals(p, linksByPerson[p.ID], q)
		if len(signals) == 0 {
			continue
		}
		s := scored{id: p.ID, signals: signals}
		for _, sig := range signals {
			s.score += sig.Weight()
		}
		ranked = append(ranked, s)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	if q.Limit > 0 && len(ranked) > q.Limit {
		ranked = ranked[:q.Limit]
	}

	hits := []models.CandidateHit{}
	for _, s := range ranked {
		for _, sig := range s.signals {
			hits = append(hits, models.CandidateHit{PersonID: s.id, Signal: sig})
		}
	}
	return hits
}

func personSignals(p models.Person, links []models.ExternalAccountLink, q models.CandidateQuery) []models.CoarseSignal {
	var exactEmail, usernameForm, usernameBucket, nameToken, emailDomain bool

	if q.Email != "" && p.PrimaryEmail == q.Email {
		exactEmail = true
	}
	if q.EmailDomain != "" && p.PrimaryEmailDomain == q.EmailDomain {
		emailDomain = true
	}
	for _, tok := range p.NameTokens {
		if slices.Contains(q.NameTokens, tok) {
			nameToken = true
			break
		}
	}
	for _, l := range links {
		if q.Email != "" && l.EmailNormalized == q.Email {
			exactEmail = true
		}
		if q.EmailDomain != "" && l.EmailDomain == q.EmailDomain {
			emailDomain = true
		}
		if l.UsernameKey != "" && slices.Contains(q.UsernameForms, l.UsernameKey) {
			usernameForm = true
		}
		if q.UsernameBucket != "" && l.UsernameBucket == q.UsernameBucket {
			usernameBucket = true
		}
	}

	var signals []models.CoarseSignal
	if exactEmail {
		signals = append(signals, models.CoarseSignalExactEmail)
	}
	if usernameForm {
		signals = append(signals, models.CoarseSignalUsernameForm)
	}
	if usernameBucket {
		signals = append(signals, models.CoarseSignalUsernameBucket)
	}
	if nameToken {
		signals = append(signals, models.CoarseSignalNameToken)
	}
	if emailDomain {
		signals = append(signals, models.CoarseSignalEmailDomain)
	}
	return signals
}
