package memstore

import (
	"slices"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func clonePerson(p models.Person) models.Person {
	p.NameTokens = slices.Clone(p.NameTokens)
	p.HireDate = cloneTime(p.HireDate)
	p.MergedInto = cloneString(p.MergedInto)
	return p
}

func cloneLink(l models.ExternalAccountLink) models.ExternalAccountLink {
	l.AccountCreatedAt = cloneTime(l.AccountCreatedAt)
	l.MatchConfidence = cloneFloat(l.MatchConfidence)
	l.ExcludedPersonIDs = slices.Clone(l.ExcludedPersonIDs)
	l.DecidedAt = cloneTime(l.DecidedAt)
	return l
}

func cloneReview(e models.ReviewQueueEntry) models.ReviewQueueEntry {
	e.CandidatePersonID = cloneString(e.CandidatePersonID)
	e.ChosenPersonID = cloneString(e.ChosenPersonID)
	e.DecidedAt = cloneTime(e.DecidedAt)
	options := make([]models.ScoredCandidate, len(e.Options))
	for i, o := range e.Options {
		o.Signals = slices.Clone(o.Signals)
		options[i] = o
	}
	e.Options = options
	return e
}

func cloneAudit(r models.AuditRecord) models.AuditRecord {
	r.PreviousPersonID = cloneString(r.PreviousPersonID)
	r.NewPersonID = cloneString(r.NewPersonID)
	r.Confidence = cloneFloat(r.Confidence)
	return r
}
