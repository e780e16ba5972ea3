package models

import (
	"time"
)

// ReviewStatus is the lifecycle state of a review queue entry
type ReviewStatus string

const (
	ReviewStatusPending    ReviewStatus = "pending"
	ReviewStatusAccepted   ReviewStatus = "accepted"
	ReviewStatusRejected   ReviewStatus = "rejected"
	ReviewStatusRelinked   ReviewStatus = "relinked"
	ReviewStatusSuperseded ReviewStatus = "superseded"
)

// ReviewQueueEntry is a suggested (account, Person) pairing awaiting a human decision
type ReviewQueueEntry struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	LinkID            string            `json:"link_id"`
	CandidatePersonID *string           `json:"candidate_person_id,omitempty"`
	Confidence        float64           `json:"confidence"`
	Conflict          bool              `json:"conflict"`
	Options           []ScoredCandidate `json:"options"`
	Reason            string            `json:"reason,omitempty"`
	Status            ReviewStatus      `json:"status"`
	ChosenPersonID    *string           `json:"chosen_person_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	DecidedAt         *time.Time        `json:"decided_at,omitempty"`
	DecidedBy         string            `json:"decided_by,omitempty"`
}

// HasOption reports whether personID was offered by the entry
func (e *ReviewQueueEntry) HasOption(personID string) bool {
	for _, option := range e.Options {
		if option.PersonID == personID {
			return true
		}
	}
	return false
}

// OptionPersonIDs returns the offered Person IDs in rank order
func (e *ReviewQueueEntry) OptionPersonIDs() []string {
	ids := make([]string, 0, len(e.Options))
	for _, option := range e.Options {
		ids = append(ids, option.PersonID)
	}
	return ids
}

// ReviewFilter narrows list_pending
type ReviewFilter struct {
	System   string
	PersonID string
	Conflict *bool
	Limit    int
	Offset   int
}

// ReviewDecisionRequest is the body of accept/relink
type ReviewDecisionRequest struct {
	PersonID string `json:"person_id" validate:"required"`
}
