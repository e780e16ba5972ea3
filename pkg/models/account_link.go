package models

import (
	"time"
)

// MatchMethod records how a link was decided
type MatchMethod string

const (
	MatchMethodEmail  MatchMethod = "email"  // Verified email equality
	MatchMethodFuzzy  MatchMethod = "fuzzy"  // Weighted similarity score
	MatchMethodManual MatchMethod = "manual" // Human relink/override
)

// LinkState is the lifecycle state of an ExternalAccountLink
type LinkState string

const (
	LinkStateAutoLinked    LinkState = "auto-linked"
	LinkStatePendingReview LinkState = "pending-review"
	LinkStateConfirmed     LinkState = "confirmed"
	LinkStateRejected      LinkState = "rejected"
	LinkStateSuperseded    LinkState = "superseded"
)

// SystemActor is the decided_by value for automatic decisions
const SystemActor = "system"

// ExternalAccountLink ties one account in one source system to exactly one Person
type ExternalAccountLink struct {
	ID                string      `json:"id"`
	TenantID          string      `json:"tenant_id"`
	PersonID          string      `json:"person_id"`
	System            string      `json:"system"`
	ExternalID        string      `json:"external_id"`
	Username          string      `json:"external_username,omitempty"`
	UsernameKey       string      `json:"-"`
	UsernameBucket    string      `json:"-"`
	Email             string      `json:"external_email,omitempty"`
	EmailNormalized   string      `json:"-"`
	EmailDomain       string      `json:"-"`
	EmailVerified     bool        `json:"email_verified"`
	DisplayName       string      `json:"display_name,omitempty"`
	AccountCreatedAt  *time.Time  `json:"account_created_at,omitempty"`
	MatchMethod       MatchMethod `json:"match_method"`
	MatchConfidence   *float64    `json:"match_confidence"`
	LinkState         LinkState   `json:"link_state"`
	ExcludedPersonIDs []string    `json:"excluded_person_ids,omitempty"`
	Fingerprint       string      `json:"-"`
	ObservedAt        time.Time   `json:"observed_at"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	DecidedAt         *time.Time  `json:"decided_at,omitempty"`
	DecidedBy         string      `json:"decided_by"`
	Version           int         `json:"version"`
}

// IsActive reports whether the link currently counts as an account of its Person
func (l *ExternalAccountLink) IsActive() bool {
	return l.LinkState != LinkStateRejected && l.LinkState != LinkStateSuperseded
}

// HasVerifiedEmail reports whether the link's email may be used for exact matching.
// Confirmed links always qualify. Auto-linked ones qualify when the source verified
// the address or the link itself came from an email match.
func (l *ExternalAccountLink) HasVerifiedEmail() bool {
	if l.EmailNormalized == "" {
		return false
	}
	switch l.LinkState {
	case LinkStateConfirmed:
		return true
	case LinkStateAutoLinked:
		return l.EmailVerified || l.MatchMethod == MatchMethodEmail
	}
	return false
}

// Excludes reports whether personID was rejected for this account
func (l *ExternalAccountLink) Excludes(personID string) bool {
	for _, id := range l.ExcludedPersonIDs {
		if id == personID {
			return true
		}
	}
	return false
}

// Confidence returns the match confidence or 0 for manual links
func (l *ExternalAccountLink) Confidence() float64 {
	if l.MatchConfidence == nil {
		return 0
	}
	return *l.MatchConfidence
}
