// Package audit builds and reads the append-only linking history
package audit

import (
	"github.com/Ramsey-B/clover/pkg/models"
)

// FromLink describes the state a link just entered. A link that is rejected or
// superseded belongs to nobody, so its record carries no new Person.
func FromLink(link models.ExternalAccountLink, previousPersonID, actor, reason string) models.AuditRecord {
	r := models.AuditRecord{
		TenantID:  link.TenantID,
		LinkID:    link.ID,
		Method:    link.MatchMethod,
		LinkState: link.LinkState,
		Actor:     actor,
		Reason:    reason,
	}
	if link.MatchConfidence != nil {
		c := *link.MatchConfidence
		r.Confidence = &c
	}
	if previousPersonID != "" {
		prev := previousPersonID
		r.PreviousPersonID = &prev
	}
	if link.IsActive() {
		owner := link.PersonID
		r.NewPersonID = &owner
	}
	return r
}

// Owner returns the Person a record left the link with, or "" when it was unowned
func Owner(r *models.AuditRecord) string {
	if r == nil || r.NewPersonID == nil {
		return ""
	}
	return *r.NewPersonID
}
