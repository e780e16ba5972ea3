package events

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// EventType defines the type of event
type EventType string

const (
	// Link events, one per link state transition or metadata refresh
	EventTypeLinkAutoLinked EventType = "link.auto_linked"
	EventTypeLinkQueued     EventType = "link.queued"
	EventTypeLinkConflict   EventType = "link.conflict"
	EventTypeLinkUnlinked   EventType = "link.unlinked"
	EventTypeLinkConfirmed  EventType = "link.confirmed"
	EventTypeLinkRejected   EventType = "link.rejected"
	EventTypeLinkRelinked   EventType = "link.relinked"
	EventTypeLinkSuperseded EventType = "link.superseded"
	EventTypeLinkUpdated    EventType = "link.updated"

	// Audit events mirror every appended audit record
	EventTypeAuditRecorded EventType = "audit.recorded"
)

// IsLinkEvent reports whether the event carries a link snapshot
func (t EventType) IsLinkEvent() bool {
	return t != EventTypeAuditRecorded
}

// Event is the envelope published on the identity events topic
type Event struct {
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	TenantID      string    `json:"tenant_id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	Link             *models.ExternalAccountLink `json:"link,omitempty"`
	Person           *models.Person              `json:"person,omitempty"`
	PreviousPersonID string                      `json:"previous_person_id,omitempty"`
	ReviewEntryID    string                      `json:"review_entry_id,omitempty"`
	Options          []string                    `json:"options,omitempty"`
	Audit            *models.AuditRecord         `json:"audit,omitempty"`
}

// Key orders the events of one account on one partition
func (e Event) Key() string {
	switch {
	case e.Link != nil:
		return e.Link.ID
	case e.Audit != nil:
		return e.Audit.LinkID
	}
	return e.TenantID
}

func newEvent(t EventType, tenantID string) Event {
	return Event{
		EventID:       uuid.New().String(),
		EventType:     t,
		SchemaVersion: SchemaVersion,
		TenantID:      tenantID,
		Timestamp:     time.Now().UTC(),
	}
}

// LinkEvent snapshots a link and its owner after a transition
func LinkEvent(t EventType, link models.ExternalAccountLink, person *models.Person, previousPersonID string) Event {
	e := newEvent(t, link.TenantID)
	e.Link = &link
	if person != nil {
		p := *person
		e.Person = &p
	}
	if previousPersonID != link.PersonID {
		e.PreviousPersonID = previousPersonID
	}
	return e
}

// AuditEvent mirrors an appended audit record
func AuditEvent(r models.AuditRecord) Event {
	e := newEvent(EventTypeAuditRecorded, r.TenantID)
	e.Audit = &r
	return e
}

// EventTypeForState maps the state a link entered onto its event type
func EventTypeForState(state models.LinkState, conflict bool) EventType {
	switch state {
	case models.LinkStateAutoLinked:
		return EventTypeLinkAutoLinked
	case models.LinkStatePendingReview:
		if conflict {
			return EventTypeLinkConflict
		}
		return EventTypeLinkQueued
	case models.LinkStateConfirmed:
		return EventTypeLinkConfirmed
	case models.LinkStateRejected:
		return EventTypeLinkRejected
	case models.LinkStateSuperseded:
		return EventTypeLinkSuperseded
	}
	return EventTypeLinkUpdated
}
