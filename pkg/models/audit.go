package models

import (
	"time"
)

// AuditRecord is one immutable entry of the linking history. Records are only ever appended.
type AuditRecord struct {
	Seq              int64       `json:"seq"`
	ID               string      `json:"id"`
	TenantID         string      `json:"tenant_id"`
	RecordedAt       time.Time   `json:"timestamp"`
	LinkID           string      `json:"link_id"`
	PreviousPersonID *string     `json:"previous_person_id"`
	NewPersonID      *string     `json:"new_person_id"`
	Method           MatchMethod `json:"method"`
	Confidence       *float64    `json:"confidence"`
	LinkState        LinkState   `json:"link_state"`
	Actor            string      `json:"actor"`
	Reason           string      `json:"reason,omitempty"`
}

// AuditFilter selects a page of the audit trail
type AuditFilter struct {
	TenantID string
	LinkID   string
	AfterSeq int64
	Since    *time.Time
	Until    *time.Time
	Limit    int
}
