package models

import (
	"time"
)

// PersonStatus classifies a master identity
type PersonStatus string

const (
	// PersonStatusActive is a human employee identity
	PersonStatusActive PersonStatus = "active"
	// PersonStatusExternal is a contractor or other identity outside the organization's domains
	PersonStatusExternal PersonStatus = "external"
	// PersonStatusBot is a service/bot account. Bots are classified, never merged into humans.
	PersonStatusBot PersonStatus = "bot"
	// PersonStatusUnresolved is a placeholder created for an account with no plausible match
	PersonStatusUnresolved PersonStatus = "unresolved"
)

// IsPlaceholder reports whether the status marks a Person created automatically for a single account
func (s PersonStatus) IsPlaceholder() bool {
	return s == PersonStatusUnresolved || s == PersonStatusExternal || s == PersonStatusBot
}

// Person is a master identity. Its ID is stable and never reused.
type Person struct {
	ID                 string       `json:"id"`
	TenantID           string       `json:"tenant_id"`
	DisplayName        string       `json:"display_name,omitempty"`
	PrimaryEmail       string       `json:"primary_email,omitempty"`
	PrimaryEmailDomain string       `json:"-"`
	NameKey            string       `json:"-"`
	NameTokens         []string     `json:"-"`
	Title              string       `json:"title,omitempty"`
	HireDate           *time.Time   `json:"hire_date,omitempty"`
	Status             PersonStatus `json:"status"`
	Verified           bool         `json:"verified"`
	MergedInto         *string      `json:"merged_into,omitempty"`
	Version            int          `json:"version"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Promote marks the person as human-confirmed
func (p *Person) Promote() {
	p.Verified = true
	if p.Status == PersonStatusUnresolved {
		p.Status = PersonStatusActive
	}
}

// CreatePersonRequest seeds a Person from a source of truth (e.g. HR)
type CreatePersonRequest struct {
	DisplayName  string     `json:"display_name" validate:"required"`
	PrimaryEmail string     `json:"primary_email" validate:"omitempty,email"`
	Title        string     `json:"title,omitempty"`
	HireDate     *time.Time `json:"hire_date,omitempty"`
	Status       string     `json:"status" validate:"omitempty,oneof=active external"`
}
