package models

import (
	"strings"
	"time"
)

// ExternalAccountDraft is one observation of an account, supplied by a connector once per sync cycle
type ExternalAccountDraft struct {
	TenantID         string     `json:"tenant_id" validate:"required"`
	System           string     `json:"system" validate:"required"`
	ExternalID       string     `json:"external_id" validate:"required"`
	Username         string     `json:"external_username,omitempty"`
	Email            string     `json:"external_email,omitempty" validate:"omitempty,email"`
	EmailVerified    bool       `json:"email_verified,omitempty"`
	DisplayName      string     `json:"display_name,omitempty"`
	AccountCreatedAt *time.Time `json:"account_created_at,omitempty"`
	Deactivated      bool       `json:"deactivated,omitempty"`
	ObservedAt       time.Time  `json:"observed_at"`
}

// Validate checks the fields every draft must carry
func (d ExternalAccountDraft) Validate() error {
	if strings.TrimSpace(d.TenantID) == "" {
		return NewValidationError("tenant_id", "tenant_id is required")
	}
	if strings.TrimSpace(d.System) == "" {
		return NewValidationError("system", "system is required")
	}
	if strings.TrimSpace(d.ExternalID) == "" {
		return NewValidationError("external_id", "external_id is required")
	}
	return nil
}

// AccountKey identifies the account across sync cycles
func (d ExternalAccountDraft) AccountKey() string {
	return d.System + ":" + d.ExternalID
}

// DraftFromLink rebuilds the draft a link was created from, for re-evaluation
func DraftFromLink(l *ExternalAccountLink) ExternalAccountDraft {
	return ExternalAccountDraft{
		TenantID:         l.TenantID,
		System:           l.System,
		ExternalID:       l.ExternalID,
		Username:         l.Username,
		Email:            l.Email,
		EmailVerified:    l.EmailVerified,
		DisplayName:      l.DisplayName,
		AccountCreatedAt: l.AccountCreatedAt,
		ObservedAt:       l.ObservedAt,
	}
}
