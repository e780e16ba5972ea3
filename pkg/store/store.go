// Package store defines the persistence contract of the identity store.
//
// Implementations translate their own failures into the errors of pkg/models:
// a missing row is a *models.NotFoundError, a lost optimistic race is
// models.ErrVersionConflict, a unique violation is models.ErrDuplicate and
// everything else is a *models.StoreUnavailableError.
package store

import (
	"context"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Transactor runs fn atomically. Calls nested inside fn join the outer transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type PersonStore interface {
	CreatePerson(ctx context.Context, p *models.Person) error
	GetPerson(ctx context.Context, tenantID, id string) (*models.Person, error)
	// GetPersons returns the persons found, ordered by id. Missing ids are skipped.
	GetPersons(ctx context.Context, tenantID string, ids []string) ([]models.Person, error)
	// UpdatePerson writes p when its stored version equals p.Version and then increments p.Version
	UpdatePerson(ctx context.Context, p *models.Person) error
	// FindCandidateHits returns one hit per (person, coarse signal) for the
	// persons with the highest summed signal weight, at most q.Limit persons.
	// Excluded and bot persons are never returned.
	FindCandidateHits(ctx context.Context, q models.CandidateQuery) ([]models.CandidateHit, error)
}

type LinkStore interface {
	CreateLink(ctx context.Context, l *models.ExternalAccountLink) error
	GetLink(ctx context.Context, tenantID, id string) (*models.ExternalAccountLink, error)
	GetLinkByExternalID(ctx context.Context, tenantID, system, externalID string) (*models.ExternalAccountLink, error)
	ListLinksByPerson(ctx context.Context, tenantID, personID string) ([]models.ExternalAccountLink, error)
	ListLinksByPersons(ctx context.Context, tenantID string, personIDs []string) ([]models.ExternalAccountLink, error)
	// ListLinksByEmail returns the active links whose normalized email equals email
	ListLinksByEmail(ctx context.Context, tenantID, email string) ([]models.ExternalAccountLink, error)
	UpdateLink(ctx context.Context, l *models.ExternalAccountLink) error
}

type ReviewStore interface {
	CreateReviewEntry(ctx context.Context, e *models.ReviewQueueEntry) error
	GetReviewEntry(ctx context.Context, tenantID, id string) (*models.ReviewQueueEntry, error)
	// GetPendingReviewEntry returns the pending entry of a link, or a *models.NotFoundError
	GetPendingReviewEntry(ctx context.Context, tenantID, linkID string) (*models.ReviewQueueEntry, error)
	ListPendingReviewEntries(ctx context.Context, tenantID string, filter models.ReviewFilter) ([]models.ReviewQueueEntry, error)
	// DecideReviewEntry moves a pending entry to e.Status. When the stored
	// entry is no longer pending it returns *models.StaleDecisionError and writes nothing.
	DecideReviewEntry(ctx context.Context, e *models.ReviewQueueEntry) error
}

type AuditStore interface {
	// AppendAudit stores r and assigns r.Seq
	AppendAudit(ctx context.Context, r *models.AuditRecord) error
	ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error)
	// LatestAuditAt returns the last record of a link at or before at
	LatestAuditAt(ctx context.Context, tenantID, linkID string, at time.Time) (*models.AuditRecord, error)
}

type Store interface {
	Transactor
	PersonStore
	LinkStore
	ReviewStore
	AuditStore
	Ping(ctx context.Context) error
}
