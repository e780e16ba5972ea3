// Package pgstore assembles the Postgres repositories into a store.Store
package pgstore

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/repositories/audit"
	"github.com/Ramsey-B/clover/internal/repositories/link"
	"github.com/Ramsey-B/clover/internal/repositories/person"
	"github.com/Ramsey-B/clover/internal/repositories/reviewentry"
	"github.com/Ramsey-B/clover/internal/repositories/storeerr"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db      database.DB
	logger  ectologger.Logger
	persons *person.Repository
	links   *link.Repository
	reviews *reviewentry.Repository
	audits  *audit.Repository
}

func New(db database.DB, logger ectologger.Logger) *Store {
	return &Store{
		db:      db,
		logger:  logger,
		persons: person.NewRepository(db, logger),
		links:   link.NewRepository(db, logger),
		reviews: reviewentry.NewRepository(db, logger),
		audits:  audit.NewRepository(db, logger),
	}
}

// WithinTx runs fn in one database transaction. Failures to begin or commit
// surface as *models.StoreUnavailableError; errors returned by fn pass through.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	var fnErr error
	err := s.db.WithinTx(ctx, func(ctx context.Context) error {
		fnErr = fn(ctx)
		return fnErr
	})
	if err != nil && fnErr == nil {
		return storeerr.Translate(ctx, s.logger, "commit", "transaction", "", err)
	}
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return models.NewStoreUnavailableError("ping", err)
	}
	return nil
}

func (s *Store) CreatePerson(ctx context.Context, p *models.Person) error {
	return s.persons.Create(ctx, p)
}

func (s *Store) GetPerson(ctx context.Context, tenantID, id string) (*models.Person, error) {
	return s.persons.Get(ctx, tenantID, id)
}

func (s *Store) GetPersons(ctx context.Context, tenantID string, ids []string) ([]models.Person, error) {
	return s.persons.GetMany(ctx, tenantID, ids)
}

func (s *Store) UpdatePerson(ctx context.Context, p *models.Person) error {
	return s.persons.Update(ctx, p)
}

func (s *Store) FindCandidateHits(ctx context.Context, q models.CandidateQuery) ([]models.CandidateHit, error) {
	return s.persons.FindCandidateHits(ctx, q)
}

func (s *Store) CreateLink(ctx context.Context, l *models.ExternalAccountLink) error {
	return s.links.Create(ctx, l)
}

func (s *Store) GetLink(ctx context.Context, tenantID, id string) (*models.ExternalAccountLink, error) {
	return s.links.Get(ctx, tenantID, id)
}

func (s *Store) GetLinkByExternalID(ctx context.Context, tenantID, system, externalID string) (*models.ExternalAccountLink, error) {
	return s.links.GetByExternalID(ctx, tenantID, system, externalID)
}

func (s *Store) ListLinksByPerson(ctx context.Context, tenantID, personID string) ([]models.ExternalAccountLink, error) {
	return s.links.ListByPerson(ctx, tenantID, personID)
}

func (s *Store) ListLinksByPersons(ctx context.Context, tenantID string, personIDs []string) ([]models.ExternalAccountLink, error) {
	return s.links.ListByPersons(ctx, tenantID, personIDs)
}

func (s *Store) ListLinksByEmail(ctx context.Context, tenantID, email string) ([]models.ExternalAccountLink, error) {
	return s.links.ListByEmail(ctx, tenantID, email)
}

func (s *Store) UpdateLink(ctx context.Context, l *models.ExternalAccountLink) error {
	return s.links.Update(ctx, l)
}

func (s *Store) CreateReviewEntry(ctx context.Context, e *models.ReviewQueueEntry) error {
	return s.reviews.Create(ctx, e)
}

func (s *Store) GetReviewEntry(ctx context.Context, tenantID, id string) (*models.ReviewQueueEntry, error) {
	return s.reviews.Get(ctx, tenantID, id)
}

func (s *Store) GetPendingReviewEntry(ctx context.Context, tenantID, linkID string) (*models.ReviewQueueEntry, error) {
	return s.reviews.GetPending(ctx, tenantID, linkID)
}

func (s *Store) ListPendingReviewEntries(ctx context.Context, tenantID string, filter models.ReviewFilter) ([]models.ReviewQueueEntry, error) {
	return s.reviews.ListPending(ctx, tenantID, filter)
}

func (s *Store) DecideReviewEntry(ctx context.Context, e *models.ReviewQueueEntry) error {
	return s.reviews.Decide(ctx, e)
}

func (s *Store) AppendAudit(ctx context.Context, r *models.AuditRecord) error {
	return s.audits.Append(ctx, r)
}

func (s *Store) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	return s.audits.List(ctx, filter)
}

func (s *Store) LatestAuditAt(ctx context.Context, tenantID, linkID string, at time.Time) (*models.AuditRecord, error) {
	return s.audits.LatestAt(ctx, tenantID, linkID, at)
}
