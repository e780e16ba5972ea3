package link

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/internal/repositories/storeerr"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "external_account_links"

type row struct {
	ID                string         `db:"id"`
	TenantID          string         `db:"tenant_id"`
	PersonID          string         `db:"person_id"`
	System            string         `db:"system"`
	ExternalID        string         `db:"external_id"`
	Username          string         `db:"username"`
	UsernameKey       string         `db:"username_key"`
	UsernameBucket    string         `db:"username_bucket"`
	Email             string         `db:"email"`
	EmailNormalized   string         `db:"email_normalized"`
	EmailDomain       string         `db:"email_domain"`
	EmailVerified     bool           `db:"email_verified"`
	DisplayName       string         `db:"display_name"`
	AccountCreatedAt  *time.Time     `db:"account_created_at"`
	MatchMethod       string         `db:"match_method"`
	MatchConfidence   *float64       `db:"match_confidence"`
	LinkState         string         `db:"link_state"`
	ExcludedPersonIDs pq.StringArray `db:"excluded_person_ids"`
	Fingerprint       string         `db:"fingerprint"`
	ObservedAt        time.Time      `db:"observed_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	DecidedAt         *time.Time     `db:"decided_at"`
	DecidedBy         string         `db:"decided_by"`
	Version           int            `db:"version"`
}

var rowStruct = database.NewStruct(new(row))

func toRow(l *models.ExternalAccountLink) row {
	return row{
		ID:                l.ID,
		TenantID:          l.TenantID,
		PersonID:          l.PersonID,
		System:            l.System,
		ExternalID:        l.ExternalID,
		Username:          l.Username,
		UsernameKey:       l.UsernameKey,
		UsernameBucket:    l.UsernameBucket,
		Email:             l.Email,
		EmailNormalized:   l.EmailNormalized,
		EmailDomain:       l.EmailDomain,
		EmailVerified:     l.EmailVerified,
		DisplayName:       l.DisplayName,
		AccountCreatedAt:  l.AccountCreatedAt,
		MatchMethod:       string(l.MatchMethod),
		MatchConfidence:   l.MatchConfidence,
		LinkState:         string(l.LinkState),
		ExcludedPersonIDs: append(pq.StringArray{}, l.ExcludedPersonIDs...),
		Fingerprint:       l.Fingerprint,
		ObservedAt:        l.ObservedAt,
		CreatedAt:         l.CreatedAt,
		UpdatedAt:         l.UpdatedAt,
		DecidedAt:         l.DecidedAt,
		DecidedBy:         l.DecidedBy,
		Version:           l.Version,
	}
}

func (r row) model() models.ExternalAccountLink {
	l := models.ExternalAccountLink{
		ID:               r.ID,
		TenantID:         r.TenantID,
		PersonID:         r.PersonID,
		System:           r.System,
		ExternalID:       r.ExternalID,
		Username:         r.Username,
		UsernameKey:      r.UsernameKey,
		UsernameBucket:   r.UsernameBucket,
		Email:            r.Email,
		EmailNormalized:  r.EmailNormalized,
		EmailDomain:      r.EmailDomain,
		EmailVerified:    r.EmailVerified,
		DisplayName:      r.DisplayName,
		AccountCreatedAt: r.AccountCreatedAt,
		MatchMethod:      models.MatchMethod(r.MatchMethod),
		MatchConfidence:  r.MatchConfidence,
		LinkState:        models.LinkState(r.LinkState),
		Fingerprint:      r.Fingerprint,
		ObservedAt:       r.ObservedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		DecidedAt:        r.DecidedAt,
		DecidedBy:        r.DecidedBy,
		Version:          r.Version,
	}
	if len(r.ExcludedPersonIDs) > 0 {
		l.ExcludedPersonIDs = []string(r.ExcludedPersonIDs)
	}
	return l
}

// Repository persists external account links
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts l. A second link for the same (tenant, system, external_id)
// fails with models.ErrDuplicate.
func (r *Repository) Create(ctx context.Context, l *models.ExternalAccountLink) error {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.Create")
	defer span.End()

	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.CreatedAt = time.Now().UTC()
	l.UpdatedAt = l.CreatedAt
	l.Version = 1
	if l.ObservedAt.IsZero() {
		l.ObservedAt = l.CreatedAt
	}

	rec := toRow(l)
	query, args := rowStruct.InsertInto(table, &rec).Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		return storeerr.Translate(ctx, r.logger, "CreateLink", "link", l.ID, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.ExternalAccountLink, error) {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.Get")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, models.NewNotFoundError("link", id)
	}

	sb := rowStruct.SelectFrom(table)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)
	return r.one(ctx, sb, "GetLink", id)
}

func (r *Repository) GetByExternalID(ctx context.Context, tenantID, system, externalID string) (*models.ExternalAccountLink, error) {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.GetByExternalID")
	defer span.End()

	sb := rowStruct.SelectFrom(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("system", system),
		sb.Equal("external_id", externalID),
	)
	return r.one(ctx, sb, "GetLinkByExternalID", system+":"+externalID)
}

func (r *Repository) ListByPerson(ctx context.Context, tenantID, personID string) ([]models.ExternalAccountLink, error) {
	return r.ListByPersons(ctx, tenantID, []string{personID})
}

func (r *Repository) ListByPersons(ctx context.Context, tenantID string, personIDs []string) ([]models.ExternalAccountLink, error) {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.ListByPersons")
	defer span.End()

	ids := make([]string, 0, len(personIDs))
	for _, id := range personIDs {
		if _, err := uuid.Parse(id); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []models.ExternalAccountLink{}, nil
	}

	sb := rowStruct.SelectFrom(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		"person_id = ANY("+sb.Var(pq.Array(ids))+"::uuid[])",
	)
	sb.OrderBy("person_id", "system", "external_id")
	return r.many(ctx, sb, "ListLinksByPersons")
}

// ListByEmail returns the active links carrying the normalized email
func (r *Repository) ListByEmail(ctx context.Context, tenantID, email string) ([]models.ExternalAccountLink, error) {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.ListByEmail")
	defer span.End()

	if email == "" {
		return []models.ExternalAccountLink{}, nil
	}

	sb := rowStruct.SelectFrom(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("email_normalized", email),
		sb.NotIn("link_state", string(models.LinkStateRejected), string(models.LinkStateSuperseded)),
	)
	sb.OrderBy("system", "external_id")
	return r.many(ctx, sb, "ListLinksByEmail")
}

// Update writes l when the stored version still equals l.Version. The
// account key and created_at never change.
func (r *Repository) Update(ctx context.Context, l *models.ExternalAccountLink) error {
	ctx, span := tracing.StartSpan(ctx, "link.Repository.Update")
	defer span.End()

	now := time.Now().UTC()
	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("person_id", l.PersonID),
		ub.Assign("username", l.Username),
		ub.Assign("username_key", l.UsernameKey),
		ub.Assign("username_bucket", l.UsernameBucket),
		ub.Assign("email", l.Email),
		ub.Assign("email_normalized", l.EmailNormalized),
		ub.Assign("email_domain", l.EmailDomain),
		ub.Assign("email_verified", l.EmailVerified),
		ub.Assign("display_name", l.DisplayName),
		ub.Assign("account_created_at", l.AccountCreatedAt),
		ub.Assign("match_method", string(l.MatchMethod)),
		ub.Assign("match_confidence", l.MatchConfidence),
		ub.Assign("link_state", string(l.LinkState)),
		ub.Assign("excluded_person_ids", append(pq.StringArray{}, l.ExcludedPersonIDs...)),
		ub.Assign("fingerprint", l.Fingerprint),
		ub.Assign("observed_at", l.ObservedAt),
		ub.Assign("decided_at", l.DecidedAt),
		ub.Assign("decided_by", l.DecidedBy),
		ub.Assign("updated_at", now),
		"version = version + 1",
	)
	ub.Where(
		ub.Equal("id", l.ID),
		ub.Equal("tenant_id", l.TenantID),
		ub.Equal("version", l.Version),
	)
	query, args := ub.Build()

	res, err := r.db.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		return storeerr.Translate(ctx, r.logger, "UpdateLink", "link", l.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		err := r.db.Executor(ctx).GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM external_account_links WHERE id = $1 AND tenant_id = $2)", l.ID, l.TenantID)
		if err != nil {
			return storeerr.Translate(ctx, r.logger, "UpdateLink", "link", l.ID, err)
		}
		if !exists {
			return models.NewNotFoundError("link", l.ID)
		}
		return models.ErrVersionConflict
	}
	l.Version++
	l.UpdatedAt = now
	return nil
}

func (r *Repository) one(ctx context.Context, sb *database.SelectBuilder, op, id string) (*models.ExternalAccountLink, error) {
	query, args := sb.Build()
	var rec row
	if err := r.db.Executor(ctx).GetContext(ctx, &rec, query, args...); err != nil {
		return nil, storeerr.Translate(ctx, r.logger, op, "link", id, err)
	}
	l := rec.model()
	return &l, nil
}

func (r *Repository) many(ctx context.Context, sb *database.SelectBuilder, op string) ([]models.ExternalAccountLink, error) {
	query, args := sb.Build()
	var rows []row
	if err := r.db.Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeerr.Translate(ctx, r.logger, op, "link", "", err)
	}
	out := make([]models.ExternalAccountLink, len(rows))
	for i := range rows {
		out[i] = rows[i].model()
	}
	return out, nil
}
