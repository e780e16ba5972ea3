package person

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/internal/repositories/storeerr"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "persons"

//go:embed candidates.sql
var candidateQuery string

type row struct {
	ID                 string         `db:"id"`
	TenantID           string         `db:"tenant_id"`
	DisplayName        string         `db:"display_name"`
	PrimaryEmail       string         `db:"primary_email"`
	PrimaryEmailDomain string         `db:"primary_email_domain"`
	NameKey            string         `db:"name_key"`
	NameTokens         pq.StringArray `db:"name_tokens"`
	Title              string         `db:"title"`
	HireDate           *time.Time     `db:"hire_date"`
	Status             string         `db:"status"`
	Verified           bool           `db:"verified"`
	MergedInto         *string        `db:"merged_into"`
	Version            int            `db:"version"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

var rowStruct = database.NewStruct(new(row))

func toRow(p *models.Person) row {
	return row{
		ID:                 p.ID,
		TenantID:           p.TenantID,
		DisplayName:        p.DisplayName,
		PrimaryEmail:       p.PrimaryEmail,
		PrimaryEmailDomain: p.PrimaryEmailDomain,
		NameKey:            p.NameKey,
		NameTokens:         append(pq.StringArray{}, p.NameTokens...),
		Title:              p.Title,
		HireDate:           p.HireDate,
		Status:             string(p.Status),
		Verified:           p.Verified,
		MergedInto:         p.MergedInto,
		Version:            p.Version,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func (r row) model() models.Person {
	return models.Person{
		ID:                 r.ID,
		TenantID:           r.TenantID,
		DisplayName:        r.DisplayName,
		PrimaryEmail:       r.PrimaryEmail,
		PrimaryEmailDomain: r.PrimaryEmailDomain,
		NameKey:            r.NameKey,
		NameTokens:         []string(r.NameTokens),
		Title:              r.Title,
		HireDate:           r.HireDate,
		Status:             models.PersonStatus(r.Status),
		Verified:           r.Verified,
		MergedInto:         r.MergedInto,
		Version:            r.Version,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// Repository persists master identities
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

func (r *Repository) Create(ctx context.Context, p *models.Person) error {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.Create")
	defer span.End()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	p.Version = 1

	rec := toRow(p)
	query, args := rowStruct.InsertInto(table, &rec).Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		return storeerr.Translate(ctx, r.logger, "CreatePerson", "person", p.ID, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.Get")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, models.NewNotFoundError("person", id)
	}

	sb := rowStruct.SelectFrom(table)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)
	query, args := sb.Build()

	var rec row
	if err := r.db.Executor(ctx).GetContext(ctx, &rec, query, args...); err != nil {
		return nil, storeerr.Translate(ctx, r.logger, "GetPerson", "person", id, err)
	}
	p := rec.model()
	return &p, nil
}

// GetMany returns the persons found, ordered by id
func (r *Repository) GetMany(ctx context.Context, tenantID string, ids []string) ([]models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.GetMany")
	defer span.End()

	ids = validIDs(ids)
	if len(ids) == 0 {
		return []models.Person{}, nil
	}

	sb := rowStruct.SelectFrom(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		"id = ANY("+sb.Var(pq.Array(ids))+"::uuid[])",
	)
	sb.OrderBy("id")
	query, args := sb.Build()

	var rows []row
	if err := r.db.Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeerr.Translate(ctx, r.logger, "GetPersons", "person", "", err)
	}
	out := make([]models.Person, len(rows))
	for i := range rows {
		out[i] = rows[i].model()
	}
	return out, nil
}

// Update writes p when the stored version still equals p.Version
func (r *Repository) Update(ctx context.Context, p *models.Person) error {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.Update")
	defer span.End()

	now := time.Now().UTC()
	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("display_name", p.DisplayName),
		ub.Assign("primary_email", p.PrimaryEmail),
		ub.Assign("primary_email_domain", p.PrimaryEmailDomain),
		ub.Assign("name_key", p.NameKey),
		ub.Assign("name_tokens", append(pq.StringArray{}, p.NameTokens...)),
		ub.Assign("title", p.Title),
		ub.Assign("hire_date", p.HireDate),
		ub.Assign("status", string(p.Status)),
		ub.Assign("verified", p.Verified),
		ub.Assign("merged_into", p.MergedInto),
		ub.Assign("updated_at", now),
		"version = version + 1",
	)
	ub.Where(
		ub.Equal("id", p.ID),
		ub.Equal("tenant_id", p.TenantID),
		ub.Equal("version", p.Version),
	)
	query, args := ub.Build()

	res, err := r.db.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		return storeerr.Translate(ctx, r.logger, "UpdatePerson", "person", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingOrStale(ctx, p.TenantID, p.ID)
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (r *Repository) missingOrStale(ctx context.Context, tenantID, id string) error {
	var exists bool
	err := r.db.Executor(ctx).GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM persons WHERE id = $1 AND tenant_id = $2)", id, tenantID)
	if err != nil {
		return storeerr.Translate(ctx, r.logger, "UpdatePerson", "person", id, err)
	}
	if !exists {
		return models.NewNotFoundError("person", id)
	}
	return models.ErrVersionConflict
}

// FindCandidateHits returns one hit per (person, coarse signal) for the best
// q.Limit persons by summed signal weight. Bots, retired placeholders and
// excluded persons never appear.
func (r *Repository) FindCandidateHits(ctx context.Context, q models.CandidateQuery) ([]models.CandidateHit, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.FindCandidateHits")
	defer span.End()

	limit := sql.NullInt64{Int64: int64(q.Limit), Valid: q.Limit > 0}
	hits := []models.CandidateHit{}
	err := r.db.Executor(ctx).SelectContext(ctx, &hits, candidateQuery,
		q.TenantID,
		q.Email,
		q.EmailDomain,
		pq.Array(nonNil(q.UsernameForms)),
		q.UsernameBucket,
		pq.Array(nonNil(q.NameTokens)),
		pq.Array(validIDs(q.ExcludePersons)),
		limit,
	)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, storeerr.Translate(ctx, r.logger, "FindCandidateHits", "person", "", err)
	}
	return hits, nil
}

// validIDs drops ids postgres would refuse to cast to uuid
func validIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
