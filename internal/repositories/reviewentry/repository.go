package reviewentry

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/internal/repositories/storeerr"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "review_queue_entries"

type row struct {
	ID                string                                  `db:"id"`
	TenantID          string                                  `db:"tenant_id"`
	LinkID            string                                  `db:"link_id"`
	CandidatePersonID *string                                 `db:"candidate_person_id"`
	Confidence        float64                                 `db:"confidence"`
	Conflict          bool                                    `db:"conflict"`
	Options           database.JSONB[[]models.ScoredCandidate] `db:"options"`
	Reason            string                                  `db:"reason"`
	Status            string                                  `db:"status"`
	ChosenPersonID    *string                                 `db:"chosen_person_id"`
	CreatedAt         time.Time                               `db:"created_at"`
	DecidedAt         *time.Time                              `db:"decided_at"`
	DecidedBy         string                                  `db:"decided_by"`
}

var rowStruct = database.NewStruct(new(row))

func (r row) model() models.ReviewQueueEntry {
	options := r.Options.Data
	if options == nil {
		options = []models.ScoredCandidate{}
	}
	return models.ReviewQueueEntry{
		ID:                r.ID,
		TenantID:          r.TenantID,
		LinkID:            r.LinkID,
		CandidatePersonID: r.CandidatePersonID,
		Confidence:        r.Confidence,
		Conflict:          r.Conflict,
		Options:           options,
		Reason:            r.Reason,
		Status:            models.ReviewStatus(r.Status),
		ChosenPersonID:    r.ChosenPersonID,
		CreatedAt:         r.CreatedAt,
		DecidedAt:         r.DecidedAt,
		DecidedBy:         r.DecidedBy,
	}
}

// Repository persists the review queue
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

// Create queues e. A second pending entry for the same link violates the
// partial unique index and fails with models.ErrDuplicate.
func (r *Repository) Create(ctx context.Context, e *models.ReviewQueueEntry) error {
	ctx, span := tracing.StartSpan(ctx, "reviewentry.Repository.Create")
	defer span.End()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()
	if e.Options == nil {
		e.Options = []models.ScoredCandidate{}
	}

	rec := row{
		ID:                e.ID,
		TenantID:          e.TenantID,
		LinkID:            e.LinkID,
		CandidatePersonID: e.CandidatePersonID,
		Confidence:        e.Confidence,
		Conflict:          e.Conflict,
		Options:           database.NewJSONB(e.Options),
		Reason:            e.Reason,
		Status:            string(e.Status),
		ChosenPersonID:    e.ChosenPersonID,
		CreatedAt:         e.CreatedAt,
		DecidedAt:         e.DecidedAt,
		DecidedBy:         e.DecidedBy,
	}
	query, args := rowStruct.InsertInto(table, &rec).Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		return storeerr.Translate(ctx, r.logger, "CreateReviewEntry", "review entry", e.ID, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.ReviewQueueEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewentry.Repository.Get")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, models.NewNotFoundError("review entry", id)
	}

	sb := rowStruct.SelectFrom(table)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)
	return r.one(ctx, sb, "GetReviewEntry", id)
}

func (r *Repository) GetPending(ctx context.Context, tenantID, linkID string) (*models.ReviewQueueEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewentry.Repository.GetPending")
	defer span.End()

	if _, err := uuid.Parse(linkID); err != nil {
		return nil, models.NewNotFoundError("review entry", linkID)
	}

	sb := rowStruct.SelectFrom(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("link_id", linkID),
		sb.Equal("status", string(models.ReviewStatusPending)),
	)
	return r.one(ctx, sb, "GetPendingReviewEntry", linkID)
}

// ListPending returns pending entries oldest first
func (r *Repository) ListPending(ctx context.Context, tenantID string, f models.ReviewFilter) ([]models.ReviewQueueEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewentry.Repository.ListPending")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(
		"e.id", "e.tenant_id", "e.link_id", "e.candidate_person_id", "e.confidence", "e.conflict",
		"e.options", "e.reason", "e.status", "e.chosen_person_id", "e.created_at", "e.decided_at", "e.decided_by",
	)
	sb.From(sb.As(table, "e"))
	sb.Join(sb.As("external_account_links", "l"), "l.id = e.link_id")

	where := []string{
		sb.Equal("e.tenant_id", tenantID),
		sb.Equal("e.status", string(models.ReviewStatusPending)),
	}
	if f.System != "" {
		where = append(where, sb.Equal("l.system", f.System))
	}
	if f.Conflict != nil {
		where = append(where, sb.Equal("e.conflict", *f.Conflict))
	}
	if f.PersonID != "" {
		if _, err := uuid.Parse(f.PersonID); err != nil {
			return []models.ReviewQueueEntry{}, nil
		}
		where = append(where, sb.Or(
			sb.Equal("l.person_id", f.PersonID),
			"e.options @> "+sb.Var(database.NewJSONB([]map[string]string{{"person_id": f.PersonID}})),
		))
	}
	sb.Where(where...)
	sb.OrderBy("e.created_at", "e.id")
	if f.Limit > 0 {
		sb.Limit(f.Limit)
	}
	if f.Offset > 0 {
		sb.Offset(f.Offset)
	}

	query, args := sb.Build()
	var rows []row
	if err := r.db.Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeerr.Translate(ctx, r.logger, "ListPendingReviewEntries", "review entry", "", err)
	}
	out := make([]models.ReviewQueueEntry, len(rows))
	for i := range rows {
		out[i] = rows[i].model()
	}
	return out, nil
}

// Decide closes a pending entry. Exactly one concurrent decision wins the
// conditional update; the others get *models.StaleDecisionError.
func (r *Repository) Decide(ctx context.Context, e *models.ReviewQueueEntry) error {
	ctx, span := tracing.StartSpan(ctx, "reviewentry.Repository.Decide")
	defer span.End()

	if e.DecidedAt == nil {
		now := time.Now().UTC()
		e.DecidedAt = &now
	}

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("status", string(e.Status)),
		ub.Assign("chosen_person_id", e.ChosenPersonID),
		ub.Assign("decided_at", e.DecidedAt),
		ub.Assign("decided_by", e.DecidedBy),
	)
	ub.Where(
		ub.Equal("id", e.ID),
		ub.Equal("tenant_id", e.TenantID),
		ub.Equal("status", string(models.ReviewStatusPending)),
	)
	query, args := ub.Build()

	res, err := r.db.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		return storeerr.Translate(ctx, r.logger, "DecideReviewEntry", "review entry", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	cur, err := r.Get(ctx, e.TenantID, e.ID)
	if err != nil {
		return err
	}
	return &models.StaleDecisionError{EntryID: cur.ID, Status: cur.Status}
}

func (r *Repository) one(ctx context.Context, sb *database.SelectBuilder, op, id string) (*models.ReviewQueueEntry, error) {
	query, args := sb.Build()
	var rec row
	if err := r.db.Executor(ctx).GetContext(ctx, &rec, query, args...); err != nil {
		return nil, storeerr.Translate(ctx, r.logger, op, "review entry", id, err)
	}
	e := rec.model()
	return &e, nil
}
