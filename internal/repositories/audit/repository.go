package audit

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

const table = "audit_records"

var columns = []string{
	"seq", "id", "tenant_id", "recorded_at", "link_id", "previous_person_id", "new_person_id",
	"method", "confidence", "link_state", "actor", "reason",
}

type row struct {
	Seq              int64     `db:"seq"`
	ID               string    `db:"id"`
	TenantID         string    `db:"tenant_id"`
	RecordedAt       time.Time `db:"recorded_at"`
	LinkID           string    `db:"link_id"`
	PreviousPersonID *string   `db:"previous_person_id"`
	NewPersonID      *string   `db:"new_person_id"`
	Method           string    `db:"method"`
	Confidence       *float64  `db:"confidence"`
	LinkState        string    `db:"link_state"`
	Actor            string    `db:"actor"`
	Reason           string    `db:"reason"`
}

func (r row) model() models.AuditRecord {
	return models.AuditRecord{
		Seq:              r.Seq,
		ID:               r.ID,
		TenantID:         r.TenantID,
		RecordedAt:       r.RecordedAt,
		LinkID:           r.LinkID,
		PreviousPersonID: r.PreviousPersonID,
		NewPersonID:      r.NewPersonID,
		Method:           models.MatchMethod(r.Method),
		Confidence:       r.Confidence,
		LinkState:        models.LinkState(r.LinkState),
		Actor:            r.Actor,
		Reason:           r.Reason,
	}
}

// Repository appends to and reads the audit trail. Rows are never updated;
// the table's trigger rejects UPDATE and DELETE.
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

// Append stores rec and fills in its seq
func (r *Repository) Append(ctx context.Context, rec *models.AuditRecord) error {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.Append")
	defer span.End()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("id", "tenant_id", "recorded_at", "link_id", "previous_person_id", "new_person_id", "method", "confidence", "link_state", "actor", "reason")
	ib.Values(rec.ID, rec.TenantID, rec.RecordedAt, rec.LinkID, rec.PreviousPersonID, rec.NewPersonID, string(rec.Method), rec.Confidence, string(rec.LinkState), rec.Actor, rec.Reason)
	ib.Returning("seq")
	query, args := ib.Build()

	if err := r.db.Executor(ctx).GetContext(ctx, &rec.Seq, query, args...); err != nil {
		tracing.RecordError(span, err)
		return storeerr.Translate(ctx, r.logger, "AppendAudit", "audit record", rec.ID, err)
	}
	return nil
}

// List returns records in seq order after f.AfterSeq
func (r *Repository) List(ctx context.Context, f models.AuditFilter) ([]models.AuditRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)

	where := []string{
		sb.Equal("tenant_id", f.TenantID),
		sb.GreaterThan("seq", f.AfterSeq),
	}
	if f.LinkID != "" {
		if _, err := uuid.Parse(f.LinkID); err != nil {
			return []models.AuditRecord{}, nil
		}
		where = append(where, sb.Equal("link_id", f.LinkID))
	}
	if f.Since != nil {
		where = append(where, sb.GreaterEqualThan("recorded_at", *f.Since))
	}
	if f.Until != nil {
		where = append(where, sb.LessEqualThan("recorded_at", *f.Until))
	}
	sb.Where(where...)
	sb.OrderBy("seq")
	if f.Limit > 0 {
		sb.Limit(f.Limit)
	}

	query, args := sb.Build()
	var rows []row
	if err := r.db.Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeerr.Translate(ctx, r.logger, "ListAudit", "audit record", "", err)
	}
	out := make([]models.AuditRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].model()
	}
	return out, nil
}

// LatestAt returns the last record of a link at or before at
func (r *Repository) LatestAt(ctx context.Context, tenantID, linkID string, at time.Time) (*models.AuditRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.LatestAt")
	defer span.End()

	if _, err := uuid.Parse(linkID); err != nil {
		return nil, models.NewNotFoundError("audit record", linkID)
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("link_id", linkID),
		sb.LessEqualThan("recorded_at", at),
	)
	sb.OrderBy("recorded_at DESC", "seq DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var rec row
	if err := r.db.Executor(ctx).GetContext(ctx, &rec, query, args...); err != nil {
		return nil, storeerr.Translate(ctx, r.logger, "LatestAuditAt", "audit record", linkID, err)
	}
	out := rec.model()
	return &out, nil
}
