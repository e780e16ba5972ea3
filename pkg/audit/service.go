package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
	// exportBatch is how many records Export reads per store round trip
	exportBatch = 500
)

// Page is one slice of the audit trail. NextCursor is the seq to pass as
// AfterSeq for the following page and is zero on the last page.
type Page struct {
	Records    []models.AuditRecord `json:"records"`
	NextCursor int64                `json:"next_cursor,omitempty"`
}

// Ownership is the answer to "who owned this link at time t"
type Ownership struct {
	LinkID   string              `json:"link_id"`
	At       time.Time           `json:"at"`
	PersonID string              `json:"person_id,omitempty"`
	Record   *models.AuditRecord `json:"record,omitempty"`
}

type Service struct {
	logger ectologger.Logger
	store  store.AuditStore
}

func NewService(logger ectologger.Logger, st store.AuditStore) *Service {
	return &Service{logger: logger, store: st}
}

// List returns a page of records in seq order
func (s *Service) List(ctx context.Context, filter models.AuditFilter) (*Page, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Service.List")
	defer span.End()

	if err := checkFilter(&filter); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultPageSize
	}
	filter.Limit = min(filter.Limit, MaxPageSize)

	records, err := s.store.ListAudit(ctx, filter)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	page := &Page{Records: records}
	if len(records) == filter.Limit {
		page.NextCursor = records[len(records)-1].Seq
	}
	return page, nil
}

// Export writes every matching record to w as newline-delimited JSON and
// returns how many were written
func (s *Service) Export(ctx context.Context, filter models.AuditFilter, w io.Writer) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Service.Export")
	defer span.End()

	if err := checkFilter(&filter); err != nil {
		return 0, err
	}
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": filter.TenantID,
		"link_id":   filter.LinkID,
		"after_seq": filter.AfterSeq,
	})

	enc := json.NewEncoder(w)
	filter.Limit = exportBatch
	written := 0
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		records, err := s.store.ListAudit(ctx, filter)
		if err != nil {
			tracing.RecordError(span, err)
			log.WithError(err).Errorf("Audit export failed after %d records", written)
			return written, err
		}
		for i := range records {
			if err := enc.Encode(&records[i]); err != nil {
				log.WithError(err).Warnf("Audit export aborted by writer after %d records", written)
				return written, err
			}
			written++
		}
		if len(records) < exportBatch {
			break
		}
		filter.AfterSeq = records[len(records)-1].Seq
	}

	log.Debugf("Exported %d audit records", written)
	return written, nil
}

// OwnerAt replays the trail of a link up to at. A link with no record at or
// before at did not exist yet and yields a *models.NotFoundError.
func (s *Service) OwnerAt(ctx context.Context, tenantID, linkID string, at time.Time) (*Ownership, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Service.OwnerAt")
	defer span.End()

	if strings.TrimSpace(linkID) == "" {
		return nil, models.NewValidationError("link_id", "link_id is required")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	r, err := s.store.LatestAuditAt(ctx, tenantID, linkID, at)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			tracing.RecordError(span, err)
		}
		return nil, err
	}
	return &Ownership{LinkID: linkID, At: at, PersonID: Owner(r), Record: r}, nil
}

func checkFilter(f *models.AuditFilter) error {
	if f.TenantID == "" {
		return models.NewValidationError("tenant_id", "tenant_id is required")
	}
	if f.AfterSeq < 0 {
		return models.NewValidationError("cursor", "cursor must not be negative")
	}
	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		return models.NewValidationError("until", "until is before since")
	}
	return nil
}
