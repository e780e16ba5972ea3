// Package memstore is an in-memory store.Store. Transactions are serialized
// and roll back by restoring a snapshot, so it honours the same atomicity
// contract as the Postgres store. Used for tests and STORE_DRIVER=memory.
package memstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/google/uuid"
)

var _ store.Store = (*Store)(nil)

type txKey struct{ s *Store }

type state struct {
	persons map[string]models.Person
	links   map[string]models.ExternalAccountLink
	// tenant|system|external_id -> link id
	linkKeys map[string]string
	reviews  map[string]models.ReviewQueueEntry
	audits   []models.AuditRecord
	seq      int64
}

func (st *state) clone() *state {
	return &state{
		persons:  maps.Clone(st.persons),
		links:    maps.Clone(st.links),
		linkKeys: maps.Clone(st.linkKeys),
		reviews:  maps.Clone(st.reviews),
		audits:   append([]models.AuditRecord(nil), st.audits...),
		seq:      st.seq,
	}
}

type Store struct {
	// txMu serializes transactions and standalone operations
	txMu sync.Mutex
	mu   sync.Mutex
	st   *state
	now  func() time.Time

	faultMu sync.Mutex
	faults  map[string]error
}

type Option func(*Store)

// WithClock replaces time.Now for created_at/updated_at stamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		st: &state{
			persons:  map[string]models.Person{},
			links:    map[string]models.ExternalAccountLink{},
			linkKeys: map[string]string{},
			reviews:  map[string]models.ReviewQueueEntry{},
		},
		now:    func() time.Time { return time.Now().UTC() },
		faults: map[string]error{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailOn makes every call of the named operation (e.g. "AppendAudit") fail with err until ClearFaults
func (s *Store) FailOn(op string, err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults[op] = err
}

func (s *Store) ClearFaults() {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults = map[string]error{}
}

func (s *Store) fault(op string) error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if err, ok := s.faults[op]; ok {
		return models.NewStoreUnavailableError(op, err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{s}).(bool)
	return ok
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return models.NewStoreUnavailableError("begin", err)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	committed := false
	defer func() {
		if !committed {
			s.mu.Lock()
			s.st = snapshot
			s.mu.Unlock()
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{s}, true)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return models.NewStoreUnavailableError("commit", err)
	}
	committed = true
	return nil
}

// do runs one operation. Outside a transaction it waits for any running transaction to finish.
func (s *Store) do(ctx context.Context, op string, fn func(st *state) error) error {
	if err := s.fault(op); err != nil {
		return err
	}
	if !s.inTx(ctx) {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.fault("Ping")
}

func linkKey(tenantID, system, externalID string) string {
	return tenantID + "|" + system + "|" + externalID
}

// Persons

func (s *Store) CreatePerson(ctx context.Context, p *models.Person) error {
	return s.do(ctx, "CreatePerson", func(st *state) error {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if _, ok := st.persons[p.ID]; ok {
			return models.ErrDuplicate
		}
		now := s.now()
		p.CreatedAt, p.UpdatedAt = now, now
		p.Version = 1
		st.persons[p.ID] = clonePerson(*p)
		return nil
	})
}

func (s *Store) GetPerson(ctx context.Context, tenantID, id string) (*models.Person, error) {
	var out *models.Person
	err := s.do(ctx, "GetPerson", func(st *state) error {
		p, ok := st.persons[id]
		if !ok || p.TenantID != tenantID {
			return models.NewNotFoundError("person", id)
		}
		c := clonePerson(p)
		out = &c
		return nil
	})
	return out, err
}

func (s *Store) GetPersons(ctx context.Context, tenantID string, ids []string) ([]models.Person, error) {
	out := []models.Person{}
	err := s.do(ctx, "GetPersons", func(st *state) error {
		seen := map[string]bool{}
		for _, id := range ids {
			p, ok := st.persons[id]
			if !ok || p.TenantID != tenantID || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, clonePerson(p))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *Store) UpdatePerson(ctx context.Context, p *models.Person) error {
	return s.do(ctx, "UpdatePerson", func(st *state) error {
		cur, ok := st.persons[p.ID]
		if !ok || cur.TenantID != p.TenantID {
			return models.NewNotFoundError("person", p.ID)
		}
		if cur.Version != p.Version {
			return models.ErrVersionConflict
		}
		p.Version++
		p.CreatedAt = cur.CreatedAt
		p.UpdatedAt = s.now()
		st.persons[p.ID] = clonePerson(*p)
		return nil
	})
}

func (s *Store) FindCandidateHits(ctx context.Context, q models.CandidateQuery) ([]models.CandidateHit, error) {
	var out []models.CandidateHit
	err := s.do(ctx, "FindCandidateHits", func(st *state) error {
		out = findCandidateHits(st, q)
		return nil
	})
	return out, err
}

// Links

func (s *Store) CreateLink(ctx context.Context, l *models.ExternalAccountLink) error {
	return s.do(ctx, "CreateLink", func(st *state) error {
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		key := linkKey(l.TenantID, l.System, l.ExternalID)
		if _, ok := st.linkKeys[key]; ok {
			return models.ErrDuplicate
		}
		if _, ok := st.links[l.ID]; ok {
			return models.ErrDuplicate
		}
		now := s.now()
		l.CreatedAt, l.UpdatedAt = now, now
		l.Version = 1
		st.links[l.ID] = cloneLink(*l)
		st.linkKeys[key] = l.ID
		return nil
	})
}

func (s *Store) GetLink(ctx context.Context, tenantID, id string) (*models.ExternalAccountLink, error) {
	var out *models.ExternalAccountLink
	err := s.do(ctx, "GetLink", func(st *state) error {
		l, ok := st.links[id]
		if !ok || l.TenantID != tenantID {
			return models.NewNotFoundError("link", id)
		}
		c := cloneLink(l)
		out = &c
		return nil
	})
	return out, err
}

func (s *Store) GetLinkByExternalID(ctx context.Context, tenantID, system, externalID string) (*models.ExternalAccountLink, error) {
	var out *models.ExternalAccountLink
	err := s.do(ctx, "GetLinkByExternalID", func(st *state) error {
		id, ok := st.linkKeys[linkKey(tenantID, system, externalID)]
		if !ok {
			return models.NewNotFoundError("link", system+":"+externalID)
		}
		c := cloneLink(st.links[id])
		out = &c
		return nil
	})
	return out, err
}

func (s *Store) ListLinksByPerson(ctx context.Context, tenantID, personID string) ([]models.ExternalAccountLink, error) {
	return s.listLinks(ctx, "ListLinksByPerson", tenantID, func(l *models.ExternalAccountLink) bool {
		return l.PersonID == personID
	})
}

func (s *Store) ListLinksByPersons(ctx context.Context, tenantID string, personIDs []string) ([]models.ExternalAccountLink, error) {
	set := make(map[string]bool, len(personIDs))
	for _, id := range personIDs {
		set[id] = true
	}
	return s.listLinks(ctx, "ListLinksByPersons", tenantID, func(l *models.ExternalAccountLink) bool {
		return set[l.PersonID]
	})
}

func (s *Store) ListLinksByEmail(ctx context.Context, tenantID, email string) ([]models.ExternalAccountLink, error) {
	return s.listLinks(ctx, "ListLinksByEmail", tenantID, func(l *models.ExternalAccountLink) bool {
		return email != "" && l.EmailNormalized == email && l.IsActive()
	})
}

func (s *Store) listLinks(ctx context.Context, op, tenantID string, match func(l *models.ExternalAccountLink) bool) ([]models.ExternalAccountLink, error) {
	out := []models.ExternalAccountLink{}
	err := s.do(ctx, op, func(st *state) error {
		for _, l := range st.links {
			if l.TenantID == tenantID && match(&l) {
				out = append(out, cloneLink(l))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (s *Store) UpdateLink(ctx context.Context, l *models.ExternalAccountLink) error {
	return s.do(ctx, "UpdateLink", func(st *state) error {
		cur, ok := st.links[l.ID]
		if !ok || cur.TenantID != l.TenantID {
			return models.NewNotFoundError("link", l.ID)
		}
		if cur.Version != l.Version {
			return models.ErrVersionConflict
		}
		l.Version++
		l.CreatedAt = cur.CreatedAt
		l.UpdatedAt = s.now()
		st.links[l.ID] = cloneLink(*l)
		return nil
	})
}

// Review entries

func (s *Store) CreateReviewEntry(ctx context.Context, e *models.ReviewQueueEntry) error {
	return s.do(ctx, "CreateReviewEntry", func(st *state) error {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Status == models.ReviewStatusPending {
			for _, other := range st.reviews {
				if other.TenantID == e.TenantID && other.LinkID == e.LinkID && other.Status == models.ReviewStatusPending {
					return models.ErrDuplicate
				}
			}
		}
		e.CreatedAt = s.now()
		st.reviews[e.ID] = cloneReview(*e)
		return nil
	})
}

func (s *Store) GetReviewEntry(ctx context.Context, tenantID, id string) (*models.ReviewQueueEntry, error) {
	var out *models.ReviewQueueEntry
	err := s.do(ctx, "GetReviewEntry", func(st *state) error {
		e, ok := st.reviews[id]
		if !ok || e.TenantID != tenantID {
			return models.NewNotFoundError("review entry", id)
		}
		c := cloneReview(e)
		out = &c
		return nil
	})
	return out, err
}

func (s *Store) GetPendingReviewEntry(ctx context.Context, tenantID, linkID string) (*models.ReviewQueueEntry, error) {
	var out *models.ReviewQueueEntry
	err := s.do(ctx, "GetPendingReviewEntry", func(st *state) error {
		for _, e := range st.reviews {
			if e.TenantID == tenantID && e.LinkID == linkID && e.Status == models.ReviewStatusPending {
				c := cloneReview(e)
				out = &c
				return nil
			}
		}
		return models.NewNotFoundError("review entry", "pending:"+linkID)
	})
	return out, err
}

func (s *Store) ListPendingReviewEntries(ctx context.Context, tenantID string, f models.ReviewFilter) ([]models.ReviewQueueEntry, error) {
	out := []models.ReviewQueueEntry{}
	err := s.do(ctx, "ListPendingReviewEntries", func(st *state) error {
		for _, e := range st.reviews {
			if e.TenantID != tenantID || e.Status != models.ReviewStatusPending {
				continue
			}
			if f.Conflict != nil && e.Conflict != *f.Conflict {
				continue
			}
			link := st.links[e.LinkID]
			if f.System != "" && link.System != f.System {
				continue
			}
			if f.PersonID != "" && link.PersonID != f.PersonID && !e.HasOption(f.PersonID) {
				continue
			}
			out = append(out, cloneReview(e))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Offset, f.Limit), err
}

func (s *Store) DecideReviewEntry(ctx context.Context, e *models.ReviewQueueEntry) error {
	return s.do(ctx, "DecideReviewEntry", func(st *state) error {
		cur, ok := st.reviews[e.ID]
		if !ok || cur.TenantID != e.TenantID {
			return models.NewNotFoundError("review entry", e.ID)
		}
		if cur.Status != models.ReviewStatusPending {
			return &models.StaleDecisionError{EntryID: e.ID, Status: cur.Status}
		}
		cur.Status = e.Status
		cur.ChosenPersonID = e.ChosenPersonID
		cur.DecidedBy = e.DecidedBy
		cur.DecidedAt = e.DecidedAt
		if cur.DecidedAt == nil {
			now := s.now()
			cur.DecidedAt = &now
			e.DecidedAt = &now
		}
		st.reviews[e.ID] = cloneReview(cur)
		return nil
	})
}

// Audit

func (s *Store) AppendAudit(ctx context.Context, r *models.AuditRecord) error {
	return s.do(ctx, "AppendAudit", func(st *state) error {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.RecordedAt.IsZero() {
			r.RecordedAt = s.now()
		}
		st.seq++
		r.Seq = st.seq
		st.audits = append(st.audits, cloneAudit(*r))
		return nil
	})
}

func (s *Store) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditRecord, error) {
	out := []models.AuditRecord{}
	err := s.do(ctx, "ListAudit", func(st *state) error {
		for _, r := range st.audits {
			if r.TenantID != f.TenantID || r.Seq <= f.AfterSeq {
				continue
			}
			if f.LinkID != "" && r.LinkID != f.LinkID {
				continue
			}
			if f.Since != nil && r.RecordedAt.Before(*f.Since) {
				continue
			}
			if f.Until != nil && r.RecordedAt.After(*f.Until) {
				continue
			}
			out = append(out, cloneAudit(r))
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) LatestAuditAt(ctx context.Context, tenantID, linkID string, at time.Time) (*models.AuditRecord, error) {
	var out *models.AuditRecord
	err := s.do(ctx, "LatestAuditAt", func(st *state) error {
		for i := len(st.audits) - 1; i >= 0; i-- {
			r := st.audits[i]
			if r.TenantID == tenantID && r.LinkID == linkID && !r.RecordedAt.After(at) {
				c := cloneAudit(r)
				out = &c
				return nil
			}
		}
		return models.NewNotFoundError("audit record", linkID)
	})
	return out, err
}

func page[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
