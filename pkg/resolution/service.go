// Package resolution decides, for every observed external account, which
// Person owns it, and writes that decision atomically with its audit record.
package resolution

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/locking"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/policy"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// DefaultMaxRetries bounds the retries of a resolve that lost an optimistic race
// or timed out waiting for its locks
const DefaultMaxRetries = 3

const lockBackoffStep = 50 * time.Millisecond

type Service struct {
	store      store.Store
	locker     locking.Locker
	extractor  *matching.Extractor
	sink       events.Sink
	policy     atomic.Pointer[policy.Config]
	maxRetries int
	logger     ectologger.Logger
	now        func() time.Time
}

type Option func(*Service)

func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st store.Store, locker locking.Locker, sink events.Sink, cfg *policy.Config, logger ectologger.Logger, opts ...Option) *Service {
	s := &Service{
		store:      st,
		locker:     locker,
		extractor:  matching.NewExtractor(st, logger),
		sink:       sink,
		maxRetries: DefaultMaxRetries,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if cfg == nil {
		cfg = policy.Default()
	}
	s.policy.Store(cfg)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the policy new resolves decide with
func (s *Service) Policy() *policy.Config {
	return s.policy.Load()
}

// SetPolicy swaps the policy. Resolves already running keep the one they started with.
func (s *Service) SetPolicy(cfg *policy.Config) error {
	if cfg == nil {
		return models.NewValidationError("policy", "policy is required")
	}
	s.policy.Store(cfg)
	s.logger.WithFields(map[string]any{
		"auto_link_threshold": cfg.Settings().Thresholds.AutoLink,
		"review_threshold":    cfg.Settings().Thresholds.Review,
	}).Info("Match policy updated")
	return nil
}

// Run calls fn with a fresh session and retries it when it lost an optimistic
// race or a lock wait. The session's events are emitted after fn succeeds, before its locks
// are released.
func (s *Service) Run(ctx context.Context, actor string, fn func(ctx context.Context, ss *Session) error) error {
	return s.run(ctx, s.Policy(), actor, "", fn)
}

func (s *Service) run(ctx context.Context, cfg *policy.Config, actor, system string, fn func(ctx context.Context, ss *Session) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.ResolutionRetriesTotal.WithLabelValues(system).Inc()
			s.logger.WithContext(ctx).WithError(err).Debugf("Retrying identity change, attempt %d", attempt+1)
		}

		ss := s.newSession(cfg, actor)
		err = func() error {
			defer ss.release(ctx)
			if err := fn(ctx, ss); err != nil {
				return err
			}
			s.emit(ctx, ss)
			return nil
		}()
		if err == nil {
			return nil
		}
		lockFailed := isLockFailure(err)
		if !lockFailed && !errors.Is(err, models.ErrVersionConflict) && !errors.Is(err, models.ErrDuplicate) {
			return err
		}
		if lockFailed && attempt < s.maxRetries {
			if lockBackoff(ctx, attempt) != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return models.NewStoreUnavailableError("resolve", err)
}

// isLockFailure reports a lock wait that timed out. Sessions take keys in
// stages, so two sessions can each hold a key the other waits for; both give
// up after the lock timeout and are retried.
func isLockFailure(err error) bool {
	var unavailable *models.StoreUnavailableError
	return errors.As(err, &unavailable) && unavailable.Op == "lock"
}

// lockBackoff waits a random slice of an attempt-scaled window so sessions
// that timed out on each other do not collide again.
func lockBackoff(ctx context.Context, attempt int) error {
	wait := rand.N(time.Duration(attempt+1) * lockBackoffStep)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) emit(ctx context.Context, ss *Session) {
	evs := make([]events.Event, 0, len(ss.events)+len(ss.audits))
	evs = append(evs, ss.events...)
	for _, r := range ss.audits {
		metrics.AuditRecordsTotal.WithLabelValues(string(r.Method), string(r.LinkState)).Inc()
		evs = append(evs, events.AuditEvent(r))
	}
	if len(evs) == 0 || s.sink == nil {
		return
	}
	// the change is committed; a lost event is logged, not rolled back
	if err := s.sink.Emit(ctx, evs...); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"events": len(evs),
		}).Error("Failed to emit events for committed identity change")
	}
}

// Resolve decides which Person owns the observed account and records the decision
func (s *Service) Resolve(ctx context.Context, draft models.ExternalAccountDraft) (*Outcome, error) {
	return s.ResolveWithPolicy(ctx, draft, s.Policy())
}

// ResolveWithPolicy is Resolve with an explicit policy
func (s *Service) ResolveWithPolicy(ctx context.Context, draft models.ExternalAccountDraft, cfg *policy.Config) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.Resolve")
	defer span.End()

	start := time.Now()
	draft, keys, err := s.prepare(cfg, draft)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   draft.TenantID,
		"system":      draft.System,
		"external_id": draft.ExternalID,
	})

	var out *Outcome
	err = s.run(ctx, cfg, models.SystemActor, draft.System, func(ctx context.Context, ss *Session) error {
		o, err := s.resolve(ctx, ss, draft, keys)
		out = o
		return err
	})
	metrics.ResolutionDuration.WithLabelValues(draft.System).Observe(time.Since(start).Seconds())
	if err != nil {
		tracing.RecordError(span, err)
		metrics.ResolutionsTotal.WithLabelValues(draft.System, "error", "false").Inc()
		log.WithError(err).Error("Failed to resolve external account")
		return nil, err
	}

	metrics.ResolutionsTotal.WithLabelValues(draft.System, string(out.Status), strconv.FormatBool(out.Replayed)).Inc()
	log.WithFields(map[string]any{
		"status":     out.Status,
		"person_id":  out.Person.ID,
		"link_id":    out.Link.ID,
		"method":     out.Method,
		"confidence": out.Confidence,
		"replayed":   out.Replayed,
	}).Debug("Resolved external account")
	return out, nil
}

func (s *Service) prepare(cfg *policy.Config, draft models.ExternalAccountDraft) (models.ExternalAccountDraft, matching.DraftKeys, error) {
	draft.TenantID = strings.TrimSpace(draft.TenantID)
	draft.System = strings.ToLower(strings.TrimSpace(draft.System))
	draft.ExternalID = strings.TrimSpace(draft.ExternalID)
	draft.Email = strings.TrimSpace(draft.Email)
	if err := draft.Validate(); err != nil {
		return draft, matching.DraftKeys{}, err
	}
	if draft.ObservedAt.IsZero() {
		draft.ObservedAt = s.now()
	}

	keys := matching.KeysFor(cfg, draft)
	if draft.Email != "" && keys.Email == "" {
		return draft, keys, models.NewValidationError("external_email", "external_email is not a valid address")
	}
	return draft, keys, nil
}

func (s *Service) resolve(ctx context.Context, ss *Session, draft models.ExternalAccountDraft, keys matching.DraftKeys) (*Outcome, error) {
	tenant := draft.TenantID
	lockKeys := []string{locking.AccountKey(tenant, draft.System, draft.ExternalID)}
	if keys.Email != "" {
		lockKeys = append(lockKeys, locking.EmailKey(tenant, keys.Email))
	}
	if !ss.cfg.IsBot(draft.Username, draft.DisplayName) {
		lockKeys = append(lockKeys, coarseKeys(tenant, keys)...)
	}
	if err := ss.Lock(ctx, lockKeys...); err != nil {
		return nil, err
	}

	link, err := s.store.GetLinkByExternalID(ctx, tenant, draft.System, draft.ExternalID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		if draft.Deactivated {
			return nil, models.NewValidationError("deactivated", "account was deactivated before it was ever resolved")
		}
		p, err := ss.plan(ctx, draft, keys, nil, nil)
		if err != nil {
			return nil, err
		}
		return ss.commitPlan(ctx, p)
	case err != nil:
		return nil, err
	}

	if err := ss.LockPersons(ctx, tenant, link.PersonID); err != nil {
		return nil, err
	}
	owner, err := s.store.GetPerson(ctx, tenant, link.PersonID)
	if err != nil {
		return nil, err
	}

	if link.EmailNormalized == keys.Email && link.LinkState != models.LinkStateRejected &&
		(link.LinkState != models.LinkStateSuperseded || draft.Deactivated) {
		return s.replay(ctx, ss, draft, keys, link, owner)
	}

	p, err := ss.plan(ctx, draft, keys, link, owner)
	if err != nil {
		return nil, err
	}
	return ss.commitPlan(ctx, p)
}

func (ss *Session) commitPlan(ctx context.Context, p *Plan) (*Outcome, error) {
	var out *Outcome
	err := ss.Commit(ctx, func(ctx context.Context) error {
		o, err := ss.Apply(ctx, p)
		out = o
		return err
	})
	return out, err
}

// replay handles an account whose identifying evidence did not change. The
// stored decision stands; only a deactivation or changed fields are written.
func (s *Service) replay(ctx context.Context, ss *Session, draft models.ExternalAccountDraft, keys matching.DraftKeys, link *models.ExternalAccountLink, owner *models.Person) (*Outcome, error) {
	updated := *link
	applyDraft(&updated, draft, keys)

	if draft.Deactivated && link.LinkState != models.LinkStateSuperseded {
		updated.LinkState = models.LinkStateSuperseded
		updated.DecidedBy = models.SystemActor
		now := ss.now
		updated.DecidedAt = &now
		err := ss.Commit(ctx, func(ctx context.Context) error {
			if err := ss.SupersedePending(ctx, &updated); err != nil {
				return err
			}
			if err := ss.Transition(ctx, &updated, owner, owner.ID, events.EventTypeLinkSuperseded, "account deactivated in source system"); err != nil {
				return err
			}
			return ss.TouchPerson(ctx, owner)
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Status:     StatusSuperseded,
			Link:       updated,
			Person:     *owner,
			Method:     updated.MatchMethod,
			Confidence: updated.Confidence(),
			Reason:     "account deactivated in source system",
		}, nil
	}

	if updated.Fingerprint != link.Fingerprint {
		err := ss.Commit(ctx, func(ctx context.Context) error {
			return ss.Refresh(ctx, &updated, owner)
		})
		if err != nil {
			return nil, err
		}
	} else {
		updated = *link
	}

	out := &Outcome{
		Status:     ss.settledStatus(&updated, owner),
		Link:       updated,
		Person:     *owner,
		Method:     updated.MatchMethod,
		Confidence: updated.Confidence(),
		Replayed:   true,
	}
	if updated.LinkState == models.LinkStatePendingReview {
		entry, err := s.store.GetPendingReviewEntry(ctx, updated.TenantID, updated.ID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if entry != nil {
			out.ReviewEntry = entry
			out.Options = entry.Options
			out.Reason = entry.Reason
			if entry.Conflict {
				out.Status = StatusConflict
			}
		}
	}
	return out, nil
}

// Assignable reports whether accounts may be handed to p by a human
func Assignable(p *models.Person) error {
	switch {
	case p.MergedInto != nil:
		return models.NewValidationError("person_id", "person was merged into "+*p.MergedInto)
	case p.Status == models.PersonStatusBot:
		return models.NewValidationError("person_id", "accounts cannot be assigned to a bot person")
	}
	return nil
}

// Override pins an account to personID as a confirmed manual link
func (s *Service) Override(ctx context.Context, tenantID, system, externalID, personID, actor string) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.Override")
	defer span.End()

	if strings.TrimSpace(actor) == "" {
		return nil, models.NewValidationError("actor", "actor is required")
	}
	if strings.TrimSpace(personID) == "" {
		return nil, models.NewValidationError("person_id", "person_id is required")
	}
	system = strings.ToLower(strings.TrimSpace(system))

	var out *Outcome
	err := s.Run(ctx, actor, func(ctx context.Context, ss *Session) error {
		if err := ss.Lock(ctx, locking.AccountKey(tenantID, system, externalID)); err != nil {
			return err
		}
		link, err := s.store.GetLinkByExternalID(ctx, tenantID, system, externalID)
		if err != nil {
			return err
		}
		if err := ss.LockPersons(ctx, tenantID, link.PersonID, personID); err != nil {
			return err
		}
		owner, err := s.store.GetPerson(ctx, tenantID, link.PersonID)
		if err != nil {
			return err
		}
		target, err := s.store.GetPerson(ctx, tenantID, personID)
		if err != nil {
			return err
		}
		if err := Assignable(target); err != nil {
			return err
		}

		evType := events.EventTypeLinkRelinked
		if owner.ID == target.ID {
			evType = events.EventTypeLinkConfirmed
		}
		return ss.Commit(ctx, func(ctx context.Context) error {
			if err := ss.SupersedePending(ctx, link); err != nil {
				return err
			}
			if err := ss.Confirm(ctx, link, owner, target, models.MatchMethodManual, nil, evType, "manual override"); err != nil {
				return err
			}
			out = &Outcome{Status: StatusAutoLinked, Link: *link, Person: *target, Method: link.MatchMethod, Reason: "manual override"}
			return nil
		})
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"link_id":   out.Link.ID,
		"person_id": personID,
		"actor":     actor,
	}).Info("Account manually linked")
	return out, nil
}

// Reevaluate runs matching again for a stored link, e.g. after the policy changed
func (s *Service) Reevaluate(ctx context.Context, tenantID, linkID string) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.Reevaluate")
	defer span.End()

	var out *Outcome
	err := s.Run(ctx, models.SystemActor, func(ctx context.Context, ss *Session) error {
		link, err := s.store.GetLink(ctx, tenantID, linkID)
		if err != nil {
			return err
		}
		if err := ss.Lock(ctx, locking.AccountKey(tenantID, link.System, link.ExternalID)); err != nil {
			return err
		}
		// reread under the account lock
		if link, err = s.store.GetLink(ctx, tenantID, linkID); err != nil {
			return err
		}
		if link.LinkState == models.LinkStateSuperseded {
			return models.NewValidationError("link_state", "superseded links are reactivated by a new observation")
		}
		if err := ss.LockPersons(ctx, tenantID, link.PersonID); err != nil {
			return err
		}
		owner, err := s.store.GetPerson(ctx, tenantID, link.PersonID)
		if err != nil {
			return err
		}
		p, err := ss.Reevaluation(ctx, link, owner)
		if err != nil {
			return err
		}
		out, err = ss.commitPlan(ctx, p)
		return err
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return out, nil
}
