package resolution

import (
	"context"
	"errors"
	"time"

	"github.com/Ramsey-B/clover/pkg/audit"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/locking"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/policy"
)

// Session is one identity change: the locks it holds, the policy snapshot it
// decides with, and the audit records and events buffered until commit.
// Sessions are created by Service.Run and must not outlive its callback.
type Session struct {
	svc    *Service
	cfg    *policy.Config
	actor  string
	now    time.Time
	leases []locking.Lease
	held   map[string]bool

	audits []models.AuditRecord
	events []events.Event
}

func (s *Service) newSession(cfg *policy.Config, actor string) *Session {
	return &Session{
		svc:   s,
		cfg:   cfg,
		actor: actor,
		now:   s.now(),
		held:  map[string]bool{},
	}
}

func (ss *Session) Policy() *policy.Config {
	return ss.cfg
}

func (ss *Session) Actor() string {
	return ss.actor
}

// Lock acquires the keys not already held by the session
func (ss *Session) Lock(ctx context.Context, keys ...string) error {
	fresh := make([]string, 0, len(keys))
	for _, k := range locking.SortedKeys(keys) {
		if !ss.held[k] {
			fresh = append(fresh, k)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	lease, err := ss.svc.locker.Lock(ctx, fresh...)
	if err != nil {
		return err
	}
	ss.leases = append(ss.leases, lease)
	for _, k := range fresh {
		ss.held[k] = true
	}
	return nil
}

// LockPersons locks the person keys of ids in one tenant
func (ss *Session) LockPersons(ctx context.Context, tenantID string, ids ...string) error {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			keys = append(keys, locking.PersonKey(tenantID, id))
		}
	}
	return ss.Lock(ctx, keys...)
}

func (ss *Session) release(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(ss.leases) - 1; i >= 0; i-- {
		if err := ss.leases[i].Release(ctx); err != nil {
			ss.svc.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"keys": ss.leases[i].Keys(),
			}).Warn("Failed to release resolution locks")
		}
	}
	ss.leases = nil
	ss.held = map[string]bool{}
}

// Commit runs fn in one store transaction. Audit records and events written
// by a failed attempt are discarded together with its writes.
func (ss *Session) Commit(ctx context.Context, fn func(ctx context.Context) error) error {
	audits, evs := len(ss.audits), len(ss.events)
	err := ss.svc.store.WithinTx(ctx, fn)
	if err != nil {
		ss.audits, ss.events = ss.audits[:audits], ss.events[:evs]
	}
	return err
}

// CreatePerson stores a new Person
func (ss *Session) CreatePerson(ctx context.Context, p *models.Person) error {
	return ss.svc.store.CreatePerson(ctx, p)
}

// TouchPerson writes p back, failing when another writer got there first
func (ss *Session) TouchPerson(ctx context.Context, p *models.Person) error {
	return ss.svc.store.UpdatePerson(ctx, p)
}

// CreateLink stores a new link and audits its first state
func (ss *Session) CreateLink(ctx context.Context, link *models.ExternalAccountLink, owner *models.Person, evType events.EventType, reason string) error {
	if err := ss.svc.store.CreateLink(ctx, link); err != nil {
		return err
	}
	return ss.record(ctx, *link, owner, "", evType, reason)
}

// Transition writes a link whose state or owner changed and audits it
func (ss *Session) Transition(ctx context.Context, link *models.ExternalAccountLink, owner *models.Person, previousPersonID string, evType events.EventType, reason string) error {
	if err := ss.svc.store.UpdateLink(ctx, link); err != nil {
		return err
	}
	return ss.record(ctx, *link, owner, previousPersonID, evType, reason)
}

// Refresh writes mutable account fields without a state change. It is not audited.
func (ss *Session) Refresh(ctx context.Context, link *models.ExternalAccountLink, owner *models.Person) error {
	if err := ss.svc.store.UpdateLink(ctx, link); err != nil {
		return err
	}
	ss.events = append(ss.events, events.LinkEvent(events.EventTypeLinkUpdated, *link, owner, link.PersonID))
	return nil
}

func (ss *Session) record(ctx context.Context, link models.ExternalAccountLink, owner *models.Person, previousPersonID string, evType events.EventType, reason string) error {
	r := audit.FromLink(link, previousPersonID, ss.actor, reason)
	if err := ss.svc.store.AppendAudit(ctx, &r); err != nil {
		return err
	}
	ss.audits = append(ss.audits, r)
	ss.events = append(ss.events, events.LinkEvent(evType, link, owner, previousPersonID))
	return nil
}

// SupersedePending closes the pending review entry of a link, if any
func (ss *Session) SupersedePending(ctx context.Context, link *models.ExternalAccountLink) error {
	entry, err := ss.svc.store.GetPendingReviewEntry(ctx, link.TenantID, link.ID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	entry.Status = models.ReviewStatusSuperseded
	return ss.DecideEntry(ctx, entry)
}

// DecideEntry moves a pending review entry to entry.Status on behalf of the
// session's actor. It fails with *models.StaleDecisionError when another
// decision got there first.
func (ss *Session) DecideEntry(ctx context.Context, entry *models.ReviewQueueEntry) error {
	entry.DecidedBy = ss.actor
	now := ss.now
	entry.DecidedAt = &now
	return ss.svc.store.DecideReviewEntry(ctx, entry)
}

// Reject takes link away from owner after a human declined the pairing
func (ss *Session) Reject(ctx context.Context, link *models.ExternalAccountLink, owner *models.Person, reason string) error {
	link.LinkState = models.LinkStateRejected
	link.DecidedBy = ss.actor
	now := ss.now
	link.DecidedAt = &now
	return ss.Transition(ctx, link, owner, owner.ID, events.EventTypeLinkRejected, reason)
}

// OpenReview queues a pending entry for link with the decision's options
func (ss *Session) OpenReview(ctx context.Context, link *models.ExternalAccountLink, d policy.Decision) (*models.ReviewQueueEntry, error) {
	entry := &models.ReviewQueueEntry{
		TenantID:   link.TenantID,
		LinkID:     link.ID,
		Confidence: d.Confidence,
		Conflict:   d.Kind == policy.KindConflict,
		Options:    d.Options,
		Reason:     d.Reason,
		Status:     models.ReviewStatusPending,
	}
	if d.Kind != policy.KindConflict && d.PersonID != "" {
		best := d.PersonID
		entry.CandidatePersonID = &best
	}
	if err := ss.svc.store.CreateReviewEntry(ctx, entry); err != nil {
		return nil, err
	}
	if n := len(ss.events); n > 0 && ss.events[n-1].Link != nil && ss.events[n-1].Link.ID == link.ID {
		ss.events[n-1].ReviewEntryID = entry.ID
		ss.events[n-1].Options = entry.OptionPersonIDs()
	}
	return entry, nil
}

// MoveLink hands link from one Person to another. The receiving Person's
// version is bumped. The previous owner is retired into the receiver when it
// was an unconfirmed placeholder left without accounts, and bumped otherwise.
func (ss *Session) MoveLink(ctx context.Context, link *models.ExternalAccountLink, from, to *models.Person, evType events.EventType, reason string) error {
	link.PersonID = to.ID
	if err := ss.Transition(ctx, link, to, from.ID, evType, reason); err != nil {
		return err
	}
	if err := ss.TouchPerson(ctx, to); err != nil {
		return err
	}
	return ss.releasePerson(ctx, from, to.ID)
}

func (ss *Session) releasePerson(ctx context.Context, p *models.Person, into string) error {
	if p.Status.IsPlaceholder() && !p.Verified && p.MergedInto == nil {
		links, err := ss.svc.store.ListLinksByPerson(ctx, p.TenantID, p.ID)
		if err != nil {
			return err
		}
		active := 0
		for i := range links {
			if links[i].IsActive() {
				active++
			}
		}
		if active == 0 {
			p.MergedInto = &into
		}
	}
	return ss.TouchPerson(ctx, p)
}

// Confirm records a human decision that link belongs to target
func (ss *Session) Confirm(ctx context.Context, link *models.ExternalAccountLink, owner, target *models.Person, method models.MatchMethod, confidence *float64, evType events.EventType, reason string) error {
	link.LinkState = models.LinkStateConfirmed
	link.MatchMethod = method
	link.MatchConfidence = confidence
	link.DecidedBy = ss.actor
	now := ss.now
	link.DecidedAt = &now
	target.Promote()

	if owner.ID == target.ID {
		if err := ss.Transition(ctx, link, target, owner.ID, evType, reason); err != nil {
			return err
		}
		return ss.TouchPerson(ctx, target)
	}
	return ss.MoveLink(ctx, link, owner, target, evType, reason)
}

// decided stamps an automatic decision on link
func (ss *Session) decided(link *models.ExternalAccountLink, state models.LinkState, method models.MatchMethod, confidence float64) {
	link.LinkState = state
	link.MatchMethod = method
	c := confidence
	link.MatchConfidence = &c
	link.DecidedBy = models.SystemActor
	now := ss.now
	link.DecidedAt = &now
}
