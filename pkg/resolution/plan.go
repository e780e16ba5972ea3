package resolution

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/fingerprint"
	"github.com/Ramsey-B/clover/pkg/locking"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/policy"
)

// Plan is a decision for one account made outside the write transaction.
// The Persons it may touch are already locked by the session that built it.
type Plan struct {
	draft models.ExternalAccountDraft
	keys  matching.DraftKeys
	// link and owner are nil for an account seen for the first time
	link  *models.ExternalAccountLink
	owner *models.Person
	// soleOwner is set when owner is an unconfirmed placeholder holding no other account
	soleOwner bool
	bot       bool
	decision  policy.Decision
}

func (p *Plan) Decision() policy.Decision {
	return p.decision
}

func (ss *Session) plan(ctx context.Context, draft models.ExternalAccountDraft, keys matching.DraftKeys, link *models.ExternalAccountLink, owner *models.Person) (*Plan, error) {
	p := &Plan{draft: draft, keys: keys, link: link, owner: owner}
	p.bot = ss.cfg.IsBot(draft.Username, draft.DisplayName)

	var excluded []string
	if link != nil {
		excluded = append(excluded, link.ExcludedPersonIDs...)
		sole, err := ss.soleOwner(ctx, link, owner)
		if err != nil {
			return nil, err
		}
		p.soleOwner = sole
		if sole {
			excluded = append(excluded, owner.ID)
		}
	}

	if p.bot {
		p.decision = policy.Decision{Kind: policy.KindUnlinked, Method: models.MatchMethodFuzzy, Reason: "service account"}
		return p, nil
	}

	if err := ss.Lock(ctx, coarseKeys(draft.TenantID, keys)...); err != nil {
		return nil, err
	}
	profiles, err := ss.svc.extractor.Extract(ctx, ss.cfg, draft, keys, excluded)
	if err != nil {
		return nil, err
	}
	if link != nil {
		profiles = withoutLink(profiles, link.ID)
	}
	metrics.CandidatesExtracted.Observe(float64(len(profiles)))

	ids := make([]string, len(profiles))
	for i, c := range profiles {
		ids[i] = c.Person.ID
	}
	if err := ss.LockPersons(ctx, draft.TenantID, ids...); err != nil {
		return nil, err
	}

	exact := matching.MatchExact(ss.cfg, draft.System, keys, profiles)
	var ranked []models.ScoredCandidate
	if !exact.Matched() && !exact.IsConflict() {
		ranked = matching.Score(ss.cfg, draft, keys, profiles)
	}
	p.decision = policy.Decide(ss.cfg, draft.System, policy.Input{Exact: exact, Ranked: ranked})
	return p, nil
}

// coarseKeys are the candidate-pool locks of a draft: its own username key and
// bucket, every username form it searches for, and its name tokens. Email
// domains are left out; one shared org domain would serialize the tenant.
func coarseKeys(tenantID string, keys matching.DraftKeys) []string {
	out := make([]string, 0, 2+len(keys.UsernameForms)+len(keys.NameTokens))
	if keys.UsernameKey != "" {
		out = append(out, locking.CoarseKey(tenantID, "username", keys.UsernameKey))
	}
	if keys.UsernameBucket != "" {
		out = append(out, locking.CoarseKey(tenantID, "bucket", keys.UsernameBucket))
	}
	for _, f := range keys.UsernameForms {
		out = append(out, locking.CoarseKey(tenantID, "username", f))
	}
	for _, tok := range keys.NameTokens {
		out = append(out, locking.CoarseKey(tenantID, "name", tok))
	}
	return out
}

// Reevaluation plans a fresh decision for an existing link from its stored
// fields, honouring link.ExcludedPersonIDs. owner must be locked.
func (ss *Session) Reevaluation(ctx context.Context, link *models.ExternalAccountLink, owner *models.Person) (*Plan, error) {
	draft := models.DraftFromLink(link)
	keys := matching.KeysFor(ss.cfg, draft)
	if keys.Email != "" {
		if err := ss.Lock(ctx, locking.EmailKey(link.TenantID, keys.Email)); err != nil {
			return nil, err
		}
	}
	return ss.plan(ctx, draft, keys, link, owner)
}

func (ss *Session) soleOwner(ctx context.Context, link *models.ExternalAccountLink, owner *models.Person) (bool, error) {
	if owner == nil || !owner.Status.IsPlaceholder() || owner.Verified {
		return false, nil
	}
	links, err := ss.svc.store.ListLinksByPerson(ctx, owner.TenantID, owner.ID)
	if err != nil {
		return false, err
	}
	for i := range links {
		if links[i].ID != link.ID && links[i].IsActive() {
			return false, nil
		}
	}
	return true, nil
}

// withoutLink drops the account being re-evaluated from the candidate profiles
func withoutLink(profiles []models.CandidateProfile, linkID string) []models.CandidateProfile {
	for i := range profiles {
		kept := profiles[i].Links[:0:0]
		for _, l := range profiles[i].Links {
			if l.ID != linkID {
				kept = append(kept, l)
			}
		}
		profiles[i].Links = kept
	}
	return profiles
}

// Apply writes a plan. It must run inside Session.Commit.
func (ss *Session) Apply(ctx context.Context, p *Plan) (*Outcome, error) {
	if p.link == nil {
		return ss.applyNew(ctx, p)
	}
	return ss.applyExisting(ctx, p)
}

func (ss *Session) applyNew(ctx context.Context, p *Plan) (*Outcome, error) {
	d := p.decision
	link := &models.ExternalAccountLink{
		TenantID:   p.draft.TenantID,
		System:     p.draft.System,
		ExternalID: p.draft.ExternalID,
	}
	applyDraft(link, p.draft, p.keys)

	switch d.Kind {
	case policy.KindAutoLink:
		person, err := ss.svc.store.GetPerson(ctx, link.TenantID, d.PersonID)
		if err != nil {
			return nil, err
		}
		link.PersonID = person.ID
		ss.decided(link, models.LinkStateAutoLinked, d.Method, d.Confidence)
		if err := ss.CreateLink(ctx, link, person, events.EventTypeLinkAutoLinked, d.Reason); err != nil {
			return nil, err
		}
		if err := ss.TouchPerson(ctx, person); err != nil {
			return nil, err
		}
		return newOutcome(StatusAutoLinked, link, person, d), nil

	case policy.KindQueue, policy.KindConflict:
		ph, err := ss.placeholder(ctx, p, models.PersonStatusUnresolved)
		if err != nil {
			return nil, err
		}
		link.PersonID = ph.ID
		ss.decided(link, models.LinkStatePendingReview, d.Method, d.Confidence)
		evType := events.EventTypeForState(link.LinkState, d.Kind == policy.KindConflict)
		if err := ss.CreateLink(ctx, link, ph, evType, d.Reason); err != nil {
			return nil, err
		}
		entry, err := ss.OpenReview(ctx, link, d)
		if err != nil {
			return nil, err
		}
		out := newOutcome(statusOf(d.Kind), link, ph, d)
		out.ReviewEntry = entry
		return out, nil
	}

	ph, err := ss.placeholder(ctx, p, ss.cfg.PlaceholderStatus(p.keys.EmailDomain, p.bot))
	if err != nil {
		return nil, err
	}
	link.PersonID = ph.ID
	ss.decided(link, models.LinkStateAutoLinked, models.MatchMethodFuzzy, d.Confidence)
	if err := ss.CreateLink(ctx, link, ph, events.EventTypeLinkUnlinked, d.Reason); err != nil {
		return nil, err
	}
	return newOutcome(StatusUnlinked, link, ph, d), nil
}

func (ss *Session) applyExisting(ctx context.Context, p *Plan) (*Outcome, error) {
	d := p.decision
	owner := p.owner
	link := *p.link
	applyDraft(&link, p.draft, p.keys)

	undecided := link.LinkState == models.LinkStatePendingReview ||
		link.LinkState == models.LinkStateRejected ||
		link.LinkState == models.LinkStateSuperseded
	// an account settled on an established Person is only reopened by verified email evidence
	settled := !undecided && (!owner.Status.IsPlaceholder() || owner.Verified)

	if link.LinkState == models.LinkStatePendingReview {
		if err := ss.SupersedePending(ctx, &link); err != nil {
			return nil, err
		}
	}

	switch d.Kind {
	case policy.KindAutoLink:
		if d.PersonID == owner.ID {
			if !undecided {
				return ss.refresh(ctx, &link, p.link.Fingerprint, owner, d)
			}
			ss.decided(&link, models.LinkStateAutoLinked, d.Method, d.Confidence)
			if err := ss.Transition(ctx, &link, owner, owner.ID, events.EventTypeLinkAutoLinked, d.Reason); err != nil {
				return nil, err
			}
			if err := ss.TouchPerson(ctx, owner); err != nil {
				return nil, err
			}
			return newOutcome(StatusAutoLinked, &link, owner, d), nil
		}

		target, err := ss.svc.store.GetPerson(ctx, link.TenantID, d.PersonID)
		if err != nil {
			return nil, err
		}
		switch {
		case !settled:
			ss.decided(&link, models.LinkStateAutoLinked, d.Method, d.Confidence)
			if err := ss.MoveLink(ctx, &link, owner, target, events.EventTypeLinkAutoLinked, d.Reason); err != nil {
				return nil, err
			}
			return newOutcome(StatusAutoLinked, &link, target, d), nil
		case d.Method == models.MatchMethodEmail:
			return ss.lateConflict(ctx, p, &link, owner, target)
		}
		return ss.refresh(ctx, &link, p.link.Fingerprint, owner, d)

	case policy.KindQueue:
		if settled {
			return ss.refresh(ctx, &link, p.link.Fingerprint, owner, d)
		}
		return ss.queue(ctx, &link, owner, d)

	case policy.KindConflict:
		return ss.queue(ctx, &link, owner, d)
	}

	if !undecided {
		return ss.refresh(ctx, &link, p.link.Fingerprint, owner, d)
	}
	ss.decided(&link, models.LinkStateAutoLinked, models.MatchMethodFuzzy, d.Confidence)
	if p.soleOwner {
		if err := ss.Transition(ctx, &link, owner, owner.ID, events.EventTypeLinkUnlinked, d.Reason); err != nil {
			return nil, err
		}
		if err := ss.TouchPerson(ctx, owner); err != nil {
			return nil, err
		}
		return newOutcome(StatusUnlinked, &link, owner, d), nil
	}
	ph, err := ss.placeholder(ctx, p, ss.cfg.PlaceholderStatus(p.keys.EmailDomain, p.bot))
	if err != nil {
		return nil, err
	}
	if err := ss.MoveLink(ctx, &link, owner, ph, events.EventTypeLinkUnlinked, d.Reason); err != nil {
		return nil, err
	}
	return newOutcome(StatusUnlinked, &link, ph, d), nil
}

// refresh keeps the link's decision and only writes changed account fields
func (ss *Session) refresh(ctx context.Context, link *models.ExternalAccountLink, stored string, owner *models.Person, d policy.Decision) (*Outcome, error) {
	if link.Fingerprint != stored {
		if err := ss.Refresh(ctx, link, owner); err != nil {
			return nil, err
		}
	}
	out := newOutcome(ss.settledStatus(link, owner), link, owner, d)
	out.Options = nil
	out.Reason = "existing decision kept"
	return out, nil
}

// queue leaves link with its current owner until a reviewer decides
func (ss *Session) queue(ctx context.Context, link *models.ExternalAccountLink, owner *models.Person, d policy.Decision) (*Outcome, error) {
	conflict := d.Kind == policy.KindConflict
	ss.decided(link, models.LinkStatePendingReview, d.Method, d.Confidence)
	if err := ss.Transition(ctx, link, owner, owner.ID, events.EventTypeForState(link.LinkState, conflict), d.Reason); err != nil {
		return nil, err
	}
	entry, err := ss.OpenReview(ctx, link, d)
	if err != nil {
		return nil, err
	}
	if err := ss.TouchPerson(ctx, owner); err != nil {
		return nil, err
	}
	out := newOutcome(statusOf(d.Kind), link, owner, d)
	out.ReviewEntry = entry
	return out, nil
}

// lateConflict handles an account settled on one Person whose new verified
// email belongs to another. Nothing is merged: the account and the other
// Person's accounts carrying the email are all queued as conflicts.
func (ss *Session) lateConflict(ctx context.Context, p *Plan, link *models.ExternalAccountLink, owner, other *models.Person) (*Outcome, error) {
	email := p.keys.Email
	d := policy.Decision{
		Kind:       policy.KindConflict,
		Method:     models.MatchMethodEmail,
		Confidence: 1,
		Options:    policy.ConflictOptions(email, owner.ID, other.ID),
		Reason:     fmt.Sprintf("verified email %s is claimed by persons %s and %s", email, owner.ID, other.ID),
	}
	out, err := ss.queue(ctx, link, owner, d)
	if err != nil {
		return nil, err
	}

	claimed, err := ss.svc.store.ListLinksByEmail(ctx, link.TenantID, email)
	if err != nil {
		return nil, err
	}
	for i := range claimed {
		l := &claimed[i]
		if l.ID == link.ID || l.PersonID != other.ID || l.LinkState == models.LinkStatePendingReview {
			continue
		}
		l.LinkState = models.LinkStatePendingReview
		l.DecidedBy = models.SystemActor
		now := ss.now
		l.DecidedAt = &now
		if err := ss.Transition(ctx, l, other, other.ID, events.EventTypeLinkConflict, d.Reason); err != nil {
			return nil, err
		}
		if _, err := ss.OpenReview(ctx, l, d); err != nil {
			return nil, err
		}
	}
	if err := ss.TouchPerson(ctx, other); err != nil {
		return nil, err
	}
	return out, nil
}

// placeholder creates the Person standing in for an account with no confirmed owner
func (ss *Session) placeholder(ctx context.Context, p *Plan, status models.PersonStatus) (*models.Person, error) {
	ph := &models.Person{
		TenantID:    p.draft.TenantID,
		DisplayName: p.draft.DisplayName,
		NameKey:     p.keys.Name,
		NameTokens:  p.keys.NameTokens,
		Status:      status,
	}
	if ph.DisplayName == "" {
		ph.DisplayName = p.draft.Username
	}
	if err := ss.CreatePerson(ctx, ph); err != nil {
		return nil, err
	}
	return ph, nil
}

// settledStatus derives the status of a link no decision was made for
func (ss *Session) settledStatus(link *models.ExternalAccountLink, owner *models.Person) Status {
	switch link.LinkState {
	case models.LinkStatePendingReview:
		return StatusPendingReview
	case models.LinkStateSuperseded:
		return StatusSuperseded
	}
	if link.MatchMethod == models.MatchMethodFuzzy && owner.Status.IsPlaceholder() && !owner.Verified &&
		link.Confidence() < ss.cfg.Thresholds(link.System).AutoLink {
		return StatusUnlinked
	}
	return StatusAutoLinked
}

// applyDraft copies the observed account fields onto link
func applyDraft(link *models.ExternalAccountLink, d models.ExternalAccountDraft, k matching.DraftKeys) {
	link.Username = d.Username
	link.UsernameKey = k.UsernameKey
	link.UsernameBucket = k.UsernameBucket
	link.Email = d.Email
	link.EmailNormalized = k.Email
	link.EmailDomain = k.EmailDomain
	link.EmailVerified = d.EmailVerified
	link.DisplayName = d.DisplayName
	link.AccountCreatedAt = d.AccountCreatedAt
	link.Fingerprint = fingerprint.Draft(d)
	if !d.ObservedAt.IsZero() {
		link.ObservedAt = d.ObservedAt
	}
}
