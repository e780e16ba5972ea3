// Package review implements the human side of identity resolution: listing
// suggested pairings and applying accept, reject and relink decisions.
package review

import (
	"context"
	"errors"
	"strings"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/locking"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/resolution"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionRelink Action = "relink"
)

// Result is the state left behind by a decision. Outcome is set by Reject
// and describes where re-evaluation put the account.
type Result struct {
	Entry   models.ReviewQueueEntry    `json:"entry"`
	Link    models.ExternalAccountLink `json:"link"`
	Person  models.Person              `json:"person"`
	Outcome *resolution.Outcome        `json:"outcome,omitempty"`
}

type Service struct {
	logger   ectologger.Logger
	store    store.Store
	resolver *resolution.Service
}

func NewService(logger ectologger.Logger, st store.Store, resolver *resolution.Service) *Service {
	return &Service{
		logger:   logger,
		store:    st,
		resolver: resolver,
	}
}

// ListPending returns pending entries, oldest first
func (s *Service) ListPending(ctx context.Context, tenantID string, filter models.ReviewFilter) ([]models.ReviewQueueEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Service.ListPending")
	defer span.End()

	if filter.Limit <= 0 {
		filter.Limit = DefaultPageSize
	}
	filter.Limit = min(filter.Limit, MaxPageSize)
	filter.Offset = max(filter.Offset, 0)
	filter.System = strings.ToLower(strings.TrimSpace(filter.System))

	entries, err := s.store.ListPendingReviewEntries(ctx, tenantID, filter)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return entries, nil
}

func (s *Service) Get(ctx context.Context, tenantID, entryID string) (*models.ReviewQueueEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Service.Get")
	defer span.End()

	return s.store.GetReviewEntry(ctx, tenantID, entryID)
}

// Accept confirms that the account belongs to one of the offered Persons
func (s *Service) Accept(ctx context.Context, tenantID, entryID, personID, actor string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Service.Accept")
	defer span.End()

	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(personID) == "" {
		return nil, models.NewValidationError("person_id", "person_id is required")
	}

	var res *Result
	err := s.decide(ctx, tenantID, entryID, actor, ActionAccept, []string{personID}, func(ctx context.Context, d *decision) error {
		if !d.entry.HasOption(personID) {
			return models.NewValidationError("person_id", "person is not an option of this entry")
		}
		target, err := s.store.GetPerson(ctx, tenantID, personID)
		if err != nil {
			return err
		}
		if err := resolution.Assignable(target); err != nil {
			return err
		}
		option := ectolinq.Find(d.entry.Options, func(o models.ScoredCandidate) bool { return o.PersonID == personID })
		confidence := option.Score

		return d.ss.Commit(ctx, func(ctx context.Context) error {
			if err := d.close(ctx, models.ReviewStatusAccepted, &personID); err != nil {
				return err
			}
			if err := d.ss.Confirm(ctx, d.link, d.owner, target, d.link.MatchMethod, &confidence, events.EventTypeLinkConfirmed, "accepted by reviewer"); err != nil {
				return err
			}
			res = &Result{Entry: *d.entry, Link: *d.link, Person: *target}
			return nil
		})
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return res, nil
}

// Reject declines the suggestion and re-evaluates the account without the
// rejected Persons. For a conflict entry every claimant is rejected.
func (s *Service) Reject(ctx context.Context, tenantID, entryID, actor string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Service.Reject")
	defer span.End()

	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var res *Result
	err := s.decide(ctx, tenantID, entryID, actor, ActionReject, nil, func(ctx context.Context, d *decision) error {
		rejected := rejectedPersons(d.entry)
		for _, id := range rejected {
			if !d.link.Excludes(id) {
				d.link.ExcludedPersonIDs = append(d.link.ExcludedPersonIDs, id)
			}
		}

		plan, err := d.ss.Reevaluation(ctx, d.link, d.owner)
		if err != nil {
			return err
		}

		return d.ss.Commit(ctx, func(ctx context.Context) error {
			if err := d.close(ctx, models.ReviewStatusRejected, nil); err != nil {
				return err
			}
			if err := d.ss.Reject(ctx, d.link, d.owner, "rejected by reviewer"); err != nil {
				return err
			}
			out, err := d.ss.Apply(ctx, plan)
			if err != nil {
				return err
			}
			res = &Result{Entry: *d.entry, Link: out.Link, Person: out.Person, Outcome: out}
			return nil
		})
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return res, nil
}

// Relink sends the account to any Person, offered or not
func (s *Service) Relink(ctx context.Context, tenantID, entryID, personID, actor string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Service.Relink")
	defer span.End()

	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(personID) == "" {
		return nil, models.NewValidationError("person_id", "person_id is required")
	}

	var res *Result
	err := s.decide(ctx, tenantID, entryID, actor, ActionRelink, []string{personID}, func(ctx context.Context, d *decision) error {
		target, err := s.store.GetPerson(ctx, tenantID, personID)
		if err != nil {
			return err
		}
		if err := resolution.Assignable(target); err != nil {
			return err
		}

		return d.ss.Commit(ctx, func(ctx context.Context) error {
			if err := d.close(ctx, models.ReviewStatusRelinked, &personID); err != nil {
				return err
			}
			if err := d.ss.Confirm(ctx, d.link, d.owner, target, models.MatchMethodManual, nil, events.EventTypeLinkRelinked, "relinked by reviewer"); err != nil {
				return err
			}
			res = &Result{Entry: *d.entry, Link: *d.link, Person: *target}
			return nil
		})
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return res, nil
}

// decision is one review decision in progress, with its entry, link and
// current owner read under lock
type decision struct {
	ss    *resolution.Session
	entry *models.ReviewQueueEntry
	link  *models.ExternalAccountLink
	owner *models.Person
}

// close moves the entry out of pending. A concurrent decision that got there
// first surfaces as *models.StaleDecisionError.
func (d *decision) close(ctx context.Context, status models.ReviewStatus, chosen *string) error {
	d.entry.Status = status
	d.entry.ChosenPersonID = chosen
	return d.ss.DecideEntry(ctx, d.entry)
}

func (s *Service) decide(ctx context.Context, tenantID, entryID, actor string, action Action, persons []string, fn func(ctx context.Context, d *decision) error) error {
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"entry_id":  entryID,
		"action":    action,
		"actor":     actor,
	})

	err := s.resolver.Run(ctx, actor, func(ctx context.Context, ss *resolution.Session) error {
		entry, err := s.store.GetReviewEntry(ctx, tenantID, entryID)
		if err != nil {
			return err
		}
		if entry.Status != models.ReviewStatusPending {
			return &models.StaleDecisionError{EntryID: entry.ID, Status: entry.Status}
		}
		link, err := s.store.GetLink(ctx, tenantID, entry.LinkID)
		if err != nil {
			return err
		}

		if err := ss.Lock(ctx, locking.AccountKey(tenantID, link.System, link.ExternalID)); err != nil {
			return err
		}
		lockIDs := append([]string{link.PersonID}, persons...)
		lockIDs = append(lockIDs, entry.OptionPersonIDs()...)
		if err := ss.LockPersons(ctx, tenantID, lockIDs...); err != nil {
			return err
		}

		// reread under lock, a concurrent decision may have landed meanwhile
		if entry, err = s.store.GetReviewEntry(ctx, tenantID, entryID); err != nil {
			return err
		}
		if entry.Status != models.ReviewStatusPending {
			return &models.StaleDecisionError{EntryID: entry.ID, Status: entry.Status}
		}
		if link, err = s.store.GetLink(ctx, tenantID, entry.LinkID); err != nil {
			return err
		}
		if err := ss.LockPersons(ctx, tenantID, link.PersonID); err != nil {
			return err
		}
		owner, err := s.store.GetPerson(ctx, tenantID, link.PersonID)
		if err != nil {
			return err
		}

		return fn(ctx, &decision{ss: ss, entry: entry, link: link, owner: owner})
	})

	result := "ok"
	if err != nil {
		result = "error"
		var stale *models.StaleDecisionError
		if errors.As(err, &stale) {
			result = "stale"
		}
		log.WithError(err).Warn("Review decision not applied")
	} else {
		log.Info("Review decision applied")
	}
	metrics.ReviewDecisionsTotal.WithLabelValues(string(action), result).Inc()
	return err
}

// rejectedPersons are the Persons a rejection excludes from the account
func rejectedPersons(entry *models.ReviewQueueEntry) []string {
	if entry.Conflict {
		return entry.OptionPersonIDs()
	}
	if entry.CandidatePersonID != nil {
		return []string{*entry.CandidatePersonID}
	}
	if len(entry.Options) > 0 {
		return []string{entry.Options[0].PersonID}
	}
	return nil
}

func requireActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return models.NewValidationError("actor", "actor is required")
	}
	return nil
}
