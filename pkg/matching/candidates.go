package matching

import (
	"context"
	"sort"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/policy"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// CandidateSource is the read side of the identity store the extractor needs
type CandidateSource interface {
	FindCandidateHits(ctx context.Context, q models.CandidateQuery) ([]models.CandidateHit, error)
	GetPersons(ctx context.Context, tenantID string, ids []string) ([]models.Person, error)
	ListLinksByPersons(ctx context.Context, tenantID string, personIDs []string) ([]models.ExternalAccountLink, error)
}

// Extractor narrows the Person population of a tenant to the few worth scoring
type Extractor struct {
	source CandidateSource
	logger ectologger.Logger
}

func NewExtractor(source CandidateSource, logger ectologger.Logger) *Extractor {
	return &Extractor{source: source, logger: logger}
}

// Extract returns at most cfg.CandidateLimit() profiles ranked by summed
// coarse weight, then person id. It never writes. Excluded and bot Persons
// are never returned. An empty result means no plausible owner exists.
func (e *Extractor) Extract(ctx context.Context, cfg *policy.Config, draft models.ExternalAccountDraft, keys DraftKeys, excluded []string) ([]models.CandidateProfile, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Extractor.Extract")
	defer span.End()

	q := keys.Query(cfg, draft.TenantID, excluded)
	if q.Email == "" && q.EmailDomain == "" && len(q.UsernameForms) == 0 && q.UsernameBucket == "" && len(q.NameTokens) == 0 {
		return []models.CandidateProfile{}, nil
	}

	hits, err := e.source.FindCandidateHits(ctx, q)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	excludedSet := map[string]bool{}
	for _, id := range excluded {
		excludedSet[id] = true
	}
	scores := map[string]float64{}
	seen := map[models.CandidateHit]bool{}
	for _, hit := range hits {
		if excludedSet[hit.PersonID] || seen[hit] {
			continue
		}
		seen[hit] = true
		scores[hit.PersonID] += hit.Signal.Weight()
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})

	persons, err := e.source.GetPersons(ctx, draft.TenantID, ids)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	persons = ectolinq.Filter(persons, func(p models.Person) bool {
		return p.Status != models.PersonStatusBot && p.MergedInto == nil
	})
	byID := make(map[string]models.Person, len(persons))
	for _, p := range persons {
		byID[p.ID] = p
	}
	ids = ectolinq.Filter(ids, func(id string) bool {
		_, ok := byID[id]
		return ok
	})
	if limit := cfg.CandidateLimit(); len(ids) > limit {
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return []models.CandidateProfile{}, nil
	}

	links, err := e.source.ListLinksByPersons(ctx, draft.TenantID, ids)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	linksByPerson := map[string][]models.ExternalAccountLink{}
	for _, l := range links {
		if l.IsActive() {
			linksByPerson[l.PersonID] = append(linksByPerson[l.PersonID], l)
		}
	}

	profiles := make([]models.CandidateProfile, 0, len(ids))
	for _, id := range ids {
		profiles = append(profiles, models.CandidateProfile{
			Person:      byID[id],
			Links:       linksByPerson[id],
			CoarseScore: scores[id],
		})
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   draft.TenantID,
		"system":      draft.System,
		"external_id": draft.ExternalID,
		"hits":        len(hits),
		"candidates":  len(profiles),
	}).Debug("Extracted candidates")

	return profiles, nil
}
