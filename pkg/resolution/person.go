package resolution

import (
	"context"
	"slices"
	"strings"

	"github.com/Ramsey-B/clover/pkg/locking"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// CreatePerson seeds a verified Person from a source of truth such as HR. A
// primary email another Person already holds verified is a *models.ConflictError.
func (s *Service) CreatePerson(ctx context.Context, tenantID string, req models.CreatePersonRequest, actor string) (*models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.CreatePerson")
	defer span.End()

	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, models.NewValidationError("tenant_id", "tenant_id is required")
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		return nil, models.NewValidationError("display_name", "display_name is required")
	}
	status := models.PersonStatusActive
	switch models.PersonStatus(req.Status) {
	case "", models.PersonStatusActive:
	case models.PersonStatusExternal:
		status = models.PersonStatusExternal
	default:
		return nil, models.NewValidationError("status", "status must be active or external")
	}

	cfg := s.Policy()
	email := cfg.NormalizeEmail(req.PrimaryEmail)
	if strings.TrimSpace(req.PrimaryEmail) != "" && email == "" {
		return nil, models.NewValidationError("primary_email", "primary_email is not a valid address")
	}

	tokens := normalizers.NameTokens(name)
	p := &models.Person{
		TenantID:           tenantID,
		DisplayName:        name,
		PrimaryEmail:       email,
		PrimaryEmailDomain: normalizers.EmailDomain(email),
		NameKey:            strings.Join(tokens, " "),
		NameTokens:         tokens,
		Title:              strings.TrimSpace(req.Title),
		HireDate:           req.HireDate,
		Status:             status,
		Verified:           true,
	}

	err := s.Run(ctx, actor, func(ctx context.Context, ss *Session) error {
		if email != "" {
			if err := ss.Lock(ctx, locking.EmailKey(tenantID, email)); err != nil {
				return err
			}
			claimants, err := s.emailClaimants(ctx, tenantID, email)
			if err != nil {
				return err
			}
			if len(claimants) > 0 {
				return &models.ConflictError{Email: email, PersonIDs: claimants}
			}
		}
		created := *p
		created.ID = ""
		if err := ss.Commit(ctx, func(ctx context.Context) error {
			return ss.CreatePerson(ctx, &created)
		}); err != nil {
			return err
		}
		*p = created
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"person_id": p.ID,
		"actor":     actor,
	}).Info("Person created")
	return p, nil
}

// emailClaimants lists the Persons that hold email as a primary or verified account email
func (s *Service) emailClaimants(ctx context.Context, tenantID, email string) ([]string, error) {
	var ids []string
	links, err := s.store.ListLinksByEmail(ctx, tenantID, email)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if l.HasVerifiedEmail() {
			ids = append(ids, l.PersonID)
		}
	}

	hits, err := s.store.FindCandidateHits(ctx, models.CandidateQuery{TenantID: tenantID, Email: email})
	if err != nil {
		return nil, err
	}
	var hitIDs []string
	for _, h := range hits {
		if h.Signal == models.CoarseSignalExactEmail {
			hitIDs = append(hitIDs, h.PersonID)
		}
	}
	if len(hitIDs) > 0 {
		persons, err := s.store.GetPersons(ctx, tenantID, hitIDs)
		if err != nil {
			return nil, err
		}
		for _, p := range persons {
			if p.PrimaryEmail == email {
				ids = append(ids, p.ID)
			}
		}
	}

	slices.Sort(ids)
	return slices.Compact(ids), nil
}
