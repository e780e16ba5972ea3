package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ store.Store = (*Store)(nil)

func fixedClock() func() time.Time {
	t := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newLink(tenant, personID, system, externalID string) *models.ExternalAccountLink {
	return &models.ExternalAccountLink{
		TenantID:    tenant,
		PersonID:    personID,
		System:      system,
		ExternalID:  externalID,
		MatchMethod: models.MatchMethodManual,
		LinkState:   models.LinkStateConfirmed,
	}
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.CreatePerson(ctx, &models.Person{ID: "p1", TenantID: "t1"}))
		require.NoError(t, s.CreateLink(ctx, newLink("t1", "p1", "github", "1")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetPerson(ctx, "t1", "p1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetLinkByExternalID(ctx, "t1", "github", "1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWithinTx_CommitsAndNests(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.CreatePerson(ctx, &models.Person{ID: "p1", TenantID: "t1"}); err != nil {
			return err
		}
		return s.WithinTx(ctx, func(ctx context.Context) error {
			return s.AppendAudit(ctx, &models.AuditRecord{TenantID: "t1", LinkID: "l1"})
		})
	})
	require.NoError(t, err)

	p, err := s.GetPerson(ctx, "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)

	records, err := s.ListAudit(ctx, models.AuditFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].Seq)
}

func TestWithinTx_CancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	var unavailable *models.StoreUnavailableError
	assert.ErrorAs(t, err, &unavailable)
	assert.False(t, called)
}

func TestFailOn(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.FailOn("AppendAudit", errors.New("disk full"))

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.CreatePerson(ctx, &models.Person{ID: "p1", TenantID: "t1"}); err != nil {
			return err
		}
		return s.AppendAudit(ctx, &models.AuditRecord{TenantID: "t1"})
	})
	assert.True(t, models.IsRetryable(err))

	_, err = s.GetPerson(ctx, "t1", "p1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	s.ClearFaults()
	assert.NoError(t, s.AppendAudit(ctx, &models.AuditRecord{TenantID: "t1"}))
}

func TestUpdate_VersionConflict(t *testing.T) {
	s := New(WithClock(fixedClock()))
	ctx := context.Background()

	l := newLink("t1", "p1", "github", "1")
	require.NoError(t, s.CreateLink(ctx, l))

	first, err := s.GetLink(ctx, "t1", l.ID)
	require.NoError(t, err)
	second, err := s.GetLink(ctx, "t1", l.ID)
	require.NoError(t, err)

	first.PersonID = "p2"
	require.NoError(t, s.UpdateLink(ctx, first))
	assert.Equal(t, 2, first.Version)
	assert.True(t, first.UpdatedAt.After(first.CreatedAt))

	second.PersonID = "p3"
	assert.ErrorIs(t, s.UpdateLink(ctx, second), models.ErrVersionConflict)

	got, err := s.GetLink(ctx, "t1", l.ID)
	require.NoError(t, err)
	assert.Equal(t, "p2", got.PersonID)
}

func TestCreateLink_DuplicateAccount(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateLink(ctx, newLink("t1", "p1", "github", "1")))
	assert.ErrorIs(t, s.CreateLink(ctx, newLink("t1", "p2", "github", "1")), models.ErrDuplicate)
	assert.NoError(t, s.CreateLink(ctx, newLink("t2", "p2", "github", "1")))
}

func TestReviewEntries(t *testing.T) {
	s := New(WithClock(fixedClock()))
	ctx := context.Background()

	l := newLink("t1", "p1", "jira", "j1")
	require.NoError(t, s.CreateLink(ctx, l))

	entry := &models.ReviewQueueEntry{
		TenantID: "t1",
		LinkID:   l.ID,
		Status:   models.ReviewStatusPending,
		Options:  []models.ScoredCandidate{{PersonID: "p1", Score: 0.7}, {PersonID: "p2", Score: 0.65}},
	}
	require.NoError(t, s.CreateReviewEntry(ctx, entry))
	assert.ErrorIs(t, s.CreateReviewEntry(ctx, &models.ReviewQueueEntry{
		TenantID: "t1", LinkID: l.ID, Status: models.ReviewStatusPending,
	}), models.ErrDuplicate)

	pending, err := s.ListPendingReviewEntries(ctx, "t1", models.ReviewFilter{PersonID: "p2"})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pending, err = s.ListPendingReviewEntries(ctx, "t1", models.ReviewFilter{System: "github"})
	require.NoError(t, err)
	assert.Empty(t, pending)

	chosen := "p2"
	decision := &models.ReviewQueueEntry{ID: entry.ID, TenantID: "t1", Status: models.ReviewStatusRelinked, ChosenPersonID: &chosen, DecidedBy: "u1"}
	require.NoError(t, s.DecideReviewEntry(ctx, decision))
	assert.NotNil(t, decision.DecidedAt)

	var stale *models.StaleDecisionError
	assert.ErrorAs(t, s.DecideReviewEntry(ctx, &models.ReviewQueueEntry{ID: entry.ID, TenantID: "t1", Status: models.ReviewStatusRejected}), &stale)

	_, err = s.GetPendingReviewEntry(ctx, "t1", l.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListPendingReviewEntries_Pages(t *testing.T) {
	s := New(WithClock(fixedClock()))
	ctx := context.Background()

	var ids []string
	for _, ext := range []string{"a", "b", "c"} {
		l := newLink("t1", "p1", "jira", ext)
		require.NoError(t, s.CreateLink(ctx, l))
		e := &models.ReviewQueueEntry{TenantID: "t1", LinkID: l.ID, Status: models.ReviewStatusPending}
		require.NoError(t, s.CreateReviewEntry(ctx, e))
		ids = append(ids, e.ID)
	}

	got, err := s.ListPendingReviewEntries(ctx, "t1", models.ReviewFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[1], got[0].ID)

	got, err = s.ListPendingReviewEntries(ctx, "t1", models.ReviewFilter{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAudit_FiltersAndPointInTime(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p1, p2 := "p1", "p2"

	require.NoError(t, s.AppendAudit(ctx, &models.AuditRecord{TenantID: "t1", LinkID: "l1", NewPersonID: &p1, RecordedAt: base}))
	require.NoError(t, s.AppendAudit(ctx, &models.AuditRecord{TenantID: "t2", LinkID: "l9", RecordedAt: base}))
	require.NoError(t, s.AppendAudit(ctx, &models.AuditRecord{TenantID: "t1", LinkID: "l1", PreviousPersonID: &p1, NewPersonID: &p2, RecordedAt: base.Add(48 * time.Hour)}))

	all, err := s.ListAudit(ctx, models.AuditFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []int64{1, 3}, []int64{all[0].Seq, all[1].Seq})

	after, err := s.ListAudit(ctx, models.AuditFilter{TenantID: "t1", AfterSeq: 1})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, int64(3), after[0].Seq)

	at, err := s.LatestAuditAt(ctx, "t1", "l1", base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "p1", *at.NewPersonID)

	_, err = s.LatestAuditAt(ctx, "t1", "l1", base.Add(-time.Hour))
	assert.ErrorIs(t, err, models.ErrNotFound)
}
