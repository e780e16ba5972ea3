package resolution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/locking"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/policy"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "org-1"

func quietLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func testPolicy(t *testing.T, mutate ...func(s *policy.Settings)) *policy.Config {
	t.Helper()
	s := policy.DefaultSettings()
	s.OrgDomains = []string{"co.com"}
	for _, m := range mutate {
		m(&s)
	}
	cfg, err := policy.New(s)
	require.NoError(t, err)
	return cfg
}

func newService(t *testing.T, st store.Store, opts ...Option) (*Service, *events.Recorder) {
	t.Helper()
	sink := &events.Recorder{}
	return NewService(st, locking.NewLocal(time.Second), sink, testPolicy(t), quietLogger(), opts...), sink
}

func account(system, username, email string, state models.LinkState) models.ExternalAccountLink {
	key := normalizers.UsernameKey(username)
	norm := normalizers.NormalizeEmail(email)
	return models.ExternalAccountLink{
		TenantID:        tenant,
		System:          system,
		ExternalID:      system + "-" + username,
		Username:        username,
		UsernameKey:     key,
		UsernameBucket:  normalizers.UsernameBucket(key),
		Email:           email,
		EmailNormalized: norm,
		EmailDomain:     normalizers.EmailDomain(norm),
		MatchMethod:     models.MatchMethodManual,
		LinkState:       state,
		DecidedBy:       "seed",
	}
}

func seedPerson(t *testing.T, st store.Store, p models.Person, links ...models.ExternalAccountLink) models.Person {
	t.Helper()
	ctx := context.Background()
	p.TenantID = tenant
	p.NameKey = normalizers.NormalizeName(p.DisplayName)
	p.NameTokens = normalizers.NameTokens(p.DisplayName)
	if p.Status == "" {
		p.Status = models.PersonStatusActive
	}
	require.NoError(t, st.CreatePerson(ctx, &p))
	for _, l := range links {
		l.PersonID = p.ID
		require.NoError(t, st.CreateLink(ctx, &l))
	}
	return p
}

func auditOf(t *testing.T, st store.Store, linkID string) []models.AuditRecord {
	t.Helper()
	records, err := st.ListAudit(context.Background(), models.AuditFilter{TenantID: tenant, LinkID: linkID})
	require.NoError(t, err)
	return records
}

func TestResolve_VerifiedEmailAutoLinks(t *testing.T) {
	st := memstore.New()
	svc, sink := newService(t, st)
	ctx := context.Background()

	alice := seedPerson(t, st, models.Person{DisplayName: "Alice Smith", Verified: true},
		account("okta", "alice", "alice@co.com", models.LinkStateConfirmed))

	draft := models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "u123", Email: "alice@co.com"}
	out, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)

	assert.Equal(t, StatusAutoLinked, out.Status)
	assert.Equal(t, alice.ID, out.Person.ID)
	assert.Equal(t, models.MatchMethodEmail, out.Method)
	assert.Equal(t, 1.0, out.Confidence)
	assert.Equal(t, models.LinkStateAutoLinked, out.Link.LinkState)
	assert.Equal(t, models.SystemActor, out.Link.DecidedBy)
	assert.False(t, out.Replayed)

	records := auditOf(t, st, out.Link.ID)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].PreviousPersonID)
	require.NotNil(t, records[0].NewPersonID)
	assert.Equal(t, alice.ID, *records[0].NewPersonID)
	assert.Equal(t, models.MatchMethodEmail, records[0].Method)
	assert.Equal(t, []events.EventType{events.EventTypeLinkAutoLinked, events.EventTypeAuditRecorded}, sink.Types())

	stored, err := st.GetPerson(ctx, tenant, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.Version+1, stored.Version)
}

func TestResolve_Idempotent(t *testing.T) {
	st := memstore.New()
	svc, sink := newService(t, st)
	ctx := context.Background()

	seedPerson(t, st, models.Person{DisplayName: "Alice Smith"},
		account("okta", "alice", "alice@co.com", models.LinkStateConfirmed))
	draft := models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "u123", Email: "Alice@CO.com "}

	first, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)
	sink.Reset()

	draft.ObservedAt = time.Now().Add(time.Hour)
	second, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Link.ID, second.Link.ID)
	assert.Equal(t, first.Link.Version, second.Link.Version)
	assert.Equal(t, first.Link.PersonID, second.Link.PersonID)
	assert.Len(t, auditOf(t, st, first.Link.ID), 1)
	assert.Empty(t, sink.Events())
}

func TestResolve_ConcurrentReplaysCreateOneLink(t *testing.T) {
	st := memstore.New()
	svc, _ := newService(t, st)
	draft := models.ExternalAccountDraft{TenantID: tenant, System: "slack", ExternalID: "U1", Username: "bob.jones"}

	var wg sync.WaitGroup
	links := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Resolve(context.Background(), draft)
			if !assert.NoError(t, err) {
				return
			}
			links <- out.Link.ID
		}()
	}
	wg.Wait()
	close(links)

	ids := map[string]bool{}
	for id := range links {
		ids[id] = true
	}
	require.Len(t, ids, 1)
	for id := range ids {
		assert.Len(t, auditOf(t, st, id), 1)
	}
}

func TestResolve_FuzzyScoreQueues(t *testing.T) {
	st := memstore.New()
	svc, sink := newService(t, st)
	ctx := context.Background()

	alice := seedPerson(t, st, models.Person{DisplayName: "Alice Smith"},
		account("github", "asmith", "", models.LinkStateConfirmed))

	draft := models.ExternalAccountDraft{TenantID: tenant, System: "jira", ExternalID: "j55", Username: "a.smith"}
	out, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)

	assert.Equal(t, StatusPendingReview, out.Status)
	assert.Equal(t, models.MatchMethodFuzzy, out.Method)
	assert.InDelta(t, 0.4*(1-4.0/11.0)+0.4, out.Confidence, 1e-6)
	assert.Equal(t, models.LinkStatePendingReview, out.Link.LinkState)
	assert.NotEqual(t, alice.ID, out.Person.ID)
	assert.Equal(t, models.PersonStatusUnresolved, out.Person.Status)

	require.NotNil(t, out.ReviewEntry)
	require.NotNil(t, out.ReviewEntry.CandidatePersonID)
	assert.Equal(t, alice.ID, *out.ReviewEntry.CandidatePersonID)
	assert.False(t, out.ReviewEntry.Conflict)
	assert.Equal(t, []string{alice.ID}, out.ReviewEntry.OptionPersonIDs())

	pending, err := st.GetPendingReviewEntry(ctx, tenant, out.Link.ID)
	require.NoError(t, err)
	assert.Equal(t, out.ReviewEntry.ID, pending.ID)

	assert.Equal(t, []events.EventType{events.EventTypeLinkQueued, events.EventTypeAuditRecorded}, sink.Types())
	assert.Equal(t, out.ReviewEntry.ID, sink.Events()[0].ReviewEntryID)

	replay, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, StatusPendingReview, replay.Status)
	require.NotNil(t, replay.ReviewEntry)
	assert.Equal(t, out.ReviewEntry.ID, replay.ReviewEntry.ID)
}

func TestResolve_NoPlausibleCandidate(t *testing.T) {
	st := memstore.New()
	svc, sink := newService(t, st)
	ctx := context.Background()

	carol := seedPerson(t, st, models.Person{DisplayName: "Carol Jones"})

	draft := models.ExternalAccountDraft{TenantID: tenant, System: "slack", ExternalID: "U9", Username: "bob.jones"}
	out, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)

	assert.Equal(t, StatusUnlinked, out.Status)
	assert.NotEqual(t, carol.ID, out.Person.ID)
	assert.Equal(t, models.PersonStatusUnresolved, out.Person.Status)
	assert.Equal(t, "bob.jones", out.Person.DisplayName)
	assert.Equal(t, models.LinkStateAutoLinked, out.Link.LinkState)
	assert.Equal(t, models.MatchMethodFuzzy, out.Method)
	assert.Less(t, out.Confidence, policy.DefaultReviewThreshold)
	assert.Nil(t, out.ReviewEntry)

	_, err = st.GetPendingReviewEntry(ctx, tenant, out.Link.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	records := auditOf(t, st, out.Link.ID)
	require.Len(t, records, 1)
	assert.Equal(t, models.MatchMethodFuzzy, records[0].Method)
	require.NotNil(t, records[0].Confidence)
	assert.Equal(t, out.Confidence, *records[0].Confidence)
	assert.Equal(t, []events.EventType{events.EventTypeLinkUnlinked, events.EventTypeAuditRecorded}, sink.Types())

	replay, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, StatusUnlinked, replay.Status)
	assert.True(t, replay.Replayed)
}

func TestResolve_PlaceholderStatus(t *testing.T) {
	tests := []struct {
		name  string
		draft models.ExternalAccountDraft
		want  models.PersonStatus
	}{
		{"bot account", models.ExternalAccountDraft{Username: "deploy-bot"}, models.PersonStatusBot},
		{"outside organization domain", models.ExternalAccountDraft{Username: "zq", Email: "zq@vendor.io"}, models.PersonStatusExternal},
		{"inside organization domain", models.ExternalAccountDraft{Username: "zq", Email: "zq@co.com"}, models.PersonStatusUnresolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(t, memstore.New())
			tt.draft.TenantID, tt.draft.System, tt.draft.ExternalID = tenant, "slack", "U1"
			out, err := svc.Resolve(context.Background(), tt.draft)
			require.NoError(t, err)
			assert.Equal(t, StatusUnlinked, out.Status)
			assert.Equal(t, tt.want, out.Person.Status)
		})
	}
}

func TestResolve_BotsNeverAbsorbHumans(t *testing.T) {
	st := memstore.New()
	svc, _ := newService(t, st)
	ctx := context.Background()

	bot, err := svc.Resolve(ctx, models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "1", Username: "jsmith-bot"})
	require.NoError(t, err)
	require.Equal(t, models.PersonStatusBot, bot.Person.Status)

	human, err := svc.Resolve(ctx, models.ExternalAccountDraft{TenantID: tenant, System: "jira", ExternalID: "2", Username: "jsmith"})
	require.NoError(t, err)
	assert.NotEqual(t, bot.Person.ID, human.Person.ID)
}

func TestResolve_SharedVerifiedEmailConflicts(t *testing.T) {
	st := memstore.New()
	svc, sink := newService(t, st)
	ctx := context.Background()

	a := seedPerson(t, st, models.Person{DisplayName: "Ann Able"},
		account("okta", "ann", "shared@co.com", models.LinkStateConfirmed))
	b := seedPerson(t, st, models.Person{DisplayName: "Ben Baker"},
		account("google", "ben", "shared@co.com", models.LinkStateConfirmed))

	out, err := svc.Resolve(ctx, models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "g1", Email: "shared@co.com"})
	require.NoError(t, err)

	assert.Equal(t, StatusConflict, out.Status)
	assert.NotEqual(t, a.ID, out.Person.ID)
	assert.NotEqual(t, b.ID, out.Person.ID)
	assert.Equal(t, models.LinkStatePendingReview, out.Link.LinkState)
	require.NotNil(t, out.ReviewEntry)
	assert.True(t, out.ReviewEntry.Conflict)
	assert.Nil(t, out.ReviewEntry.CandidatePersonID)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, out.ReviewEntry.OptionPersonIDs())
	assert.Equal(t, events.EventTypeLinkConflict, sink.Types()[0])

	for _, id := range []string{a.ID, b.ID} {
		links, err := st.ListLinksByPerson(ctx, tenant, id)
		require.NoError(t, err)
		assert.Len(t, links, 1)
	}
}

func TestResolve_ExactBeatsFuzzy(t *testing.T) {
	st := memstore.New()
	svc, _ := newService(t, st)

	xavier := seedPerson(t, st, models.Person{DisplayName: "Xavier Quinn"},
		account("okta", "xq", "jane.d@co.com", models.LinkStateConfirmed))
	seedPerson(t, st, models.Person{DisplayName: "Jane Doe"},
		account("github", "jdoe", "", models.LinkStateConfirmed))

	out, err := svc.Resolve(context.Background(), models.ExternalAccountDraft{
		TenantID: tenant, System: "jira", ExternalID: "j1",
		Username: "jdoe", DisplayName: "Jane Doe", Email: "jane.d@co.com",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAutoLinked, out.Status)
	assert.Equal(t, xavier.ID, out.Person.ID)
	assert.Equal(t, models.MatchMethodEmail, out.Method)
	assert.Equal(t, 1.0, out.Confidence)
}

func TestResolve_Validation(t *testing.T) {
	svc, _ := newService(t, memstore.New())
	tests := []struct {
		name  string
		draft models.ExternalAccountDraft
		field string
	}{
		{"missing tenant", models.ExternalAccountDraft{System: "github", ExternalID: "1"}, "tenant_id"},
		{"missing system", models.ExternalAccountDraft{TenantID: tenant, ExternalID: "1"}, "system"},
		{"missing external id", models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "  "}, "external_id"},
		{"unparseable email", models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "1", Email: "not-an-email"}, "external_email"},
		{"deactivated before first sight", models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "1", Deactivated: true}, "deactivated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Resolve(context.Background(), tt.draft)
			var validation *models.ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, tt.field, validation.Field)
		})
	}
}

func TestResolve_StoreFailureLeavesNoPartialWrites(t *testing.T) {
	st := memstore.New()
	svc, sink := newService(t, st)
	ctx := context.Background()
	draft := models.ExternalAccountDraft{TenantID: tenant, System: "slack", ExternalID: "U1", Username: "bob.jones"}

	st.FailOn("AppendAudit", errors.New("disk full"))
	_, err := svc.Resolve(ctx, draft)
	var unavailable *models.StoreUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, models.IsRetryable(err))

	_, err = st.GetLinkByExternalID(ctx, tenant, "slack", "U1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	hits, err := st.FindCandidateHits(ctx, models.CandidateQuery{TenantID: tenant, NameTokens: []string{"bob", "jones"}, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Empty(t, sink.Events())

	st.ClearFaults()
	out, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)
	assert.Len(t, auditOf(t, st, out.Link.ID), 1)
}

// racyStore loses the first n optimistic person updates
type racyStore struct {
	*memstore.Store
	mu sync.Mutex
	n  int
}

func (s *racyStore) UpdatePerson(ctx context.Context, p *models.Person) error {
	s.mu.Lock()
	lose := s.n > 0
	if lose {
		s.n--
	}
	s.mu.Unlock()
	if lose {
		return models.ErrVersionConflict
	}
	return s.Store.UpdatePerson(ctx, p)
}

func TestResolve_RetriesLostRaces(t *testing.T) {
	t.Run("succeeds after a lost race", func(t *testing.T) {
		st := &racyStore{Store: memstore.New(), n: 1}
		svc, _ := newService(t, st)
		seedPerson(t, st.Store, models.Person{DisplayName: "Alice Smith"},
			account("okta", "alice", "alice@co.com", models.LinkStateConfirmed))

		out, err := svc.Resolve(context.Background(), models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "u1", Email: "alice@co.com"})
		require.NoError(t, err)
		assert.Equal(t, StatusAutoLinked, out.Status)
		assert.Len(t, auditOf(t, st, out.Link.ID), 1)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		st := &racyStore{Store: memstore.New(), n: 100}
		svc, _ := newService(t, st, WithMaxRetries(2))
		seedPerson(t, st.Store, models.Person{DisplayName: "Alice Smith"},
			account("okta", "alice", "alice@co.com", models.LinkStateConfirmed))

		_, err := svc.Resolve(context.Background(), models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "u1", Email: "alice@co.com"})
		var unavailable *models.StoreUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.ErrorIs(t, err, models.ErrVersionConflict)
		assert.Equal(t, 97, st.n)

		_, err = st.GetLinkByExternalID(context.Background(), tenant, "github", "u1")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

// rendezvousStore holds the first two candidate searches until both have
// arrived or wait has passed, so unserialized resolves read the same pool.
type rendezvousStore struct {
	*memstore.Store
	wait time.Duration

	mu    sync.Mutex
	calls int
	both  chan struct{}
}

func (s *rendezvousStore) FindCandidateHits(ctx context.Context, q models.CandidateQuery) ([]models.CandidateHit, error) {
	s.mu.Lock()
	s.calls++
	if s.calls == 2 {
		close(s.both)
	}
	s.mu.Unlock()

	select {
	case <-s.both:
	case <-time.After(s.wait):
	}
	return s.Store.FindCandidateHits(ctx, q)
}

func TestResolve_ConcurrentNewAccountsShareCandidatePool(t *testing.T) {
	st := &rendezvousStore{Store: memstore.New(), wait: 300 * time.Millisecond, both: make(chan struct{})}
	svc, _ := newService(t, st)

	drafts := []models.ExternalAccountDraft{
		{TenantID: tenant, System: "github", ExternalID: "gh-1", Username: "asmith", DisplayName: "Alice Smith"},
		{TenantID: tenant, System: "jira", ExternalID: "jr-1", Username: "alice.smith", DisplayName: "Alice Smith"},
	}

	outcomes := make([]*Outcome, len(drafts))
	var wg sync.WaitGroup
	for i, d := range drafts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Resolve(context.Background(), d)
			if assert.NoError(t, err) {
				outcomes[i] = out
			}
		}()
	}
	wg.Wait()
	require.NotNil(t, outcomes[0])
	require.NotNil(t, outcomes[1])

	var first, second *Outcome
	for _, out := range outcomes {
		switch out.Status {
		case StatusUnlinked:
			first = out
		case StatusPendingReview:
			second = out
		}
	}
	require.NotNil(t, first, "one account resolves first and gets a placeholder")
	require.NotNil(t, second, "the other account is queued against that placeholder")
	assert.InDelta(t, 0.8, second.Confidence, 1e-6)
	require.NotNil(t, second.ReviewEntry)
	assert.Equal(t, []string{first.Person.ID}, second.ReviewEntry.OptionPersonIDs())
}

// busyLocker times out the first n lock calls
type busyLocker struct {
	locking.Locker
	mu sync.Mutex
	n  int
}

func (l *busyLocker) Lock(ctx context.Context, keys ...string) (locking.Lease, error) {
	l.mu.Lock()
	busy := l.n > 0
	if busy {
		l.n--
	}
	l.mu.Unlock()
	if busy {
		return nil, models.NewStoreUnavailableError("lock", locking.ErrNotAcquired)
	}
	return l.Locker.Lock(ctx, keys...)
}

func TestResolve_RetriesLockTimeouts(t *testing.T) {
	draft := models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "u1", Username: "bjones", DisplayName: "Bob Jones"}

	t.Run("succeeds once the keys free up", func(t *testing.T) {
		st := memstore.New()
		locker := &busyLocker{Locker: locking.NewLocal(time.Second), n: 2}
		svc := NewService(st, locker, &events.Recorder{}, testPolicy(t), quietLogger())

		out, err := svc.Resolve(context.Background(), draft)
		require.NoError(t, err)
		assert.Equal(t, StatusUnlinked, out.Status)
		assert.Equal(t, 0, locker.n)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		st := memstore.New()
		locker := &busyLocker{Locker: locking.NewLocal(time.Second), n: 100}
		svc := NewService(st, locker, &events.Recorder{}, testPolicy(t), quietLogger(), WithMaxRetries(2))

		_, err := svc.Resolve(context.Background(), draft)
		var unavailable *models.StoreUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.ErrorIs(t, err, locking.ErrNotAcquired)
		assert.Equal(t, 97, locker.n)

		_, err = st.GetLinkByExternalID(context.Background(), tenant, "github", "u1")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestCoarseKeys(t *testing.T) {
	cfg := testPolicy(t)
	tests := []struct {
		name  string
		draft models.ExternalAccountDraft
		want  []string
	}{
		{
			name:  "username and display name",
			draft: models.ExternalAccountDraft{Username: "asmith", DisplayName: "Alice Smith"},
			want: []string{
				"coarse:org-1:username:asmith",
				"coarse:org-1:bucket:asm",
				"coarse:org-1:name:alice",
				"coarse:org-1:name:smith",
				"coarse:org-1:username:alicesmith",
			},
		},
		{
			name:  "email only",
			draft: models.ExternalAccountDraft{Email: "alice@co.com"},
			want:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := coarseKeys(tenant, matching.KeysFor(cfg, tt.draft))
			for _, k := range tt.want {
				assert.Contains(t, got, k)
			}
			for _, k := range got {
				assert.NotContains(t, k, "co.com")
			}
			if len(tt.want) == 0 {
				assert.Empty(t, got)
			}
		})
	}
}

func TestResolve_DeactivationAndReactivation(t *testing.T) {
	st := memstore.New()
	svc, sink := newService(t, st)
	ctx := context.Background()

	alice := seedPerson(t, st, models.Person{DisplayName: "Alice Smith"},
		account("okta", "alice", "alice@co.com", models.LinkStateConfirmed))
	draft := models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "u1", Email: "alice@co.com"}
	first, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)

	sink.Reset()
	draft.Deactivated = true
	gone, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, gone.Status)
	assert.Equal(t, models.LinkStateSuperseded, gone.Link.LinkState)
	assert.Equal(t, events.EventTypeLinkSuperseded, sink.Types()[0])

	records := auditOf(t, st, first.Link.ID)
	require.Len(t, records, 2)
	assert.Nil(t, records[1].NewPersonID)
	require.NotNil(t, records[1].PreviousPersonID)
	assert.Equal(t, alice.ID, *records[1].PreviousPersonID)

	again, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Len(t, auditOf(t, st, first.Link.ID), 2)

	draft.Deactivated = false
	back, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, StatusAutoLinked, back.Status)
	assert.Equal(t, alice.ID, back.Person.ID)
	assert.Equal(t, first.Link.ID, back.Link.ID)
	assert.Len(t, auditOf(t, st, first.Link.ID), 3)
}

func TestResolve_MetadataChangeIsNotAudited(t *testing.T) {
	st := memstore.New()
	svc, sink := newService(t, st)
	ctx := context.Background()

	seedPerson(t, st, models.Person{DisplayName: "Alice Smith"},
		account("okta", "alice", "alice@co.com", models.LinkStateConfirmed))
	draft := models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "u1", Email: "alice@co.com", DisplayName: "Alice"}
	first, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)

	sink.Reset()
	draft.DisplayName = "Alice S."
	second, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, "Alice S.", second.Link.DisplayName)
	assert.Equal(t, first.Link.Version+1, second.Link.Version)
	assert.Len(t, auditOf(t, st, first.Link.ID), 1)
	assert.Equal(t, []events.EventType{events.EventTypeLinkUpdated}, sink.Types())
}

func TestResolve_EmailChangeMovesPlaceholderAccount(t *testing.T) {
	st := memstore.New()
	svc, _ := newService(t, st)
	ctx := context.Background()

	bob := seedPerson(t, st, models.Person{DisplayName: "Robert Jones", Verified: true},
		account("okta", "rjones", "bob@co.com", models.LinkStateConfirmed))

	draft := models.ExternalAccountDraft{TenantID: tenant, System: "slack", ExternalID: "U7", Username: "zz-top"}
	first, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)
	require.Equal(t, StatusUnlinked, first.Status)
	placeholder := first.Person

	draft.Email = "bob@co.com"
	out, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, StatusAutoLinked, out.Status)
	assert.Equal(t, bob.ID, out.Person.ID)
	assert.Equal(t, first.Link.ID, out.Link.ID)

	retired, err := st.GetPerson(ctx, tenant, placeholder.ID)
	require.NoError(t, err)
	require.NotNil(t, retired.MergedInto)
	assert.Equal(t, bob.ID, *retired.MergedInto)

	records := auditOf(t, st, out.Link.ID)
	require.Len(t, records, 2)
	require.NotNil(t, records[1].PreviousPersonID)
	assert.Equal(t, placeholder.ID, *records[1].PreviousPersonID)
	assert.Equal(t, bob.ID, *records[1].NewPersonID)
}

func TestResolve_LateConflictRequeuesBothSides(t *testing.T) {
	st := memstore.New()
	svc, sink := newService(t, st)
	ctx := context.Background()

	alice := seedPerson(t, st, models.Person{DisplayName: "Alice Smith", Verified: true},
		account("okta", "alice", "alice@co.com", models.LinkStateConfirmed))
	bob := seedPerson(t, st, models.Person{DisplayName: "Robert Jones", Verified: true},
		account("okta", "rjones", "bob@co.com", models.LinkStateConfirmed))

	draft := models.ExternalAccountDraft{TenantID: tenant, System: "github", ExternalID: "u1", Email: "alice@co.com"}
	first, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)
	require.Equal(t, alice.ID, first.Person.ID)

	sink.Reset()
	draft.Email = "bob@co.com"
	out, err := svc.Resolve(ctx, draft)
	require.NoError(t, err)

	assert.Equal(t, StatusConflict, out.Status)
	assert.Equal(t, alice.ID, out.Link.PersonID)
	assert.Equal(t, models.LinkStatePendingReview, out.Link.LinkState)
	require.NotNil(t, out.ReviewEntry)
	assert.True(t, out.ReviewEntry.Conflict)
	assert.ElementsMatch(t, []string{alice.ID, bob.ID}, out.ReviewEntry.OptionPersonIDs())

	bobLinks, err := st.ListLinksByPerson(ctx, tenant, bob.ID)
	require.NoError(t, err)
	require.Len(t, bobLinks, 1)
	assert.Equal(t, models.LinkStatePendingReview, bobLinks[0].LinkState)
	assert.Equal(t, bob.ID, bobLinks[0].PersonID)
	entry, err := st.GetPendingReviewEntry(ctx, tenant, bobLinks[0].ID)
	require.NoError(t, err)
	assert.True(t, entry.Conflict)

	stored, err := st.GetPerson(ctx, tenant, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.MergedInto)
	assert.Contains(t, sink.Types(), events.EventTypeLinkConflict)
}

func TestOverride(t *testing.T) {
	st := memstore.New()
	svc, sink := newService(t, st)
	ctx := context.Background()

	carol := seedPerson(t, st, models.Person{DisplayName: "Carol King"})
	first, err := svc.Resolve(ctx, models.ExternalAccountDraft{TenantID: tenant, System: "slack", ExternalID: "U3", Username: "zz-top"})
	require.NoError(t, err)

	_, err = svc.Override(ctx, tenant, "slack", "U3", carol.ID, "")
	var validation *models.ValidationError
	require.ErrorAs(t, err, &validation)

	sink.Reset()
	out, err := svc.Override(ctx, tenant, "Slack", "U3", carol.ID, "admin@co.com")
	require.NoError(t, err)
	assert.Equal(t, carol.ID, out.Link.PersonID)
	assert.Equal(t, models.LinkStateConfirmed, out.Link.LinkState)
	assert.Equal(t, models.MatchMethodManual, out.Link.MatchMethod)
	assert.Nil(t, out.Link.MatchConfidence)
	assert.Equal(t, "admin@co.com", out.Link.DecidedBy)
	assert.True(t, out.Person.Verified)
	assert.Equal(t, events.EventTypeLinkRelinked, sink.Types()[0])

	records := auditOf(t, st, first.Link.ID)
	require.Len(t, records, 2)
	assert.Equal(t, "admin@co.com", records[1].Actor)
	assert.Nil(t, records[1].Confidence)

	retired, err := st.GetPerson(ctx, tenant, first.Person.ID)
	require.NoError(t, err)
	require.NotNil(t, retired.MergedInto)

	_, err = svc.Override(ctx, tenant, "slack", "U3", first.Person.ID, "admin@co.com")
	require.ErrorAs(t, err, &validation)

	_, err = svc.Override(ctx, tenant, "slack", "nope", carol.ID, "admin@co.com")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReevaluate_AfterPolicyChange(t *testing.T) {
	st := memstore.New()
	svc, _ := newService(t, st)
	ctx := context.Background()

	alice := seedPerson(t, st, models.Person{DisplayName: "Alice Smith"},
		account("github", "asmith", "", models.LinkStateConfirmed))
	queued, err := svc.Resolve(ctx, models.ExternalAccountDraft{TenantID: tenant, System: "jira", ExternalID: "j55", Username: "a.smith"})
	require.NoError(t, err)
	require.Equal(t, StatusPendingReview, queued.Status)

	require.NoError(t, svc.SetPolicy(testPolicy(t, func(s *policy.Settings) { s.Thresholds.AutoLink = 0.65 })))
	assert.Error(t, svc.SetPolicy(nil))

	out, err := svc.Reevaluate(ctx, tenant, queued.Link.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAutoLinked, out.Status)
	assert.Equal(t, alice.ID, out.Link.PersonID)

	old, err := st.GetReviewEntry(ctx, tenant, queued.ReviewEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStatusSuperseded, old.Status)

	retired, err := st.GetPerson(ctx, tenant, queued.Person.ID)
	require.NoError(t, err)
	require.NotNil(t, retired.MergedInto)
	assert.Equal(t, alice.ID, *retired.MergedInto)
}

func TestResolve_NoFanOut(t *testing.T) {
	st := memstore.New()
	svc, _ := newService(t, st)
	ctx := context.Background()

	seedPerson(t, st, models.Person{DisplayName: "Alice Smith"},
		account("okta", "alice", "alice@co.com", models.LinkStateConfirmed))
	drafts := []models.ExternalAccountDraft{
		{System: "github", ExternalID: "1", Email: "alice@co.com"},
		{System: "jira", ExternalID: "2", Username: "a.smith"},
		{System: "slack", ExternalID: "3", Username: "bob.jones"},
		{System: "slack", ExternalID: "3", Username: "bob.jones", Email: "alice@co.com"},
		{System: "jira", ExternalID: "2", Username: "a.smith", Deactivated: true},
	}

	owners := map[string]map[string]bool{}
	for _, d := range drafts {
		d.TenantID = tenant
		out, err := svc.Resolve(ctx, d)
		require.NoError(t, err)
		links, err := st.ListLinksByPerson(ctx, tenant, out.Person.ID)
		require.NoError(t, err)
		for _, l := range links {
			if owners[l.ID] == nil {
				owners[l.ID] = map[string]bool{}
			}
			owners[l.ID][l.PersonID] = true
		}
	}
	for id := range owners {
		link, err := st.GetLink(ctx, tenant, id)
		require.NoError(t, err)
		assert.NotEmpty(t, link.PersonID)
	}
}
