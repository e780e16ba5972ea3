package matching

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/policy"
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

func link(personID, system, username, email string, state models.LinkState) models.ExternalAccountLink {
	key := normalizers.UsernameKey(username)
	norm := normalizers.NormalizeEmail(email)
	return models.ExternalAccountLink{
		TenantID:        tenant,
		PersonID:        personID,
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
	}
}

func profile(id, name string, links ...models.ExternalAccountLink) models.CandidateProfile {
	return models.CandidateProfile{
		Person: models.Person{ID: id, TenantID: tenant, DisplayName: name, Status: models.PersonStatusActive},
		Links:  links,
	}
}

func TestNamePatterns(t *testing.T) {
	assert.Equal(t,
		[]string{"johnsmith", "smithjohn", "jsmith", "johns", "smithj"},
		NamePatterns([]string{"john", "smith"}))
	assert.Contains(t, NamePatterns([]string{"john", "paul", "smith"}), "jpsmith")
	assert.Equal(t, []string{"prince"}, NamePatterns([]string{"prince"}))
	assert.Empty(t, NamePatterns([]string{"al"}))
	assert.Nil(t, NamePatterns(nil))
}

func TestKeysFor(t *testing.T) {
	cfg := testPolicy(t)

	k := KeysFor(cfg, models.ExternalAccountDraft{Username: "a.smith", Email: "A.Smith@CO.com"})
	assert.Equal(t, "a.smith@co.com", k.Email)
	assert.Equal(t, "co.com", k.EmailDomain)
	assert.Equal(t, "asmith", k.UsernameKey)
	assert.Equal(t, "asm", k.UsernameBucket)
	assert.Equal(t, "a smith", k.Name)
	assert.Contains(t, k.UsernameForms, "asmith")
	assert.Contains(t, k.UsernameForms, "smitha")

	k = KeysFor(cfg, models.ExternalAccountDraft{Username: "x123", DisplayName: "Smith, John"})
	assert.Equal(t, "john smith", k.Name)
	assert.Contains(t, k.UsernameForms, "jsmith")
}

func TestDraftKeys_QueryDropsPublicDomains(t *testing.T) {
	cfg := testPolicy(t)

	q := KeysFor(cfg, models.ExternalAccountDraft{Email: "bob@gmail.com"}).Query(cfg, tenant, []string{"p9"})
	assert.Equal(t, "bob@gmail.com", q.Email)
	assert.Empty(t, q.EmailDomain)
	assert.Equal(t, []string{"p9"}, q.ExcludePersons)
	assert.Equal(t, policy.DefaultCandidateLimit, q.Limit)

	q = KeysFor(cfg, models.ExternalAccountDraft{Email: "bob@co.com"}).Query(cfg, tenant, nil)
	assert.Equal(t, "co.com", q.EmailDomain)
}

func TestMatchExact(t *testing.T) {
	cfg := testPolicy(t, func(s *policy.Settings) { s.EmailExemptSystems = []string{"wiki"} })
	alice := profile("p-alice", "Alice", link("p-alice", "github", "alice", "alice@co.com", models.LinkStateConfirmed))
	shared1 := profile("p-a", "A", link("p-a", "github", "a1", "shared@co.com", models.LinkStateConfirmed))
	shared2 := profile("p-b", "B", link("p-b", "jira", "b1", "shared@co.com", models.LinkStateConfirmed))
	unverified := profile("p-u", "U", link("p-u", "jira", "u1", "alice@co.com", models.LinkStatePendingReview))
	exemptOnly := profile("p-w", "W", link("p-w", "wiki", "w1", "alice@co.com", models.LinkStateConfirmed))

	tests := []struct {
		name       string
		system     string
		email      string
		candidates []models.CandidateProfile
		wantPerson string
		wantConf   []string
	}{
		{"single verified owner", "github", "Alice@co.com", []models.CandidateProfile{alice, unverified}, "p-alice", nil},
		{"two owners conflict", "github", "shared@co.com", []models.CandidateProfile{shared2, shared1}, "", []string{"p-a", "p-b"}},
		{"pending links are not verified", "github", "alice@co.com", []models.CandidateProfile{unverified}, "", nil},
		{"exempt system links are not verified", "github", "alice@co.com", []models.CandidateProfile{exemptOnly}, "", nil},
		{"exempt draft system never matches", "wiki", "alice@co.com", []models.CandidateProfile{alice}, "", nil},
		{"no email", "github", "", []models.CandidateProfile{alice}, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := KeysFor(cfg, models.ExternalAccountDraft{Email: tt.email})
			got := MatchExact(cfg, tt.system, keys, tt.candidates)
			assert.Equal(t, tt.wantPerson, got.PersonID)
			assert.Equal(t, tt.wantConf, got.Conflicting)
		})
	}
}

func TestMatchExact_PrimaryEmailIsVerified(t *testing.T) {
	cfg := testPolicy(t)
	p := profile("p1", "Jane Doe")
	p.Person.PrimaryEmail = "jane@co.com"

	got := MatchExact(cfg, "jira", KeysFor(cfg, models.ExternalAccountDraft{Email: "jane@co.com"}), []models.CandidateProfile{p})
	assert.Equal(t, "p1", got.PersonID)
}

func TestScore_UsernameAndPartialName(t *testing.T) {
	cfg := testPolicy(t)
	draft := models.ExternalAccountDraft{TenantID: tenant, System: "jira", ExternalID: "j55", Username: "a.smith"}
	alice := profile("p-alice", "Alice Smith", link("p-alice", "github", "asmith", "", models.LinkStateConfirmed))

	scored := Score(cfg, draft, KeysFor(cfg, draft), []models.CandidateProfile{alice})
	require.Len(t, scored, 1)

	// name: 1 - lev("a smith", "alice smith")/11, username: known key
	wantName := 1 - 4.0/11.0
	assert.InDelta(t, 0.4*wantName+0.4, scored[0].Score, 1e-6)
	assert.True(t, scored[0].Score >= 0.60 && scored[0].Score < 0.85)

	signals := map[string]models.Signal{}
	for _, s := range scored[0].Signals {
		signals[s.Name] = s
	}
	assert.InDelta(t, wantName, signals[SignalName].Score, 1e-6)
	assert.Equal(t, 1.0, signals[SignalUsername].Score)
	assert.Equal(t, 0.0, signals[SignalDomain].Score)
}

func TestScore_SignalCases(t *testing.T) {
	cfg := testPolicy(t)

	t.Run("username derived from candidate name", func(t *testing.T) {
		draft := models.ExternalAccountDraft{System: "jira", Username: "jsmith", Email: "jsmith@co.com"}
		john := profile("p1", "John Smith", link("p1", "hr", "", "john.smith@co.com", models.LinkStateConfirmed))
		got := Score(cfg, draft, KeysFor(cfg, draft), []models.CandidateProfile{john})
		assert.Equal(t, 1.0, got[0].Signals[1].Score)
		assert.Equal(t, 1.0, got[0].Signals[2].Score)
	})

	t.Run("public domain counts little", func(t *testing.T) {
		draft := models.ExternalAccountDraft{System: "jira", Email: "x@gmail.com"}
		p := profile("p1", "", link("p1", "github", "y", "y@gmail.com", models.LinkStateConfirmed))
		got := Score(cfg, draft, KeysFor(cfg, draft), []models.CandidateProfile{p})
		assert.Equal(t, 0.25, got[0].Signals[2].Score)
	})

	t.Run("organization domain without shared address", func(t *testing.T) {
		draft := models.ExternalAccountDraft{System: "jira", Email: "x@co.com"}
		p := profile("p1", "", link("p1", "github", "y", "y@other.io", models.LinkStateConfirmed))
		got := Score(cfg, draft, KeysFor(cfg, draft), []models.CandidateProfile{p})
		assert.Equal(t, 0.5, got[0].Signals[2].Score)
	})

	t.Run("activity penalty", func(t *testing.T) {
		created := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		hired := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
		p := profile("p1", "John Smith", link("p1", "github", "jsmith", "", models.LinkStateConfirmed))
		p.Person.HireDate = &hired

		jira := models.ExternalAccountDraft{System: "jira", Username: "jsmith", AccountCreatedAt: &created}
		gh := models.ExternalAccountDraft{System: "github", Username: "jsmith", AccountCreatedAt: &created}

		penalized := Score(cfg, jira, KeysFor(cfg, jira), []models.CandidateProfile{p})[0]
		exempt := Score(cfg, gh, KeysFor(cfg, gh), []models.CandidateProfile{p})[0]
		assert.InDelta(t, exempt.Score-policy.DefaultActivityPenalty, penalized.Score, 1e-9)
		assert.Len(t, penalized.Signals, 4)
		assert.Len(t, exempt.Signals, 3)
	})
}

func TestScore_DeterministicRanking(t *testing.T) {
	cfg := testPolicy(t)
	draft := models.ExternalAccountDraft{System: "jira", Username: "jsmith"}
	candidates := []models.CandidateProfile{
		profile("p-b", "John Smith"),
		profile("p-a", "John Smith"),
		profile("p-c", "Zed Zulu"),
	}

	first := Score(cfg, draft, KeysFor(cfg, draft), candidates)
	second := Score(cfg, draft, KeysFor(cfg, draft), []models.CandidateProfile{candidates[2], candidates[0], candidates[1]})

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"p-a", "p-b", "p-c"}, []string{first[0].PersonID, first[1].PersonID, first[2].PersonID})
	for _, s := range first {
		assert.GreaterOrEqual(t, s.Score, 0.0)
		assert.LessOrEqual(t, s.Score, 1.0)
	}
}

func seedPerson(t *testing.T, s *memstore.Store, p models.Person, links ...models.ExternalAccountLink) models.Person {
	t.Helper()
	ctx := context.Background()
	p.TenantID = tenant
	p.NameKey = normalizers.NormalizeName(p.DisplayName)
	p.NameTokens = normalizers.NameTokens(p.DisplayName)
	require.NoError(t, s.CreatePerson(ctx, &p))
	for _, l := range links {
		l.PersonID = p.ID
		require.NoError(t, s.CreateLink(ctx, &l))
	}
	return p
}

func TestExtractor_RanksAndFilters(t *testing.T) {
	cfg := testPolicy(t)
	s := memstore.New()
	ctx := context.Background()

	alice := seedPerson(t, s, models.Person{ID: "p-alice", DisplayName: "Alice Smith", Status: models.PersonStatusActive},
		link("", "github", "asmith", "alice@co.com", models.LinkStateConfirmed))
	bob := seedPerson(t, s, models.Person{ID: "p-bob", DisplayName: "Bob Smith", Status: models.PersonStatusActive})
	seedPerson(t, s, models.Person{ID: "p-bot", DisplayName: "Smith Bot", Status: models.PersonStatusBot},
		link("", "github", "asmith-ci", "", models.LinkStateAutoLinked))
	seedPerson(t, s, models.Person{ID: "p-zed", DisplayName: "Zed Zulu", Status: models.PersonStatusActive})

	draft := models.ExternalAccountDraft{TenantID: tenant, System: "jira", ExternalID: "j55", Username: "a.smith"}
	keys := KeysFor(cfg, draft)
	ex := NewExtractor(s, quietLogger())

	got, err := ex.Extract(ctx, cfg, draft, keys, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, alice.ID, got[0].Person.ID)
	assert.Equal(t, bob.ID, got[1].Person.ID)
	assert.Greater(t, got[0].CoarseScore, got[1].CoarseScore)
	assert.Len(t, got[0].Links, 1)

	got, err = ex.Extract(ctx, cfg, draft, keys, []string{alice.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, bob.ID, got[0].Person.ID)
}

func TestExtractor_RespectsLimitAndEmptyKeys(t *testing.T) {
	cfg := testPolicy(t, func(s *policy.Settings) { s.CandidateLimit = 2 })
	s := memstore.New()
	for _, id := range []string{"p1", "p2", "p3"} {
		seedPerson(t, s, models.Person{ID: id, DisplayName: "Jo Smith", Status: models.PersonStatusActive})
	}
	ex := NewExtractor(s, quietLogger())

	draft := models.ExternalAccountDraft{TenantID: tenant, System: "jira", ExternalID: "x", DisplayName: "Al Smith"}
	got, err := ex.Extract(context.Background(), cfg, draft, KeysFor(cfg, draft), nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].Person.ID)
	assert.Equal(t, "p2", got[1].Person.ID)

	empty := models.ExternalAccountDraft{TenantID: tenant, System: "jira", ExternalID: "y"}
	got, err = ex.Extract(context.Background(), cfg, empty, KeysFor(cfg, empty), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExtractor_PropagatesStoreFailure(t *testing.T) {
	cfg := testPolicy(t)
	s := memstore.New()
	s.FailOn("FindCandidateHits", assert.AnError)

	draft := models.ExternalAccountDraft{TenantID: tenant, System: "jira", ExternalID: "x", Username: "jsmith"}
	_, err := NewExtractor(s, quietLogger()).Extract(context.Background(), cfg, draft, KeysFor(cfg, draft), nil)

	var unavailable *models.StoreUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}
