package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/models"
)

func TestMappingFromEvent(t *testing.T) {
	conf := 0.91
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	link := models.ExternalAccountLink{
		ID:              "link-1",
		TenantID:        "org-1",
		PersonID:        "p-1",
		System:          "github",
		ExternalID:      "4242",
		Username:        "asmith",
		Email:           "Alice@Co.com",
		MatchMethod:     models.MatchMethodFuzzy,
		MatchConfidence: &conf,
		LinkState:       models.LinkStateAutoLinked,
		UpdatedAt:       updated,
	}
	person := &models.Person{ID: "p-1", TenantID: "org-1", DisplayName: "Alice Smith", Status: models.PersonStatusActive, Verified: true}

	tests := []struct {
		name string
		ev   events.Event
		ok   bool
	}{
		{name: "link event with owner", ev: events.LinkEvent(events.EventTypeLinkAutoLinked, link, person, ""), ok: true},
		{name: "link event without owner", ev: events.LinkEvent(events.EventTypeLinkAutoLinked, link, nil, ""), ok: false},
		{name: "owner snapshot of another person", ev: events.LinkEvent(events.EventTypeLinkAutoLinked, link, &models.Person{ID: "p-2"}, ""), ok: false},
		{name: "audit event", ev: events.AuditEvent(models.AuditRecord{TenantID: "org-1", LinkID: "link-1"}), ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := MappingFromEvent(tt.ev)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, "identity_github_4242", m.ID)
			assert.Equal(t, "github", m.Provider)
			assert.Equal(t, "alice@co.com", m.Email)
			assert.Equal(t, "auto-linked", m.LinkState)
			assert.Equal(t, "p-1", m.PersonID)
			assert.True(t, m.Verified)
			require.NotNil(t, m.Confidence)
			assert.Equal(t, 0.91, *m.Confidence)
		})
	}
}

func TestMappingParams(t *testing.T) {
	m := Mapping{ID: "identity_jira_j1", TenantID: "org-1", PersonID: "p-1", UpdatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	params := m.params()
	assert.Nil(t, params["confidence"])
	assert.Equal(t, "2026-03-01T00:00:00Z", params["updated_at"])

	conf := 0.7
	m.Confidence = &conf
	assert.Equal(t, 0.7, m.params()["confidence"])
}

func TestSchemaStatements(t *testing.T) {
	for _, d := range []Dialect{DialectMemgraph, DialectNeo4j} {
		t.Run(string(d), func(t *testing.T) {
			stmts := schemaStatements(d)
			require.NotEmpty(t, stmts)
			joined := ""
			for _, s := range stmts {
				joined += s + "\n"
			}
			for _, prop := range []string{"username", "provider", "email"} {
				assert.Contains(t, joined, prop)
			}
			assert.Contains(t, joined, "IdentityMapping")
		})
	}
}
