package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Mapping is one external account and the Person it maps to
type Mapping struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	LinkID       string    `json:"link_id"`
	Provider     string    `json:"provider"`
	ExternalID   string    `json:"external_id"`
	Username     string    `json:"username,omitempty"`
	Email        string    `json:"email,omitempty"`
	LinkState    string    `json:"link_state"`
	Method       string    `json:"method"`
	Confidence   *float64  `json:"confidence"`
	PersonID     string    `json:"person_id"`
	PersonStatus string    `json:"person_status"`
	PersonName   string    `json:"person_name,omitempty"`
	Verified     bool      `json:"verified"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MappingID names the IdentityMapping node of an account
func MappingID(system, externalID string) string {
	return "identity_" + system + "_" + externalID
}

// MappingFromEvent reads the mapping out of a link event. ok is false for
// events without a link and owner snapshot.
func MappingFromEvent(ev events.Event) (m Mapping, ok bool) {
	if !ev.EventType.IsLinkEvent() || ev.Link == nil || ev.Person == nil {
		return Mapping{}, false
	}
	l, p := ev.Link, ev.Person
	if l.PersonID != p.ID {
		return Mapping{}, false
	}
	return Mapping{
		ID:           MappingID(l.System, l.ExternalID),
		TenantID:     l.TenantID,
		LinkID:       l.ID,
		Provider:     l.System,
		ExternalID:   l.ExternalID,
		Username:     l.Username,
		Email:        strings.ToLower(l.Email),
		LinkState:    string(l.LinkState),
		Method:       string(l.MatchMethod),
		Confidence:   l.MatchConfidence,
		PersonID:     p.ID,
		PersonStatus: string(p.Status),
		PersonName:   p.DisplayName,
		Verified:     p.Verified,
		UpdatedAt:    l.UpdatedAt,
	}, true
}

func (m Mapping) params() map[string]any {
	var confidence any
	if m.Confidence != nil {
		confidence = *m.Confidence
	}
	return map[string]any{
		"id":           m.ID,
		"tenant_id":    m.TenantID,
		"link_id":      m.LinkID,
		"provider":     m.Provider,
		"external_id":  m.ExternalID,
		"username":     m.Username,
		"email":        m.Email,
		"link_state":   m.LinkState,
		"method":       m.Method,
		"confidence":   confidence,
		"person_id":    m.PersonID,
		"status":       m.PersonStatus,
		"display_name": m.PersonName,
		"verified":     m.Verified,
		"updated_at":   m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func schemaStatements(d Dialect) []string {
	if d == DialectNeo4j {
		return []string{
			"CREATE CONSTRAINT identity_mapping_id IF NOT EXISTS FOR (i:IdentityMapping) REQUIRE (i.tenant_id, i.id) IS UNIQUE",
			"CREATE CONSTRAINT person_id IF NOT EXISTS FOR (p:Person) REQUIRE p.id IS UNIQUE",
			"CREATE INDEX identity_mapping_username IF NOT EXISTS FOR (i:IdentityMapping) ON (i.username)",
			"CREATE INDEX identity_mapping_provider IF NOT EXISTS FOR (i:IdentityMapping) ON (i.provider)",
			"CREATE INDEX identity_mapping_email IF NOT EXISTS FOR (i:IdentityMapping) ON (i.email)",
		}
	}
	return []string{
		"CREATE CONSTRAINT ON (i:IdentityMapping) ASSERT i.tenant_id, i.id IS UNIQUE",
		"CREATE CONSTRAINT ON (p:Person) ASSERT p.id IS UNIQUE",
		"CREATE INDEX ON :IdentityMapping(id)",
		"CREATE INDEX ON :IdentityMapping(username)",
		"CREATE INDEX ON :IdentityMapping(provider)",
		"CREATE INDEX ON :IdentityMapping(email)",
		"CREATE INDEX ON :Person(id)",
	}
}

const detachStaleOwner = `
	MATCH (m:IdentityMapping {tenant_id: $tenant_id, id: $id})-[r:MAPS_TO]->(p:Person)
	WHERE p.id <> $person_id
	DELETE r
`

const upsertMapping = `
	MERGE (m:IdentityMapping {tenant_id: $tenant_id, id: $id})
	SET m.link_id = $link_id,
		m.provider = $provider,
		m.external_id = $external_id,
		m.username = $username,
		m.email = $email,
		m.link_state = $link_state,
		m.confidence = $confidence,
		m.updated_at = $updated_at
	MERGE (p:Person {id: $person_id})
	SET p.tenant_id = $tenant_id,
		p.status = $status,
		p.verified = $verified,
		p.display_name = $display_name
	MERGE (m)-[r:MAPS_TO]->(p)
	SET r.method = $method,
		r.confidence = $confidence
`

const mappingsForPerson = `
	MATCH (m:IdentityMapping {tenant_id: $tenant_id})-[r:MAPS_TO]->(p:Person {id: $person_id})
	RETURN m.id AS id, m.link_id AS link_id, m.provider AS provider, m.external_id AS external_id,
		m.username AS username, m.email AS email, m.link_state AS link_state, m.confidence AS confidence,
		r.method AS method, p.status AS status, p.display_name AS display_name, p.verified AS verified
	ORDER BY provider, external_id
`

// Projector keeps the IdentityMapping graph in step with the link table
type Projector struct {
	client *Client
	logger ectologger.Logger
}

func NewProjector(client *Client, logger ectologger.Logger) *Projector {
	return &Projector{
		client: client,
		logger: logger,
	}
}

// EnsureSchema creates the uniqueness constraints and lookup indexes
func (p *Projector) EnsureSchema(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.EnsureSchema")
	defer span.End()

	for _, stmt := range schemaStatements(p.client.dialect) {
		if err := p.client.exec(ctx, stmt); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "already exists") {
				continue
			}
			tracing.RecordError(span, err)
			return fmt.Errorf("failed to apply graph schema %q: %w", stmt, err)
		}
	}
	return nil
}

// Project upserts the mapping and points its MAPS_TO edge at the current owner
func (p *Projector) Project(ctx context.Context, m Mapping) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.Project")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":  m.TenantID,
		"mapping_id": m.ID,
		"person_id":  m.PersonID,
	})

	params := m.params()
	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, stmt := range []string{detachStaleOwner, upsertMapping} {
			result, err := tx.Run(ctx, stmt, params)
			if err != nil {
				return nil, err
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to project identity mapping")
		return fmt.Errorf("failed to project identity mapping: %w", err)
	}

	log.Debug("Projected identity mapping")
	return nil
}

// MappingsForPerson lists the accounts mapped to a Person in the graph
func (p *Projector) MappingsForPerson(ctx context.Context, tenantID, personID string) ([]Mapping, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.MappingsForPerson")
	defer span.End()

	res, err := p.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, mappingsForPerson, map[string]any{
			"tenant_id": tenantID,
			"person_id": personID,
		})
		if err != nil {
			return nil, err
		}

		out := []Mapping{}
		for result.Next(ctx) {
			rec := result.Record()
			m := Mapping{
				ID:           str(rec, "id"),
				TenantID:     tenantID,
				LinkID:       str(rec, "link_id"),
				Provider:     str(rec, "provider"),
				ExternalID:   str(rec, "external_id"),
				Username:     str(rec, "username"),
				Email:        str(rec, "email"),
				LinkState:    str(rec, "link_state"),
				Method:       str(rec, "method"),
				PersonID:     personID,
				PersonStatus: str(rec, "status"),
				PersonName:   str(rec, "display_name"),
			}
			if v, ok := rec.Get("confidence"); ok {
				if f, ok := v.(float64); ok {
					m.Confidence = &f
				}
			}
			if v, ok := rec.Get("verified"); ok {
				m.Verified, _ = v.(bool)
			}
			out = append(out, m)
		}
		return out, result.Err()
	})
	if err != nil {
		tracing.RecordError(span, err)
		p.logger.WithContext(ctx).WithError(err).Error("Failed to read identity mappings")
		return nil, fmt.Errorf("failed to read identity mappings: %w", err)
	}
	return res.([]Mapping), nil
}

func str(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
