// Package graph projects identity mappings into a Bolt graph database (Memgraph or Neo4j)
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Dialect selects the schema DDL the server understands
type Dialect string

const (
	DialectMemgraph Dialect = "memgraph"
	DialectNeo4j    Dialect = "neo4j"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// URI takes precedence over Host/Port when set (bolt://host:port)
	URI     string
	Dialect Dialect
}

// Client wraps the Neo4j driver
type Client struct {
	driver  neo4j.DriverWithContext
	dialect Dialect
	logger  ectologger.Logger
}

func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	uri := cfg.URI
	if uri == "" {
		uri = fmt.Sprintf("bolt://%s:%d", cfg.Host, cfg.Port)
	}

	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}

	dialect := Dialect(strings.ToLower(string(cfg.Dialect)))
	if dialect == "" {
		dialect = DialectMemgraph
	}

	return &Client{
		driver:  driver,
		dialect: dialect,
		logger:  logger,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// ExecuteWrite runs work in a managed write transaction
func (c *Client) ExecuteWrite(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Client.ExecuteWrite")
	defer span.End()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	res, err := session.ExecuteWrite(ctx, work)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return res, err
}

// ExecuteRead runs work in a managed read transaction
func (c *Client) ExecuteRead(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Client.ExecuteRead")
	defer span.End()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	return session.ExecuteRead(ctx, work)
}

// exec runs one statement outside an explicit transaction. Schema changes
// need this on Memgraph.
func (c *Client) exec(ctx context.Context, cypher string) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, nil)
	if err != nil {
		return err
	}
	_, err = result.Consume(ctx)
	return err
}
