//go:build integration

package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type MemgraphContainer struct {
	Container testcontainers.Container
	URI       string
}

// NewMemgraphContainer starts a Bolt-compatible graph database without auth
func NewMemgraphContainer(t *testing.T) *MemgraphContainer {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "memgraph/memgraph:2.14.0",
			ExposedPorts: []string{"7687/tcp"},
			WaitingFor: wait.ForLog("Server is fully armed and operational").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start memgraph container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get memgraph host: %v", err)
	}
	port, err := container.MappedPort(ctx, "7687")
	if err != nil {
		t.Fatalf("failed to get memgraph port: %v", err)
	}

	return &MemgraphContainer{Container: container, URI: fmt.Sprintf("bolt://%s:%s", host, port.Port())}
}
