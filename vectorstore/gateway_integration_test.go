//go:build integration

package vectorstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestGatewayAgainstRealQdrant spins up a throwaway Qdrant container and
// exercises InitCollection/Upsert/Search end to end. Run with
// `go test -tags=integration ./vectorstore/...`; skipped otherwise so the
// default test suite has no Docker dependency.
func TestGatewayAgainstRealQdrant(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "qdrant/qdrant:v1.10.0",
			ExposedPorts: []string{"6334/tcp"},
			WaitingFor:   wait.ForListeningPort("6334/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6334")
	require.NoError(t, err)

	gw, err := NewGateway(Config{
		URL:             fmt.Sprintf("%s:%s", host, port.Port()),
		CollectionName:  "kairos_memories_it",
		VectorDimension: 4,
		DefaultSpaceID:  "space:default",
	})
	require.NoError(t, err)
	require.NoError(t, gw.InitCollection(ctx))

	require.NoError(t, gw.Upsert(ctx, []Point{{
		ID:      NewPointID(),
		Vector:  []float32{0.1, 0.2, 0.3, 0.4},
		Payload: map[string]interface{}{"space_id": "space:default", "label": "Step 1"},
	}}))

	hits, err := gw.Search(ctx, []float32{0.1, 0.2, 0.3, 0.4}, Filter{SpaceIDs: []string{"space:default"}}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}
