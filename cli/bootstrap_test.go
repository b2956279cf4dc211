package cli

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kairos.run/cache"
	"kairos.run/chainstore"
	"kairos.run/kvstore"
	"kairos.run/model"
	"kairos.run/vectorstore"
)

type fakeVectorStore struct {
	mu     sync.Mutex
	points map[string]vectorstore.Point
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{points: make(map[string]vectorstore.Point)}
}

func (f *fakeVectorStore) Upsert(_ context.Context, points []vectorstore.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range points {
		f.points[p.ID] = p
	}
	return nil
}

func (f *fakeVectorStore) Scroll(_ context.Context, filter vectorstore.Filter, _ int, _ *string) ([]vectorstore.Point, *string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vectorstore.Point
	for _, p := range f.points {
		chain, _ := p.Payload["chain"].(map[string]interface{})
		if filter.ChainID != "" {
			if id, _ := chain["id"].(string); id != filter.ChainID {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil, nil
}

func (f *fakeVectorStore) Delete(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.points, id)
	}
	return nil
}

func (f *fakeVectorStore) UpdatePayload(_ context.Context, id string, patch map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.points[id]
	if !ok {
		return nil
	}
	for k, v := range patch {
		p.Payload[k] = v
	}
	f.points[id] = p
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Dimension() int { return 3 }
func (fakeEmbedder) Embed(texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{0.1, 0.2, 0.3}
	}
	return out, nil
}

func TestSeedReservedMemoriesMintsBothHelpersAtTheirFixedUUIDs(t *testing.T) {
	ctx := context.Background()
	fv := newFakeVectorStore()
	c := cache.New(ctx, kvstore.NewMemoryStore())
	store := chainstore.New(fv, fakeEmbedder{}, c)

	seedReservedMemories(ctx, store, "space:kairos-app", logrus.StandardLogger())

	_, ok := fv.points[model.ReservedCreateUUID]
	assert.True(t, ok, "reserved create helper must be minted at its fixed uuid")
	_, ok = fv.points[model.ReservedRefineUUID]
	assert.True(t, ok, "reserved refine helper must be minted at its fixed uuid")
}

func TestSeedReservedMemoriesIsIdempotentAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	fv := newFakeVectorStore()
	c := cache.New(ctx, kvstore.NewMemoryStore())
	store := chainstore.New(fv, fakeEmbedder{}, c)

	seedReservedMemories(ctx, store, "space:kairos-app", logrus.StandardLogger())
	seedReservedMemories(ctx, store, "space:kairos-app", logrus.StandardLogger())

	require.Contains(t, fv.points, model.ReservedCreateUUID)
	require.Contains(t, fv.points, model.ReservedRefineUUID)
}
