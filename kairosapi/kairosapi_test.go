package kairosapi

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kairos.run/cache"
	"kairos.run/chainstore"
	"kairos.run/kvstore"
	"kairos.run/navigate"
	"kairos.run/pow"
	"kairos.run/render"
	"kairos.run/search"
	"kairos.run/tenant"
	"kairos.run/vectorstore"
)

type fakeStore struct {
	points map[string]vectorstore.Point
}

func newFakeStore() *fakeStore { return &fakeStore{points: make(map[string]vectorstore.Point)} }

func (f *fakeStore) Upsert(_ context.Context, points []vectorstore.Point) error {
	for _, p := range points {
		f.points[p.ID] = p
	}
	return nil
}

func (f *fakeStore) Retrieve(_ context.Context, ids []string, spaceIDs []string) ([]vectorstore.Point, error) {
	allowed := toSet(spaceIDs)
	var out []vectorstore.Point
	for _, id := range ids {
		p, ok := f.points[id]
		if !ok {
			continue
		}
		if sid, _ := p.Payload["space_id"].(string); allowed[sid] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) Scroll(_ context.Context, filt vectorstore.Filter, _ int, _ *string) ([]vectorstore.Point, *string, error) {
	allowed := toSet(filt.SpaceIDs)
	var out []vectorstore.Point
	for _, p := range f.points {
		if sid, _ := p.Payload["space_id"].(string); !allowed[sid] {
			continue
		}
		if filt.ChainID != "" {
			chain, _ := p.Payload["chain"].(map[string]interface{})
			if cid, _ := chain["id"].(string); cid != filt.ChainID {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil, nil
}

func (f *fakeStore) Delete(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(f.points, id)
	}
	return nil
}

func (f *fakeStore) UpdatePayload(_ context.Context, id string, patch map[string]interface{}) error {
	p, ok := f.points[id]
	if !ok {
		return fmt.Errorf("not found: %s", id)
	}
	for k, v := range patch {
		p.Payload[k] = v
	}
	f.points[id] = p
	return nil
}

func (f *fakeStore) Search(_ context.Context, _ []float32, filt vectorstore.Filter, _ int) ([]vectorstore.SearchHit, error) {
	allowed := toSet(filt.SpaceIDs)
	var hits []vectorstore.SearchHit
	for _, p := range f.points {
		if sid, _ := p.Payload["space_id"].(string); allowed[sid] {
			hits = append(hits, vectorstore.SearchHit{Point: p, Score: 0.5})
		}
	}
	return hits, nil
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
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

func seedChain(f *fakeStore, chainID, chainLabel, spaceID string, steps []string) []string {
	uuids := make([]string, len(steps))
	for i, body := range steps {
		uuid := fmt.Sprintf("%s-step-%d", chainID, i+1)
		uuids[i] = uuid
		f.points[uuid] = vectorstore.Point{
			ID: uuid,
			Payload: map[string]interface{}{
				"memory_uuid": uuid,
				"label":       body,
				"text":        body,
				"space_id":    spaceID,
				"chain": map[string]interface{}{
					"id":         chainID,
					"label":      chainLabel,
					"step_index": i + 1,
					"step_count": len(steps),
				},
				"proof_of_work": map[string]interface{}{
					"type":     "comment",
					"required": true,
					"comment":  map[string]interface{}{"min_length": 5},
				},
			},
		}
	}
	return uuids
}

func newTestAPI(f *fakeStore) *API {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	c := cache.New(ctx, kv)
	p := pow.New(kv)
	s := search.New(f, fakeEmbedder{}, c)
	nav := navigate.New(f, p, c, s, kv)
	chain := chainstore.New(f, fakeEmbedder{}, c)
	return New(chain, nav, p, logrus.StandardLogger())
}

func testTenant() *tenant.Context {
	return &tenant.Context{
		AllowedSpaceIDs:     []string{"user:default:alice"},
		DefaultWriteSpaceID: "user:default:alice",
		Authenticated:       true,
		AppSpaceID:          "space:kairos-app",
	}
}

func TestDeleteRemovesEveryStepOfTheChain(t *testing.T) {
	ctx := context.Background()
	f := newFakeStore()
	uuids := seedChain(f, "chain-d1", "D1", "user:default:alice", []string{"Step one.", "Step two."})
	api := newTestAPI(f)
	tc := testTenant()

	resp, err := api.Delete(ctx, tc, []string{"kairos://mem/" + uuids[0]})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalDeleted)
	assert.Equal(t, 0, resp.TotalFailed)

	for _, id := range uuids {
		_, ok := f.points[id]
		assert.False(t, ok, "step %s should have been deleted", id)
	}
}

func TestDeleteUnknownURIFails(t *testing.T) {
	api := newTestAPI(newFakeStore())
	resp, err := api.Delete(context.Background(), testTenant(), []string{"not-a-uri"})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.TotalDeleted)
	assert.Equal(t, 1, resp.TotalFailed)
}

func TestUpdateRewritesStepBody(t *testing.T) {
	ctx := context.Background()
	f := newFakeStore()
	uuids := seedChain(f, "chain-u1", "U1", "user:default:alice", []string{"Original body."})
	api := newTestAPI(f)

	resp, err := api.Update(ctx, testTenant(), []UpdateRequest{
		{URI: "kairos://mem/" + uuids[0], MarkdownDoc: "Replacement body."},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalUpdated)
	assert.Equal(t, "Replacement body.", f.points[uuids[0]].Payload["text"])
}

func TestDumpIncludesChallengeOnlyForFullProtocol(t *testing.T) {
	ctx := context.Background()
	f := newFakeStore()
	uuids := seedChain(f, "chain-p1", "P1", "user:default:alice", []string{"Do the thing."})
	api := newTestAPI(f)
	tc := testTenant()

	summary, err := api.Dump(ctx, tc, "kairos://mem/"+uuids[0], "summary")
	require.NoError(t, err)
	assert.Nil(t, summary.Challenge)
	assert.Contains(t, summary.MarkdownDoc, "Do the thing.")
	assert.Contains(t, summary.MarkdownDoc, "<!-- KAIROS:BODY-START -->")
	assert.Contains(t, summary.MarkdownDoc, "<!-- KAIROS:BODY-END -->")
	body, ok := render.ExtractBody(summary.MarkdownDoc)
	require.True(t, ok, "dumped document must carry the body markers ExtractBody relies on for round-tripping edits")
	assert.Equal(t, "Do the thing.", body)

	full, err := api.Dump(ctx, tc, "kairos://mem/"+uuids[0], "full")
	require.NoError(t, err)
	require.NotNil(t, full.Challenge)
	assert.Equal(t, "GENESIS_HASH", full.Challenge.ProofHash)
}

func TestMintRequiresAuthenticationWhenUnauthenticated(t *testing.T) {
	api := newTestAPI(newFakeStore())
	tc := &tenant.Context{DefaultWriteSpaceID: tenant.NoAuthSpaceID, Authenticated: false}

	_, err := api.Mint(context.Background(), tc, "# Step\n\nBody.", "gpt", false)
	require.Error(t, err)
}
