package navigate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kairos.run/cache"
	"kairos.run/kerrors"
	"kairos.run/kvstore"
	"kairos.run/model"
	"kairos.run/pow"
	"kairos.run/search"
	"kairos.run/tenant"
	"kairos.run/vectorstore"
)

type fakeStore struct {
	points map[string]vectorstore.Point
}

func newFakeStore() *fakeStore { return &fakeStore{points: make(map[string]vectorstore.Point)} }

func (f *fakeStore) Retrieve(_ context.Context, ids []string, spaceIDs []string) ([]vectorstore.Point, error) {
	allowed := toSet(spaceIDs)
	var out []vectorstore.Point
	for _, id := range ids {
		p, ok := f.points[id]
		if !ok {
			continue
		}
		sid, _ := p.Payload["space_id"].(string)
		if !allowed[sid] {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) Scroll(_ context.Context, filt vectorstore.Filter, _ int, _ *string) ([]vectorstore.Point, *string, error) {
	allowed := toSet(filt.SpaceIDs)
	var out []vectorstore.Point
	for _, p := range f.points {
		sid, _ := p.Payload["space_id"].(string)
		if !allowed[sid] {
			continue
		}
		if filt.ChainID != "" {
			chain, _ := p.Payload["chain"].(map[string]interface{})
			cid, _ := chain["id"].(string)
			if cid != filt.ChainID {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil, nil
}

func (f *fakeStore) UpdatePayload(_ context.Context, id string, patch map[string]interface{}) error {
	p, ok := f.points[id]
	if !ok {
		return kerrors.New(kerrors.CodeNotFound, "point not found")
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
		sid, _ := p.Payload["space_id"].(string)
		if !allowed[sid] {
			continue
		}
		hits = append(hits, vectorstore.SearchHit{Point: p, Score: 0.5})
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

func defaultProofPayload() map[string]interface{} {
	return map[string]interface{}{
		"type":     "comment",
		"required": true,
		"comment":  map[string]interface{}{"min_length": 5},
	}
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
				"proof_of_work": defaultProofPayload(),
			},
		}
	}
	return uuids
}

func newEngine(f *fakeStore) (*Engine, kvstore.Store) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	c := cache.New(ctx, kv)
	p := pow.New(kv)
	s := search.New(f, fakeEmbedder{}, c)
	return New(f, p, c, s, kv), kv
}

func testTenant() *tenant.Context {
	return &tenant.Context{AllowedSpaceIDs: []string{"user:default:alice"}, DefaultWriteSpaceID: "user:default:alice", AppSpaceID: "space:kairos-app"}
}

func TestBeginByQueryThenNextTraversesChain(t *testing.T) {
	ctx := context.Background()
	f := newFakeStore()
	uuids := seedChain(f, "chain-p1", "P1", "user:default:alice", []string{"P1", "Do B."})
	engine, _ := newEngine(f)
	tc := testTenant()

	_, searchResp, err := engine.Begin(ctx, tc, "P1", "", 0)
	require.NoError(t, err)
	require.NotNil(t, searchResp)
	assert.True(t, searchResp.MustObey)
	assert.Contains(t, searchResp.NextAction, model.URI(uuids[0]))

	stepResp, err := engine.Next(ctx, tc, model.URI(uuids[0]), &model.Solution{
		Type:      model.ChallengeComment,
		Nonce:     mustIssuedNonce(t, engine, uuids[0]),
		ProofHash: model.GenesisHash,
		Comment:   &model.CommentSolution{Text: "observed step one"},
	})
	require.NoError(t, err)
	assert.True(t, stepResp.MustObey)
	assert.Equal(t, model.URI(uuids[1]), stepResp.CurrentStep.URI)
	assert.Contains(t, stepResp.NextAction, model.URI(uuids[1]))

	stepResp2, err := engine.Next(ctx, tc, model.URI(uuids[1]), &model.Solution{
		Type:      model.ChallengeComment,
		Nonce:     stepResp.Challenge.Nonce,
		ProofHash: stepResp.ProofHash,
		Comment:   &model.CommentSolution{Text: "observed step two"},
	})
	require.NoError(t, err)
	assert.True(t, stepResp2.MustObey)
	assert.Contains(t, stepResp2.NextAction, "kairos_attest")

	attestResp, err := engine.Attest(ctx, tc, model.URI(uuids[1]), "success", "done", 0, "gpt-5")
	require.NoError(t, err)
	assert.Equal(t, "success", attestResp.Results[0].Status)
}

// mustIssuedNonce issues a fresh challenge directly so the test can submit a
// first solution without going through Begin(uri=...).
func mustIssuedNonce(t *testing.T, e *Engine, uuid string) string {
	t.Helper()
	mem, err := e.loadMemory(context.Background(), testTenant(), uuid)
	require.NoError(t, err)
	ch, err := e.POW.IssueChallenge(context.Background(), mem, model.GenesisHash)
	require.NoError(t, err)
	return ch.Nonce
}

func TestNextRefusesSkipAhead(t *testing.T) {
	ctx := context.Background()
	f := newFakeStore()
	uuids := seedChain(f, "chain-skip", "Skip", "user:default:alice", []string{"Step 1", "Step 2"})
	engine, _ := newEngine(f)
	tc := testTenant()

	resp, err := engine.Next(ctx, tc, model.URI(uuids[1]), &model.Solution{
		Type:    model.ChallengeComment,
		Comment: &model.CommentSolution{Text: "trying to skip ahead"},
	})
	require.NoError(t, err)
	assert.Equal(t, kerrors.CodePreviousProofMissing, resp.ErrorCode)
	assert.False(t, resp.MustObey)
	assert.Equal(t, model.URI(uuids[1]), resp.CurrentStep.URI)
}

func TestNextRetryNonceFromFailedSubmissionIsUsable(t *testing.T) {
	ctx := context.Background()
	f := newFakeStore()
	uuids := seedChain(f, "chain-retry", "Retry", "user:default:alice", []string{"Step 1"})
	engine, _ := newEngine(f)
	tc := testTenant()

	first := mustIssuedNonce(t, engine, uuids[0])

	failResp, err := engine.Next(ctx, tc, model.URI(uuids[0]), &model.Solution{
		Type:      model.ChallengeComment,
		Nonce:     first,
		ProofHash: model.GenesisHash,
		Comment:   &model.CommentSolution{Text: "x"}, // too short, fails min_length
	})
	require.NoError(t, err)
	require.NotNil(t, failResp.Challenge, "a non-blocked failure must hand back a usable retry challenge")
	assert.NotEqual(t, first, failResp.Challenge.Nonce, "retry nonce must differ from the exhausted one")

	retryResp, err := engine.Next(ctx, tc, model.URI(uuids[0]), &model.Solution{
		Type:      model.ChallengeComment,
		Nonce:     failResp.Challenge.Nonce,
		ProofHash: model.GenesisHash,
		Comment:   &model.CommentSolution{Text: "observed step one, in full"},
	})
	require.NoError(t, err)
	assert.True(t, retryResp.MustObey)
	assert.Empty(t, retryResp.ErrorCode, "the nonce the server handed back in the retry challenge must be the one it actually stored")
}

func TestCrossTenantIsolationMasksNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFakeStore()
	uuids := seedChain(f, "chain-a", "Private To A", "user:default:alice", []string{"Private To A", "Step 2"})
	engine, _ := newEngine(f)

	tenantB := &tenant.Context{AllowedSpaceIDs: []string{"user:default:bob"}, DefaultWriteSpaceID: "user:default:bob", AppSpaceID: "space:kairos-app"}

	_, searchResp, err := engine.Begin(ctx, tenantB, "Private To A", "", 0)
	require.NoError(t, err)
	var matchCount int
	for _, c := range searchResp.Choices {
		if c.Role == "match" {
			matchCount++
		}
	}
	assert.Equal(t, 0, matchCount)

	_, _, err = engine.Begin(ctx, tenantB, "", model.URI(uuids[0]), 0)
	require.Error(t, err)
	assert.Equal(t, kerrors.CodeNotFound, kerrors.CodeOf(err))
}

func TestAttestIsIdempotentOnChain(t *testing.T) {
	ctx := context.Background()
	f := newFakeStore()
	uuids := seedChain(f, "chain-once", "Once", "user:default:alice", []string{"Once"})
	engine, kv := newEngine(f)
	tc := testTenant()

	first, err := engine.Attest(ctx, tc, model.URI(uuids[0]), "success", "done", 0.1, "gpt-5")
	require.NoError(t, err)

	second, err := engine.Attest(ctx, tc, model.URI(uuids[0]), "success", "done again", 0.1, "gpt-5")
	require.NoError(t, err)
	assert.Equal(t, first.Totals, second.Totals)

	raw, ok, err := kv.Get(ctx, "attest:chain-once")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, raw)
}
