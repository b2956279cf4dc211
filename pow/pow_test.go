package pow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kairos.run/kerrors"
	"kairos.run/kvstore"
	"kairos.run/model"
)

func step1() *model.Memory {
	return &model.Memory{
		UUID: "step-1",
		ProofOfWork: &model.ProofOfWork{
			Type:     model.ChallengeComment,
			Required: true,
			Comment:  &model.CommentChallenge{MinLength: 5},
		},
	}
}

func TestIssueThenSubmitSucceeds(t *testing.T) {
	ctx := context.Background()
	engine := New(kvstore.NewMemoryStore())
	mem := step1()

	challenge, err := engine.IssueChallenge(ctx, mem, model.GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, model.GenesisHash, challenge.ProofHash)

	sol := &model.Solution{
		Type:      model.ChallengeComment,
		Nonce:     challenge.Nonce,
		ProofHash: model.GenesisHash,
		Comment:   &model.CommentSolution{Text: "observed A"},
	}
	result, err := engine.Submit(ctx, mem, model.GenesisHash, sol)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.NewProofHash)

	rec, ok, err := engine.GetResult(ctx, mem.UUID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.ProofSuccess, rec.Status)
}

func TestNonceReplayThenMaxRetries(t *testing.T) {
	ctx := context.Background()
	engine := New(kvstore.NewMemoryStore())
	mem := step1()

	challenge, err := engine.IssueChallenge(ctx, mem, model.GenesisHash)
	require.NoError(t, err)

	sol := &model.Solution{
		Type:      model.ChallengeComment,
		Nonce:     challenge.Nonce,
		ProofHash: model.GenesisHash,
		Comment:   &model.CommentSolution{Text: "observed A"},
	}
	result, err := engine.Submit(ctx, mem, model.GenesisHash, sol)
	require.NoError(t, err)
	require.True(t, result.Success)

	// Replay the now-consumed nonce.
	replay, err := engine.Submit(ctx, mem, model.GenesisHash, sol)
	require.NoError(t, err)
	assert.False(t, replay.Success)
	assert.Equal(t, kerrors.CodeNonceMismatch, replay.ErrorCode)
	assert.Equal(t, 1, replay.RetryCount)
	assert.True(t, replay.MustObey)

	// Second consecutive failure blocks the protocol.
	replay2, err := engine.Submit(ctx, mem, model.GenesisHash, sol)
	require.NoError(t, err)
	assert.False(t, replay2.Success)
	assert.Equal(t, kerrors.CodeMaxRetriesExceeded, replay2.ErrorCode)
	assert.False(t, replay2.MustObey)
	assert.True(t, replay2.Blocked)
}

func TestWrongTypeIsRejected(t *testing.T) {
	ctx := context.Background()
	engine := New(kvstore.NewMemoryStore())
	mem := step1()

	challenge, err := engine.IssueChallenge(ctx, mem, model.GenesisHash)
	require.NoError(t, err)

	sol := &model.Solution{Type: model.ChallengeShell, Nonce: challenge.Nonce, ProofHash: model.GenesisHash}
	result, err := engine.Submit(ctx, mem, model.GenesisHash, sol)
	require.NoError(t, err)
	assert.Equal(t, kerrors.CodeTypeMismatch, result.ErrorCode)
}

func TestCommentTooShortIsRejected(t *testing.T) {
	ctx := context.Background()
	engine := New(kvstore.NewMemoryStore())
	mem := step1()

	challenge, err := engine.IssueChallenge(ctx, mem, model.GenesisHash)
	require.NoError(t, err)

	sol := &model.Solution{
		Type:      model.ChallengeComment,
		Nonce:     challenge.Nonce,
		ProofHash: model.GenesisHash,
		Comment:   &model.CommentSolution{Text: "hi"},
	}
	result, err := engine.Submit(ctx, mem, model.GenesisHash, sol)
	require.NoError(t, err)
	assert.Equal(t, kerrors.CodeCommentTooShort, result.ErrorCode)
}

func TestPriorProofSuccessGenesisForStepOne(t *testing.T) {
	ctx := context.Background()
	engine := New(kvstore.NewMemoryStore())

	ok, err := engine.PriorProofSuccess(ctx, "", model.GenesisHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPriorProofSuccessFailsWhenPriorMissing(t *testing.T) {
	ctx := context.Background()
	engine := New(kvstore.NewMemoryStore())

	ok, err := engine.PriorProofSuccess(ctx, "step-0", "some-hash")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProofHashChainsBetweenSteps(t *testing.T) {
	ctx := context.Background()
	engine := New(kvstore.NewMemoryStore())
	mem1 := step1()

	challenge1, err := engine.IssueChallenge(ctx, mem1, model.GenesisHash)
	require.NoError(t, err)
	sol1 := &model.Solution{Type: model.ChallengeComment, Nonce: challenge1.Nonce, ProofHash: model.GenesisHash, Comment: &model.CommentSolution{Text: "observed A"}}
	result1, err := engine.Submit(ctx, mem1, model.GenesisHash, sol1)
	require.NoError(t, err)

	ok, err := engine.PriorProofSuccess(ctx, mem1.UUID, result1.NewProofHash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.PriorProofSuccess(ctx, mem1.UUID, "wrong-hash")
	require.NoError(t, err)
	assert.False(t, ok)
}
