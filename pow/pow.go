// Package pow implements the Proof-of-Work Engine (C8): per-step challenge
// issuance, submission validation, the nonce-as-optimistic-lock ordering
// guarantee, and two-phase retry escalation.
package pow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"kairos.run/kerrors"
	"kairos.run/kvstore"
	"kairos.run/model"
)

const challengeTTL = 6 * time.Hour

// Engine stores and validates proof-of-work state in a tenant-namespaced
// kvstore.Store.
type Engine struct {
	store kvstore.Store
}

// New builds an Engine over an already space-namespaced store.
func New(store kvstore.Store) *Engine {
	return &Engine{store: store}
}

func resultKey(uuid string) string { return "pow:result:" + uuid }
func hashKey(uuid string) string   { return "pow:hash:" + uuid }
func nonceKey(uuid string) string  { return "pow:nonce:" + uuid }
func retryKey(uuid string) string  { return "pow:retry:" + uuid }

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// IssueChallenge mints a fresh challenge for a step, invalidating any
// outstanding nonce for it (§5, "issuing a new nonce invalidates all
// outstanding nonces for that step"). priorHash is GenesisHash for step 1,
// or the stored success hash of the previous step otherwise.
func (e *Engine) IssueChallenge(ctx context.Context, mem *model.Memory, priorHash string) (*model.Challenge, error) {
	def := mem.ProofOfWork
	if def == nil {
		def = model.DefaultProofOfWork()
	}

	nonce := newNonce()
	state := model.ChallengeState{MemoryUUID: mem.UUID, Nonce: nonce, IssuedAt: time.Now()}
	if err := e.putState(ctx, mem.UUID, &state); err != nil {
		return nil, err
	}

	return &model.Challenge{
		Type:        def.Type,
		Description: describeChallenge(def),
		Nonce:       nonce,
		ProofHash:   priorHash,
		Shell:       def.Shell,
		MCP:         def.MCP,
		UserInput:   def.UserInput,
		Comment:     def.Comment,
	}, nil
}

// RetryChallenge rebuilds the wire-shaped Challenge for a retry response
// around a nonce that fail() already minted and persisted, so callers never
// need to call IssueChallenge a second time (which would overwrite that
// state with yet another nonce).
func RetryChallenge(mem *model.Memory, priorHash, nonce string) *model.Challenge {
	def := mem.ProofOfWork
	if def == nil {
		def = model.DefaultProofOfWork()
	}
	return &model.Challenge{
		Type:        def.Type,
		Description: describeChallenge(def),
		Nonce:       nonce,
		ProofHash:   priorHash,
		Shell:       def.Shell,
		MCP:         def.MCP,
		UserInput:   def.UserInput,
		Comment:     def.Comment,
	}
}

func describeChallenge(def *model.ProofOfWork) string {
	switch def.Type {
	case model.ChallengeShell:
		if def.Shell != nil {
			return fmt.Sprintf("Run `%s` and report exit code 0.", def.Shell.Cmd)
		}
	case model.ChallengeMCP:
		if def.MCP != nil {
			return fmt.Sprintf("Call MCP tool %q and report success.", def.MCP.ToolName)
		}
	case model.ChallengeUserInput:
		if def.UserInput != nil && def.UserInput.Prompt != "" {
			return def.UserInput.Prompt
		}
		return "Obtain user confirmation."
	case model.ChallengeComment:
		return "Describe what you observed."
	}
	return "Complete the required action."
}

func (e *Engine) putState(ctx context.Context, uuid string, state *model.ChallengeState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, nonceKey(uuid), raw, challengeTTL)
}

func (e *Engine) getState(ctx context.Context, uuid string) (*model.ChallengeState, bool, error) {
	raw, ok, err := e.store.Get(ctx, nonceKey(uuid))
	if err != nil || !ok {
		return nil, false, err
	}
	var state model.ChallengeState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, false, nil
	}
	return &state, true, nil
}

// Result describes the outcome of Submit.
type Result struct {
	Success       bool
	NewProofHash  string
	ErrorCode     kerrors.Code
	Message       string
	RetryCount    int
	MustObey      bool
	FreshNonce    string
	Blocked       bool
}

// PriorProofSuccess reports whether the previous step in a chain has a
// stored success proof matching expectedHash, implementing the ordering
// guarantee in §4.8 ("next refuses to advance if the previous step's proof
// record is missing or not success").
func (e *Engine) PriorProofSuccess(ctx context.Context, priorUUID, expectedHash string) (bool, error) {
	if priorUUID == "" {
		// Step 1 has no predecessor; GENESIS_HASH is trivially satisfied.
		return expectedHash == model.GenesisHash, nil
	}
	rec, ok, err := e.GetResult(ctx, priorUUID)
	if err != nil {
		return false, err
	}
	if !ok || rec.Status != model.ProofSuccess {
		return false, nil
	}
	return rec.ProofHash == expectedHash, nil
}

// Submit validates a solution against the outstanding challenge for
// memory, implementing the ordered checks of §4.8 and the two-phase retry
// escalation of §8.
func (e *Engine) Submit(ctx context.Context, mem *model.Memory, priorHash string, sol *model.Solution) (*Result, error) {
	def := mem.ProofOfWork
	if def == nil {
		def = model.DefaultProofOfWork()
	}

	if sol == nil {
		return e.fail(ctx, mem.UUID, kerrors.CodeMissingSolution, "no solution submitted")
	}
	if sol.Type != def.Type {
		return e.fail(ctx, mem.UUID, kerrors.CodeTypeMismatch, fmt.Sprintf("expected %s, got %s", def.Type, sol.Type))
	}

	state, ok, err := e.getState(ctx, mem.UUID)
	if err != nil {
		return nil, err
	}
	if !ok || state.Nonce != sol.Nonce {
		return e.fail(ctx, mem.UUID, kerrors.CodeNonceMismatch, "nonce does not match the outstanding challenge")
	}

	if sol.ProofHash != priorHash {
		return e.fail(ctx, mem.UUID, kerrors.CodeProofHashMismatch, "proof_hash does not match the expected prior hash")
	}

	if code, msg, ok := validateTypeSpecific(def, sol); !ok {
		return e.fail(ctx, mem.UUID, code, msg)
	}

	newHash := model.ComputeProofHash(mem.UUID, sol.Nonce, priorHash, sol)
	rec := model.ProofRecord{
		MemoryUUID:  mem.UUID,
		ProofHash:   newHash,
		Status:      model.ProofSuccess,
		NonceUsed:   sol.Nonce,
		SubmittedAt: time.Now(),
	}
	if err := e.putResult(ctx, &rec); err != nil {
		return nil, err
	}
	_ = e.store.Delete(ctx, nonceKey(mem.UUID))
	_ = e.store.Delete(ctx, retryKey(mem.UUID))

	return &Result{Success: true, NewProofHash: newHash, MustObey: true}, nil
}

func validateTypeSpecific(def *model.ProofOfWork, sol *model.Solution) (kerrors.Code, string, bool) {
	switch def.Type {
	case model.ChallengeShell:
		if sol.Shell == nil {
			return kerrors.CodeMissingSolution, "missing shell solution", false
		}
		if sol.Shell.ExitCode != 0 {
			return kerrors.CodeShellNonzero, "shell command exited non-zero", false
		}
		timeout := 0
		if def.Shell != nil {
			timeout = def.Shell.TimeoutSeconds
		}
		if timeout > 0 && sol.Shell.DurationSeconds > float64(timeout) {
			return kerrors.CodeShellNonzero, "shell command exceeded timeout", false
		}
		return "", "", true
	case model.ChallengeMCP:
		if sol.MCP == nil || !sol.MCP.Success {
			return kerrors.CodeMCPFailed, "mcp tool call did not report success", false
		}
		if def.MCP != nil && def.MCP.ToolName != "" && sol.MCP.ToolName != def.MCP.ToolName {
			return kerrors.CodeMCPFailed, "mcp tool_name does not match the challenge", false
		}
		return "", "", true
	case model.ChallengeUserInput:
		if sol.UserInput == nil || sol.UserInput.Confirmation == "" {
			return kerrors.CodeMissingSolution, "missing user confirmation", false
		}
		return "", "", true
	case model.ChallengeComment:
		minLen := model.DefaultCommentMinLength
		if def.Comment != nil && def.Comment.MinLength > 0 {
			minLen = def.Comment.MinLength
		}
		if sol.Comment == nil || len(sol.Comment.Text) < minLen {
			return kerrors.CodeCommentTooShort, fmt.Sprintf("comment must be at least %d characters", minLen), false
		}
		return "", "", true
	}
	return kerrors.CodeTypeMismatch, "unknown challenge type", false
}

// fail implements the two-phase retry escalation: first failure issues a
// fresh nonce and asks the agent to retry (must_obey still true); the
// second consecutive failure blocks the protocol.
func (e *Engine) fail(ctx context.Context, uuid string, code kerrors.Code, msg string) (*Result, error) {
	retries, err := e.bumpRetry(ctx, uuid)
	if err != nil {
		return nil, err
	}

	rec := model.ProofRecord{MemoryUUID: uuid, Status: model.ProofFailure, SubmittedAt: time.Now(), RetryCount: retries}
	_ = e.putResult(ctx, &rec)

	if retries >= 2 {
		return &Result{
			Success:    false,
			ErrorCode:  kerrors.CodeMaxRetriesExceeded,
			Message:    "maximum retries exceeded; human intervention required",
			RetryCount: retries,
			MustObey:   false,
			Blocked:    true,
		}, nil
	}

	fresh := newNonce()
	state := model.ChallengeState{MemoryUUID: uuid, Nonce: fresh, IssuedAt: time.Now(), RetryCount: retries, LastFailure: string(code)}
	if err := e.putState(ctx, uuid, &state); err != nil {
		return nil, err
	}

	return &Result{
		Success:    false,
		ErrorCode:  code,
		Message:    msg,
		RetryCount: retries,
		MustObey:   true,
		FreshNonce: fresh,
	}, nil
}

func (e *Engine) bumpRetry(ctx context.Context, uuid string) (int, error) {
	n, err := e.store.Incr(ctx, retryKey(uuid))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (e *Engine) putResult(ctx context.Context, rec *model.ProofRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := e.store.Set(ctx, resultKey(rec.MemoryUUID), raw, 0); err != nil {
		return err
	}
	if rec.Status == model.ProofSuccess {
		return e.store.Set(ctx, hashKey(rec.MemoryUUID), []byte(rec.ProofHash), 0)
	}
	return nil
}

// ClearState removes every proof-of-work key for a memory (result, success
// hash, outstanding nonce, retry counter), used when a chain is deleted.
func (e *Engine) ClearState(ctx context.Context, uuid string) error {
	_ = e.store.Delete(ctx, resultKey(uuid))
	_ = e.store.Delete(ctx, hashKey(uuid))
	_ = e.store.Delete(ctx, nonceKey(uuid))
	_ = e.store.Delete(ctx, retryKey(uuid))
	return nil
}

// GetResult returns the stored proof record for a memory, if any.
func (e *Engine) GetResult(ctx context.Context, uuid string) (*model.ProofRecord, bool, error) {
	raw, ok, err := e.store.Get(ctx, resultKey(uuid))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec model.ProofRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, nil
	}
	return &rec, true, nil
}
