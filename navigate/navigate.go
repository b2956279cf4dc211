// Package navigate implements the Navigation Engine (C9): the three
// protocol-facing operations — begin, next, attest — that tie together
// chain resolution, the proof-of-work engine, search, and the renderer.
package navigate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"kairos.run/cache"
	"kairos.run/kerrors"
	"kairos.run/kvstore"
	"kairos.run/model"
	"kairos.run/pow"
	"kairos.run/render"
	"kairos.run/search"
	"kairos.run/tenant"
	"kairos.run/vectorstore"
)

// VectorStore is the subset of *vectorstore.Gateway navigate needs to
// resolve a memory, walk its chain neighbors, and patch its payload.
type VectorStore interface {
	Retrieve(ctx context.Context, ids []string, spaceIDs []string) ([]vectorstore.Point, error)
	Scroll(ctx context.Context, f vectorstore.Filter, limit int, cursor *string) ([]vectorstore.Point, *string, error)
	UpdatePayload(ctx context.Context, id string, patch map[string]interface{}) error
}

// Engine implements begin/next/attest over its collaborators.
type Engine struct {
	Vector VectorStore
	POW    *pow.Engine
	Cache  *cache.Layer
	Search *search.Engine
	Store  kvstore.Store
}

// New builds a navigation Engine.
func New(v VectorStore, p *pow.Engine, c *cache.Layer, s *search.Engine, store kvstore.Store) *Engine {
	return &Engine{Vector: v, POW: p, Cache: c, Search: s, Store: store}
}

// StepView is the rendered content of a step as returned to the agent.
type StepView struct {
	URI      string `json:"uri"`
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
}

// StepResponse is the shape returned by begin(uri) and next (§6).
type StepResponse struct {
	MustObey    bool             `json:"must_obey"`
	CurrentStep *StepView        `json:"current_step,omitempty"`
	Challenge   *model.Challenge `json:"challenge,omitempty"`
	NextAction  string           `json:"next_action"`
	ProofHash   string           `json:"proof_hash,omitempty"`
	Message     string           `json:"message,omitempty"`
	ErrorCode   kerrors.Code     `json:"error_code,omitempty"`
	RetryCount  int              `json:"retry_count,omitempty"`
}

// uriPrefix matches the wire scheme used throughout (§6, "URI scheme").
const uriPrefix = "kairos://mem/"

func uuidFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, uriPrefix) {
		return "", kerrors.New(kerrors.CodeInvalidURI, "uri must start with "+uriPrefix)
	}
	id := strings.TrimPrefix(uri, uriPrefix)
	if id == "" {
		return "", kerrors.New(kerrors.CodeInvalidURI, "uri has no uuid component")
	}
	return id, nil
}

// loadMemory resolves uuid within the caller's tenant scope, checking the
// memory cache first. A memory belonging to another tenant's space is
// indistinguishable from one that does not exist (§8 invariant: cross-
// tenant isolation masks NOT_FOUND rather than leaking FORBIDDEN_SCOPE).
func (e *Engine) loadMemory(ctx context.Context, tc *tenant.Context, uuid string) (*model.Memory, error) {
	if mem, ok := e.Cache.GetMemory(ctx, uuid); ok {
		for _, sid := range tc.AllSpaceIDs() {
			if sid == mem.SpaceID {
				return mem, nil
			}
		}
	}

	points, err := e.Vector.Retrieve(ctx, []string{uuid}, tc.AllSpaceIDs())
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, kerrors.New(kerrors.CodeNotFound, "memory not found")
	}

	mem, err := payloadToMemory(points[0])
	if err != nil {
		return nil, err
	}
	e.Cache.PutMemory(ctx, mem)
	return mem, nil
}

// PayloadToMemory reconstitutes a typed Memory from a raw vector store
// payload, exported so other packages (kairosapi's dump) can do the same
// conversion without duplicating the JSON round-trip.
func PayloadToMemory(p vectorstore.Point) (*model.Memory, error) {
	return payloadToMemory(p)
}

func payloadToMemory(p vectorstore.Point) (*model.Memory, error) {
	raw, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.CodeStoreUnavailable, "marshal payload", err)
	}
	var mem model.Memory
	if err := json.Unmarshal(raw, &mem); err != nil {
		return nil, kerrors.Wrap(kerrors.CodeStoreUnavailable, "unmarshal payload", err)
	}
	mem.UUID = p.ID
	return &mem, nil
}

// stepAt resolves the step at stepIndex within chainID, space-scoped.
func (e *Engine) stepAt(ctx context.Context, tc *tenant.Context, chainID string, stepIndex int) (*model.Memory, bool, error) {
	points, _, err := e.Vector.Scroll(ctx, vectorstore.Filter{SpaceIDs: tc.AllSpaceIDs(), ChainID: chainID}, 256, nil)
	if err != nil {
		return nil, false, err
	}
	for _, p := range points {
		mem, err := payloadToMemory(p)
		if err != nil {
			continue
		}
		if mem.Chain != nil && mem.Chain.StepIndex == stepIndex {
			return mem, true, nil
		}
	}
	return nil, false, nil
}

// Neighbors resolves the first/previous/next step URIs for mem, the same
// way renderStep does, so callers outside this package (kairosapi's Dump)
// can render a step through render.Render without duplicating chain
// traversal logic.
func (e *Engine) Neighbors(ctx context.Context, tc *tenant.Context, mem *model.Memory) render.Neighbors {
	var n render.Neighbors
	if mem.Chain == nil {
		return n
	}

	if mem.Chain.StepIndex == 1 {
		n.FirstURI = model.URI(mem.UUID)
	} else if first, ok, _ := e.stepAt(ctx, tc, mem.Chain.ID, 1); ok {
		n.FirstURI = model.URI(first.UUID)
	}
	if prev, ok, _ := e.stepAt(ctx, tc, mem.Chain.ID, mem.Chain.StepIndex-1); ok {
		n.PreviousURI = model.URI(prev.UUID)
	}
	if next, ok, _ := e.stepAt(ctx, tc, mem.Chain.ID, mem.Chain.StepIndex+1); ok {
		n.NextURI = model.URI(next.UUID)
	}
	return n
}

func (e *Engine) renderStep(ctx context.Context, tc *tenant.Context, mem *model.Memory) *StepView {
	content := render.Render(mem, e.Neighbors(ctx, tc, mem))
	return &StepView{URI: model.URI(mem.UUID), Content: content, MimeType: "text/markdown"}
}

// Begin implements begin(query | uri). Exactly one of query/uri should be
// non-empty; uri takes precedence if both are supplied.
func (e *Engine) Begin(ctx context.Context, tc *tenant.Context, query, uri string, limit int) (*StepResponse, *search.Response, error) {
	if uri != "" {
		step, err := e.resolveEntryStep(ctx, tc, uri)
		if err != nil {
			return nil, nil, err
		}

		priorHash := model.GenesisHash
		if !step.IsHead() {
			if prev, ok, _ := e.stepAt(ctx, tc, step.Chain.ID, step.Chain.StepIndex-1); ok {
				if rec, found, _ := e.POW.GetResult(ctx, prev.UUID); found && rec.Status == model.ProofSuccess {
					priorHash = rec.ProofHash
				}
			}
		}

		challenge, err := e.POW.IssueChallenge(ctx, step, priorHash)
		if err != nil {
			return nil, nil, err
		}

		return &StepResponse{
			MustObey:    true,
			CurrentStep: e.renderStep(ctx, tc, step),
			Challenge:   challenge,
			NextAction:  fmt.Sprintf("call kairos_next with {uri: %q, solution}", model.URI(step.UUID)),
		}, nil, nil
	}

	opts := search.DefaultOptions()
	if limit > 0 {
		opts.Limit = limit
	}
	resp, err := e.Search.Search(ctx, tc, query, opts)
	if err != nil {
		return nil, nil, err
	}
	return nil, resp, nil
}

// resolveEntryStep loads the step named by uri and, if it is mid-chain,
// walks back to the chain's first step (§4.9).
func (e *Engine) resolveEntryStep(ctx context.Context, tc *tenant.Context, uri string) (*model.Memory, error) {
	uuid, err := uuidFromURI(uri)
	if err != nil {
		return nil, err
	}
	mem, err := e.loadMemory(ctx, tc, uuid)
	if err != nil {
		return nil, err
	}
	if mem.IsHead() {
		return mem, nil
	}
	first, ok, err := e.stepAt(ctx, tc, mem.Chain.ID, 1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return mem, nil
	}
	return first, nil
}

// Next implements next(uri, solution): validate the submission against the
// chain's ordering guarantee and C8, then advance or report retry/block.
func (e *Engine) Next(ctx context.Context, tc *tenant.Context, uri string, sol *model.Solution) (*StepResponse, error) {
	uuid, err := uuidFromURI(uri)
	if err != nil {
		return nil, err
	}
	mem, err := e.loadMemory(ctx, tc, uuid)
	if err != nil {
		return nil, err
	}

	priorHash := model.GenesisHash
	if !mem.IsHead() {
		prev, ok, err := e.stepAt(ctx, tc, mem.Chain.ID, mem.Chain.StepIndex-1)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, kerrors.New(kerrors.CodeNotFound, "previous step not found")
		}
		rec, found, err := e.POW.GetResult(ctx, prev.UUID)
		if err != nil {
			return nil, err
		}
		if !found || rec.Status != model.ProofSuccess {
			return &StepResponse{
				MustObey:    false,
				CurrentStep: e.renderStep(ctx, tc, mem),
				ErrorCode:   kerrors.CodePreviousProofMissing,
				Message:     fmt.Sprintf("step %d of this chain has not been completed yet; solve it before advancing", mem.Chain.StepIndex-1),
				NextAction:  fmt.Sprintf("call kairos_next with {uri: %q, solution} first", model.URI(prev.UUID)),
			}, nil
		}
		priorHash = rec.ProofHash
	}

	result, err := e.POW.Submit(ctx, mem, priorHash, sol)
	if err != nil {
		return nil, err
	}

	if !result.Success {
		resp := &StepResponse{
			MustObey:    result.MustObey,
			CurrentStep: e.renderStep(ctx, tc, mem),
			ErrorCode:   result.ErrorCode,
			Message:     result.Message,
			RetryCount:  result.RetryCount,
		}
		if result.Blocked {
			resp.NextAction = "stop: maximum retries exceeded, human intervention required"
			return resp, nil
		}
		resp.Challenge = pow.RetryChallenge(mem, priorHash, result.FreshNonce)
		resp.NextAction = fmt.Sprintf("call kairos_next with {uri: %q, solution}", model.URI(mem.UUID))
		return resp, nil
	}

	if mem.Chain == nil || mem.IsLast() {
		return &StepResponse{
			MustObey:    true,
			CurrentStep: e.renderStep(ctx, tc, mem),
			ProofHash:   result.NewProofHash,
			NextAction:  fmt.Sprintf("call kairos_attest with {uri: %q, outcome, message}", model.URI(mem.UUID)),
		}, nil
	}

	next, ok, err := e.stepAt(ctx, tc, mem.Chain.ID, mem.Chain.StepIndex+1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &StepResponse{
			MustObey:    true,
			CurrentStep: e.renderStep(ctx, tc, mem),
			ProofHash:   result.NewProofHash,
			NextAction:  fmt.Sprintf("call kairos_attest with {uri: %q, outcome, message}", model.URI(mem.UUID)),
		}, nil
	}

	nextChallenge, err := e.POW.IssueChallenge(ctx, next, result.NewProofHash)
	if err != nil {
		return nil, err
	}

	return &StepResponse{
		MustObey:    true,
		CurrentStep: e.renderStep(ctx, tc, next),
		Challenge:   nextChallenge,
		ProofHash:   result.NewProofHash,
		NextAction:  fmt.Sprintf("call kairos_next with {uri: %q, solution}", model.URI(next.UUID)),
	}, nil
}

// AttestResult is one line item of an attest response's results list.
type AttestResult struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
}

// AttestResponse is the shape returned by attest (§6).
type AttestResponse struct {
	Results []AttestResult  `json:"results"`
	Totals  map[string]int64 `json:"totals"`
}

func attestKey(scope string) string { return "attest:" + scope }

// Attest implements attest(uri, outcome, message, ...): finalize the chain,
// write quality metadata onto the last step, bump aggregate counters, and
// publish a completion event. Idempotent on (space, chain.id) (§4.9).
func (e *Engine) Attest(ctx context.Context, tc *tenant.Context, uri, outcome, message string, qualityBonus float64, llmModelID string) (*AttestResponse, error) {
	uuid, err := uuidFromURI(uri)
	if err != nil {
		return nil, err
	}
	mem, err := e.loadMemory(ctx, tc, uuid)
	if err != nil {
		return nil, err
	}

	scope := mem.UUID
	if mem.Chain != nil {
		scope = mem.Chain.ID
	}
	key := attestKey(scope)

	if raw, ok, _ := e.Store.Get(ctx, key); ok {
		var cached AttestResponse
		if json.Unmarshal(raw, &cached) == nil {
			return &cached, nil
		}
	}

	score := clamp01(0.8 + qualityBonus)
	quality := &model.QualityMeta{
		Score:       score,
		Tier:        tierOf(score),
		Attribution: llmModelID,
		RecordedAt:  time.Now(),
	}
	if err := e.Vector.UpdatePayload(ctx, mem.UUID, map[string]interface{}{"quality": quality}); err != nil {
		return nil, err
	}
	e.Cache.InvalidateWrite(ctx, mem.UUID)

	statKey := "stats:" + llmModelID
	total, err := e.Store.Incr(ctx, statKey+":"+outcome)
	if err != nil {
		return nil, err
	}

	resp := &AttestResponse{
		Results: []AttestResult{{URI: uri, Status: "success"}},
		Totals:  map[string]int64{outcome: total},
	}

	raw, err := json.Marshal(resp)
	if err == nil {
		_ = e.Store.Set(ctx, key, raw, 0)
	}
	_ = e.Store.Publish(ctx, "chain:completed", []byte(fmt.Sprintf(`{"chain_id":%q,"outcome":%q,"message":%q}`, scope, outcome, message)))

	return resp, nil
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func tierOf(score float64) string {
	switch {
	case score >= 0.9:
		return "gold"
	case score >= 0.6:
		return "silver"
	default:
		return "bronze"
	}
}
