// Package kairosapi implements the eight protocol operations named in
// spec.md §6 (mint/begin/next/attest/update/delete/dump/search) once, as
// plain Go methods over the navigation/chain-store engines. Both wire
// surfaces (mcpserver's JSON-RPC tool calls and httpapi's REST mirror)
// call into this package rather than re-implementing the glue.
package kairosapi

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"kairos.run/chainstore"
	"kairos.run/kerrors"
	"kairos.run/model"
	"kairos.run/navigate"
	"kairos.run/pow"
	"kairos.run/render"
	"kairos.run/search"
	"kairos.run/tenant"
	"kairos.run/vectorstore"
)

// API exposes the eight protocol operations as plain methods.
type API struct {
	chain *chainstore.Store
	nav   *navigate.Engine
	pow   *pow.Engine
	log   *logrus.Logger
}

// New builds an API over already-constructed engines.
func New(chain *chainstore.Store, nav *navigate.Engine, powEngine *pow.Engine, log *logrus.Logger) *API {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &API{chain: chain, nav: nav, pow: powEngine, log: log}
}

func uuidFromURI(uri string) (string, error) {
	const prefix = "kairos://mem/"
	if !strings.HasPrefix(uri, prefix) || len(uri) == len(prefix) {
		return "", kerrors.New(kerrors.CodeInvalidURI, "uri must start with "+prefix)
	}
	return strings.TrimPrefix(uri, prefix), nil
}

// MintItem is one minted/updated step in a MintResponse.
type MintItem struct {
	URI        string `json:"uri"`
	MemoryUUID string `json:"memory_uuid"`
	StepIndex  int    `json:"step_index"`
	StepCount  int    `json:"step_count"`
}

// MintResponse is kairos_mint's result shape.
type MintResponse struct {
	Status string     `json:"status"`
	Items  []MintItem `json:"items"`
}

// Mint implements kairos_mint: parse, embed, and upsert a chain document.
func (a *API) Mint(ctx context.Context, tc *tenant.Context, markdownDoc, llmModelID string, forceUpdate bool) (*MintResponse, error) {
	if !tc.Authenticated && tc.DefaultWriteSpaceID == tenant.NoAuthSpaceID {
		return nil, kerrors.New(kerrors.CodeAuthRequired, "minting requires an authenticated identity")
	}
	steps, err := a.chain.StoreChain(ctx, tc, markdownDoc, llmModelID, forceUpdate, "")
	if err != nil {
		return nil, err
	}
	items := make([]MintItem, 0, len(steps))
	for _, s := range steps {
		items = append(items, MintItem{URI: s.URI, MemoryUUID: s.MemoryUUID, StepIndex: s.StepIndex, StepCount: s.StepCount})
	}
	return &MintResponse{Status: "minted", Items: items}, nil
}

// Begin implements kairos_begin: resolve by query (unified choice response)
// or by uri (first-step response).
func (a *API) Begin(ctx context.Context, tc *tenant.Context, query, uri string, limit int) (*navigate.StepResponse, *search.Response, error) {
	return a.nav.Begin(ctx, tc, query, uri, limit)
}

// Search implements kairos_search: always a unified choice response.
func (a *API) Search(ctx context.Context, tc *tenant.Context, query string, limit int) (*search.Response, error) {
	_, resp, err := a.nav.Begin(ctx, tc, query, "", limit)
	return resp, err
}

// Next implements kairos_next: submit a solution and advance.
func (a *API) Next(ctx context.Context, tc *tenant.Context, uri string, sol *model.Solution) (*navigate.StepResponse, error) {
	if sol == nil {
		return nil, kerrors.New(kerrors.CodeMissingSolution, "solution is required")
	}
	return a.nav.Next(ctx, tc, uri, sol)
}

// Attest implements kairos_attest.
func (a *API) Attest(ctx context.Context, tc *tenant.Context, uri, outcome, message string, qualityBonus float64, llmModelID string) (*navigate.AttestResponse, error) {
	return a.nav.Attest(ctx, tc, uri, outcome, message, qualityBonus, llmModelID)
}

// UpdateRequest is one entry of kairos_update's uris[]/markdown_doc[] pair.
type UpdateRequest struct {
	URI         string
	MarkdownDoc string
}

// UpdateResult is one entry of kairos_update's results[].
type UpdateResult struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// UpdateResponse is kairos_update's result shape.
type UpdateResponse struct {
	Results      []UpdateResult `json:"results"`
	TotalUpdated int            `json:"total_updated"`
	TotalFailed  int            `json:"total_failed"`
}

// Update implements kairos_update (§5 supplement 2): for each uri it takes
// the bytes between the BODY markers of the supplied document (or the whole
// document when it has no markers) and writes them as the step's text via
// UpdateBody. The write happens whether or not the body changed, and the
// step's vector is not recomputed.
func (a *API) Update(ctx context.Context, tc *tenant.Context, reqs []UpdateRequest) (*UpdateResponse, error) {
	resp := &UpdateResponse{Results: make([]UpdateResult, 0, len(reqs))}
	for _, r := range reqs {
		uuid, err := uuidFromURI(r.URI)
		if err != nil {
			resp.Results = append(resp.Results, UpdateResult{URI: r.URI, Status: "failed", Error: err.Error()})
			resp.TotalFailed++
			continue
		}

		body, ok := render.ExtractBody(r.MarkdownDoc)
		if !ok {
			body = r.MarkdownDoc
		}
		if err := a.chain.UpdateBody(ctx, uuid, body); err != nil {
			resp.Results = append(resp.Results, UpdateResult{URI: r.URI, Status: "failed", Error: err.Error()})
			resp.TotalFailed++
			continue
		}
		resp.Results = append(resp.Results, UpdateResult{URI: r.URI, Status: "updated"})
		resp.TotalUpdated++
	}
	return resp, nil
}

// DeleteResult is one entry of kairos_delete's results[].
type DeleteResult struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// DeleteResponse is kairos_delete's result shape.
type DeleteResponse struct {
	Results      []DeleteResult `json:"results"`
	TotalDeleted int            `json:"total_deleted"`
	TotalFailed  int            `json:"total_failed"`
}

// Delete implements kairos_delete (§5 supplement 2): removes every step of
// the addressed chain (not just the named uri) plus their proof records,
// and invalidates caches.
func (a *API) Delete(ctx context.Context, tc *tenant.Context, uris []string) (*DeleteResponse, error) {
	resp := &DeleteResponse{Results: make([]DeleteResult, 0, len(uris))}
	for _, uri := range uris {
		uuid, err := uuidFromURI(uri)
		if err != nil {
			resp.Results = append(resp.Results, DeleteResult{URI: uri, Status: "failed", Error: err.Error()})
			resp.TotalFailed++
			continue
		}

		ids := a.chainIDs(ctx, tc, uuid)
		if err := a.chain.Delete(ctx, ids); err != nil {
			resp.Results = append(resp.Results, DeleteResult{URI: uri, Status: "failed", Error: err.Error()})
			resp.TotalFailed++
			continue
		}
		for _, id := range ids {
			_ = a.pow.ClearState(ctx, id)
		}
		resp.Results = append(resp.Results, DeleteResult{URI: uri, Status: "deleted"})
		resp.TotalDeleted++
	}
	return resp, nil
}

// chainIDs resolves the full set of memory uuids belonging to uuid's chain,
// falling back to [uuid] alone for a singleton or on lookup failure so a
// delete of an unresolvable uri still attempts to remove the one point.
func (a *API) chainIDs(ctx context.Context, tc *tenant.Context, uuid string) []string {
	points, err := a.nav.Vector.Retrieve(ctx, []string{uuid}, tc.AllSpaceIDs())
	if err != nil || len(points) == 0 {
		return []string{uuid}
	}
	chain, _ := points[0].Payload["chain"].(map[string]interface{})
	chainID, _ := chain["id"].(string)
	if chainID == "" {
		return []string{uuid}
	}

	all, _, err := a.nav.Vector.Scroll(ctx, vectorstore.Filter{SpaceIDs: tc.AllSpaceIDs(), ChainID: chainID}, 256, nil)
	if err != nil || len(all) == 0 {
		return []string{uuid}
	}
	ids := make([]string, 0, len(all))
	for _, p := range all {
		ids = append(ids, p.ID)
	}
	return ids
}

// DumpResponse is kairos_dump's result shape.
type DumpResponse struct {
	MarkdownDoc string           `json:"markdown_doc"`
	URI         string           `json:"uri"`
	Label       string           `json:"label"`
	ChainLabel  string           `json:"chain_label,omitempty"`
	StepCount   int              `json:"step_count,omitempty"`
	Challenge   *model.Challenge `json:"challenge,omitempty"`
}

// Dump implements kairos_dump: re-render one step as a standalone Markdown
// document, optionally including a freshly issued challenge (replacing any
// outstanding nonce for the step) when protocol=="full" so an agent can
// resume without calling begin first.
func (a *API) Dump(ctx context.Context, tc *tenant.Context, uri, protocol string) (*DumpResponse, error) {
	uuid, err := uuidFromURI(uri)
	if err != nil {
		return nil, err
	}
	points, err := a.nav.Vector.Retrieve(ctx, []string{uuid}, tc.AllSpaceIDs())
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, kerrors.New(kerrors.CodeNotFound, "memory not found")
	}

	mem, err := navigate.PayloadToMemory(points[0])
	if err != nil {
		return nil, err
	}

	resp := &DumpResponse{
		URI:   uri,
		Label: mem.Label,
	}
	if mem.Chain != nil {
		resp.ChainLabel = mem.Chain.Label
		resp.StepCount = mem.Chain.StepCount
	}
	neighbors := a.nav.Neighbors(ctx, tc, mem)
	resp.MarkdownDoc = render.Render(mem, neighbors)

	if strings.EqualFold(protocol, "full") {
		priorHash := model.GenesisHash
		if !mem.IsHead() {
			if prevUUID, err := uuidFromURI(neighbors.PreviousURI); err == nil {
				if rec, found, _ := a.pow.GetResult(ctx, prevUUID); found && rec.Status == model.ProofSuccess {
					priorHash = rec.ProofHash
				}
			}
		}
		ch, chErr := a.pow.IssueChallenge(ctx, mem, priorHash)
		if chErr == nil {
			resp.Challenge = ch
		}
	}
	return resp, nil
}

