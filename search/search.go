// Package search implements Search & Ranking (C10): embed the query,
// fetch raw vector hits, adjust scores with deterministic textual signals,
// collapse chains to their head step, and assemble the unified
// match/refine/create choice list.
package search

import (
	"context"
	"sort"
	"strings"

	"kairos.run/cache"
	"kairos.run/embedding"
	"kairos.run/model"
	"kairos.run/tenant"
	"kairos.run/vectorstore"
)

const (
	perfectScore = 1.0
	overfetchFactor = 3
)

// Choice is one entry in the unified choice list.
type Choice struct {
	URI        string   `json:"uri"`
	Label      string   `json:"label"`
	ChainLabel string   `json:"chain_label,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	Role       string   `json:"role"`
	Tags       []string `json:"tags,omitempty"`
	NextAction string   `json:"next_action,omitempty"`
}

// Response is the unified choice response shape from §6.
type Response struct {
	MustObey   bool     `json:"must_obey"`
	Message    string   `json:"message"`
	NextAction string   `json:"next_action"`
	Choices    []Choice `json:"choices"`
}

// Options configures a search call.
type Options struct {
	Limit          int
	Domain         string
	CrossDomain    bool
	CollapseChains bool
	MinRelevance   float64
}

// DefaultOptions returns the spec's stated defaults.
func DefaultOptions() Options {
	return Options{Limit: 10, CollapseChains: true, MinRelevance: 0.3}
}

// VectorSearcher is the subset of *vectorstore.Gateway that search needs.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, f vectorstore.Filter, limit int) ([]vectorstore.SearchHit, error)
}

// Engine implements smart_search.
type Engine struct {
	Vector VectorSearcher
	Embed  embedding.Client
	Cache  *cache.Layer
}

// New builds a search Engine.
func New(v VectorSearcher, e embedding.Client, c *cache.Layer) *Engine {
	return &Engine{Vector: v, Embed: e, Cache: c}
}

// crossDomains is the small fixed set probed when cross_domain=true and no
// domain is fixed (§4.10 step 7).
var crossDomains = []string{"coding", "infra", "docs"}

// Search runs smart_search for query in the caller's tenant scope.
func (e *Engine) Search(ctx context.Context, tc *tenant.Context, query string, opts Options) (*Response, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	normalized := normalizeQuery(query)
	var cached Response
	if e.Cache.GetSearch(ctx, opts.CollapseChains, normalized, opts.Limit, &cached) {
		return &cached, nil
	}

	var hits []scoredHit
	if strings.TrimSpace(query) != "" {
		vecs, err := e.Embed.Embed([]string{query})
		if err != nil {
			return nil, err
		}

		domains := []string{opts.Domain}
		if opts.Domain == "" && opts.CrossDomain {
			domains = crossDomains
		}
		for _, d := range domains {
			h, err := e.searchOneDomain(ctx, tc, query, vecs[0], d, opts, d != opts.Domain && opts.CrossDomain)
			if err != nil {
				return nil, err
			}
			hits = append(hits, h...)
		}
	}

	if opts.CollapseChains {
		hits = collapseChains(hits)
	}

	resp := assembleChoices(hits, opts.MinRelevance, tc.AppSpaceID)
	e.Cache.PutSearch(ctx, opts.CollapseChains, normalized, opts.Limit, resp)
	return resp, nil
}

type scoredHit struct {
	vectorstore.SearchHit
	crossDomainLabel string
}

func (e *Engine) searchOneDomain(ctx context.Context, tc *tenant.Context, query string, vec []float64, domain string, opts Options, annotateCrossDomain bool) ([]scoredHit, error) {
	f := vectorstore.Filter{SpaceIDs: tc.AllSpaceIDs(), Domain: domain}
	vec32 := make([]float32, len(vec))
	for i, v := range vec {
		vec32[i] = float32(v)
	}

	raw, err := e.Vector.Search(ctx, vec32, f, opts.Limit*overfetchFactor)
	if err != nil {
		return nil, err
	}

	out := make([]scoredHit, 0, len(raw))
	for _, h := range raw {
		h.Score = adjustScore(h, query)
		label := ""
		if annotateCrossDomain {
			label = "Cross-domain: " + domain
		}
		out = append(out, scoredHit{SearchHit: h, crossDomainLabel: label})
	}
	return out, nil
}

// adjustScore augments the base vector score with deterministic textual
// signals per §4.10 step 3: an exact label match is a perfect match;
// substring/tag/body matches earn graded bonuses clamped below 1.0.
func adjustScore(h vectorstore.SearchHit, query string) float32 {
	score := h.Score
	q := normalizeQuery(query)
	if q == "" {
		return clampScore(score)
	}

	label, _ := h.Payload["label"].(string)
	text, _ := h.Payload["text"].(string)
	normLabel := normalizeQuery(label)

	if normLabel == q {
		return perfectScore
	}
	if strings.Contains(normLabel, q) {
		score = bump(score, 0.3)
	}
	if tagsContain(h.Payload["tags"], q) {
		score = bump(score, 0.2)
	}
	if strings.Contains(normalizeQuery(text), q) {
		score = bump(score, 0.1)
	}
	return clampScore(score)
}

func bump(score float32, by float32) float32 {
	return score + by
}

func clampScore(score float32) float32 {
	if score >= perfectScore {
		return 0.99
	}
	if score < 0 {
		return 0
	}
	return score
}

func tagsContain(raw interface{}, q string) bool {
	tags, ok := raw.([]interface{})
	if !ok {
		return false
	}
	for _, t := range tags {
		if s, ok := t.(string); ok && strings.Contains(normalizeQuery(s), q) {
			return true
		}
	}
	return false
}

// collapseChains keeps only the head step of each chain, promoting the
// lowest-indexed hit if the head itself is not present (§4.10 step 4).
func collapseChains(hits []scoredHit) []scoredHit {
	byChain := make(map[string][]scoredHit)
	var singles []scoredHit

	for _, h := range hits {
		chain, ok := h.Payload["chain"].(map[string]interface{})
		if !ok {
			singles = append(singles, h)
			continue
		}
		id, _ := chain["id"].(string)
		byChain[id] = append(byChain[id], h)
	}

	out := append([]scoredHit{}, singles...)
	for _, group := range byChain {
		sort.Slice(group, func(i, j int) bool {
			return stepIndex(group[i]) < stepIndex(group[j])
		})
		out = append(out, group[0])
	}
	return out
}

func stepIndex(h scoredHit) int {
	chain, _ := h.Payload["chain"].(map[string]interface{})
	switch v := chain["step_index"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 1
}

// assembleChoices builds the role-tagged unified list per §4.10 steps 5-6.
func assembleChoices(hits []scoredHit, minRelevance float64, appSpaceID string) *Response {
	var choices []Choice
	var perfectCount int

	for _, h := range hits {
		score := float64(h.Score)
		if score < minRelevance {
			continue
		}
		label, _ := h.Payload["label"].(string)
		chainLabel := ""
		if chain, ok := h.Payload["chain"].(map[string]interface{}); ok {
			chainLabel, _ = chain["label"].(string)
		}
		if score >= perfectScore {
			perfectCount++
		}
		displayLabel := label
		if h.crossDomainLabel != "" {
			displayLabel = h.crossDomainLabel + " — " + label
		}

		s := score
		choices = append(choices, Choice{
			URI:        model.URI(h.ID),
			Label:      displayLabel,
			ChainLabel: chainLabel,
			Score:      &s,
			Role:       "match",
			NextAction: "call kairos_begin with {uri: \"" + model.URI(h.ID) + "\"}",
		})
	}

	hasMatches := len(choices) > 0
	choices = append(choices, Choice{
		URI:        model.URI(model.ReservedRefineUUID),
		Label:      "Get help refining your search",
		Role:       "refine",
		NextAction: "call kairos_begin with {uri: \"" + model.URI(model.ReservedRefineUUID) + "\"}",
	})
	choices = append(choices, Choice{
		URI:        model.URI(model.ReservedCreateUUID),
		Label:      "Create a new protocol",
		Role:       "create",
		NextAction: "call kairos_begin with {uri: \"" + model.URI(model.ReservedCreateUUID) + "\"}",
	})

	resp := &Response{MustObey: true, Choices: choices}
	switch {
	case perfectCount == 1:
		for _, c := range choices {
			if c.Role == "match" && c.Score != nil && *c.Score >= perfectScore {
				resp.Message = "Exact match found."
				resp.NextAction = c.NextAction
				break
			}
		}
	case perfectCount > 1:
		resp.Message = "Multiple canonical protocols matched exactly; choose one."
		resp.NextAction = "follow one choice's next_action"
	case hasMatches:
		resp.Message = "Found related protocols; choose one, refine, or create a new one."
		resp.NextAction = "follow one choice's next_action"
	default:
		resp.Message = "No matching protocol found; refine your search or create a new one."
		resp.NextAction = "follow one choice's next_action"
	}
	return resp
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}
