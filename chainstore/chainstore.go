// Package chainstore implements the Chain Store (C7): orchestrates parsing,
// code-identifier extraction, embedding, and upsert of a step sequence, and
// enforces idempotent-rewrite semantics on mint.
package chainstore

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"kairos.run/cache"
	"kairos.run/chainparser"
	"kairos.run/embedding"
	"kairos.run/kerrors"
	"kairos.run/model"
	"kairos.run/tenant"
	"kairos.run/vectorstore"
)

// StoredStep is what Store returns for each minted/updated step.
type StoredStep struct {
	URI        string
	MemoryUUID string
	StepIndex  int
	StepCount  int
}

// VectorStore is the subset of *vectorstore.Gateway that chainstore needs.
// Declaring it here (rather than depending on the concrete type directly)
// lets tests substitute an in-memory fake instead of a real vector DB.
type VectorStore interface {
	Upsert(ctx context.Context, points []vectorstore.Point) error
	Scroll(ctx context.Context, f vectorstore.Filter, limit int, cursor *string) ([]vectorstore.Point, *string, error)
	Delete(ctx context.Context, ids []string) error
	UpdatePayload(ctx context.Context, id string, patch map[string]interface{}) error
}

// Store orchestrates C3/C4/C5/C6 to implement §4.7.
type Store struct {
	Vector VectorStore
	Embed  embedding.Client
	Cache  *cache.Layer
}

// New builds a chainstore.Store from its three collaborators.
func New(vector VectorStore, embed embedding.Client, c *cache.Layer) *Store {
	return &Store{Vector: vector, Embed: embed, Cache: c}
}

// identifierRe extracts function/class/type/method-shaped tokens from code
// fences, used to boost vector searchability of steps containing code.
var identifierRe = regexp.MustCompile(`\b(?:func|function|class|type|struct|interface|def|method)\s+([A-Za-z_][A-Za-z0-9_]*)`)

var keywordStopSet = map[string]bool{
	"if": true, "for": true, "while": true, "return": true, "else": true,
}

// extractCodeIdentifiers pulls declaration-shaped identifiers out of body
// and appends them as a trailer so embedding can match on symbol names
// (§4.7, "Code-identifier extraction").
func extractCodeIdentifiers(body string) string {
	matches := identifierRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]bool)
	var idents []string
	for _, m := range matches {
		name := m[1]
		if keywordStopSet[name] || seen[name] {
			continue
		}
		seen[name] = true
		idents = append(idents, name)
	}
	if len(idents) == 0 {
		return body
	}
	sort.Strings(idents)
	return body + "\n\n[CODE_IDENTIFIERS: " + strings.Join(idents, ", ") + "]"
}

// StoreChain implements §4.7: parse → idempotency check → embed → upsert.
func (s *Store) StoreChain(ctx context.Context, tc *tenant.Context, markdownDoc, author string, forceUpdate bool, deterministicHeadUUID string) ([]StoredStep, error) {
	parsed, err := chainparser.Parse(markdownDoc)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.CodeInvalidInput, "parse chain document", err)
	}
	if len(parsed.Steps) == 0 {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "document contains no steps")
	}

	normalizedHead := strings.TrimSpace(parsed.Steps[0].Body)
	chainID := model.ChainID(normalizedHead, author)

	existing, existingHashes, err := s.loadExistingChain(ctx, tc, chainID)
	if err != nil {
		return nil, err
	}

	if len(existing) > 0 {
		if forceUpdate {
			ids := make([]string, 0, len(existing))
			for _, st := range existing {
				ids = append(ids, st.MemoryUUID)
				s.Cache.InvalidateMemory(ctx, st.MemoryUUID)
			}
			if err := s.Vector.Delete(ctx, ids); err != nil {
				return nil, err
			}
		} else if sameHashes(existingHashes, parsed.Steps) {
			return existing, nil
		} else {
			return existing, kerrors.New(kerrors.CodeDuplicateChain, "chain exists with different content; pass force_update to overwrite")
		}
	}

	texts := make([]string, len(parsed.Steps))
	for i, step := range parsed.Steps {
		texts[i] = extractCodeIdentifiers(step.Body)
	}

	vectors, err := s.Embed.Embed(texts)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	n := len(parsed.Steps)
	stepCount := n
	points := make([]vectorstore.Point, 0, n)
	stored := make([]StoredStep, 0, n)

	for i, step := range parsed.Steps {
		uuid := vectorstore.NewPointID()
		if i == 0 && deterministicHeadUUID != "" {
			uuid = deterministicHeadUUID
		}

		proof := step.Proof
		if proof == nil {
			proof = model.DefaultProofOfWork()
		}

		vec := make([]float32, len(vectors[i]))
		for j, f := range vectors[i] {
			vec[j] = float32(f)
		}

		payload := map[string]interface{}{
			"memory_uuid": uuid,
			"label":       step.Label,
			"text":        step.Body,
			"step_hash":   model.StepHash(step.Body),
			"space_id":    tc.DefaultWriteSpaceID,
			"llm_model_id": author,
			"created_at":  now.Format(time.RFC3339),
			"chain": map[string]interface{}{
				"id":         chainID,
				"label":      parsed.ChainLabel,
				"step_index": i + 1,
				"step_count": stepCount,
			},
			"proof_of_work": proof,
		}

		points = append(points, vectorstore.Point{ID: uuid, Vector: vec, Payload: payload})
		stored = append(stored, StoredStep{URI: model.URI(uuid), MemoryUUID: uuid, StepIndex: i + 1, StepCount: stepCount})
	}

	if err := s.Vector.Upsert(ctx, points); err != nil {
		return nil, err
	}

	for _, st := range stored {
		s.Cache.InvalidateMemory(ctx, st.MemoryUUID)
	}
	s.Cache.InvalidateSearchAll(ctx)

	return stored, nil
}

func sameHashes(existingHashes []string, steps []chainparser.StepDescriptor) bool {
	if len(existingHashes) != len(steps) {
		return false
	}
	for i, step := range steps {
		if existingHashes[i] != model.StepHash(step.Body) {
			return false
		}
	}
	return true
}

// loadExistingChain scrolls the vector store for every step currently
// sharing chainID in the caller's write space.
func (s *Store) loadExistingChain(ctx context.Context, tc *tenant.Context, chainID string) ([]StoredStep, []string, error) {
	points, _, err := s.Vector.Scroll(ctx, vectorstore.Filter{
		SpaceIDs: []string{tc.DefaultWriteSpaceID},
		ChainID:  chainID,
	}, 256, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(points) == 0 {
		return nil, nil, nil
	}

	sort.Slice(points, func(i, j int) bool {
		return stepIndexOf(points[i]) < stepIndexOf(points[j])
	})

	stored := make([]StoredStep, 0, len(points))
	hashes := make([]string, 0, len(points))
	for _, p := range points {
		idx := stepIndexOf(p)
		stored = append(stored, StoredStep{
			URI:        model.URI(p.ID),
			MemoryUUID: p.ID,
			StepIndex:  idx,
			StepCount:  len(points),
		})
		hash, _ := p.Payload["step_hash"].(string)
		hashes = append(hashes, hash)
	}
	return stored, hashes, nil
}

func stepIndexOf(p vectorstore.Point) int {
	chain, ok := p.Payload["chain"].(map[string]interface{})
	if !ok {
		return 0
	}
	switch v := chain["step_index"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Delete removes a chain's steps (or a singleton memory) entirely.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if err := s.Vector.Delete(ctx, ids); err != nil {
		return err
	}
	for _, id := range ids {
		s.Cache.InvalidateMemory(ctx, id)
	}
	s.Cache.InvalidateSearchAll(ctx)
	return nil
}

// UpdateBody rewrites a single memory's text, leaving chain identity,
// tags, and proof-of-work definition untouched (§4.1 data model
// invariant: "A step is mutable in text only").
func (s *Store) UpdateBody(ctx context.Context, id string, newBody string) error {
	if err := s.Vector.UpdatePayload(ctx, id, map[string]interface{}{"text": newBody}); err != nil {
		return err
	}
	s.Cache.InvalidateWrite(ctx, id)
	return nil
}
