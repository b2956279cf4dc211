// Package embedding implements the Embedding Client (C4): text to vector
// conversion against an OpenAI-compatible /v1/embeddings HTTP endpoint,
// with provider auto-selection and batch calls. It is built on the shared
// retry-capable HTTP request helper rather than a bare net/http client.
package embedding

import (
	"encoding/json"
	"fmt"
	"strings"

	kairoshttp "kairos.run/http"
	"kairos.run/kerrors"
)

// Client is the capability C7 (on write) and C10 (on query) depend on.
type Client interface {
	Embed(texts []string) ([][]float64, error)
	Dimension() int
}

// Config selects and configures the embedding provider.
type Config struct {
	Provider string // "openai", "auto", or a custom name
	BaseURL  string
	APIKey   string
	Model    string
	Dimension int
}

// knownProviders maps a provider name to its default base URL. A provider
// name not in this list (including "auto") resolves to the first entry.
var knownProviders = []struct {
	name    string
	baseURL string
}{
	{"openai", "https://api.openai.com/v1"},
	{"local", "http://localhost:11434/v1"},
}

// HTTPClient is the default Client implementation: an HTTP POST to
// {base_url}/embeddings with the OpenAI request/response shape.
type HTTPClient struct {
	cfg Config
}

// NewHTTPClient selects a concrete base URL/provider and returns a ready
// Client. When cfg.BaseURL is empty, it is taken from the knownProviders
// entry named by cfg.Provider, or from the first entry when the name is
// "auto", empty or unknown. The base URL is fixed for the client's
// lifetime: Embed does not fall back to another provider when a call fails.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = resolveAutoBaseURL(cfg.Provider)
	}
	return &HTTPClient{cfg: cfg}, nil
}

func resolveAutoBaseURL(provider string) string {
	for _, p := range knownProviders {
		if p.name == provider {
			return p.baseURL
		}
	}
	return knownProviders[0].baseURL
}

func (c *HTTPClient) Dimension() int { return c.cfg.Dimension }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed converts texts to vectors in one batch call. On HTTP error it
// fails with EMBED_UNAVAILABLE; callers do not retry at this layer (§4.4).
func (c *HTTPClient) Embed(texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.CodeEmbedUnavailable, "marshal embedding request", err)
	}

	req := kairoshttp.NewRequest("POST", strings.TrimRight(c.cfg.BaseURL, "/")+"/embeddings")
	req.JSONBody = string(body)
	req.Headers["Authorization"] = "Bearer " + c.cfg.APIKey
	req.RetryCount = 0

	resp, err := kairoshttp.Execute(req)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.CodeEmbedUnavailable, "embedding request failed", err)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, kerrors.Wrap(kerrors.CodeEmbedUnavailable, "decode embedding response", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, kerrors.New(kerrors.CodeEmbedUnavailable, fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(parsed.Data)))
	}

	vectors := make([][]float64, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			continue
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
