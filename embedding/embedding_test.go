package embedding

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kairos.run/kerrors"
)

func TestEmbedReturnsVectorsInRequestOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := embeddingResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float64 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float64{float64(i), 0.5}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{BaseURL: srv.URL, APIKey: "k", Dimension: 2})
	require.NoError(t, err)

	vecs, err := client.Embed([]string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float64{0, 0.5}, vecs[0])
	assert.Equal(t, []float64{1, 0.5}, vecs[1])
}

func TestEmbedFailsWithEmbedUnavailableOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	_, err = client.Embed([]string{"a"})
	require.Error(t, err)
	assert.Equal(t, kerrors.CodeEmbedUnavailable, kerrors.CodeOf(err))
}

func TestEmbedEmptyInputReturnsNoVectors(t *testing.T) {
	client, err := NewHTTPClient(Config{BaseURL: "http://unused", APIKey: "k"})
	require.NoError(t, err)

	vecs, err := client.Embed(nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
