package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpenAI serves /v1/embeddings, returning vectors in reverse index order
// to check that the provider reorders them.
func fakeOpenAI(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dims)
			vec[0] = float32(i)
			data = append(data, item{Object: "embedding", Embedding: vec, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
		})
	}))
}

func TestOpenAIProvider(t *testing.T) {
	server := fakeOpenAI(t, 4)
	defer server.Close()

	p := NewOpenAIProvider("sk-test", "", server.URL+"/v1", 4)
	assert.Equal(t, 4, p.Dimensions())

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v.Slice()[0], "vector %d out of order", i)
	}

	vec, err := p.Embed(context.Background(), "single")
	require.NoError(t, err)
	assert.Len(t, vec.Slice(), 4)
}

func TestOpenAIProviderDimensionMismatch(t *testing.T) {
	server := fakeOpenAI(t, 3)
	defer server.Close()

	p := NewOpenAIProvider("sk-test", "", server.URL+"/v1", 4)
	_, err := p.Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "expected 4 dimensions")
}

func TestOpenAIProviderServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("sk-test", "", server.URL+"/v1", 4)
	_, err := p.Embed(context.Background(), "x")
	assert.Error(t, err)
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(16)
	assert.Equal(t, 16, p.Dimensions())

	_, err := p.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = p.EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrNoProvider)
}
