package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ollamaStub answers /api/embed with one 8-dim vector per input whose first
// component is the input's length, so callers can check ordering.
func ollamaStub(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if calls != nil {
			calls.Add(1)
		}
		var resp ollamaEmbedResponse
		for _, text := range req.Input {
			vec := make([]float32, 8)
			vec[0] = float32(len(text))
			vec[3] = 1.5
			resp.Embeddings = append(resp.Embeddings, vec)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaProvider(t *testing.T) {
	var calls atomic.Int32
	server := ollamaStub(t, &calls)
	p := NewOllamaProvider(server.URL+"/", "test-model", 8)

	t.Run("embed single", func(t *testing.T) {
		vec, err := p.Embed(context.Background(), "crack on beam")
		require.NoError(t, err)
		assert.Len(t, vec.Slice(), 8)
		assert.Equal(t, float32(1.5), vec.Slice()[3])
	})

	t.Run("embed batch keeps order across requests", func(t *testing.T) {
		texts := make([]string, ollamaBatchSize*2+5)
		for i := range texts {
			texts[i] = string(make([]byte, i+1))
		}
		calls.Store(0)

		vecs, err := p.EmbedBatch(context.Background(), texts)
		require.NoError(t, err)
		require.Len(t, vecs, len(texts))
		for i, vec := range vecs {
			assert.Equal(t, float32(i+1), vec.Slice()[0], "vector %d", i)
		}
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("embed batch empty", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Nil(t, vecs)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		wrong := NewOllamaProvider(server.URL, "test-model", 1024)
		_, err := wrong.Embed(context.Background(), "x")
		assert.ErrorContains(t, err, "expected 1024 dimensions")
	})
}

func TestOllamaProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}},
		{"no embeddings", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{})
		}},
		{"empty embedding", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{}, {}}})
		}},
		{"invalid json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			p := NewOllamaProvider(server.URL, "test-model", 8)
			_, err := p.Embed(context.Background(), "test")
			assert.Error(t, err)

			_, err = p.EmbedBatch(context.Background(), []string{"a", "b"})
			assert.Error(t, err)
		})
	}
}
