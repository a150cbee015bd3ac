package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ragflow/config"
)

type fixedEmbedder struct{ vec []float32 }

func (f fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

func TestQdrantRetriever_Retrieve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/kb-main/points/search", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("api-key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(3), body["limit"])
		assert.Equal(t, true, body["with_payload"])

		_, _ = w.Write([]byte(`{"status":"ok","result":[
			{"id":"p1","score":0.92,"payload":{"doc_id":"d1","content":"first chunk"}},
			{"id":"p2","score":0.85,"payload":{"content":"second chunk"}},
			{"id":"p3","score":0.40,"payload":{}}
		]}`))
	}))
	defer srv.Close()

	r := NewQdrantRetriever(config.RetrievalConfig{URL: srv.URL, APIKey: "secret"}, fixedEmbedder{vec: []float32{0.1, 0.2}}, nil)
	chunks, err := r.Retrieve(context.Background(), "kb-main", "query", 3)
	require.NoError(t, err)

	// hits without content are dropped
	require.Len(t, chunks, 2)
	assert.Equal(t, "d1", chunks[0].ID)
	assert.Equal(t, "first chunk", chunks[0].Text)
	assert.Equal(t, 0.92, chunks[0].Score)
	assert.Equal(t, "p2", chunks[1].ID) // falls back to point id
}

func TestQdrantRetriever_ZeroTopK(t *testing.T) {
	r := NewQdrantRetriever(config.RetrievalConfig{URL: "http://unused"}, fixedEmbedder{}, nil)
	chunks, err := r.Retrieve(context.Background(), "kb", "q", 0)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestQdrantRetriever_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":{"error":"collection not found"}}`))
	}))
	defer srv.Close()

	r := NewQdrantRetriever(config.RetrievalConfig{URL: srv.URL}, fixedEmbedder{vec: []float32{1}}, nil)
	_, err := r.Retrieve(context.Background(), "missing", "q", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
