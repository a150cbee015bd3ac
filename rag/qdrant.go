package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/config"
	"github.com/BaSui01/ragflow/internal/tlsutil"
	"github.com/BaSui01/ragflow/types"
)

// Embedder turns a query into a vector. Satisfied by the routed
// embedding capability.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QdrantRetriever performs coarse vector search against Qdrant's REST
// API. Document text is expected in the "content" payload field; the
// stable document id in "doc_id".
type QdrantRetriever struct {
	cfg      config.RetrievalConfig
	embedder Embedder
	client   *http.Client
	logger   *zap.Logger
}

// NewQdrantRetriever creates a Qdrant-backed retriever.
func NewQdrantRetriever(cfg config.RetrievalConfig, embedder Embedder, logger *zap.Logger) *QdrantRetriever {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QdrantRetriever{
		cfg:      cfg,
		embedder: embedder,
		client:   tlsutil.SecureHTTPClient(cfg.Timeout),
		logger:   logger.With(zap.String("component", "qdrant_retriever")),
	}
}

// Retrieve embeds the query and searches one collection.
func (r *QdrantRetriever) Retrieve(ctx context.Context, collection, query string, topK int) ([]types.RetrievedChunk, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if topK <= 0 {
		return []types.RetrievedChunk{}, nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	req := struct {
		Vector      []float32 `json:"vector"`
		Limit       int       `json:"limit"`
		WithPayload bool      `json:"with_payload"`
		WithVector  bool      `json:"with_vector"`
	}{
		Vector:      vector,
		Limit:       topK,
		WithPayload: true,
		WithVector:  false,
	}

	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
		Status string `json:"status"`
	}

	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(collection))
	if err := r.doJSON(ctx, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]types.RetrievedChunk, 0, len(resp.Result))
	for _, item := range resp.Result {
		chunk := types.RetrievedChunk{Score: item.Score}
		if item.Payload != nil {
			if v, ok := item.Payload["doc_id"].(string); ok {
				chunk.ID = v
			}
			if v, ok := item.Payload["content"].(string); ok {
				chunk.Text = v
			}
		}
		if chunk.ID == "" {
			chunk.ID = fmt.Sprint(item.ID)
		}
		if chunk.Text == "" {
			continue
		}
		out = append(out, chunk)
	}
	return out, nil
}

func (r *QdrantRetriever) doJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	endpoint := strings.TrimRight(r.cfg.URL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("api-key", r.cfg.APIKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("qdrant request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("qdrant status %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
