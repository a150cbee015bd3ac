// =============================================================================
// ragflow OpenAI-Compatible Provider Client
// =============================================================================
// One HTTP client covering the chat, embeddings and rerank endpoints of any
// OpenAI-compatible backend. The routing layer decides which base URL, API
// key and model each call targets; this client only speaks the protocol.
// =============================================================================

package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/internal/tlsutil"
	"github.com/BaSui01/ragflow/llm"
	"github.com/BaSui01/ragflow/llm/routing"
	"github.com/BaSui01/ragflow/types"
)

// Config holds the transport configuration shared by all calls.
type Config struct {
	// Timeout is the HTTP client timeout for non-streaming calls.
	// Defaults to 60s if zero.
	Timeout time.Duration

	// ChatPath is the chat completions endpoint path.
	ChatPath string

	// EmbeddingsPath is the embeddings endpoint path.
	EmbeddingsPath string

	// RerankPath is the rerank endpoint path.
	RerankPath string
}

// Client implements the chat, embedding and rerank client contracts over
// any OpenAI-compatible HTTP API.
type Client struct {
	cfg    Config
	client *http.Client
	// streamClient has no client-level timeout; SSE reads are bounded
	// by the request context.
	streamClient *http.Client
	logger       *zap.Logger
}

// New creates a client with the given config.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ChatPath == "" {
		cfg.ChatPath = "/v1/chat/completions"
	}
	if cfg.EmbeddingsPath == "" {
		cfg.EmbeddingsPath = "/v1/embeddings"
	}
	if cfg.RerankPath == "" {
		cfg.RerankPath = "/v1/rerank"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:          cfg,
		client:       tlsutil.SecureHTTPClient(cfg.Timeout),
		streamClient: tlsutil.SecureHTTPClient(0),
		logger:       logger.With(zap.String("component", "openaicompat")),
	}
}

// endpoint builds the full URL for one capability, honoring per-provider
// path overrides.
func (c *Client) endpoint(target routing.Target, capability routing.Capability, fallback string) string {
	path := fallback
	if override, ok := target.Provider.Endpoints[string(capability)]; ok && override != "" {
		path = override
	}
	return strings.TrimRight(target.Provider.URL, "/") + path
}

func (c *Client) buildHeaders(req *http.Request, target routing.Target) {
	if target.Provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+target.Provider.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

// doJSON posts a JSON body and decodes a JSON response.
func (c *Client) doJSON(ctx context.Context, target routing.Target, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.buildHeaders(httpReq, target)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return transportError(err, target.Candidate.Provider)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), target.Candidate.Provider)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportError(err, target.Candidate.Provider)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func convertMessages(messages []llm.Message) []chatMessage {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

// Chat performs a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, req *llm.ChatRequest, target routing.Target) (string, error) {
	body := chatRequest{
		Model:       target.Candidate.Model,
		Messages:    convertMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	var resp chatResponse
	url := c.endpoint(target, routing.CapabilityChat, c.cfg.ChatPath)
	if err := c.doJSON(ctx, target, url, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", types.NewError(types.ErrUpstreamError, "empty choices in chat response").
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(target.Candidate.Provider)
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamChat performs a streaming chat completion over SSE, invoking
// onDelta for every content or reasoning increment.
func (c *Client) StreamChat(ctx context.Context, req *llm.ChatRequest, target routing.Target, onDelta func(llm.StreamDelta) error) error {
	body := chatRequest{
		Model:       target.Candidate.Model,
		Messages:    convertMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := c.endpoint(target, routing.CapabilityChat, c.cfg.ChatPath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.buildHeaders(httpReq, target)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return transportError(err, target.Candidate.Provider)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), target.Candidate.Provider)
	}
	return c.consumeSSE(ctx, resp.Body, target.Candidate.Provider, onDelta)
}

// consumeSSE parses the data: lines of an OpenAI-compatible SSE stream.
func (c *Client) consumeSSE(ctx context.Context, body io.Reader, provider string, onDelta func(llm.StreamDelta) error) error {
	reader := bufio.NewReader(body)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return transportError(err, provider)
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return transportError(err, provider)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta == nil {
				continue
			}
			if choice.Delta.ReasoningContent != "" {
				if err := onDelta(llm.StreamDelta{Kind: llm.DeltaThink, Text: choice.Delta.ReasoningContent}); err != nil {
					return err
				}
			}
			if choice.Delta.Content != "" {
				if err := onDelta(llm.StreamDelta{Kind: llm.DeltaResponse, Text: choice.Delta.Content}); err != nil {
					return err
				}
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Embeddings
// ---------------------------------------------------------------------------

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates one embedding vector.
func (c *Client) Embed(ctx context.Context, text string, target routing.Target) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text}, target)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embedding vectors for a batch of inputs,
// returned in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, target routing.Target) ([][]float32, error) {
	body := embedRequest{
		Model:      target.Candidate.Model,
		Input:      texts,
		Dimensions: target.Candidate.Dimension,
	}
	var resp embedResponse
	url := c.endpoint(target, routing.CapabilityEmbedding, c.cfg.EmbeddingsPath)
	if err := c.doJSON(ctx, target, url, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("embedding count mismatch: want %d got %d", len(texts), len(resp.Data))).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(target.Candidate.Provider)
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, types.NewError(types.ErrUpstreamError,
				fmt.Sprintf("embedding index %d out of range", item.Index)).
				WithHTTPStatus(http.StatusBadGateway).WithProvider(target.Candidate.Provider)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Rerank
// ---------------------------------------------------------------------------

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank reorders candidates by query relevance and returns the top topN.
func (c *Client) Rerank(ctx context.Context, query string, candidates []types.RetrievedChunk, topN int, target routing.Target) ([]types.RetrievedChunk, error) {
	docs := make([]string, len(candidates))
	for i, chunk := range candidates {
		docs[i] = chunk.Text
	}
	body := rerankRequest{
		Model:     target.Candidate.Model,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	}
	var resp rerankResponse
	url := c.endpoint(target, routing.CapabilityRerank, c.cfg.RerankPath)
	if err := c.doJSON(ctx, target, url, body, &resp); err != nil {
		return nil, err
	}

	results := resp.Results
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})

	out := make([]types.RetrievedChunk, 0, topN)
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(candidates) {
			continue
		}
		chunk := candidates[r.Index]
		chunk.Score = r.RelevanceScore
		out = append(out, chunk)
		if len(out) == topN {
			break
		}
	}
	return out, nil
}
