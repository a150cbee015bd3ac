package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/config"
	"github.com/BaSui01/ragflow/internal/cache"
	"github.com/BaSui01/ragflow/llm"
	"github.com/BaSui01/ragflow/rag/fusion"
	"github.com/BaSui01/ragflow/streaming"
	"github.com/BaSui01/ragflow/types"
)

// ---------- fakes ----------

type fakePipeline struct {
	fused    *fusion.Context
	fuseErr  error
	deltas   []llm.StreamDelta
	chatErr  error
	lastReq  *llm.ChatRequest
	fuseSubs []fusion.SubQuestion
}

func (p *fakePipeline) Fuse(ctx context.Context, subs []fusion.SubQuestion, topK int) (*fusion.Context, error) {
	p.fuseSubs = subs
	if p.fuseErr != nil {
		return nil, p.fuseErr
	}
	if p.fused != nil {
		return p.fused, nil
	}
	return &fusion.Context{IntentChunks: map[string][]types.RetrievedChunk{}}, nil
}

func (p *fakePipeline) StreamChat(ctx context.Context, req *llm.ChatRequest, onDelta func(llm.StreamDelta) error) error {
	p.lastReq = req
	if p.chatErr != nil {
		return p.chatErr
	}
	for _, d := range p.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return nil
}

type memStore struct {
	saved map[string]string
}

func (s *memStore) SaveAnswer(ctx context.Context, conversationID, messageID, content string) error {
	if s.saved == nil {
		s.saved = make(map[string]string)
	}
	s.saved[messageID] = content
	return nil
}

func setupStreamHandler(t *testing.T, pipeline StreamPipeline, store streaming.MessageStore) (*StreamHandler, *streaming.Registry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = mr.Addr()
	manager, err := cache.NewManager(cacheCfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	bridge := streaming.NewRedisBridge(manager)
	registry, err := streaming.NewRegistry(context.Background(), config.StreamConfig{
		ChunkRunes:    4,
		CancelFlagTTL: 30 * time.Minute,
		SessionTTL:    time.Hour,
	}, bridge, bridge, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	return NewStreamHandler(pipeline, registry, store, 4, zap.NewNop()), registry, mr
}

// sseEvents parses "event:"/"data:" frame pairs from an SSE body.
func sseEvents(t *testing.T, body string) []streaming.Event {
	t.Helper()
	var out []streaming.Event
	var current streaming.Event
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event:"):
			current = streaming.Event{Type: streaming.EventType(strings.TrimSpace(strings.TrimPrefix(line, "event:")))}
		case strings.HasPrefix(line, "data:"):
			raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var data map[string]any
			require.NoError(t, json.Unmarshal([]byte(raw), &data))
			current.Data = data
			out = append(out, current)
		}
	}
	return out
}

func eventTypes(events []streaming.Event) []streaming.EventType {
	out := make([]streaming.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// ---------- tests ----------

func TestStreamHandler_HappyPath(t *testing.T) {
	pipeline := &fakePipeline{
		fused: &fusion.Context{KBContext: "Sub-question: q\n[kb]\nfact one\n"},
		deltas: []llm.StreamDelta{
			{Kind: llm.DeltaResponse, Text: "回答正文共八个字"},
		},
	}
	store := &memStore{}
	h, _, _ := setupStreamHandler(t, pipeline, store)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream",
		strings.NewReader(`{"conversation_id":"conv-1","question":"q","first_turn":true}`))
	h.HandleStreamChat(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	events := sseEvents(t, rec.Body.String())
	assert.Equal(t, []streaming.EventType{
		streaming.EventMeta,
		streaming.EventMessage, streaming.EventMessage,
		streaming.EventFinish, streaming.EventDone,
	}, eventTypes(events))

	meta := events[0].Data.(map[string]any)
	assert.Equal(t, "conv-1", meta["conversation_id"])
	assert.NotEmpty(t, meta["task_id"])

	finish := events[3].Data.(map[string]any)
	assert.Equal(t, "q", finish["title"]) // first turn

	// 生成请求携带融合上下文
	require.NotNil(t, pipeline.lastReq)
	assert.Contains(t, pipeline.lastReq.Messages[0].Content, "fact one")

	// 全文已持久化
	require.Len(t, store.saved, 1)
	for _, content := range store.saved {
		assert.Equal(t, "回答正文共八个字", content)
	}
}

func TestStreamHandler_QuestionFallsBackToSingleSubQuestion(t *testing.T) {
	pipeline := &fakePipeline{}
	h, _, _ := setupStreamHandler(t, pipeline, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream",
		strings.NewReader(`{"question":"standalone question"}`))
	h.HandleStreamChat(rec, req)

	require.Len(t, pipeline.fuseSubs, 1)
	assert.Equal(t, "standalone question", pipeline.fuseSubs[0].Text)
}

func TestStreamHandler_InvalidRequest(t *testing.T) {
	h, _, _ := setupStreamHandler(t, &fakePipeline{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(`{"question":""}`))
	h.HandleStreamChat(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, string(types.ErrInvalidRequest), resp.Error.Code)
}

func TestStreamHandler_FusionFailureEmitsErrorEvent(t *testing.T) {
	pipeline := &fakePipeline{fuseErr: types.NewError(types.ErrRetrievalFailed, "vector store down")}
	h, _, _ := setupStreamHandler(t, pipeline, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream",
		strings.NewReader(`{"question":"q"}`))
	h.HandleStreamChat(rec, req)

	assert.Contains(t, rec.Body.String(), "event: error")
	assert.Contains(t, rec.Body.String(), "vector store down")
}

func TestStreamHandler_Cancel(t *testing.T) {
	h, registry, mr := setupStreamHandler(t, &fakePipeline{}, nil)

	sink := &nullSink{}
	require.NoError(t, registry.Register(context.Background(), "task-9", sink, nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/cancel", strings.NewReader(`{"task_id":"task-9"}`))
	h.HandleCancel(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, mr.Exists("ragflow:stream:cancel:task-9"))
}

func TestStreamHandler_CancelRequiresTaskID(t *testing.T) {
	h, _, _ := setupStreamHandler(t, &fakePipeline{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/cancel", strings.NewReader(`{}`))
	h.HandleCancel(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamHandler_MethodNotAllowed(t *testing.T) {
	h, _, _ := setupStreamHandler(t, &fakePipeline{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/chat/stream", nil)
	h.HandleStreamChat(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type nullSink struct{}

func (nullSink) Send(streaming.Event) error { return nil }
