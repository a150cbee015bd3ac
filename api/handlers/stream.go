package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/llm"
	"github.com/BaSui01/ragflow/rag/fusion"
	"github.com/BaSui01/ragflow/streaming"
	"github.com/BaSui01/ragflow/types"
)

// =============================================================================
// 💬 流式问答 Handler
// =============================================================================

// StreamPipeline 流式问答依赖的检索与生成能力。
type StreamPipeline interface {
	Fuse(ctx context.Context, subs []fusion.SubQuestion, topK int) (*fusion.Context, error)
	StreamChat(ctx context.Context, req *llm.ChatRequest, onDelta func(llm.StreamDelta) error) error
}

// StreamChatRequest 流式问答请求
type StreamChatRequest struct {
	ConversationID string               `json:"conversation_id"`
	Question       string               `json:"question"`
	SubQuestions   []fusion.SubQuestion `json:"sub_questions,omitempty"`
	TopK           int                  `json:"top_k,omitempty"`
	FirstTurn      bool                 `json:"first_turn,omitempty"`
	Thinking       bool                 `json:"thinking,omitempty"`
}

// CancelRequest 取消请求
type CancelRequest struct {
	TaskID string `json:"task_id"`
}

// StreamHandler 流式问答处理器
type StreamHandler struct {
	pipeline   StreamPipeline
	registry   *streaming.Registry
	store      streaming.MessageStore
	chunkRunes int
	logger     *zap.Logger
}

// NewStreamHandler 创建流式问答处理器
func NewStreamHandler(pipeline StreamPipeline, registry *streaming.Registry, store streaming.MessageStore, chunkRunes int, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		pipeline:   pipeline,
		registry:   registry,
		store:      store,
		chunkRunes: chunkRunes,
		logger:     logger.With(zap.String("component", "stream_handler")),
	}
}

// HandleStreamChat 处理 POST /v1/chat/stream
func (h *StreamHandler) HandleStreamChat(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	var req StreamChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := validateStreamRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	taskID := uuid.NewString()
	messageID := uuid.NewString()
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	// 设置 SSE 响应头
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	sink := newSSESink(w, flusher)

	// 注册会话。取消落地时经 handler 持久化部分回答。
	var handler *streaming.EventHandler
	completion := func(ctx context.Context) streaming.CompletionPayload {
		if handler != nil && h.store != nil {
			if err := h.store.SaveAnswer(ctx, req.ConversationID, messageID, handler.Content()); err != nil {
				h.logger.Error("取消时持久化部分回答失败", zap.Error(err))
			}
		}
		return streaming.CompletionPayload{MessageID: messageID, Title: titleFor(&req)}
	}
	if err := h.registry.Register(r.Context(), taskID, sink, completion); err != nil {
		// 注册即取消的会话已经下发过终止事件
		h.logger.Warn("流注册失败", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer h.registry.Unregister(context.Background(), taskID)

	streamCtx, cancel := context.WithCancel(r.Context())
	defer cancel()
	h.registry.BindCancelHandle(taskID, cancel)

	var bound bool
	handler, bound = streaming.NewEventHandler(h.registry, h.store, taskID, req.ConversationID, messageID, titleFor(&req), h.chunkRunes, h.logger)
	if !bound {
		return
	}

	// 检索融合
	fused, err := h.pipeline.Fuse(streamCtx, subQuestionsOf(&req), topKOf(&req))
	if err != nil {
		if suppressed := handler.OnError(err); suppressed != nil {
			h.logger.Error("检索融合失败", zap.String("task_id", taskID), zap.Error(err))
			sink.sendError(suppressed)
		}
		return
	}

	// 生成
	chatReq := buildChatRequest(&req, fused)
	if err := h.pipeline.StreamChat(streamCtx, chatReq, handler.OnDelta); err != nil {
		if suppressed := handler.OnError(err); suppressed != nil {
			h.logger.Error("流式生成失败", zap.String("task_id", taskID), zap.Error(err))
			sink.sendError(suppressed)
		}
		return
	}

	if err := handler.OnComplete(streamCtx); err != nil {
		// 完成与取消竞争时取消先落地，这里只会拿到流已关闭
		h.logger.Debug("完成事件未下发", zap.String("task_id", taskID), zap.Error(err))
	}
}

// HandleCancel 处理 POST /v1/chat/cancel
func (h *StreamHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	var req CancelRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.TaskID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "task_id is required", h.logger)
		return
	}

	if err := h.registry.Cancel(r.Context(), req.TaskID); err != nil {
		WriteError(w, types.NewError(types.ErrBroadcastFailed, "cancel broadcast failed").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"task_id": req.TaskID})
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func validateStreamRequest(req *StreamChatRequest) *types.Error {
	if strings.TrimSpace(req.Question) == "" && len(req.SubQuestions) == 0 {
		return types.NewError(types.ErrInvalidRequest, "question is required")
	}
	if req.TopK < 0 {
		return types.NewError(types.ErrInvalidRequest, "top_k must not be negative")
	}
	return nil
}

// subQuestionsOf 无外部拆分结果时整问作为单个子问题，不带意图。
func subQuestionsOf(req *StreamChatRequest) []fusion.SubQuestion {
	if len(req.SubQuestions) > 0 {
		return req.SubQuestions
	}
	return []fusion.SubQuestion{{Text: req.Question}}
}

func topKOf(req *StreamChatRequest) int {
	if req.TopK > 0 {
		return req.TopK
	}
	return 5
}

// titleFor 会话首轮用问题前缀作为标题
func titleFor(req *StreamChatRequest) string {
	if !req.FirstTurn {
		return ""
	}
	runes := []rune(strings.TrimSpace(req.Question))
	if len(runes) > 30 {
		runes = runes[:30]
	}
	return string(runes)
}

const answerPrompt = `你是一名知识库问答助手。优先基于给出的参考内容回答问题，引用事实要忠实原文；参考内容不足时明确说明。

# 参考内容
%s

# 工具结果
%s`

func buildChatRequest(req *StreamChatRequest, fused *fusion.Context) *llm.ChatRequest {
	system := fmt.Sprintf(answerPrompt, emptyPlaceholder(fused.KBContext), emptyPlaceholder(fused.MCPContext))
	return &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: req.Question},
		},
		Thinking: req.Thinking,
	}
}

func emptyPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return "（无）"
	}
	return s
}

// =============================================================================
// 📡 SSE Sink
// =============================================================================

// sseSink 把事件写成 SSE 帧。Send 可能被请求协程与取消广播协程
// 并发调用，内部串行化。
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: flusher}
}

func (s *sseSink) Send(event streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := []byte("{}")
	if event.Data != nil {
		var err error
		payload, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshal sse payload: %w", err)
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sendError 在 SSE 已建立后用 error 事件透传失败原因
func (s *sseSink) sendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	_, _ = fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", payload)
	s.flusher.Flush()
}
