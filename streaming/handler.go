package streaming

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/llm"
)

// MessageStore 回答持久化出口，由存储层实现。
type MessageStore interface {
	SaveAnswer(ctx context.Context, conversationID, messageID, content string) error
}

// EventHandler 把一次流式回答的 token 回调翻译成下行事件：
// 首条增量前下发 META，增量按固定码点数分组下发 MESSAGE，
// 完成时冲刷余量、持久化全文并下发 FINISH + DONE。
//
// 一个 EventHandler 只服务一条流，非并发安全：上游的增量回调
// 本身就是串行的。
type EventHandler struct {
	registry *Registry
	store    MessageStore
	logger   *zap.Logger

	taskID         string
	conversationID string
	messageID      string
	// title 非空时随 FINISH 下发（会话首个回答轮）
	title      string
	chunkRunes int

	sink     *guardedSink
	metaSent bool
	pending  map[llm.DeltaKind][]rune

	// content 会被取消落地协程经 Content 并发读取
	contentMu sync.Mutex
	content   strings.Builder
}

// NewEventHandler 创建事件处理器。任务必须已在注册表登记。
func NewEventHandler(registry *Registry, store MessageStore, taskID, conversationID, messageID, title string, chunkRunes int, logger *zap.Logger) (*EventHandler, bool) {
	sink, ok := registry.sessionSink(taskID)
	if !ok {
		return nil, false
	}
	if chunkRunes <= 0 {
		chunkRunes = 12
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{
		registry:       registry,
		store:          store,
		logger:         logger.With(zap.String("component", "stream_handler"), zap.String("task_id", taskID)),
		taskID:         taskID,
		conversationID: conversationID,
		messageID:      messageID,
		title:          title,
		chunkRunes:     chunkRunes,
		sink:           sink,
		pending:        make(map[llm.DeltaKind][]rune),
	}, true
}

// OnDelta 处理一条上游增量。返回错误时上游应停止产出。
func (h *EventHandler) OnDelta(delta llm.StreamDelta) error {
	if err := h.ensureMeta(); err != nil {
		return err
	}
	if delta.Kind == llm.DeltaResponse {
		h.contentMu.Lock()
		h.content.WriteString(delta.Text)
		h.contentMu.Unlock()
	}

	h.pending[delta.Kind] = append(h.pending[delta.Kind], []rune(delta.Text)...)
	buf := h.pending[delta.Kind]
	for len(buf) >= h.chunkRunes {
		if err := h.send(delta.Kind, string(buf[:h.chunkRunes])); err != nil {
			return err
		}
		buf = buf[h.chunkRunes:]
	}
	h.pending[delta.Kind] = buf
	return nil
}

// OnComplete 正常完成：冲刷余量，持久化全文，下发 FINISH + DONE。
func (h *EventHandler) OnComplete(ctx context.Context) error {
	if err := h.ensureMeta(); err != nil {
		return err
	}
	if err := h.flush(); err != nil {
		return err
	}

	if h.store != nil {
		if err := h.store.SaveAnswer(ctx, h.conversationID, h.messageID, h.Content()); err != nil {
			// 持久化失败不打断下行：回答已经产出，客户端应收到完整流
			h.logger.Error("回答持久化失败", zap.Error(err))
		}
	}

	payload := CompletionPayload{MessageID: h.messageID, Title: h.title}
	if err := h.sink.Send(Event{Type: EventFinish, Data: payload}); err != nil {
		return err
	}
	if err := h.sink.Send(Event{Type: EventDone}); err != nil {
		return err
	}
	h.registry.collector.RecordTerminalEvent("finish")
	return nil
}

// OnError 上游失败处理。会话已取消时错误被吞掉（取消例程已经
// 下发过终止事件），返回 nil；否则原样返回交给调用方的失败路径。
func (h *EventHandler) OnError(err error) error {
	if h.registry.Cancelled(h.taskID) || h.sink.Closed() {
		h.logger.Debug("会话已取消，吞掉上游错误", zap.Error(err))
		return nil
	}
	return err
}

// Content 已累计的正文全文，供取消落地时持久化部分回答。
func (h *EventHandler) Content() string {
	h.contentMu.Lock()
	defer h.contentMu.Unlock()
	return h.content.String()
}

func (h *EventHandler) ensureMeta() error {
	if h.metaSent {
		return nil
	}
	err := h.sink.Send(Event{Type: EventMeta, Data: MetaPayload{
		ConversationID: h.conversationID,
		TaskID:         h.taskID,
	}})
	if err != nil {
		return err
	}
	h.metaSent = true
	return nil
}

// flush 把两类缓冲的余量各自作为一条 MESSAGE 下发，思考在前。
func (h *EventHandler) flush() error {
	for _, kind := range []llm.DeltaKind{llm.DeltaThink, llm.DeltaResponse} {
		if buf := h.pending[kind]; len(buf) > 0 {
			if err := h.send(kind, string(buf)); err != nil {
				return err
			}
			h.pending[kind] = nil
		}
	}
	return nil
}

func (h *EventHandler) send(kind llm.DeltaKind, delta string) error {
	return h.sink.Send(Event{Type: EventMessage, Data: MessagePayload{
		Type:  string(kind),
		Delta: delta,
	}})
}
