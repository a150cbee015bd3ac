package streaming

import (
	"sync"

	"github.com/BaSui01/ragflow/types"
)

// EventType SSE 事件名
type EventType string

const (
	// EventMeta 流开始时先行下发会话标识
	EventMeta EventType = "META"
	// EventMessage 增量内容（思考或正文）
	EventMessage EventType = "MESSAGE"
	// EventFinish 正常完成
	EventFinish EventType = "FINISH"
	// EventCancel 取消完成
	EventCancel EventType = "CANCEL"
	// EventDone 终止哨兵，FINISH/CANCEL 之后必发
	EventDone EventType = "DONE"
)

// Event 一条下行 SSE 事件
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// MetaPayload META 事件负载
type MetaPayload struct {
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id"`
}

// MessagePayload MESSAGE 事件负载
type MessagePayload struct {
	// Type 增量类型：think / response
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// CompletionPayload FINISH 与 CANCEL 事件共用负载。
// Title 仅在会话的首个回答轮携带。
type CompletionPayload struct {
	MessageID string `json:"message_id"`
	Title     string `json:"title,omitempty"`
}

// Sink 下行事件出口。实现方（SSE 连接、测试桩）只需保证 Send 串行安全。
type Sink interface {
	Send(event Event) error
}

// guardedSink 包装业务 Sink，保证 DONE 之后的任何写入被拒绝，
// 终止事件在本地恰好下发一次。
type guardedSink struct {
	mu     sync.Mutex
	closed bool
	inner  Sink
}

func newGuardedSink(inner Sink) *guardedSink {
	return &guardedSink{inner: inner}
}

func (s *guardedSink) Send(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.NewError(types.ErrStreamClosed, "stream already closed")
	}
	if err := s.inner.Send(event); err != nil {
		return err
	}
	if event.Type == EventDone {
		s.closed = true
	}
	return nil
}

// Closed 终止事件是否已下发
func (s *guardedSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
