package streaming

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/llm"
	"github.com/BaSui01/ragflow/types"
)

type fakeStore struct {
	conversationID string
	messageID      string
	content        string
	err            error
	calls          int
}

func (s *fakeStore) SaveAnswer(ctx context.Context, conversationID, messageID, content string) error {
	s.calls++
	s.conversationID = conversationID
	s.messageID = messageID
	s.content = content
	return s.err
}

func setupHandler(t *testing.T, chunkRunes int, store MessageStore) (*EventHandler, *recordingSink, *Registry) {
	t.Helper()
	mr := newMiniredis(t)
	r := setupRegistry(t, mr)

	sink := &recordingSink{}
	require.NoError(t, r.Register(context.Background(), "task-1", sink, nil))

	h, ok := NewEventHandler(r, store, "task-1", "conv-1", "msg-1", "", chunkRunes, zap.NewNop())
	require.True(t, ok)
	return h, sink, r
}

func messageDeltas(sink *recordingSink, kind string) []string {
	var out []string
	for _, ev := range sink.snapshot() {
		if ev.Type != EventMessage {
			continue
		}
		payload := ev.Data.(MessagePayload)
		if payload.Type == kind {
			out = append(out, payload.Delta)
		}
	}
	return out
}

func TestEventHandler_MetaSentBeforeFirstDelta(t *testing.T) {
	h, sink, _ := setupHandler(t, 4, nil)

	require.NoError(t, h.OnDelta(llm.StreamDelta{Kind: llm.DeltaResponse, Text: "hello world"}))

	evs := sink.types()
	require.NotEmpty(t, evs)
	assert.Equal(t, EventMeta, evs[0])

	meta := sink.snapshot()[0].Data.(MetaPayload)
	assert.Equal(t, "conv-1", meta.ConversationID)
	assert.Equal(t, "task-1", meta.TaskID)
}

func TestEventHandler_ChunksByCodePoints(t *testing.T) {
	h, sink, _ := setupHandler(t, 4, nil)

	// 多字节字符按码点而非字节计数
	require.NoError(t, h.OnDelta(llm.StreamDelta{Kind: llm.DeltaResponse, Text: "检索融合引擎一共"}))
	require.NoError(t, h.OnDelta(llm.StreamDelta{Kind: llm.DeltaResponse, Text: "九个字"}))
	require.NoError(t, h.OnComplete(context.Background()))

	deltas := messageDeltas(sink, "response")
	assert.Equal(t, []string{"检索融合", "引擎一共", "九个字"}, deltas)
}

func TestEventHandler_ThinkAndResponseBufferedSeparately(t *testing.T) {
	h, sink, _ := setupHandler(t, 4, nil)

	require.NoError(t, h.OnDelta(llm.StreamDelta{Kind: llm.DeltaThink, Text: "abcde"}))
	require.NoError(t, h.OnDelta(llm.StreamDelta{Kind: llm.DeltaResponse, Text: "123456"}))
	require.NoError(t, h.OnComplete(context.Background()))

	assert.Equal(t, []string{"abcd", "e"}, messageDeltas(sink, "think"))
	assert.Equal(t, []string{"1234", "56"}, messageDeltas(sink, "response"))
	// 思考增量不进入持久化正文
	assert.Equal(t, "123456", h.Content())
}

func TestEventHandler_CompleteFlushesPersistsAndTerminates(t *testing.T) {
	store := &fakeStore{}
	h, sink, _ := setupHandler(t, 100, store)

	require.NoError(t, h.OnDelta(llm.StreamDelta{Kind: llm.DeltaResponse, Text: "short answer"}))
	require.NoError(t, h.OnComplete(context.Background()))

	evs := sink.types()
	assert.Equal(t, []EventType{EventMeta, EventMessage, EventFinish, EventDone}, evs)

	assert.Equal(t, 1, store.calls)
	assert.Equal(t, "conv-1", store.conversationID)
	assert.Equal(t, "msg-1", store.messageID)
	assert.Equal(t, "short answer", store.content)

	finish := sink.snapshot()[2].Data.(CompletionPayload)
	assert.Equal(t, "msg-1", finish.MessageID)
	assert.Empty(t, finish.Title)
}

func TestEventHandler_TitleOnFirstAssistantTurn(t *testing.T) {
	mr := newMiniredis(t)
	r := setupRegistry(t, mr)
	sink := &recordingSink{}
	require.NoError(t, r.Register(context.Background(), "task-t", sink, nil))

	h, ok := NewEventHandler(r, nil, "task-t", "conv-1", "msg-1", "新对话标题", 12, nil)
	require.True(t, ok)
	require.NoError(t, h.OnComplete(context.Background()))

	var finish CompletionPayload
	for _, ev := range sink.snapshot() {
		if ev.Type == EventFinish {
			finish = ev.Data.(CompletionPayload)
		}
	}
	assert.Equal(t, "新对话标题", finish.Title)
}

func TestEventHandler_SaveFailureDoesNotBreakStream(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	h, sink, _ := setupHandler(t, 100, store)

	require.NoError(t, h.OnDelta(llm.StreamDelta{Kind: llm.DeltaResponse, Text: "answer"}))
	require.NoError(t, h.OnComplete(context.Background()))

	assert.Equal(t, 1, sink.count(EventFinish))
	assert.Equal(t, 1, sink.count(EventDone))
}

func TestEventHandler_ErrorSuppressedAfterCancel(t *testing.T) {
	h, sink, r := setupHandler(t, 12, nil)

	require.NoError(t, r.Cancel(context.Background(), "task-1"))
	waitFor(t, func() bool { return r.Cancelled("task-1") }, "cancel to land")

	upstream := errors.New("provider reset connection")
	assert.NoError(t, h.OnError(upstream))

	// 未取消时错误原样透传
	h2, _, _ := setupHandler(t, 12, nil)
	assert.ErrorIs(t, h2.OnError(upstream), upstream)

	// 取消已下发终止事件，完成路径不再二次下发
	err := h.OnComplete(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrStreamClosed, types.GetErrorCode(err))
	assert.Equal(t, 1, sink.count(EventDone))
}

func TestEventHandler_UnknownTask(t *testing.T) {
	mr := newMiniredis(t)
	r := setupRegistry(t, mr)

	_, ok := NewEventHandler(r, nil, "no-such-task", "conv", "msg", "", 12, nil)
	assert.False(t, ok)
}
