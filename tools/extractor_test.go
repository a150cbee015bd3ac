package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ragflow/llm"
	"github.com/BaSui01/ragflow/llm/circuitbreaker"
	"github.com/BaSui01/ragflow/llm/routing"
)

type cannedChat struct {
	reply string
	err   error
}

func (c cannedChat) Chat(ctx context.Context, req *llm.ChatRequest, target routing.Target) (string, error) {
	return c.reply, c.err
}

func (c cannedChat) StreamChat(ctx context.Context, req *llm.ChatRequest, target routing.Target, onDelta func(llm.StreamDelta) error) error {
	return c.err
}

func extractorService(t *testing.T, chat llm.ChatClient) *llm.Service {
	t.Helper()
	breakers := circuitbreaker.NewStore(nil, nil)
	configs := map[routing.Capability]routing.CapabilityConfig{
		routing.CapabilityChat: {Candidates: []routing.ModelCandidate{
			{ID: "chat-local", Provider: routing.ProviderNone, Model: "chat-test", Enabled: true},
		}},
	}
	selector := routing.NewSelector(map[string]routing.ProviderConfig{}, configs, breakers, nil)
	executor := routing.NewExecutor(breakers, nil, nil)
	registry := llm.NewClientRegistry()
	registry.RegisterChat(routing.ProviderNone, chat)
	return llm.NewService(selector, executor, registry, nil)
}

func TestParamExtractor_ParsesJSONReply(t *testing.T) {
	svc := extractorService(t, cannedChat{reply: `{"city":"Beijing","days":3}`})
	extractor := NewParamExtractor(svc, nil)

	params := extractor.Extract(context.Background(), "weather", "ask about weather")
	require.Len(t, params, 2)
	assert.Equal(t, "Beijing", params["city"])
	assert.Equal(t, float64(3), params["days"])
}

func TestParamExtractor_StripsFencesAndProse(t *testing.T) {
	svc := extractorService(t, cannedChat{reply: "Sure, here you go:\n```json\n{\"q\": \"go\"}\n```"})
	extractor := NewParamExtractor(svc, nil)

	params := extractor.Extract(context.Background(), "search", "search go docs")
	assert.Equal(t, map[string]any{"q": "go"}, params)
}

func TestParamExtractor_ChatFailureDegradesToEmpty(t *testing.T) {
	svc := extractorService(t, cannedChat{err: errors.New("upstream down")})
	extractor := NewParamExtractor(svc, nil)

	params := extractor.Extract(context.Background(), "search", "anything")
	assert.Empty(t, params)
}

func TestParamExtractor_NonJSONDegradesToEmpty(t *testing.T) {
	svc := extractorService(t, cannedChat{reply: "I cannot help with that."})
	extractor := NewParamExtractor(svc, nil)

	params := extractor.Extract(context.Background(), "search", "anything")
	assert.Empty(t, params)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("prefix {\"a\":1} suffix"))
	assert.Equal(t, "{}", extractJSON("no braces at all"))
	assert.Equal(t, "{}", extractJSON("} reversed {"))
}
