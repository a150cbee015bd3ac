package tools

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/llm"
)

const extractorPrompt = `You extract structured tool parameters from a user question.
Respond with a single JSON object whose keys are parameter names.
Respond with {} when no parameters can be extracted. No prose, JSON only.`

// ParamExtractor derives tool parameters from a sub-question through the
// chat capability. Extraction failures degrade to an empty parameter map:
// a tool call with fewer parameters beats a dropped tool call.
type ParamExtractor struct {
	svc    *llm.Service
	logger *zap.Logger
}

// NewParamExtractor creates an extractor backed by the routed chat service.
func NewParamExtractor(svc *llm.Service, logger *zap.Logger) *ParamExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParamExtractor{
		svc:    svc,
		logger: logger.With(zap.String("component", "param_extractor")),
	}
}

// Extract builds the parameter map for one tool invocation.
func (e *ParamExtractor) Extract(ctx context.Context, toolID, subQuestion string) map[string]any {
	req := &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: extractorPrompt},
			{Role: llm.RoleUser, Content: "Tool: " + toolID + "\nQuestion: " + subQuestion},
		},
		Temperature: 0,
	}

	raw, err := e.svc.Chat(ctx, req)
	if err != nil {
		e.logger.Warn("parameter extraction failed, using empty params",
			zap.String("tool", toolID), zap.Error(err))
		return map[string]any{}
	}

	params := map[string]any{}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &params); err != nil {
		e.logger.Warn("extractor returned non-JSON output, using empty params",
			zap.String("tool", toolID), zap.String("output", raw))
		return map[string]any{}
	}
	return params
}

// extractJSON strips code fences and surrounding prose the model may add.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return "{}"
	}
	return raw[start : end+1]
}
