package llm

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/llm/routing"
	"github.com/BaSui01/ragflow/types"
)

// Service 组合选择器、路由执行器与客户端注册表，
// 对上层暴露与 Provider 无关的能力调用。
// 单个候选的失败在这里被降级链吸收，调用方只会在
// 所有候选耗尽时看到错误。
type Service struct {
	selector *routing.Selector
	executor *routing.Executor
	registry *ClientRegistry
	logger   *zap.Logger
}

// NewService 创建模型服务
func NewService(selector *routing.Selector, executor *routing.Executor, registry *ClientRegistry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		selector: selector,
		executor: executor,
		registry: registry,
		logger:   logger.With(zap.String("component", "llm_service")),
	}
}

// Chat 同步聊天，按候选降级
func (s *Service) Chat(ctx context.Context, req *ChatRequest) (string, error) {
	targets := s.selector.Targets(routing.CapabilityChat)
	return routing.ExecuteWithFallbackTyped[string](
		s.executor, ctx, routing.CapabilityChat, targets, s.registry.ChatResolver(),
		func(ctx context.Context, client any, target routing.Target) (string, error) {
			return client.(ChatClient).Chat(ctx, req, target)
		})
}

// StreamChat 流式聊天，按候选降级。降级只发生在尚未产出任何增量时；
// 一旦开始产出增量即绑定当前候选，中途失败原样上抛。
func (s *Service) StreamChat(ctx context.Context, req *ChatRequest, onDelta func(StreamDelta) error) error {
	targets := s.selector.Targets(routing.CapabilityChat)

	_, err := s.executor.ExecuteWithFallback(ctx, routing.CapabilityChat, targets, s.registry.ChatResolver(),
		func(ctx context.Context, client any, target routing.Target) (any, error) {
			started := false
			err := client.(ChatClient).StreamChat(ctx, req, target, func(delta StreamDelta) error {
				started = true
				return onDelta(delta)
			})
			if err != nil && started {
				// 已向下游发过增量，不能切换候选重新开始
				return nil, &noFallbackError{cause: err}
			}
			return nil, err
		})

	var nf *noFallbackError
	if err != nil {
		if AsNoFallback(err, &nf) {
			return nf.cause
		}
	}
	return err
}

// Embed 单条向量化
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	targets := s.selector.Targets(routing.CapabilityEmbedding)
	return routing.ExecuteWithFallbackTyped[[]float32](
		s.executor, ctx, routing.CapabilityEmbedding, targets, s.registry.EmbeddingResolver(),
		func(ctx context.Context, client any, target routing.Target) ([]float32, error) {
			return client.(EmbeddingClient).Embed(ctx, text, target)
		})
}

// EmbedBatch 批量向量化
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	targets := s.selector.Targets(routing.CapabilityEmbedding)
	return routing.ExecuteWithFallbackTyped[[][]float32](
		s.executor, ctx, routing.CapabilityEmbedding, targets, s.registry.EmbeddingResolver(),
		func(ctx context.Context, client any, target routing.Target) ([][]float32, error) {
			return client.(EmbeddingClient).EmbedBatch(ctx, texts, target)
		})
}

// Rerank 重排
func (s *Service) Rerank(ctx context.Context, query string, candidates []types.RetrievedChunk, topN int) ([]types.RetrievedChunk, error) {
	targets := s.selector.Targets(routing.CapabilityRerank)
	return routing.ExecuteWithFallbackTyped[[]types.RetrievedChunk](
		s.executor, ctx, routing.CapabilityRerank, targets, s.registry.RerankResolver(),
		func(ctx context.Context, client any, target routing.Target) ([]types.RetrievedChunk, error) {
			return client.(RerankClient).Rerank(ctx, query, candidates, topN, target)
		})
}
