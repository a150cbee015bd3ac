package llm

import (
	"context"

	"github.com/BaSui01/ragflow/llm/routing"
	"github.com/BaSui01/ragflow/types"
)

// Role 对话角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 对话消息
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 聊天请求，模型与端点由 RoutingTarget 决定，
// 调用方不感知具体 Provider。
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	Thinking    bool      `json:"thinking,omitempty"` // 请求思维链增量
}

// DeltaKind 流式增量类型
type DeltaKind string

const (
	// DeltaThink 思维链增量
	DeltaThink DeltaKind = "think"
	// DeltaResponse 正文增量
	DeltaResponse DeltaKind = "response"
)

// StreamDelta 单个流式增量
type StreamDelta struct {
	Kind DeltaKind
	Text string
}

// ChatClient 聊天客户端接口。实现方负责协议细节（OpenAI 兼容、
// 私有协议等），路由层通过 RoutingTarget 指定目标候选。
type ChatClient interface {
	// Chat 发起同步聊天请求，返回完整文本
	Chat(ctx context.Context, req *ChatRequest, target routing.Target) (string, error)

	// StreamChat 发起流式聊天请求，每个增量回调一次 onDelta。
	// onDelta 返回 error 时终止上游生成。
	StreamChat(ctx context.Context, req *ChatRequest, target routing.Target, onDelta func(StreamDelta) error) error
}

// EmbeddingClient 向量化客户端接口
type EmbeddingClient interface {
	// Embed 将单条文本向量化
	Embed(ctx context.Context, text string, target routing.Target) ([]float32, error)

	// EmbedBatch 批量向量化，返回顺序与输入一致
	EmbedBatch(ctx context.Context, texts []string, target routing.Target) ([][]float32, error)
}

// RerankClient 重排客户端接口
type RerankClient interface {
	// Rerank 按查询相关性对候选分片重排，返回前 topN 条
	Rerank(ctx context.Context, query string, candidates []types.RetrievedChunk, topN int, target routing.Target) ([]types.RetrievedChunk, error)
}
