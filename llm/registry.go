package llm

import (
	"sync"

	"github.com/BaSui01/ragflow/llm/routing"
)

// ClientRegistry 按 Provider id 注册的能力客户端。
// 路由执行器通过它把 RoutingTarget 解析成具体客户端；
// 未注册的 Provider 解析为 nil，由执行器跳过。
type ClientRegistry struct {
	mu        sync.RWMutex
	chat      map[string]ChatClient
	embedding map[string]EmbeddingClient
	rerank    map[string]RerankClient
}

// NewClientRegistry 创建客户端注册表
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		chat:      make(map[string]ChatClient),
		embedding: make(map[string]EmbeddingClient),
		rerank:    make(map[string]RerankClient),
	}
}

// RegisterChat 注册聊天客户端
func (r *ClientRegistry) RegisterChat(provider string, client ChatClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[provider] = client
}

// RegisterEmbedding 注册向量化客户端
func (r *ClientRegistry) RegisterEmbedding(provider string, client EmbeddingClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedding[provider] = client
}

// RegisterRerank 注册重排客户端
func (r *ClientRegistry) RegisterRerank(provider string, client RerankClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rerank[provider] = client
}

// ChatResolver 返回聊天能力的路由解析器
func (r *ClientRegistry) ChatResolver() routing.ClientResolver {
	return func(target routing.Target) any {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if c, ok := r.chat[target.Candidate.Provider]; ok {
			return c
		}
		return nil
	}
}

// EmbeddingResolver 返回向量化能力的路由解析器
func (r *ClientRegistry) EmbeddingResolver() routing.ClientResolver {
	return func(target routing.Target) any {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if c, ok := r.embedding[target.Candidate.Provider]; ok {
			return c
		}
		return nil
	}
}

// RerankResolver 返回重排能力的路由解析器
func (r *ClientRegistry) RerankResolver() routing.ClientResolver {
	return func(target routing.Target) any {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if c, ok := r.rerank[target.Candidate.Provider]; ok {
			return c
		}
		return nil
	}
}
