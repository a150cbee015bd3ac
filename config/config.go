// =============================================================================
// 📦 RagFlow 配置
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("RAGFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"time"

	"github.com/BaSui01/ragflow/llm/routing"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 RagFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Redis 配置（取消标记 + 广播）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Providers 模型服务商接入配置
	Providers map[string]routing.ProviderConfig `yaml:"providers"`

	// Chat / Embedding / Rerank 各能力的候选配置
	Chat      routing.CapabilityConfig `yaml:"chat"`
	Embedding routing.CapabilityConfig `yaml:"embedding"`
	Rerank    routing.CapabilityConfig `yaml:"rerank"`

	// Selection 候选健康选择（熔断）配置
	Selection SelectionConfig `yaml:"selection" env:"SELECTION"`

	// Fusion 检索融合配置
	Fusion FusionConfig `yaml:"fusion" env:"FUSION"`

	// Retrieval 向量检索后端（Qdrant）配置
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Stream 流式会话配置
	Stream StreamConfig `yaml:"stream" env:"STREAM"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（0 表示不限制，流式响应必需）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 级别: debug/info/warn/error
	Level string `yaml:"level" env:"LEVEL"`
	// 格式: json/console
	Format string `yaml:"format" env:"FORMAT"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// SelectionConfig 候选健康选择配置
type SelectionConfig struct {
	// 连续失败次数阈值
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// 熔断冷却时间
	OpenDuration time.Duration `yaml:"open_duration" env:"OPEN_DURATION"`
}

// FusionConfig 检索融合配置
type FusionConfig struct {
	// 意图最低相关性分
	MinIntentScore float64 `yaml:"min_intent_score" env:"MIN_INTENT_SCORE"`
	// 粗召回放大倍数: searchTopK = max(topK*SearchMultiplier, MinSearchTopK)
	SearchMultiplier int `yaml:"search_multiplier" env:"SEARCH_MULTIPLIER"`
	// 粗召回下限
	MinSearchTopK int `yaml:"min_search_top_k" env:"MIN_SEARCH_TOP_K"`
	// 重排保留倍数: rerankTopK = topK*RerankMultiplier
	RerankMultiplier int `yaml:"rerank_multiplier" env:"RERANK_MULTIPLIER"`
	// 融合上下文 token 预算（0 不限制）
	MaxContextTokens int `yaml:"max_context_tokens" env:"MAX_CONTEXT_TOKENS"`
	// Token 预算使用的 tiktoken 模型
	TokenizerModel string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
	// 单意图扇出工作池大小
	PoolWorkers int `yaml:"pool_workers" env:"POOL_WORKERS"`
}

// RetrievalConfig 向量检索后端配置
type RetrievalConfig struct {
	// Qdrant 基础地址
	URL string `yaml:"url" env:"URL"`
	// 可选 API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 检索请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// StreamConfig 流式会话配置
type StreamConfig struct {
	// 增量按码点分组大小
	ChunkRunes int `yaml:"chunk_runes" env:"CHUNK_RUNES"`
	// 持久化取消标记 TTL
	CancelFlagTTL time.Duration `yaml:"cancel_flag_ttl" env:"CANCEL_FLAG_TTL"`
	// 本地会话兜底 TTL
	SessionTTL time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	SampleRate  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// =============================================================================
// 🧩 默认值
// =============================================================================

// Default 返回带默认值的完整配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // SSE 长连接
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Providers: map[string]routing.ProviderConfig{},
		Selection: SelectionConfig{
			FailureThreshold: 3,
			OpenDuration:     30 * time.Second,
		},
		Fusion: FusionConfig{
			MinIntentScore:   0.5,
			SearchMultiplier: 3,
			MinSearchTopK:    10,
			RerankMultiplier: 2,
			MaxContextTokens: 0,
			TokenizerModel:   "gpt-4o",
			PoolWorkers:      16,
		},
		Retrieval: RetrievalConfig{
			URL:     "http://localhost:6333",
			Timeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			ChunkRunes:    12,
			CancelFlagTTL: 30 * time.Minute,
			SessionTTL:    time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "ragflow",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}
	if c.Selection.FailureThreshold <= 0 {
		return fmt.Errorf("selection.failure_threshold must be positive, got %d", c.Selection.FailureThreshold)
	}
	if c.Selection.OpenDuration <= 0 {
		return fmt.Errorf("selection.open_duration must be positive, got %v", c.Selection.OpenDuration)
	}
	if c.Fusion.MinIntentScore < 0 || c.Fusion.MinIntentScore > 1 {
		return fmt.Errorf("fusion.min_intent_score must be in [0,1], got %v", c.Fusion.MinIntentScore)
	}
	if c.Fusion.SearchMultiplier <= 0 || c.Fusion.RerankMultiplier <= 0 {
		return fmt.Errorf("fusion multipliers must be positive")
	}
	if c.Stream.ChunkRunes <= 0 {
		return fmt.Errorf("stream.chunk_runes must be positive, got %d", c.Stream.ChunkRunes)
	}
	if c.Stream.CancelFlagTTL <= 0 {
		return fmt.Errorf("stream.cancel_flag_ttl must be positive, got %v", c.Stream.CancelFlagTTL)
	}

	for _, cap := range []struct {
		name string
		cfg  routing.CapabilityConfig
	}{
		{"chat", c.Chat}, {"embedding", c.Embedding}, {"rerank", c.Rerank},
	} {
		seen := map[string]bool{}
		for _, cand := range cap.cfg.Candidates {
			if cand.ID == "" {
				return fmt.Errorf("%s: candidate with empty id", cap.name)
			}
			if seen[cand.ID] {
				return fmt.Errorf("%s: duplicate candidate id %q", cap.name, cand.ID)
			}
			seen[cand.ID] = true
			if _, ok := c.Providers[cand.Provider]; !ok && cand.Provider != routing.ProviderNone {
				// 仅提醒级别的问题：选择器运行期会剔除，不在加载期报错
				continue
			}
		}
	}

	return nil
}

// Capabilities 返回按能力索引的候选配置
func (c *Config) Capabilities() map[routing.Capability]routing.CapabilityConfig {
	return map[routing.Capability]routing.CapabilityConfig{
		routing.CapabilityChat:      c.Chat,
		routing.CapabilityEmbedding: c.Embedding,
		routing.CapabilityRerank:    c.Rerank,
	}
}
