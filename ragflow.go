// Package ragflow assembles the query-serving resilience core: routed
// multi-provider LLM access with per-candidate circuit breaking,
// parallel retrieval fusion, and distributed cancellable SSE streaming.
//
// Usage:
//
//	import "github.com/BaSui01/ragflow"
//
//	cfg := config.MustLoad("config.yaml")
//	app, err := ragflow.New(context.Background(), cfg, ragflow.WithLogger(logger))
//	if err != nil { ... }
//	defer app.Close(context.Background())
//	app.Run()
package ragflow

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/api"
	"github.com/BaSui01/ragflow/api/handlers"
	"github.com/BaSui01/ragflow/config"
	"github.com/BaSui01/ragflow/internal/cache"
	"github.com/BaSui01/ragflow/internal/metrics"
	"github.com/BaSui01/ragflow/internal/pool"
	"github.com/BaSui01/ragflow/internal/server"
	"github.com/BaSui01/ragflow/internal/telemetry"
	"github.com/BaSui01/ragflow/llm"
	"github.com/BaSui01/ragflow/llm/circuitbreaker"
	"github.com/BaSui01/ragflow/llm/routing"
	"github.com/BaSui01/ragflow/providers/openaicompat"
	"github.com/BaSui01/ragflow/rag"
	"github.com/BaSui01/ragflow/rag/fusion"
	"github.com/BaSui01/ragflow/streaming"
	"github.com/BaSui01/ragflow/tools"
)

// App 是组装完成的服务实例。
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Cache     *cache.Manager
	Breakers  *circuitbreaker.Store
	Selector  *routing.Selector
	LLM       *llm.Service
	Fusion    *fusion.Engine
	Registry  *streaming.Registry
	Collector *metrics.Collector

	pool      *pool.WorkerPool
	server    *server.Manager
	providers *telemetry.Providers
}

// Option 组装期配置
type Option func(*options)

type options struct {
	loggerPtr  *zap.Logger
	store      streaming.MessageStore
	tools      tools.Registry
	retriever  fusion.Retriever
	registerer prometheus.Registerer
}

// WithLogger 注入日志器，默认 zap.NewNop。
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.loggerPtr = logger }
}

// WithMessageStore 注入回答持久化实现。
func WithMessageStore(store streaming.MessageStore) Option {
	return func(o *options) { o.store = store }
}

// WithToolRegistry 注入 MCP 工具注册表。
func WithToolRegistry(registry tools.Registry) Option {
	return func(o *options) { o.tools = registry }
}

// WithRetriever 覆盖默认的 Qdrant 检索器。
func WithRetriever(retriever fusion.Retriever) Option {
	return func(o *options) { o.retriever = retriever }
}

// WithRegisterer 覆盖指标注册器，测试用。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New 按配置组装全部组件。失败时已创建的资源会被回收。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.loggerPtr
	if logger == nil {
		logger = zap.NewNop()
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	collector := metrics.NewCollector("ragflow", o.registerer, logger)

	breakers := circuitbreaker.NewStore(&circuitbreaker.Config{
		FailureThreshold: cfg.Selection.FailureThreshold,
		OpenDuration:     cfg.Selection.OpenDuration,
		OnStateChange: func(id string, from, to circuitbreaker.State) {
			collector.SetBreakerState(id, int(to))
		},
	}, logger)

	selector := routing.NewSelector(cfg.Providers, cfg.Capabilities(), breakers, logger)
	executor := routing.NewExecutor(breakers, collector, logger)

	registry := llm.NewClientRegistry()
	client := openaicompat.New(openaicompat.Config{}, logger)
	for id := range cfg.Providers {
		registry.RegisterChat(id, client)
		registry.RegisterEmbedding(id, client)
		registry.RegisterRerank(id, client)
	}
	svc := llm.NewService(selector, executor, registry, logger)

	cacheManager, err := cache.NewManager(cache.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, logger)
	if err != nil {
		_ = providers.Shutdown(ctx)
		return nil, fmt.Errorf("init cache: %w", err)
	}

	bridge := streaming.NewRedisBridge(cacheManager)
	streamRegistry, err := streaming.NewRegistry(ctx, cfg.Stream, bridge, bridge, collector, logger)
	if err != nil {
		_ = cacheManager.Close()
		_ = providers.Shutdown(ctx)
		return nil, fmt.Errorf("init stream registry: %w", err)
	}

	retriever := o.retriever
	if retriever == nil {
		retriever = rag.NewQdrantRetriever(cfg.Retrieval, svc, logger)
	}

	var tokenizer rag.Tokenizer
	if cfg.Fusion.MaxContextTokens > 0 {
		tokenizer = rag.NewTiktokenTokenizer(cfg.Fusion.TokenizerModel, logger)
	}

	workers := pool.New(pool.Config{Workers: cfg.Fusion.PoolWorkers})
	engine := fusion.NewEngine(cfg.Fusion, svc, retriever, o.tools, tokenizer, workers, collector,
		otel.Tracer("ragflow/fusion"), logger)

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Cache:     cacheManager,
		Breakers:  breakers,
		Selector:  selector,
		LLM:       svc,
		Fusion:    engine,
		Registry:  streamRegistry,
		Collector: collector,
		pool:      workers,
		providers: providers,
	}

	streamHandler := handlers.NewStreamHandler(app, streamRegistry, o.store, cfg.Stream.ChunkRunes, logger)
	healthHandler := handlers.NewHealthHandler(logger)
	healthHandler.RegisterCheck(redisCheck{cacheManager})

	mux := api.NewRouter(api.Deps{
		Stream:  streamHandler,
		Health:  healthHandler,
		Metrics: cfg.Metrics,
	})

	app.server = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     server.DefaultConfig().IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	return app, nil
}

// Fuse 执行检索融合，见 fusion.Engine.Fuse。
func (a *App) Fuse(ctx context.Context, subs []fusion.SubQuestion, topK int) (*fusion.Context, error) {
	return a.Fusion.Fuse(ctx, subs, topK)
}

// StreamChat 执行路由流式生成，见 llm.Service.StreamChat。
func (a *App) StreamChat(ctx context.Context, req *llm.ChatRequest, onDelta func(llm.StreamDelta) error) error {
	return a.LLM.StreamChat(ctx, req, onDelta)
}

// Run 启动 HTTP 服务并阻塞至收到退出信号。
func (a *App) Run() error {
	if err := a.server.Start(); err != nil {
		return err
	}
	a.Logger.Info("ragflow 已启动", zap.String("addr", a.server.Addr()))
	a.server.WaitForShutdown()
	return nil
}

// Addr 返回 HTTP 监听地址。
func (a *App) Addr() string {
	return a.server.Addr()
}

// Close 释放全部资源。
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if err := a.server.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	a.Registry.Close()
	a.pool.Close()
	if err := a.Cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.providers.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// redisCheck 就绪探针的 Redis 依赖检查
type redisCheck struct {
	cache *cache.Manager
}

func (c redisCheck) Name() string { return "redis" }

func (c redisCheck) Check(ctx context.Context) error {
	return c.cache.Ping(ctx)
}
