package fusion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/ragflow/config"
	"github.com/BaSui01/ragflow/internal/metrics"
	"github.com/BaSui01/ragflow/internal/pool"
	"github.com/BaSui01/ragflow/llm"
	"github.com/BaSui01/ragflow/rag"
	"github.com/BaSui01/ragflow/tools"
	"github.com/BaSui01/ragflow/types"
)

// Retriever performs the coarse vector search against one collection.
type Retriever interface {
	Retrieve(ctx context.Context, collection, query string, topK int) ([]types.RetrievedChunk, error)
}

// Engine fans retrieval out across sub-questions and their matched
// intents, reranks knowledge-base hits, executes matched tools, and
// fuses everything into a single prompt context.
//
// Failure policy: a sub-question or intent that fails contributes an
// empty context instead of failing the whole fusion. Fuse itself only
// returns an error when the caller's context is done.
type Engine struct {
	cfg       config.FusionConfig
	svc       *llm.Service
	retriever Retriever
	registry  tools.Registry
	extractor *tools.ParamExtractor
	tokenizer rag.Tokenizer
	pool      *pool.WorkerPool
	collector *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewEngine wires the fusion engine. registry and tokenizer may be nil:
// a nil registry disables the tool path, a nil tokenizer disables the
// token budget.
func NewEngine(cfg config.FusionConfig, svc *llm.Service, retriever Retriever, registry tools.Registry, tokenizer rag.Tokenizer, workers *pool.WorkerPool, collector *metrics.Collector, tracer trace.Tracer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		svc:       svc,
		retriever: retriever,
		registry:  registry,
		extractor: tools.NewParamExtractor(svc, logger),
		tokenizer: tokenizer,
		pool:      workers,
		collector: collector,
		tracer:    tracer,
		logger:    logger.With(zap.String("component", "fusion")),
	}
}

// Fuse retrieves and fuses context for every sub-question. Sub-questions
// run concurrently but the result is assembled in input order, so the
// same input always yields the same concatenation regardless of which
// leg finishes first.
func (e *Engine) Fuse(ctx context.Context, subs []SubQuestion, topK int) (*Context, error) {
	start := time.Now()
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "fusion.fuse",
			trace.WithAttributes(
				attribute.Int("fusion.sub_questions", len(subs)),
				attribute.Int("fusion.top_k", topK),
			))
		defer span.End()
	}

	if len(subs) == 0 {
		e.collector.RecordFusionDuration("empty", time.Since(start))
		return &Context{IntentChunks: map[string][]types.RetrievedChunk{}}, nil
	}
	if topK <= 0 {
		topK = 1
	}

	results := make([]*SubQuestionContext, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			// Per-leg failures are absorbed inside fuseOne; never
			// propagate them so sibling legs keep running.
			results[i] = e.fuseOne(gctx, sub, topK)
			return nil
		})
	}
	_ = g.Wait() // legs never return errors, but Wait joins them
	if err := ctx.Err(); err != nil {
		e.collector.RecordFusionDuration("canceled", time.Since(start))
		return nil, fmt.Errorf("fusion canceled: %w", err)
	}

	out := merge(results)
	if e.tokenizer != nil && e.cfg.MaxContextTokens > 0 {
		out.KBContext = e.tokenizer.Truncate(out.KBContext, e.cfg.MaxContextTokens)
	}

	e.collector.RecordFusionDuration("ok", time.Since(start))
	e.logger.Debug("上下文融合完成",
		zap.Int("sub_questions", len(subs)),
		zap.Int("intents", len(out.IntentChunks)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// fuseOne builds the context for a single sub-question: KB intents and
// MCP intents fan out together, then join.
func (e *Engine) fuseOne(ctx context.Context, sub SubQuestion, topK int) *SubQuestionContext {
	out := &SubQuestionContext{
		SubQuestion:  sub.Text,
		IntentChunks: make(map[string][]types.RetrievedChunk),
	}

	kbNodes, mcpNodes := e.partition(sub.Scores)
	if len(kbNodes) == 0 && len(mcpNodes) == 0 {
		return out
	}

	type kbHit struct {
		node   types.IntentNode
		chunks []types.RetrievedChunk
	}
	kbHits := make([]kbHit, len(kbNodes))
	mcpTexts := make([]string, len(mcpNodes))

	var wg sync.WaitGroup
	for i, node := range kbNodes {
		i, node := i, node
		wg.Add(1)
		go func() {
			defer wg.Done()
			chunks := e.retrieveKB(ctx, node, sub.Text, topK)
			kbHits[i] = kbHit{node: node, chunks: chunks}
		}()
	}
	for i, node := range mcpNodes {
		i, node := i, node
		wg.Add(1)
		go func() {
			defer wg.Done()
			mcpTexts[i] = e.invokeTool(ctx, node, sub.Text)
		}()
	}
	wg.Wait()

	var kb strings.Builder
	for _, hit := range kbHits {
		if len(hit.chunks) == 0 {
			continue
		}
		out.IntentChunks[hit.node.ID] = hit.chunks
		kb.WriteString("[" + nodeLabel(hit.node) + "]\n")
		for _, c := range hit.chunks {
			kb.WriteString(c.Text)
			kb.WriteString("\n")
		}
	}
	out.KBContext = kb.String()

	var mcp strings.Builder
	for i, text := range mcpTexts {
		if text == "" {
			continue
		}
		mcp.WriteString("[" + nodeLabel(mcpNodes[i]) + "]\n")
		mcp.WriteString(text)
		mcp.WriteString("\n")
	}
	out.MCPContext = mcp.String()
	return out
}

// partition splits scored intents by kind, keeping only those at or
// above the relevance floor. Order within a kind follows descending
// score so the fused context leads with the strongest match.
func (e *Engine) partition(scores []types.NodeScore) (kb, mcp []types.IntentNode) {
	sorted := make([]types.NodeScore, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	for _, ns := range sorted {
		if ns.Score < e.cfg.MinIntentScore {
			continue
		}
		switch {
		case ns.Node.IsMCP():
			mcp = append(mcp, ns.Node)
		case ns.Node.IsKB():
			kb = append(kb, ns.Node)
		}
	}
	return kb, mcp
}

// retrieveKB runs coarse retrieval then reranks through the routed
// rerank capability. Any failure degrades to no chunks for this intent.
func (e *Engine) retrieveKB(ctx context.Context, node types.IntentNode, query string, topK int) []types.RetrievedChunk {
	var chunks []types.RetrievedChunk
	err := e.submit(ctx, func(taskCtx context.Context) error {
		searchTopK := topK * e.cfg.SearchMultiplier
		if searchTopK < e.cfg.MinSearchTopK {
			searchTopK = e.cfg.MinSearchTopK
		}
		coarse, err := e.retriever.Retrieve(taskCtx, node.Collection, query, searchTopK)
		if err != nil {
			return fmt.Errorf("retrieve collection %s: %w", node.Collection, err)
		}
		if len(coarse) == 0 {
			return nil
		}
		ranked, err := e.svc.Rerank(taskCtx, query, coarse, topK*e.cfg.RerankMultiplier)
		if err != nil {
			return fmt.Errorf("rerank collection %s: %w", node.Collection, err)
		}
		chunks = ranked
		return nil
	})
	if err != nil {
		e.collector.RecordIntentFailure("kb")
		e.logger.Warn("知识库意图检索失败，该意图降级为空",
			zap.String("intent", node.ID),
			zap.String("collection", node.Collection),
			zap.Error(err))
		return nil
	}
	e.collector.RecordFusedChunks("kb", len(chunks))
	return chunks
}

// invokeTool extracts parameters and executes one matched tool. Failures
// degrade to an empty string.
func (e *Engine) invokeTool(ctx context.Context, node types.IntentNode, subQuestion string) string {
	if e.registry == nil {
		return ""
	}
	exec, ok := e.registry.Executor(node.ToolID)
	if !ok {
		e.collector.RecordIntentFailure("mcp")
		e.logger.Warn("工具未注册，跳过该意图", zap.String("tool_id", node.ToolID))
		return ""
	}

	var text string
	err := e.submit(ctx, func(taskCtx context.Context) error {
		req := &tools.Request{
			ToolID:      node.ToolID,
			SubQuestion: subQuestion,
			Params:      e.extractor.Extract(taskCtx, node.ToolID, subQuestion),
		}
		res, err := exec.Execute(taskCtx, req)
		if err != nil {
			return fmt.Errorf("execute tool %s: %w", node.ToolID, err)
		}
		if !res.Success {
			return fmt.Errorf("tool %s reported failure", node.ToolID)
		}
		text = res.Text
		return nil
	})
	if err != nil {
		e.collector.RecordIntentFailure("mcp")
		e.logger.Warn("工具调用失败，该意图降级为空",
			zap.String("intent", node.ID),
			zap.String("tool_id", node.ToolID),
			zap.Error(err))
		return ""
	}
	e.collector.RecordFusedChunks("mcp", 1)
	return text
}

// submit runs the task through the shared worker pool when one is
// configured, inline otherwise.
func (e *Engine) submit(ctx context.Context, task pool.Task) error {
	if e.pool == nil {
		return task(ctx)
	}
	return e.pool.SubmitWait(ctx, task)
}

func nodeLabel(node types.IntentNode) string {
	if node.Name != "" {
		return node.Name
	}
	return node.ID
}
