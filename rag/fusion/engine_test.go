package fusion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ragflow/config"
	"github.com/BaSui01/ragflow/internal/pool"
	"github.com/BaSui01/ragflow/llm"
	"github.com/BaSui01/ragflow/llm/circuitbreaker"
	"github.com/BaSui01/ragflow/llm/routing"
	"github.com/BaSui01/ragflow/tools"
	"github.com/BaSui01/ragflow/types"
)

// ---------- fakes ----------

type fakeRetriever struct {
	mu    sync.Mutex
	delay map[string]time.Duration // per-collection artificial latency
	fail  map[string]error
	docs  map[string][]types.RetrievedChunk
	calls []string
}

func (f *fakeRetriever) Retrieve(ctx context.Context, collection, query string, topK int) ([]types.RetrievedChunk, error) {
	f.mu.Lock()
	f.calls = append(f.calls, collection)
	delay := f.delay[collection]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.fail[collection]; err != nil {
		return nil, err
	}
	docs := f.docs[collection]
	if len(docs) > topK {
		docs = docs[:topK]
	}
	return docs, nil
}

// passthroughRerank returns the candidates truncated to topN.
type passthroughRerank struct{ err error }

func (p passthroughRerank) Rerank(ctx context.Context, query string, candidates []types.RetrievedChunk, topN int, target routing.Target) ([]types.RetrievedChunk, error) {
	if p.err != nil {
		return nil, p.err
	}
	if len(candidates) > topN {
		candidates = candidates[:topN]
	}
	return candidates, nil
}

type fakeTool struct {
	text string
	err  error
}

func (f fakeTool) Execute(ctx context.Context, req *tools.Request) (*tools.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &tools.Result{Success: true, Text: f.text}, nil
}

type fakeToolRegistry map[string]tools.Executor

func (r fakeToolRegistry) Executor(toolID string) (tools.Executor, bool) {
	exec, ok := r[toolID]
	return exec, ok
}

func newTestService(t *testing.T, rerank llm.RerankClient) *llm.Service {
	t.Helper()
	breakers := circuitbreaker.NewStore(nil, nil)
	configs := map[routing.Capability]routing.CapabilityConfig{
		routing.CapabilityRerank: {Candidates: []routing.ModelCandidate{
			{ID: "rr-local", Provider: routing.ProviderNone, Model: "rerank-test", Enabled: true},
		}},
	}
	selector := routing.NewSelector(map[string]routing.ProviderConfig{}, configs, breakers, nil)
	executor := routing.NewExecutor(breakers, nil, nil)
	registry := llm.NewClientRegistry()
	registry.RegisterRerank(routing.ProviderNone, rerank)
	return llm.NewService(selector, executor, registry, nil)
}

func testFusionConfig() config.FusionConfig {
	return config.FusionConfig{
		MinIntentScore:   0.5,
		SearchMultiplier: 3,
		MinSearchTopK:    10,
		RerankMultiplier: 2,
	}
}

func chunksOf(texts ...string) []types.RetrievedChunk {
	out := make([]types.RetrievedChunk, len(texts))
	for i, text := range texts {
		out[i] = types.RetrievedChunk{ID: text, Text: text, Score: 1}
	}
	return out
}

func kbScore(id, collection string, score float64) types.NodeScore {
	return types.NodeScore{
		Node:  types.IntentNode{ID: id, Name: id, Kind: types.NodeKindKB, Collection: collection},
		Score: score,
	}
}

func mcpScore(id, toolID string, score float64) types.NodeScore {
	return types.NodeScore{
		Node:  types.IntentNode{ID: id, Name: id, Kind: types.NodeKindMCP, ToolID: toolID},
		Score: score,
	}
}

// ---------- tests ----------

func TestEngine_Fuse_OrderFollowsInputNotCompletion(t *testing.T) {
	// A is slow, B fast, C medium: completion order is B, C, A but the
	// fused context must read A, B, C.
	retriever := &fakeRetriever{
		delay: map[string]time.Duration{"col-a": 60 * time.Millisecond, "col-c": 30 * time.Millisecond},
		docs: map[string][]types.RetrievedChunk{
			"col-a": chunksOf("alpha"),
			"col-b": chunksOf("bravo"),
			"col-c": chunksOf("charlie"),
		},
	}
	engine := NewEngine(testFusionConfig(), newTestService(t, passthroughRerank{}), retriever, nil, nil, nil, nil, nil, nil)

	subs := []SubQuestion{
		{Text: "question A", Scores: []types.NodeScore{kbScore("ia", "col-a", 0.9)}},
		{Text: "question B", Scores: []types.NodeScore{kbScore("ib", "col-b", 0.9)}},
		{Text: "question C", Scores: []types.NodeScore{kbScore("ic", "col-c", 0.9)}},
	}
	out, err := engine.Fuse(context.Background(), subs, 5)
	require.NoError(t, err)

	posA := strings.Index(out.KBContext, "question A")
	posB := strings.Index(out.KBContext, "question B")
	posC := strings.Index(out.KBContext, "question C")
	require.True(t, posA >= 0 && posB >= 0 && posC >= 0, "all sub-questions present: %q", out.KBContext)
	assert.Less(t, posA, posB)
	assert.Less(t, posB, posC)
	assert.Len(t, out.IntentChunks, 3)
}

func TestEngine_Fuse_FailedIntentDoesNotBlockSiblings(t *testing.T) {
	retriever := &fakeRetriever{
		fail: map[string]error{"col-bad": errors.New("vector store down")},
		docs: map[string][]types.RetrievedChunk{"col-good": chunksOf("still here")},
	}
	engine := NewEngine(testFusionConfig(), newTestService(t, passthroughRerank{}), retriever, nil, nil, nil, nil, nil, nil)

	subs := []SubQuestion{{Text: "q", Scores: []types.NodeScore{
		kbScore("bad", "col-bad", 0.9),
		kbScore("good", "col-good", 0.8),
	}}}
	out, err := engine.Fuse(context.Background(), subs, 3)
	require.NoError(t, err)

	assert.Contains(t, out.KBContext, "still here")
	assert.NotContains(t, out.IntentChunks, "bad")
	assert.Contains(t, out.IntentChunks, "good")
}

func TestEngine_Fuse_RerankFailureDegradesIntent(t *testing.T) {
	retriever := &fakeRetriever{docs: map[string][]types.RetrievedChunk{"col": chunksOf("doc")}}
	engine := NewEngine(testFusionConfig(), newTestService(t, passthroughRerank{err: errors.New("rerank backend down")}), retriever, nil, nil, nil, nil, nil, nil)

	out, err := engine.Fuse(context.Background(), []SubQuestion{
		{Text: "q", Scores: []types.NodeScore{kbScore("i1", "col", 0.9)}},
	}, 3)
	require.NoError(t, err)
	assert.Empty(t, out.KBContext)
	assert.Empty(t, out.IntentChunks)
}

func TestEngine_Fuse_ScoreFloorFiltersIntents(t *testing.T) {
	retriever := &fakeRetriever{docs: map[string][]types.RetrievedChunk{
		"col-hi": chunksOf("relevant"),
		"col-lo": chunksOf("irrelevant"),
	}}
	engine := NewEngine(testFusionConfig(), newTestService(t, passthroughRerank{}), retriever, nil, nil, nil, nil, nil, nil)

	out, err := engine.Fuse(context.Background(), []SubQuestion{
		{Text: "q", Scores: []types.NodeScore{
			kbScore("hi", "col-hi", 0.9),
			kbScore("lo", "col-lo", 0.2), // below MinIntentScore 0.5
		}},
	}, 3)
	require.NoError(t, err)

	assert.Contains(t, out.KBContext, "relevant")
	assert.NotContains(t, out.KBContext, "irrelevant")
	retriever.mu.Lock()
	defer retriever.mu.Unlock()
	assert.NotContains(t, retriever.calls, "col-lo")
}

func TestEngine_Fuse_SearchTopKHonorsFloor(t *testing.T) {
	var gotTopK int
	capture := retrieverFunc(func(ctx context.Context, collection, query string, topK int) ([]types.RetrievedChunk, error) {
		gotTopK = topK
		return nil, nil
	})

	engine := NewEngine(testFusionConfig(), newTestService(t, passthroughRerank{}), capture, nil, nil, nil, nil, nil, nil)
	_, err := engine.Fuse(context.Background(), []SubQuestion{
		{Text: "q", Scores: []types.NodeScore{kbScore("i", "col", 0.9)}},
	}, 2)
	require.NoError(t, err)

	// topK*SearchMultiplier = 6 is under the floor of 10.
	assert.Equal(t, 10, gotTopK)
}

type retrieverFunc func(ctx context.Context, collection, query string, topK int) ([]types.RetrievedChunk, error)

func (f retrieverFunc) Retrieve(ctx context.Context, collection, query string, topK int) ([]types.RetrievedChunk, error) {
	return f(ctx, collection, query, topK)
}

func TestEngine_Fuse_MCPPath(t *testing.T) {
	registry := fakeToolRegistry{
		"weather": fakeTool{text: "sunny, 22C"},
		"broken":  fakeTool{err: errors.New("tool transport error")},
	}
	retriever := &fakeRetriever{docs: map[string][]types.RetrievedChunk{"col": chunksOf("kb doc")}}
	engine := NewEngine(testFusionConfig(), newTestService(t, passthroughRerank{}), retriever, registry, nil, nil, nil, nil, nil)

	out, err := engine.Fuse(context.Background(), []SubQuestion{
		{Text: "what is the weather", Scores: []types.NodeScore{
			mcpScore("w", "weather", 0.9),
			mcpScore("b", "broken", 0.8),
			mcpScore("missing", "no-such-tool", 0.7),
			kbScore("k", "col", 0.6),
		}},
	}, 3)
	require.NoError(t, err)

	assert.Contains(t, out.MCPContext, "sunny, 22C")
	assert.NotContains(t, out.MCPContext, "broken")
	assert.Contains(t, out.KBContext, "kb doc")
}

func TestEngine_Fuse_DuplicateIntentLastWriteWins(t *testing.T) {
	// Same collection matched by both sub-questions under one intent id,
	// with different retrieval outcomes per wording.
	calls := 0
	var mu sync.Mutex
	capture := retrieverFunc(func(ctx context.Context, collection, query string, topK int) ([]types.RetrievedChunk, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if strings.Contains(query, "second") {
			return chunksOf("from second"), nil
		}
		return chunksOf("from first"), nil
	})

	engine := NewEngine(testFusionConfig(), newTestService(t, passthroughRerank{}), capture, nil, nil, nil, nil, nil, nil)
	out, err := engine.Fuse(context.Background(), []SubQuestion{
		{Text: "first wording", Scores: []types.NodeScore{kbScore("shared", "col", 0.9)}},
		{Text: "second wording", Scores: []types.NodeScore{kbScore("shared", "col", 0.9)}},
	}, 3)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	require.Contains(t, out.IntentChunks, "shared")
	require.Len(t, out.IntentChunks["shared"], 1)
	assert.Equal(t, "from second", out.IntentChunks["shared"][0].Text)
	// Both legs still appear in the concatenated context.
	assert.Contains(t, out.KBContext, "from first")
	assert.Contains(t, out.KBContext, "from second")
}

func TestEngine_Fuse_EmptyInput(t *testing.T) {
	engine := NewEngine(testFusionConfig(), newTestService(t, passthroughRerank{}), &fakeRetriever{}, nil, nil, nil, nil, nil, nil)
	out, err := engine.Fuse(context.Background(), nil, 5)
	require.NoError(t, err)
	assert.Empty(t, out.KBContext)
	assert.Empty(t, out.MCPContext)
	assert.Empty(t, out.IntentChunks)
}

func TestEngine_Fuse_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(testFusionConfig(), newTestService(t, passthroughRerank{}), &fakeRetriever{}, nil, nil, nil, nil, nil, nil)
	_, err := engine.Fuse(ctx, []SubQuestion{
		{Text: "q", Scores: []types.NodeScore{kbScore("i", "col", 0.9)}},
	}, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_Fuse_WithWorkerPool(t *testing.T) {
	workers := pool.New(pool.Config{Workers: 4, QueueSize: 16})
	defer workers.Close()

	retriever := &fakeRetriever{docs: map[string][]types.RetrievedChunk{
		"c1": chunksOf("one"), "c2": chunksOf("two"), "c3": chunksOf("three"),
	}}
	engine := NewEngine(testFusionConfig(), newTestService(t, passthroughRerank{}), retriever, nil, nil, workers, nil, nil, nil)

	out, err := engine.Fuse(context.Background(), []SubQuestion{
		{Text: "q1", Scores: []types.NodeScore{kbScore("i1", "c1", 0.9)}},
		{Text: "q2", Scores: []types.NodeScore{kbScore("i2", "c2", 0.9)}},
		{Text: "q3", Scores: []types.NodeScore{kbScore("i3", "c3", 0.9)}},
	}, 3)
	require.NoError(t, err)
	assert.Len(t, out.IntentChunks, 3)

	submitted, completed, _ := workers.Stats()
	assert.Equal(t, int64(3), submitted)
	assert.Equal(t, int64(3), completed)
}
