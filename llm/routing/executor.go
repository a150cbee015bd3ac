package routing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/internal/metrics"
	"github.com/BaSui01/ragflow/llm/circuitbreaker"
)

var (
	// ErrNoCandidates 选择器未产出任何候选（配置问题）
	ErrNoCandidates = errors.New("no candidates available")
	// ErrCandidatesExhausted 所有候选均失败或被跳过
	ErrCandidatesExhausted = errors.New("all candidates exhausted")
)

// ClientResolver 将路由目标解析为具体客户端。
// 返回 nil 表示该目标无可用客户端（配置问题，不计入健康失败）。
type ClientResolver func(target Target) any

// Call 对单个目标执行一次调用
type Call func(ctx context.Context, client any, target Target) (any, error)

// Executor 按序尝试候选并在失败时降级到下一个，
// 使系统中所有 chat / embedding / rerank 调用对 Provider 透明。
type Executor struct {
	breakers  *circuitbreaker.Store
	collector *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewExecutor 创建路由执行器
func NewExecutor(breakers *circuitbreaker.Store, collector *metrics.Collector, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		breakers:  breakers,
		collector: collector,
		tracer:    otel.Tracer("ragflow/llm/routing"),
		logger:    logger.With(zap.String("component", "routing_executor")),
	}
}

// ExecuteWithFallback 按序尝试 targets 中的候选：
//   - 解析不到客户端：跳过，只记日志，不计健康失败
//   - 熔断器拒绝：跳过
//   - 调用成功：MarkSuccess 并立即返回
//   - 调用失败：MarkFailure，记住错误，继续下一个
//   - 调用失败且错误实现 NoFallback() bool：MarkFailure 后直接上抛
//
// 全部失败时返回包裹最后一个错误的 ErrCandidatesExhausted；
// 列表为空时返回 ErrNoCandidates。
func (e *Executor) ExecuteWithFallback(
	ctx context.Context,
	capability Capability,
	targets []Target,
	resolve ClientResolver,
	call Call,
) (any, error) {
	ctx, span := e.tracer.Start(ctx, "routing.execute",
		trace.WithAttributes(
			attribute.String("capability", string(capability)),
			attribute.Int("candidates", len(targets)),
		))
	defer span.End()

	if len(targets) == 0 {
		e.collector.RecordRoutingExhausted(string(capability), "no_candidates")
		return nil, fmt.Errorf("%w: capability=%s", ErrNoCandidates, capability)
	}

	var lastErr error
	for _, target := range targets {
		id := target.Candidate.ID

		client := resolve(target)
		if client == nil {
			// 配置问题而非运行期故障，不污染健康状态
			e.logger.Warn("no client for candidate, skipping",
				zap.String("capability", string(capability)),
				zap.String("candidate", id),
				zap.String("provider", target.Candidate.Provider),
			)
			continue
		}

		if e.breakers != nil && !e.breakers.AllowCall(id) {
			e.logger.Debug("candidate rejected by circuit breaker",
				zap.String("capability", string(capability)),
				zap.String("candidate", id),
			)
			continue
		}

		result, err := call(ctx, client, target)
		if err == nil {
			if e.breakers != nil {
				e.breakers.MarkSuccess(id)
			}
			e.collector.RecordRoutingAttempt(string(capability), id, "success")
			span.SetAttributes(attribute.String("selected", id))
			return result, nil
		}

		if e.breakers != nil {
			e.breakers.MarkFailure(id)
		}
		e.collector.RecordRoutingAttempt(string(capability), id, "failure")

		// 调用方标记为不可降级的失败（如已产出增量的流）直接上抛，
		// 换候选重跑会导致下游重复输出
		var nf interface{ NoFallback() bool }
		if errors.As(err, &nf) && nf.NoFallback() {
			e.logger.Warn("candidate call failed mid-flight, not falling back",
				zap.String("capability", string(capability)),
				zap.String("candidate", id),
				zap.Error(err),
			)
			return nil, err
		}

		e.logger.Warn("candidate call failed, falling back",
			zap.String("capability", string(capability)),
			zap.String("candidate", id),
			zap.Error(err),
		)
		lastErr = err
	}

	e.collector.RecordRoutingExhausted(string(capability), "exhausted")
	if lastErr == nil {
		// 所有候选都被跳过（熔断或无客户端），没有真正的调用失败
		return nil, fmt.Errorf("%w: capability=%s, all candidates skipped", ErrCandidatesExhausted, capability)
	}
	return nil, fmt.Errorf("%w: capability=%s: %w", ErrCandidatesExhausted, capability, lastErr)
}
