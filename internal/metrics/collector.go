// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有记录方法对 nil 接收者安全，
// 未启用指标的组件可直接持有 nil。
type Collector struct {
	// 路由指标
	routingAttempts  *prometheus.CounterVec
	routingExhausted *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec

	// 融合指标
	fusionDuration  *prometheus.HistogramVec
	intentFailures  *prometheus.CounterVec
	fusedChunkCount *prometheus.HistogramVec

	// 流式会话指标
	activeSessions   prometheus.Gauge
	cancelBroadcasts prometheus.Counter
	terminalEvents   *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时使用默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 路由指标
	c.routingAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_attempts_total",
			Help:      "Total candidate call attempts by capability and outcome",
		},
		[]string{"capability", "candidate", "status"},
	)

	c.routingExhausted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_exhausted_total",
			Help:      "Total routing executions that found no usable candidate",
		},
		[]string{"capability", "reason"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per candidate (0=closed, 1=open, 2=half-open)",
		},
		[]string{"candidate"},
	)

	// 融合指标
	c.fusionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fusion_duration_seconds",
			Help:      "Retrieval fusion duration per sub-question batch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	c.intentFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fusion_intent_failures_total",
			Help:      "Per-intent retrieval/rerank/tool failures swallowed by the engine",
		},
		[]string{"path"},
	)

	c.fusedChunkCount = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fusion_chunks",
			Help:      "Number of chunks contributed per intent after rerank",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"path"},
	)

	// 流式会话指标
	c.activeSessions = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_sessions_active",
			Help:      "Currently registered streaming sessions on this node",
		},
	)

	c.cancelBroadcasts = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_cancel_broadcasts_total",
			Help:      "Cancellation broadcasts published by this node",
		},
	)

	c.terminalEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_terminal_events_total",
			Help:      "Terminal SSE events emitted by kind",
		},
		[]string{"kind"},
	)

	return c
}

// =============================================================================
// 🎯 记录方法
// =============================================================================

// RecordRoutingAttempt 记录一次候选调用尝试
func (c *Collector) RecordRoutingAttempt(capability, candidate, status string) {
	if c == nil {
		return
	}
	c.routingAttempts.WithLabelValues(capability, candidate, status).Inc()
}

// RecordRoutingExhausted 记录一次无可用候选的路由执行
func (c *Collector) RecordRoutingExhausted(capability, reason string) {
	if c == nil {
		return
	}
	c.routingExhausted.WithLabelValues(capability, reason).Inc()
}

// SetBreakerState 上报候选熔断器状态
func (c *Collector) SetBreakerState(candidate string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(candidate).Set(float64(state))
}

// RecordFusionDuration 记录一批子问题的融合耗时
func (c *Collector) RecordFusionDuration(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.fusionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordIntentFailure 记录被吞掉的单意图失败
func (c *Collector) RecordIntentFailure(path string) {
	if c == nil {
		return
	}
	c.intentFailures.WithLabelValues(path).Inc()
}

// RecordFusedChunks 记录单意图重排后贡献的分片数
func (c *Collector) RecordFusedChunks(path string, n int) {
	if c == nil {
		return
	}
	c.fusedChunkCount.WithLabelValues(path).Observe(float64(n))
}

// SessionRegistered 会话注册
func (c *Collector) SessionRegistered() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

// SessionUnregistered 会话注销
func (c *Collector) SessionUnregistered() {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
}

// RecordCancelBroadcast 记录一次取消广播
func (c *Collector) RecordCancelBroadcast() {
	if c == nil {
		return
	}
	c.cancelBroadcasts.Inc()
}

// RecordTerminalEvent 记录终止事件发送
func (c *Collector) RecordTerminalEvent(kind string) {
	if c == nil {
		return
	}
	c.terminalEvents.WithLabelValues(kind).Inc()
}
