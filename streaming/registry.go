package streaming

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/config"
	"github.com/BaSui01/ragflow/internal/metrics"
	"github.com/BaSui01/ragflow/types"
)

const (
	// cancelTopic 集群取消广播主题
	cancelTopic = "ragflow:stream:cancel"
	// cancelKeyPrefix 持久化取消标记键前缀
	cancelKeyPrefix = "ragflow:stream:cancel:"
)

// CompletionFunc 在取消落地时惰性构造终止负载：
// 持久化已产出的部分回答，返回 CANCEL 事件负载。
type CompletionFunc func(ctx context.Context) CompletionPayload

// session 单条流的本地登记
type session struct {
	taskID     string
	sink       *guardedSink
	completion CompletionFunc
	createdAt  time.Time

	// cancelled 的 false→true 翻转是终止事件恰好一次的闸门
	cancelled atomic.Bool

	mu     sync.Mutex
	handle func()
}

func (s *session) setHandle(h func()) { s.mu.Lock(); s.handle = h; s.mu.Unlock() }
func (s *session) takeHandle() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	s.handle = nil
	return h
}

// Registry 分布式流会话注册表。
//
// 取消流程：Cancel 先写持久化标记再广播；本节点不走本地捷径，
// 自己的订阅与其它节点一样收到广播后执行取消例程。
// 先取消后注册的竞态由持久化标记兜底：Register 发现标记已置位时
// 立即在本地执行取消例程。
type Registry struct {
	cfg       config.StreamConfig
	bus       EventBus
	flags     FlagStore
	collector *metrics.Collector
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	stop    chan struct{}
	stopped sync.Once
}

// NewRegistry 创建注册表并订阅取消广播、启动兜底清扫协程。
func NewRegistry(ctx context.Context, cfg config.StreamConfig, bus EventBus, flags FlagStore, collector *metrics.Collector, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CancelFlagTTL <= 0 {
		cfg.CancelFlagTTL = 30 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	r := &Registry{
		cfg:       cfg,
		bus:       bus,
		flags:     flags,
		collector: collector,
		logger:    logger.With(zap.String("component", "stream_registry")),
		sessions:  make(map[string]*session),
		stop:      make(chan struct{}),
	}
	if err := bus.Subscribe(ctx, cancelTopic, r.onCancelBroadcast); err != nil {
		return nil, fmt.Errorf("subscribe cancel topic: %w", err)
	}
	go r.janitor()
	return r, nil
}

// Register 登记一条流。若该任务的取消标记已经置位
// （取消先于注册到达），立即执行取消例程并返回已取消错误。
func (r *Registry) Register(ctx context.Context, taskID string, sink Sink, completion CompletionFunc) error {
	s := &session{
		taskID:     taskID,
		sink:       newGuardedSink(sink),
		completion: completion,
		createdAt:  time.Now(),
	}

	r.mu.Lock()
	if _, exists := r.sessions[taskID]; exists {
		r.mu.Unlock()
		return types.NewError(types.ErrInvalidRequest, "task already registered").WithHTTPStatus(409)
	}
	r.sessions[taskID] = s
	r.mu.Unlock()
	r.collector.SessionRegistered()

	flagged, err := r.flags.HasFlag(ctx, cancelKeyPrefix+taskID)
	if err != nil {
		r.logger.Warn("查询取消标记失败，按未取消继续", zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	if flagged {
		r.logger.Info("注册时取消标记已置位，立即落地取消", zap.String("task_id", taskID))
		r.runCancellation(s)
		return types.NewError(types.ErrStreamClosed, "task already cancelled")
	}
	return nil
}

// BindCancelHandle 绑定上游取消句柄（通常是 context.CancelFunc）。
// 若会话已被取消，句柄被同步调用。
func (r *Registry) BindCancelHandle(taskID string, handle func()) {
	r.mu.RLock()
	s := r.sessions[taskID]
	r.mu.RUnlock()
	if s == nil {
		return
	}
	if s.cancelled.Load() {
		handle()
		return
	}
	s.setHandle(handle)
	// 绑定与取消并发时的窗口：绑定后复查
	if s.cancelled.Load() {
		if h := s.takeHandle(); h != nil {
			h()
		}
	}
}

// Cancel 集群取消：置持久化标记，再向所有节点广播任务号。
func (r *Registry) Cancel(ctx context.Context, taskID string) error {
	if err := r.flags.SetFlag(ctx, cancelKeyPrefix+taskID, r.cfg.CancelFlagTTL); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	if err := r.bus.Publish(ctx, cancelTopic, taskID); err != nil {
		return fmt.Errorf("broadcast cancel: %w", err)
	}
	r.collector.RecordCancelBroadcast()
	r.logger.Info("已广播取消", zap.String("task_id", taskID))
	return nil
}

// Cancelled 会话是否已本地落地取消
func (r *Registry) Cancelled(taskID string) bool {
	r.mu.RLock()
	s := r.sessions[taskID]
	r.mu.RUnlock()
	return s != nil && s.cancelled.Load()
}

// Unregister 摘除本地会话并清理持久化标记。
func (r *Registry) Unregister(ctx context.Context, taskID string) {
	r.mu.Lock()
	_, exists := r.sessions[taskID]
	delete(r.sessions, taskID)
	r.mu.Unlock()
	if !exists {
		return
	}
	r.collector.SessionUnregistered()
	if err := r.flags.DelFlag(ctx, cancelKeyPrefix+taskID); err != nil {
		r.logger.Warn("清理取消标记失败", zap.String("task_id", taskID), zap.Error(err))
	}
}

// Close 停止清扫协程。订阅随缓存管理器关闭一并退出。
func (r *Registry) Close() {
	r.stopped.Do(func() { close(r.stop) })
}

// onCancelBroadcast 广播处理：本节点没有该任务则静默忽略。
func (r *Registry) onCancelBroadcast(taskID string) {
	r.mu.RLock()
	s := r.sessions[taskID]
	r.mu.RUnlock()
	if s == nil {
		return
	}
	r.runCancellation(s)
}

// runCancellation 取消落地例程。CAS 保证重复广播、本地与远端并发
// 取消只执行一次：调用取消句柄，惰性构造终止负载（内部持久化
// 部分回答），下发 CANCEL + DONE。
func (r *Registry) runCancellation(s *session) {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	if h := s.takeHandle(); h != nil {
		h()
	}

	payload := CompletionPayload{}
	if s.completion != nil {
		payload = s.completion(context.Background())
	}
	if err := s.sink.Send(Event{Type: EventCancel, Data: payload}); err != nil {
		r.logger.Debug("取消事件下发失败", zap.String("task_id", s.taskID), zap.Error(err))
		return
	}
	_ = s.sink.Send(Event{Type: EventDone})
	r.collector.RecordTerminalEvent("cancel")
	r.logger.Info("取消已落地", zap.String("task_id", s.taskID))
}

// janitor 周期清扫超龄会话，兜底 Unregister 缺失造成的泄漏。
func (r *Registry) janitor() {
	interval := r.cfg.SessionTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.SessionTTL)
	var evicted []string
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.createdAt.Before(cutoff) {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()
	for _, id := range evicted {
		r.collector.SessionUnregistered()
		r.logger.Warn("会话超龄被清扫", zap.String("task_id", id))
	}
}

// sessionSink 返回已登记任务的受控 Sink，供事件处理器复用
// 同一终止闸门。
func (r *Registry) sessionSink(taskID string) (*guardedSink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[taskID]
	if !ok {
		return nil, false
	}
	return s.sink, true
}
