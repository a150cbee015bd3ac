package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// OpenDuration 熔断恢复等待时间（从 Open -> HalfOpen）
	OpenDuration time.Duration `yaml:"open_duration" json:"open_duration"`

	// OnStateChange 状态变更回调（按候选 id）
	OnStateChange func(id string, from State, to State) `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 3,
		OpenDuration:     30 * time.Second,
	}
}

// Store 按候选 id 维护一组独立的熔断器状态机。
// 每个 id 持有自己的锁，避免跨候选的全局竞争。
type Store struct {
	config *Config
	logger *zap.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// entry 单个候选的健康状态，仅在持有 entry.mu 时可变更。
type entry struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openUntil           time.Time
	probeInFlight       bool
}

// NewStore 创建熔断器存储
func NewStore(config *Config, logger *zap.Logger) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		config:  config,
		logger:  logger.With(zap.String("component", "circuitbreaker")),
		clock:   time.Now,
		entries: make(map[string]*entry),
	}
}

// AllowCall 判断是否允许对候选发起调用。
// Open 状态超过 openUntil 时原子地转入 HalfOpen 并占用唯一的探测名额；
// HalfOpen 且已有探测在途时拒绝；Closed 始终允许。
func (s *Store) AllowCall(id string) bool {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateClosed:
		return true

	case StateOpen:
		if s.clock().Before(e.openUntil) {
			return false
		}
		// 冷却结束，放行唯一的探测调用
		s.transition(id, e, StateHalfOpen)
		e.probeInFlight = true
		return true

	case StateHalfOpen:
		if e.probeInFlight {
			return false
		}
		e.probeInFlight = true
		return true

	default:
		return false
	}
}

// MarkSuccess 记录一次成功调用：恢复 Closed，清零失败计数与探测标记。
func (s *Store) MarkSuccess(id string) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateClosed {
		s.logger.Info("candidate recovered",
			zap.String("candidate", id),
			zap.String("from_state", e.state.String()),
		)
		s.transition(id, e, StateClosed)
	}
	e.consecutiveFailures = 0
	e.probeInFlight = false
}

// MarkFailure 记录一次失败调用。
// HalfOpen 下探测失败立即重新熔断（无需再次累计到阈值）；
// Closed 下累计连续失败，达到阈值后熔断。
func (s *Store) MarkFailure(id string) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateHalfOpen:
		s.logger.Warn("half-open probe failed, reopening",
			zap.String("candidate", id),
		)
		e.openUntil = s.clock().Add(s.config.OpenDuration)
		e.probeInFlight = false
		s.transition(id, e, StateOpen)

	case StateClosed:
		e.consecutiveFailures++
		if e.consecutiveFailures >= s.config.FailureThreshold {
			s.logger.Warn("failure threshold reached, opening circuit",
				zap.String("candidate", id),
				zap.Int("failures", e.consecutiveFailures),
				zap.Int("threshold", s.config.FailureThreshold),
			)
			e.openUntil = s.clock().Add(s.config.OpenDuration)
			s.transition(id, e, StateOpen)
		}

	case StateOpen:
		// 冷却中的失败不改变 openUntil
	}
}

// IsOpen 判断候选是否处于熔断冷却中，
// 供选择器在排序阶段直接剔除候选。
func (s *Store) IsOpen(id string) bool {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state == StateOpen && s.clock().Before(e.openUntil)
}

// StateOf 返回候选当前状态（监控用）。
func (s *Store) StateOf(id string) State {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// entry 获取或创建候选条目，写路径仅在首次出现的 id 上发生。
func (s *Store) entry(id string) *entry {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[id]; ok {
		return e
	}
	e = &entry{state: StateClosed}
	s.entries[id] = e
	return e
}

// transition 变更状态并触发回调，调用方必须持有 entry 锁。
func (s *Store) transition(id string, e *entry, to State) {
	from := e.state
	e.state = to

	if s.config.OnStateChange != nil {
		go s.config.OnStateChange(id, from, to)
	}
}
