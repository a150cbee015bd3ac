package routing

import (
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/llm/circuitbreaker"
)

// Selector 按能力构建有序、健康过滤后的候选列表。
// 排序规则：priority 升序，id 升序打平；default_model 置顶；
// 熔断中的候选与缺少 Provider 配置的候选被剔除。
type Selector struct {
	providers map[string]ProviderConfig
	configs   map[Capability]CapabilityConfig
	breakers  *circuitbreaker.Store
	logger    *zap.Logger
}

// NewSelector 创建候选选择器
func NewSelector(
	providers map[string]ProviderConfig,
	configs map[Capability]CapabilityConfig,
	breakers *circuitbreaker.Store,
	logger *zap.Logger,
) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		providers: providers,
		configs:   configs,
		breakers:  breakers,
		logger:    logger.With(zap.String("component", "selector")),
	}
}

// Targets 返回某能力当前可用的有序路由目标。
// 返回空切片表示"无候选可用"，与"全部候选失败"是不同的错误。
func (s *Selector) Targets(capability Capability) []Target {
	cfg, ok := s.configs[capability]
	if !ok {
		return nil
	}

	// 1. 剔除禁用候选
	enabled := make([]ModelCandidate, 0, len(cfg.Candidates))
	for _, c := range cfg.Candidates {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}

	// 2. priority 升序，id 升序打平，保证确定性
	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority < enabled[j].Priority
		}
		return enabled[i].ID < enabled[j].ID
	})

	// 3. default_model 置顶，其余相对顺序不变
	if cfg.DefaultModel != "" {
		for i, c := range enabled {
			if c.ID == cfg.DefaultModel {
				def := enabled[i]
				enabled = append(enabled[:i], enabled[i+1:]...)
				enabled = append([]ModelCandidate{def}, enabled...)
				break
			}
		}
	}

	// 4. 剔除熔断中的候选；5. 剔除缺少 Provider 配置的候选
	targets := make([]Target, 0, len(enabled))
	for _, c := range enabled {
		if s.breakers != nil && s.breakers.IsOpen(c.ID) {
			s.logger.Debug("candidate skipped, circuit open",
				zap.String("capability", string(capability)),
				zap.String("candidate", c.ID),
			)
			continue
		}

		provider, ok := s.providers[c.Provider]
		if !ok && c.Provider != ProviderNone {
			s.logger.Warn("candidate skipped, provider not configured",
				zap.String("capability", string(capability)),
				zap.String("candidate", c.ID),
				zap.String("provider", c.Provider),
			)
			continue
		}
		// 候选自带 URL 覆盖 Provider 基础地址
		if c.URL != "" {
			provider.URL = c.URL
		}

		targets = append(targets, Target{Candidate: c, Provider: provider})
	}

	return targets
}
