package routing

// Capability 路由能力
type Capability string

const (
	CapabilityChat      Capability = "chat"
	CapabilityEmbedding Capability = "embedding"
	CapabilityRerank    Capability = "rerank"
)

// ProviderNone 占位 Provider，用于无需真实后端的候选（如本地兜底）。
// 带该 Provider 的候选不因缺少 Provider 配置而被剔除。
const ProviderNone = "none"

// ModelCandidate 一个可服务某能力的候选（Provider + 模型）。
// 启动时从配置加载，运行期不可变。
type ModelCandidate struct {
	ID       string `yaml:"id" json:"id"`
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	// Dimension 向量维度，仅 embedding 候选使用
	Dimension int  `yaml:"dimension,omitempty" json:"dimension,omitempty"`
	Priority  int  `yaml:"priority" json:"priority"`
	Enabled   bool `yaml:"enabled" json:"enabled"`
}

// ProviderConfig 单个 Provider 的接入配置
type ProviderConfig struct {
	URL       string            `yaml:"url" json:"url"`
	APIKey    string            `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Endpoints map[string]string `yaml:"endpoints,omitempty" json:"endpoints,omitempty"` // capability -> path
}

// Target 解析后的路由目标，每次调用尝试消费一个。
type Target struct {
	Candidate ModelCandidate
	Provider  ProviderConfig
}

// CapabilityConfig 单个能力的候选配置
type CapabilityConfig struct {
	DefaultModel string           `yaml:"default_model" json:"default_model"`
	Candidates   []ModelCandidate `yaml:"candidates" json:"candidates"`
}
