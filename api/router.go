package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BaSui01/ragflow/api/handlers"
	"github.com/BaSui01/ragflow/config"
)

// =============================================================================
// 🛣️ 路由注册
// =============================================================================

// Deps 路由依赖
type Deps struct {
	Stream   *handlers.StreamHandler
	Health   *handlers.HealthHandler
	Metrics  config.MetricsConfig
	Gatherer prometheus.Gatherer
}

// NewRouter 组装 HTTP 路由
func NewRouter(deps Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/stream", deps.Stream.HandleStreamChat)
	mux.HandleFunc("/v1/chat/cancel", deps.Stream.HandleCancel)

	mux.HandleFunc("/healthz", deps.Health.HandleHealthz)
	mux.HandleFunc("/readyz", deps.Health.HandleReady)

	if deps.Metrics.Enabled {
		path := deps.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		gatherer := deps.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}
