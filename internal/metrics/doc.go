// Copyright (c) RagFlow Authors.
// Licensed under the MIT License.

// Package metrics 提供基于 Prometheus 的内部指标收集，
// 覆盖路由降级、熔断状态、检索融合与流式会话生命周期。
package metrics
