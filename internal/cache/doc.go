// Copyright (c) RagFlow Authors.
// Licensed under the MIT License.

// Package cache 封装 Redis 访问，服务两个用途：流式会话的持久化
// 取消标记（带 TTL 的键）与跨节点取消广播（发布/订阅）。
package cache
