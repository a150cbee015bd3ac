// Copyright (c) 2025 ragflow Authors.
// Licensed under the MIT License.

// Package streaming 实现分布式流式会话治理：跨节点的取消广播、
// 持久化取消标记兜底的注册竞态处理、终止事件（FINISH/CANCEL + DONE）
// 的恰好一次下发，以及把上游 token 回调翻译成 SSE 事件的处理器。
package streaming
