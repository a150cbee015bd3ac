// Copyright (c) RagFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 RagFlow 服务的全局共享类型定义。

# 概述

types 是服务最底层的公共包，不依赖任何内部包，为 llm、rag、streaming、
api 等上层模块提供统一的类型契约。所有跨包共享的值类型、枚举和错误码
均定义于此，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
  - IntentNode        — 意图分类节点（知识库集合或 MCP 工具）
  - NodeScore         — 意图节点相对某个子问题的相关性打分
  - RetrievedChunk    — 检索 / 重排返回的不可变文本分片
*/
package types
