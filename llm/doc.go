// Copyright (c) RagFlow Authors.
// Licensed under the MIT License.

/*
包 llm 提供统一的模型接入层：聊天、向量化与重排三种能力的客户端接口，
以及按候选降级的路由执行（见子包 routing）与按候选熔断（见子包
circuitbreaker）。

上层业务只面对能力接口与 RoutingTarget，不感知具体 Provider；
单个 Provider 的抖动通过路由执行器的降级链对调用方完全透明。
*/
package llm
