// 版权所有 2025 ragflow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// 包 handlers 实现 HTTP 处理器：流式问答 SSE 下行、跨节点取消、
// 健康与就绪探针，以及统一的 JSON 响应与错误码映射。
package handlers
