package llm

import "errors"

// noFallbackError 标记不可降级重试的流式失败：
// 下游已经收到增量，切换候选会导致重复输出。
type noFallbackError struct {
	cause error
}

func (e *noFallbackError) Error() string {
	return "stream failed mid-flight: " + e.cause.Error()
}

func (e *noFallbackError) Unwrap() error {
	return e.cause
}

// NoFallback 供路由执行器识别，见 routing.ExecuteWithFallback。
func (e *noFallbackError) NoFallback() bool {
	return true
}

// AsNoFallback 解包 noFallbackError
func AsNoFallback(err error, target **noFallbackError) bool {
	return errors.As(err, target)
}
