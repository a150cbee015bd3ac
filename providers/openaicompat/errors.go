package openaicompat

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/BaSui01/ragflow/types"
)

// readErrorMessage extracts a human-readable message from an error body.
// Falls back to the raw body when it is not the usual {"error":{"message"}}
// envelope.
func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return string(raw)
}

// mapHTTPError converts an upstream HTTP status into a typed error.
// 429 and 5xx are retryable and should trip candidate health; 4xx are
// caller mistakes and retrying another candidate will not help content,
// but the router still moves on to keep the answer flowing.
func mapHTTPError(status int, message string, provider string) *types.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrUpstreamError, message).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstreamTimeout, message).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case status >= 500:
		return types.NewError(types.ErrProviderUnavailable, message).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	default:
		return types.NewError(types.ErrUpstreamError, message).
			WithHTTPStatus(status).WithRetryable(false).WithProvider(provider)
	}
}

// transportError wraps a network or decode failure.
func transportError(err error, provider string) *types.Error {
	return types.NewError(types.ErrUpstreamError, err.Error()).
		WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(provider).WithCause(err)
}
