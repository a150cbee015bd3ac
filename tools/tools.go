// Package tools defines the MCP tool invocation surface consumed by the
// retrieval fusion engine. Tool transport and hosting are external
// collaborators; only the contracts live here.
package tools

import "context"

// Request is one tool invocation built for a sub-question.
type Request struct {
	ToolID      string         `json:"tool_id"`
	SubQuestion string         `json:"sub_question"`
	Params      map[string]any `json:"params,omitempty"`
}

// Result is the outcome of a tool invocation.
type Result struct {
	Success bool           `json:"success"`
	Text    string         `json:"text,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Executor executes a single bound tool.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry resolves tool ids to executors.
type Registry interface {
	Executor(toolID string) (Executor, bool)
}
