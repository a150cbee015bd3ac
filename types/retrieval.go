package types

// NodeKind distinguishes the backend a classified intent node points at.
type NodeKind string

const (
	// NodeKindKB is a knowledge-base collection backed by a vector index.
	NodeKindKB NodeKind = "kb"
	// NodeKindMCP is a structured external tool reachable over MCP.
	NodeKindMCP NodeKind = "mcp"
)

// IntentNode is a classified retrieval or tool target. Nodes are produced
// by the external intent classifier and are immutable here.
type IntentNode struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Kind       NodeKind `json:"kind,omitempty"` // empty means KB
	Collection string   `json:"collection,omitempty"`
	ToolID     string   `json:"tool_id,omitempty"`
}

// IsKB reports whether the node targets a knowledge collection.
// An unset kind defaults to KB for backwards compatibility with older
// classifier payloads.
func (n IntentNode) IsKB() bool {
	return n.Kind == NodeKindKB || n.Kind == ""
}

// IsMCP reports whether the node targets a bound MCP tool.
func (n IntentNode) IsMCP() bool {
	return n.Kind == NodeKindMCP && n.ToolID != ""
}

// NodeScore ranks an intent node against one sub-question.
type NodeScore struct {
	Node  IntentNode `json:"node"`
	Score float64    `json:"score"`
}

// RetrievedChunk is an immutable retrieval/rerank result.
type RetrievedChunk struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}
