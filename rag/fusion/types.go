package fusion

import (
	"strings"

	"github.com/BaSui01/ragflow/types"
)

// SubQuestion is one decomposed user question with its intent ranking,
// produced by the external question splitter / intent classifier.
type SubQuestion struct {
	Text   string            `json:"text"`
	Scores []types.NodeScore `json:"scores"`
}

// SubQuestionContext is the retrieval outcome for one sub-question.
// Built once, never mutated afterwards.
type SubQuestionContext struct {
	SubQuestion  string
	KBContext    string
	MCPContext   string
	IntentChunks map[string][]types.RetrievedChunk
}

// Context is the deterministic concatenation of all SubQuestionContexts,
// in original sub-question order.
type Context struct {
	KBContext    string
	MCPContext   string
	IntentChunks map[string][]types.RetrievedChunk
}

// merge concatenates per-sub-question contexts in input order and unions
// the intent chunk maps. On duplicate intent ids the later sub-question
// wins: the same collection was queried twice with different wording, and
// chunks are not deduplicated at this layer.
func merge(contexts []*SubQuestionContext) *Context {
	out := &Context{IntentChunks: make(map[string][]types.RetrievedChunk)}

	var kb, mcp strings.Builder
	for _, sc := range contexts {
		if sc == nil {
			continue
		}
		if sc.KBContext != "" {
			kb.WriteString("Sub-question: " + sc.SubQuestion + "\n")
			kb.WriteString(sc.KBContext)
			kb.WriteString("\n")
		}
		if sc.MCPContext != "" {
			mcp.WriteString("Sub-question: " + sc.SubQuestion + "\n")
			mcp.WriteString(sc.MCPContext)
			mcp.WriteString("\n")
		}
		for id, chunks := range sc.IntentChunks {
			out.IntentChunks[id] = chunks
		}
	}

	out.KBContext = kb.String()
	out.MCPContext = mcp.String()
	return out
}
