// Copyright (c) 2025 ragflow Authors.
// Licensed under the MIT License.

// Package fusion implements parallel retrieval fusion: every
// sub-question fans out to its matched knowledge-base and tool intents
// concurrently, knowledge-base hits are coarse-retrieved then reranked,
// and the per-leg results are fused into a deterministic, input-ordered
// prompt context. Individual intent failures degrade to empty context
// rather than failing the fusion.
package fusion
