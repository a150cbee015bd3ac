// Copyright (c) 2025 ragflow Authors.
// Licensed under the MIT License.

// Package rag provides the retrieval building blocks below the fusion
// engine: the Qdrant coarse retriever and the tiktoken-based token
// budget adapter.
package rag
