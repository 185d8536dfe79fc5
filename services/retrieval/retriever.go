// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("gatewatch.retrieval")

// ContextChunk is one retrieved piece of context. Source names feed the
// citation validator and the audit record.
type ContextChunk struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

// Retriever fetches context for a masked query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]ContextChunk, error)
}

// =============================================================================
// Weaviate Hybrid Retriever
// =============================================================================

// WeaviateRetriever runs hybrid (BM25 + vector) search over the gated
// document class.
type WeaviateRetriever struct {
	client *weaviate.Client
	alpha  float32
}

// NewWeaviateRetriever creates a retriever. Alpha weights vector vs
// keyword scoring; 0.5 balances the two.
func NewWeaviateRetriever(client *weaviate.Client) *WeaviateRetriever {
	return &WeaviateRetriever{client: client, alpha: 0.5}
}

// Retrieve implements Retriever.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, limit int) ([]ContextChunk, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.limit", limit))

	if limit <= 0 {
		limit = 5
	}

	hybrid := r.client.GraphQL().HybridArgumentBuilder().
		WithQuery(query).
		WithAlpha(r.alpha)

	result, err := r.client.GraphQL().Get().
		WithClassName(DocumentClassName).
		WithFields(
			graphql.Field{Name: "content"},
			graphql.Field{Name: "source"},
			graphql.Field{Name: "_additional { score }"},
		).
		WithHybrid(hybrid).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hybrid search failed")
		return nil, fmt.Errorf("hybrid search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		err := fmt.Errorf("hybrid search error: %s", result.Errors[0].Message)
		span.RecordError(err)
		span.SetStatus(codes.Error, "graphql error")
		return nil, err
	}

	chunks := parseChunks(result.Data["Get"])
	span.SetAttributes(attribute.Int("retrieval.chunks", len(chunks)))
	slog.Debug("Retrieved context chunks", "count", len(chunks))
	return chunks, nil
}

// parseChunks walks the Get payload of the GraphQL response for
// content/source pairs.
func parseChunks(get interface{}) []ContextChunk {
	var chunks []ContextChunk

	byClass, ok := get.(map[string]interface{})
	if !ok {
		return chunks
	}
	items, ok := byClass[DocumentClassName].([]interface{})
	if !ok {
		return chunks
	}
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		content, _ := m["content"].(string)
		source, _ := m["source"].(string)
		if content == "" || source == "" {
			continue
		}
		chunks = append(chunks, ContextChunk{Content: content, Source: source})
	}
	return chunks
}
