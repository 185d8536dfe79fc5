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
	"crypto/sha256"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

var (
	chunkSize    = 1000
	chunkOverlap = chunkSize / 10

	defaultSeparators  = []string{"\n\n", "\n", " ", ""}
	markdownSeparators = []string{"\n## ", "\n### ", "\n\n", "\n", " "}
)

// IndexRequest is one masked document to chunk and index.
type IndexRequest struct {
	// Source is the document name; chunk sources derive from it.
	Source string

	// Content is the document body AFTER detection, masking, and safety
	// gating. The indexer never sees raw text.
	Content string
}

// Indexer chunks masked documents and batch-imports them into Weaviate.
type Indexer struct {
	client *weaviate.Client
}

// NewIndexer creates an indexer over the given client.
func NewIndexer(client *weaviate.Client) *Indexer {
	return &Indexer{client: client}
}

// Index splits the document and writes all chunks in one batch. Returns
// the number of chunks stored.
func (ix *Indexer) Index(ctx context.Context, req IndexRequest) (int, error) {
	splitter := splitterForFile(req.Source)
	chunks, err := splitter.SplitText(req.Content)
	if err != nil {
		return 0, fmt.Errorf("failed to split document: %w", err)
	}
	if len(chunks) == 0 {
		slog.Warn("No chunks produced after splitting", "source", req.Source)
		return 0, nil
	}
	slog.Info("Split document into chunks", "source", req.Source, "chunk_count", len(chunks))

	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		chunkSource := fmt.Sprintf("%s_part_%d", req.Source, i+1)
		hash := sha256.Sum256([]byte(chunk))
		docUUID, _ := uuid.FromBytes(hash[:16])

		objects[i] = &models.Object{
			Class: DocumentClassName,
			ID:    strfmt.UUID(docUUID.String()),
			Properties: map[string]interface{}{
				"content":       chunk,
				"source":        chunkSource,
				"parent_source": req.Source,
				"ingested_at":   time.Now().UnixMilli(),
			},
		}
	}

	resp, err := ix.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to batch import to Weaviate: %w", err)
	}

	created := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			created++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, errItem := range item.Result.Errors.Error {
				slog.Warn("Error in Weaviate batch item",
					"source", req.Source, "error", errItem.Message)
			}
		}
	}
	if created < len(chunks) {
		slog.Warn("Partial batch import",
			"source", req.Source, "created", created, "expected", len(chunks))
	}
	return created, nil
}

// splitterForFile picks separators by file extension; markdown gets
// heading-aware splitting, everything else the generic recursive split.
func splitterForFile(filename string) textsplitter.TextSplitter {
	switch filepath.Ext(filename) {
	case ".md":
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators(markdownSeparators),
		)
	default:
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators(defaultSeparators),
		)
	}
}
