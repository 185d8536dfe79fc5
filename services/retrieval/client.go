// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval fetches context chunks from Weaviate for requests
// that do not supply their own context, and indexes gated documents.
// Everything stored or retrieved here is already-masked text.
package retrieval

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
)

// DocumentClassName is the Weaviate class holding masked document chunks.
const DocumentClassName = "GatedDocument"

// NewClientFromEnv builds a Weaviate client from WEAVIATE_SERVICE_URL.
//
// Returns (nil, nil) when the variable is unset or unusable: the gateway
// then runs in context-passthrough mode, serving only requests that
// carry their own context.
func NewClientFromEnv() (*weaviate.Client, error) {
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	// Trim quotes and whitespace in case the container runtime passes them literally.
	weaviateURL = strings.Trim(weaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set. Running in context-passthrough mode.")
		return nil, nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Running in context-passthrough mode.",
			"url", weaviateURL, "error", err)
		return nil, nil
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	slog.Info("Weaviate retrieval client initialized", "host", parsedURL.Host)
	return client, nil
}
