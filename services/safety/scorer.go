// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var scorerTracer = otel.Tracer("gatewatch.safety")

// =============================================================================
// HTTP Scorer
// =============================================================================

const (
	scorerMaxRetries = 3
	scorerRetryDelay = 250 * time.Millisecond
)

// HTTPScorer scores text via an external content-safety service.
//
// # Description
//
// Sends the text to POST {baseURL}/v1/score and expects per-category
// integer severities in the 0..3 range. Transient upstream failures
// (502/503/504) are retried with backoff; anything else is terminal.
//
// # Error Handling
//
// Every failure path returns an error. The scorer never substitutes a
// default score set: a gate that cannot score content must refuse it.
//
// # Thread Safety
//
// Safe for concurrent use.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPScorer creates a scorer against the given base URL.
func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// scoreRequest is the wire request for the safety service.
type scoreRequest struct {
	Text string `json:"text"`
}

// scoreResponse is the wire response. Category keys match the Category
// constants; severities are integers 0..3.
type scoreResponse struct {
	Categories map[string]int `json:"categories"`
}

// ScorerError describes a failed scoring call.
type ScorerError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

// Error implements the error interface.
func (e *ScorerError) Error() string {
	return fmt.Sprintf("safety scorer error (HTTP %d, retryable=%t): %s",
		e.StatusCode, e.Retryable, e.Message)
}

// Score implements Scorer.
func (s *HTTPScorer) Score(ctx context.Context, text string) (Scores, error) {
	ctx, span := scorerTracer.Start(ctx, "HTTPScorer.Score",
		trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer span.End()

	payload, err := json.Marshal(scoreRequest{Text: text})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	var lastErr error
	delay := scorerRetryDelay
	for attempt := 1; attempt <= scorerMaxRetries; attempt++ {
		scores, err := s.scoreOnce(ctx, payload)
		if err == nil {
			span.SetAttributes(attribute.Int("scorer.attempts", attempt))
			return scores, nil
		}
		lastErr = err

		se, ok := err.(*ScorerError)
		if !ok || !se.Retryable {
			break
		}
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "context cancelled")
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "scoring failed")
	return nil, lastErr
}

// scoreOnce performs a single scoring attempt.
func (s *HTTPScorer) scoreOnce(ctx context.Context, payload []byte) (Scores, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/v1/score", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &ScorerError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		retryable := resp.StatusCode == http.StatusBadGateway ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusGatewayTimeout
		return nil, &ScorerError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Retryable:  retryable,
		}
	}

	var wire scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}

	scores := make(Scores, len(Categories))
	for _, cat := range Categories {
		raw, ok := wire.Categories[string(cat)]
		if !ok {
			return nil, fmt.Errorf("safety scorer omitted category %q", cat)
		}
		if raw < int(SeveritySafe) || raw > int(SeverityHigh) {
			return nil, fmt.Errorf("safety scorer returned severity %d for %q, want 0..3", raw, cat)
		}
		scores[cat] = Severity(raw)
	}
	return scores, nil
}
