// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecognizerName is the Span.Detector identifier for this layer.
const RecognizerName = "recognizer"

// recognizerTracer is the OpenTelemetry tracer for recognizer calls.
var recognizerTracer = otel.Tracer("gatewatch.detection.recognizer")

// Retry configuration for recognizer calls.
const (
	// maxRecognizerRetries is the maximum number of retry attempts.
	// Retries use exponential backoff.
	maxRecognizerRetries = 3

	// initialRecognizerDelay is the delay before the first retry.
	// Subsequent retries double this delay (250ms, 500ms, 1s).
	initialRecognizerDelay = 250 * time.Millisecond
)

// Compile-time interface implementation check.
var _ Detector = (*RecognizerClient)(nil)

// =============================================================================
// Wire Types
// =============================================================================

// recognizerRequest is the payload sent to the external recognizer service.
type recognizerRequest struct {
	Text string `json:"text"`
}

// recognizerResponse is the recognizer's answer: entity spans with byte
// offsets into the submitted text.
type recognizerResponse struct {
	Entities []recognizerEntity `json:"entities"`
}

type recognizerEntity struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// =============================================================================
// RecognizerClient
// =============================================================================

// RecognizerClient calls an external statistical entity recognizer over
// HTTP. It is the ML layer of the detector stack: the local pattern and
// context detectors catch structured identifiers, the recognizer catches
// everything that needs a trained model.
//
// Transient upstream failures (502/503/504) are retried with exponential
// backoff. Anything still failing after the retries is returned as an
// error, and the pipeline treats that as terminal for the request — a
// recognizer outage never silently degrades to "no findings".
//
// The client is stateless apart from its configuration and is safe for
// concurrent use.
type RecognizerClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRecognizerClient creates a recognizer client for the given base URL
// (e.g. "http://gatewatch-recognizer:9090"). The per-call timeout bounds a
// single HTTP round trip; the caller's context bounds the whole operation
// including retries.
func NewRecognizerClient(baseURL string, timeout time.Duration) *RecognizerClient {
	return &RecognizerClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements the Detector interface.
func (c *RecognizerClient) Name() string {
	return RecognizerName
}

// Detect submits text to the recognizer and converts its entities to spans.
//
// Offsets outside the text and malformed entities are rejected with an
// error rather than clamped: a recognizer that disagrees with us about the
// text it scanned is not a recognizer whose silence we can trust.
func (c *RecognizerClient) Detect(ctx context.Context, text string) ([]Span, error) {
	ctx, span := recognizerTracer.Start(ctx, "RecognizerClient.Detect")
	defer span.End()

	var lastErr error
	retryDelay := initialRecognizerDelay

	for attempt := 0; attempt <= maxRecognizerRetries; attempt++ {
		if attempt > 0 {
			span.AddEvent("retry_attempt", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("delay", retryDelay.String()),
			))
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context canceled during retry")
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		spans, err := c.callRecognizer(ctx, text)
		if err == nil {
			span.SetAttributes(
				attribute.Int("recognizer.spans", len(spans)),
				attribute.Int("recognizer.attempts", attempt+1),
			)
			return spans, nil
		}
		lastErr = err

		if !isRetryableRecognizerError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "non-retryable recognizer error")
			return nil, err
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all retries exhausted")
	return nil, fmt.Errorf("recognizer failed after %d attempts: %w", maxRecognizerRetries+1, lastErr)
}

// callRecognizer performs a single HTTP round trip.
func (c *RecognizerClient) callRecognizer(ctx context.Context, text string) ([]Span, error) {
	payload, err := json.Marshal(recognizerRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal recognizer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/recognize", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("recognizer HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read recognizer response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &RecognizerError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Retryable:  isRetryableStatus(resp.StatusCode),
		}
	}

	var decoded recognizerResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse recognizer response: %w", err)
	}

	spans := make([]Span, 0, len(decoded.Entities))
	for _, ent := range decoded.Entities {
		if ent.Start < 0 || ent.End > len(text) || ent.Start >= ent.End {
			return nil, fmt.Errorf("recognizer returned invalid span [%d,%d) for %d-byte text",
				ent.Start, ent.End, len(text))
		}
		conf := ent.Confidence
		if conf < 0 || conf > 1 {
			return nil, fmt.Errorf("recognizer returned out-of-range confidence %v", conf)
		}
		spans = append(spans, Span{
			Start:      ent.Start,
			End:        ent.End,
			Type:       EntityType(ent.Type),
			Confidence: conf,
			Detector:   RecognizerName,
		})
	}
	return spans, nil
}

// isRetryableStatus reports whether an HTTP status indicates a transient
// upstream failure.
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// isRetryableRecognizerError reports whether an error should trigger a
// retry. Context errors and 4xx responses are terminal.
func isRetryableRecognizerError(err error) bool {
	if err == nil {
		return false
	}
	if re, ok := err.(*RecognizerError); ok {
		return re.Retryable
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}
	// Transport-level failures (connection refused, resets) may clear up.
	return true
}

// =============================================================================
// Error Types
// =============================================================================

// RecognizerError wraps HTTP-level failures from the recognizer service.
type RecognizerError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

// Error implements the error interface.
func (e *RecognizerError) Error() string {
	return fmt.Sprintf("recognizer error (status %d): %s", e.StatusCode, e.Message)
}
