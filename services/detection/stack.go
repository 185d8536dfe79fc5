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
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// stackTracer is the OpenTelemetry tracer for stack-level detection.
var stackTracer = otel.Tracer("gatewatch.detection.stack")

// defaultRecognizerTimeout bounds a single recognizer round trip when
// RECOGNIZER_TIMEOUT is not set.
const defaultRecognizerTimeout = 5 * time.Second

// =============================================================================
// Stack
// =============================================================================

// Stack composes the detector layers and the merge step into the single
// entry point the gating pipeline calls.
//
// Detection is strictly fail-closed: if any layer errors, Detect returns a
// *DetectionFailureError and no spans. The caller must refuse the request —
// under no circumstance does a failed layer count as "clean".
type Stack struct {
	detectors []Detector
}

// NewStack builds the standard three-layer stack from the environment.
//
// The pattern and context layers are always present. The recognizer layer
// is added when RECOGNIZER_URL is set; without it the stack runs local-only,
// which is a deliberate deployment mode, not a degradation — a recognizer
// that is configured but unreachable still fails requests closed.
func NewStack() (*Stack, error) {
	patternDetector, err := NewPatternDetector()
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded PII pattern library", "rules", patternDetector.RuleCount())

	detectors := []Detector{patternDetector, NewContextNER()}

	if url := os.Getenv("RECOGNIZER_URL"); url != "" {
		timeout := defaultRecognizerTimeout
		if raw := os.Getenv("RECOGNIZER_TIMEOUT"); raw != "" {
			if parsed, perr := time.ParseDuration(raw); perr == nil {
				timeout = parsed
			} else {
				slog.Warn("Invalid RECOGNIZER_TIMEOUT, using default",
					"value", raw, "default", timeout)
			}
		}
		detectors = append(detectors, NewRecognizerClient(url, timeout))
		slog.Info("Recognizer layer enabled", "url", url, "timeout", timeout)
	} else {
		slog.Info("RECOGNIZER_URL not set, detector stack running local-only")
	}

	return &Stack{detectors: detectors}, nil
}

// NewStackWith builds a stack from explicit detectors, mainly for tests and
// the CLI (which runs without a recognizer).
func NewStackWith(detectors ...Detector) *Stack {
	return &Stack{detectors: detectors}
}

// Layers returns the names of the configured detector layers.
func (s *Stack) Layers() []string {
	names := make([]string, len(s.detectors))
	for i, d := range s.detectors {
		names[i] = d.Name()
	}
	return names
}

// Detect runs every layer over text and merges the results.
//
// The layers run sequentially; their union goes through MergeSpans, which
// applies boundary widening, labeling, and per-entity-type thresholds. The
// returned spans are disjoint and sorted by offset.
func (s *Stack) Detect(ctx context.Context, text string) ([]Span, error) {
	ctx, span := stackTracer.Start(ctx, "Stack.Detect")
	defer span.End()
	span.SetAttributes(attribute.Int("text.bytes", len(text)))

	var all []Span
	for _, d := range s.detectors {
		found, err := d.Detect(ctx, text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "detector failed")
			return nil, &DetectionFailureError{Detector: d.Name(), Err: err}
		}
		all = append(all, found...)
	}

	merged := MergeSpans(all)
	span.SetAttributes(
		attribute.Int("spans.raw", len(all)),
		attribute.Int("spans.merged", len(merged)),
	)
	return merged, nil
}
