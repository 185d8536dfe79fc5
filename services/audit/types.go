// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records one tamper-evident record per gated request.
//
// Records carry hashes and entity TYPES, never raw query or answer text
// and never detected values. The audit trail must be safe to hand to a
// compliance reviewer without itself becoming a PII store.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// =============================================================================
// Records
// =============================================================================

// Outcome is the final pipeline decision recorded for a request.
type Outcome string

const (
	OutcomeAllowed          Outcome = "allowed"
	OutcomeBlockedInput     Outcome = "blocked_input"
	OutcomeBlockedOutput    Outcome = "blocked_output"
	OutcomeDetectionFailure Outcome = "detection_failure"
	OutcomeUpstreamFailure  Outcome = "upstream_failure"
	OutcomeCitationRejected Outcome = "citation_rejected"
)

// Record is the audit entry for one gated request.
//
// QueryHash is the SHA-256 of the raw query; the raw text itself never
// enters this struct. Entity slices hold types only.
type Record struct {
	CorrelationID string `json:"correlation_id"`
	SessionID     string `json:"session_id,omitempty"`
	Timestamp     string `json:"timestamp"`

	QueryHash string `json:"query_hash"`

	InputEntities  []string `json:"input_entities"`
	OutputEntities []string `json:"output_entities"`

	InputSafety  map[string]int `json:"input_safety,omitempty"`
	OutputSafety map[string]int `json:"output_safety,omitempty"`
	SafetyFlags  []string       `json:"safety_flags,omitempty"`

	Sources            []string `json:"sources,omitempty"`
	CitationViolations []string `json:"citation_violations,omitempty"`

	Outcome    Outcome `json:"outcome"`
	DurationMs int64   `json:"duration_ms"`

	// Chain fields, set by the ChainLogger on write.
	Sequence   int64  `json:"sequence,omitempty"`
	PrevHash   string `json:"prev_hash,omitempty"`
	RecordHash string `json:"record_hash,omitempty"`
}

// HashQuery computes the SHA-256 hex digest stored in place of query text.
func HashQuery(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// NewRecord starts a record for a request with the timestamp set.
func NewRecord(correlationID, sessionID string, rawQuery []byte) *Record {
	return &Record{
		CorrelationID:  correlationID,
		SessionID:      sessionID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		QueryHash:      HashQuery(rawQuery),
		InputEntities:  []string{},
		OutputEntities: []string{},
	}
}

// =============================================================================
// Sinks
// =============================================================================

// Sink receives finished audit records. Deployments fan records out to
// external compliance systems by providing their own Sink.
//
// # Error Handling
//
// A Write failure is logged and counted but never re-opens the gate
// decision the record describes; the caller's response has already been
// determined by the time the record is written.
type Sink interface {
	Write(ctx context.Context, record *Record) error
	Close() error
}

// NopSink discards records. The default when no audit backend is
// configured (the gateway still logs the outcome via slog).
type NopSink struct{}

// Write implements Sink.
func (NopSink) Write(context.Context, *Record) error { return nil }

// Close implements Sink.
func (NopSink) Close() error { return nil }

// MultiSink fans a record out to several sinks; the first error wins but
// every sink still sees the record.
type MultiSink []Sink

// Write implements Sink.
func (m MultiSink) Write(ctx context.Context, record *Record) error {
	var firstErr error
	for _, s := range m {
		if err := s.Write(ctx, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close implements Sink.
func (m MultiSink) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
