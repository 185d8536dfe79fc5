// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package detection implements the layered PII detector stack for the
// Gatewatch gating pipeline.
//
// Three detectors run over every piece of text that crosses the gateway:
//   - PatternDetector: deterministic regex library for structured
//     identifiers (SSN, credit cards, IBAN, account numbers, secrets)
//   - ContextNER: context-aware recognizer for unstructured entities
//     (person names, addresses, dates of birth)
//   - RecognizerClient: HTTP client to an external statistical entity
//     recognizer service
//
// Their findings are merged by MergeSpans, which prefers the wider span on
// boundary disagreement and the highest-confidence detector for the entity
// label. Detectors are pure functions of their input text plus static
// configuration and are safe for concurrent use across requests.
package detection

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// Entity Types
// =============================================================================

// EntityType classifies a detected piece of personally identifiable
// information. Values are stable wire/audit identifiers: audit records store
// entity types, never entity values.
type EntityType string

const (
	EntitySSN           EntityType = "SSN"
	EntityCreditCard    EntityType = "CREDIT_CARD"
	EntityEmail         EntityType = "EMAIL"
	EntityPhone         EntityType = "PHONE"
	EntityIBAN          EntityType = "IBAN"
	EntitySwiftBIC      EntityType = "SWIFT_BIC"
	EntityAccountNumber EntityType = "ACCOUNT_NUMBER"
	EntityDateOfBirth   EntityType = "DATE_OF_BIRTH"
	EntityPerson        EntityType = "PERSON"
	EntityAddress       EntityType = "ADDRESS"
	EntityAPIKey        EntityType = "API_KEY"
)

// knownEntityTypes is the closed set of entity types the stack emits.
// Spans from the external recognizer with unknown types are kept (the
// recognizer may be newer than this binary) but masked with the redact
// policy as a conservative default.
var knownEntityTypes = map[EntityType]bool{
	EntitySSN:           true,
	EntityCreditCard:    true,
	EntityEmail:         true,
	EntityPhone:         true,
	EntityIBAN:          true,
	EntitySwiftBIC:      true,
	EntityAccountNumber: true,
	EntityDateOfBirth:   true,
	EntityPerson:        true,
	EntityAddress:       true,
	EntityAPIKey:        true,
}

// IsKnownEntityType reports whether t is one of the entity types this
// detector stack emits itself.
func IsKnownEntityType(t EntityType) bool {
	return knownEntityTypes[t]
}

// =============================================================================
// Confidence Thresholds
// =============================================================================

// DefaultThresholds is the per-entity-type minimum confidence required for a
// span to survive merging. Structured financial identifiers carry a much
// higher leak cost than an over-redacted name, so their thresholds are
// strict while unstructured entities tolerate more recall.
var DefaultThresholds = map[EntityType]float64{
	EntitySSN:           0.99,
	EntityCreditCard:    0.99,
	EntityIBAN:          0.97,
	EntitySwiftBIC:      0.95,
	EntityAccountNumber: 0.95,
	EntityEmail:         0.95,
	EntityPhone:         0.90,
	EntityPerson:        0.90,
	EntityAddress:       0.85,
	EntityDateOfBirth:   0.90,
	EntityAPIKey:        0.95,
}

// fallbackThreshold applies to entity types without an explicit entry
// (e.g. types minted by a newer external recognizer).
const fallbackThreshold = 0.90

// ThresholdFor returns the minimum confidence for the given entity type.
func ThresholdFor(t EntityType) float64 {
	if v, ok := DefaultThresholds[t]; ok {
		return v
	}
	return fallbackThreshold
}

// =============================================================================
// Spans
// =============================================================================

// Span is a single detected entity occurrence.
//
// Start and End are byte offsets into the scanned text, half-open
// [Start, End). Confidence is the detector's calibrated confidence in
// [0.0, 1.0]. Detector names the producing detector for audit and metrics
// ("pattern", "context_ner", "recognizer").
type Span struct {
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Type       EntityType `json:"type"`
	Confidence float64    `json:"confidence"`
	Detector   string     `json:"detector"`
}

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Width returns the span length in bytes.
func (s Span) Width() int {
	return s.End - s.Start
}

// =============================================================================
// Detector Interface
// =============================================================================

// Detector is the contract every layer of the stack implements.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: detection runs once per
// request on both the inbound query and the generated response.
//
// # Error Handling
//
// A non-nil error means the detector could not process the input. Callers
// must treat this as terminal for the request (fail closed) — a failed
// detector never defaults to "no findings".
type Detector interface {
	// Name returns the stable detector identifier used in Span.Detector.
	Name() string

	// Detect scans text and returns all entity spans found. An empty slice
	// with a nil error means the text is clean as far as this detector can
	// tell.
	Detect(ctx context.Context, text string) ([]Span, error)
}

// =============================================================================
// Errors
// =============================================================================

// DetectionFailureError indicates a detector could not process its input.
// The gating pipeline fails closed on this error: the request is refused
// rather than passed through unfiltered.
type DetectionFailureError struct {
	Detector string
	Err      error
}

// Error implements the error interface.
func (e *DetectionFailureError) Error() string {
	return fmt.Sprintf("detector %q failed: %v", e.Detector, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *DetectionFailureError) Unwrap() error {
	return e.Err
}

// IsDetectionFailure checks if an error is a *DetectionFailureError.
func IsDetectionFailure(err error) bool {
	_, ok := err.(*DetectionFailureError)
	return ok
}

// =============================================================================
// Helpers
// =============================================================================

// EntityTypeSet deduplicates and sorts the entity types present in spans.
// This is the shape audit records and API responses carry: types only,
// never matched values.
func EntityTypeSet(spans []Span) []string {
	seen := make(map[string]bool, len(spans))
	for _, s := range spans {
		seen[string(s.Type)] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
