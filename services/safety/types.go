// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety scores text across harm categories and turns the scores
// into gate decisions. Both the masked inbound query and the masked
// generated response pass through this package; a blocking score at either
// point is terminal for the request.
package safety

import (
	"context"
	"fmt"
)

// =============================================================================
// Categories and Severity
// =============================================================================

// Category is a harm category scored by the content-safety backend.
type Category string

const (
	CategoryHate     Category = "hate"
	CategorySexual   Category = "sexual"
	CategoryViolence Category = "violence"
	CategorySelfHarm Category = "self_harm"
)

// Categories lists every scored category in stable order.
var Categories = []Category{CategoryHate, CategorySexual, CategoryViolence, CategorySelfHarm}

// Severity is a 4-level harm scale.
type Severity int

const (
	SeveritySafe   Severity = 0
	SeverityLow    Severity = 1
	SeverityMedium Severity = 2
	SeverityHigh   Severity = 3
)

// String returns the human-readable severity name.
func (s Severity) String() string {
	switch s {
	case SeveritySafe:
		return "safe"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Scores holds one severity per category. The zero value is all-safe.
type Scores map[Category]Severity

// Max returns the highest severity across all categories.
func (s Scores) Max() Severity {
	max := SeveritySafe
	for _, sev := range s {
		if sev > max {
			max = sev
		}
	}
	return max
}

// =============================================================================
// Scorer Interface
// =============================================================================

// Scorer produces harm scores for a piece of text.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Error Handling
//
// A non-nil error means the text could not be scored. Callers must fail
// the request closed — unscored text is never treated as safe.
type Scorer interface {
	Score(ctx context.Context, text string) (Scores, error)
}

// =============================================================================
// Decisions
// =============================================================================

// Decision is the outcome of threshold evaluation.
type Decision int

const (
	// DecisionAllow lets the request proceed unmarked.
	DecisionAllow Decision = iota

	// DecisionFlag lets the request proceed but marks it for review; the
	// flagged categories travel in the response and the audit record.
	DecisionFlag

	// DecisionBlock terminates the request with a generic refusal.
	DecisionBlock
)

// String returns the decision name for logs and audit records.
func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionFlag:
		return "flag"
	case DecisionBlock:
		return "block"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// =============================================================================
// Errors
// =============================================================================

// PolicyViolationError is returned when scored content crosses a block
// threshold. The caller-visible surface is a generic refusal; the detail
// here goes only to internal logs and the audit record.
type PolicyViolationError struct {
	// Stage is "input" or "output".
	Stage string

	// Categories that crossed the block threshold.
	Categories []Category

	// Scores is the full score set that triggered the block.
	Scores Scores
}

// Error implements the error interface. It deliberately reports counts,
// not category detail — this string can end up in caller-facing wrappers.
func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("content policy violation at %s stage: %d categories over threshold",
		e.Stage, len(e.Categories))
}

// IsPolicyViolation checks if an error is a *PolicyViolationError.
func IsPolicyViolation(err error) bool {
	_, ok := err.(*PolicyViolationError)
	return ok
}
