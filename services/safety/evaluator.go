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
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// =============================================================================
// Thresholds
// =============================================================================

// Thresholds holds the per-category severities at which a request is
// blocked or flagged. Block always wins over flag.
type Thresholds struct {
	Block map[Category]Severity
	Flag  map[Category]Severity
}

// DefaultThresholds blocks at high severity and flags at medium, for
// every category. Deployments tighten individual categories via
// SAFETY_BLOCK_<CATEGORY> / SAFETY_FLAG_<CATEGORY> env vars.
func DefaultThresholds() Thresholds {
	t := Thresholds{
		Block: make(map[Category]Severity, len(Categories)),
		Flag:  make(map[Category]Severity, len(Categories)),
	}
	for _, cat := range Categories {
		t.Block[cat] = SeverityHigh
		t.Flag[cat] = SeverityMedium
	}
	return t
}

// ThresholdsFromEnv starts from the defaults and applies any per-category
// overrides found in the environment. Invalid values are logged and
// ignored; an override can only make a category stricter or looser, never
// disable scoring.
func ThresholdsFromEnv() Thresholds {
	t := DefaultThresholds()
	for _, cat := range Categories {
		if sev, ok := severityFromEnv("SAFETY_BLOCK_" + envSuffix(cat)); ok {
			t.Block[cat] = sev
		}
		if sev, ok := severityFromEnv("SAFETY_FLAG_" + envSuffix(cat)); ok {
			t.Flag[cat] = sev
		}
	}
	return t
}

func envSuffix(cat Category) string {
	out := make([]byte, len(cat))
	for i := 0; i < len(cat); i++ {
		c := cat[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func severityFromEnv(key string) (Severity, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < int(SeveritySafe) || n > int(SeverityHigh) {
		slog.Warn("Ignoring invalid safety threshold override",
			"key", key, "value", raw)
		return 0, false
	}
	slog.Info("Safety threshold override applied", "key", key, "severity", n)
	return Severity(n), true
}

// =============================================================================
// Evaluator
// =============================================================================

// Evaluator scores text and applies thresholds to produce a decision.
//
// # Thread Safety
//
// Safe for concurrent use once constructed; thresholds are read-only
// after NewEvaluator.
type Evaluator struct {
	scorer     Scorer
	thresholds Thresholds
}

// NewEvaluator creates an evaluator around a scorer.
func NewEvaluator(scorer Scorer, thresholds Thresholds) *Evaluator {
	return &Evaluator{scorer: scorer, thresholds: thresholds}
}

// Verdict carries the decision plus the evidence behind it.
type Verdict struct {
	Decision Decision
	Scores   Scores

	// Flagged lists categories at or over the flag threshold (and under
	// the block threshold), in the stable Categories order.
	Flagged []Category
}

// Evaluate scores text and returns the threshold verdict for the named
// stage ("input" or "output").
//
// A scorer failure returns an error with no verdict: the caller refuses
// the request rather than passing unscored content. A block returns a
// *PolicyViolationError so the pipeline can map it to the generic
// refusal surface.
func (e *Evaluator) Evaluate(ctx context.Context, stage, text string) (*Verdict, error) {
	scores, err := e.scorer.Score(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("safety scoring unavailable at %s stage: %w", stage, err)
	}

	var blocked, flagged []Category
	for _, cat := range Categories {
		sev := scores[cat]
		switch {
		case sev >= e.thresholds.Block[cat]:
			blocked = append(blocked, cat)
		case sev >= e.thresholds.Flag[cat]:
			flagged = append(flagged, cat)
		}
	}

	if len(blocked) > 0 {
		slog.Warn("Content blocked by safety thresholds",
			"stage", stage,
			"categories", len(blocked),
			"max_severity", scores.Max().String())
		return nil, &PolicyViolationError{Stage: stage, Categories: blocked, Scores: scores}
	}

	verdict := &Verdict{Decision: DecisionAllow, Scores: scores, Flagged: flagged}
	if len(flagged) > 0 {
		verdict.Decision = DecisionFlag
	}
	return verdict, nil
}
