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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubScorer returns fixed scores or a fixed error.
type stubScorer struct {
	scores Scores
	err    error
}

func (s *stubScorer) Score(_ context.Context, _ string) (Scores, error) {
	return s.scores, s.err
}

// TestEvaluator_AllowWhenSafe verifies all-safe scores produce an
// unmarked allow.
func TestEvaluator_AllowWhenSafe(t *testing.T) {
	ev := NewEvaluator(&stubScorer{scores: Scores{}}, DefaultThresholds())

	verdict, err := ev.Evaluate(context.Background(), "input", "hello")
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, verdict.Decision)
	assert.Empty(t, verdict.Flagged)
}

// TestEvaluator_FlagAtMedium verifies a medium score flags without
// blocking and reports the category.
func TestEvaluator_FlagAtMedium(t *testing.T) {
	ev := NewEvaluator(&stubScorer{scores: Scores{
		CategoryViolence: SeverityMedium,
	}}, DefaultThresholds())

	verdict, err := ev.Evaluate(context.Background(), "input", "text")
	require.NoError(t, err)
	assert.Equal(t, DecisionFlag, verdict.Decision)
	assert.Equal(t, []Category{CategoryViolence}, verdict.Flagged)
}

// TestEvaluator_BlockAtHigh verifies a high score returns a policy
// violation, not a verdict.
func TestEvaluator_BlockAtHigh(t *testing.T) {
	ev := NewEvaluator(&stubScorer{scores: Scores{
		CategoryHate:     SeverityHigh,
		CategoryViolence: SeverityMedium,
	}}, DefaultThresholds())

	verdict, err := ev.Evaluate(context.Background(), "output", "text")
	require.Error(t, err)
	assert.Nil(t, verdict)

	var pv *PolicyViolationError
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, "output", pv.Stage)
	assert.Equal(t, []Category{CategoryHate}, pv.Categories)
}

// TestEvaluator_ScorerFailureIsTerminal verifies the fail-closed rule: a
// scorer error yields an error, never an allow.
func TestEvaluator_ScorerFailureIsTerminal(t *testing.T) {
	ev := NewEvaluator(&stubScorer{err: errors.New("scorer down")},
		DefaultThresholds())

	verdict, err := ev.Evaluate(context.Background(), "input", "text")
	require.Error(t, err)
	assert.Nil(t, verdict)
	assert.False(t, IsPolicyViolation(err),
		"an availability failure is not a policy violation")
}

// TestEvaluator_TightenedThreshold verifies per-category overrides take
// effect.
func TestEvaluator_TightenedThreshold(t *testing.T) {
	thresholds := DefaultThresholds()
	thresholds.Block[CategorySelfHarm] = SeverityLow

	ev := NewEvaluator(&stubScorer{scores: Scores{
		CategorySelfHarm: SeverityLow,
	}}, thresholds)

	_, err := ev.Evaluate(context.Background(), "input", "text")
	require.Error(t, err)
	assert.True(t, IsPolicyViolation(err))
}

// TestThresholdsFromEnv verifies env overrides and rejection of garbage.
func TestThresholdsFromEnv(t *testing.T) {
	t.Setenv("SAFETY_BLOCK_VIOLENCE", "2")
	t.Setenv("SAFETY_FLAG_HATE", "1")
	t.Setenv("SAFETY_BLOCK_SEXUAL", "nine")

	got := ThresholdsFromEnv()
	assert.Equal(t, SeverityMedium, got.Block[CategoryViolence])
	assert.Equal(t, SeverityLow, got.Flag[CategoryHate])
	assert.Equal(t, SeverityHigh, got.Block[CategorySexual],
		"invalid override keeps the default")
}

// TestHTTPScorer_Success verifies decoding a well-formed response.
func TestHTTPScorer_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/score", r.URL.Path)
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "some text", req.Text)

		json.NewEncoder(w).Encode(scoreResponse{Categories: map[string]int{
			"hate": 0, "sexual": 0, "violence": 2, "self_harm": 0,
		}})
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(srv.URL, 2*time.Second)
	scores, err := scorer.Score(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, SeverityMedium, scores[CategoryViolence])
	assert.Equal(t, SeveritySafe, scores[CategoryHate])
}

// TestHTTPScorer_RetriesTransientFailure verifies 503s are retried and a
// later success wins.
func TestHTTPScorer_RetriesTransientFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(scoreResponse{Categories: map[string]int{
			"hate": 0, "sexual": 0, "violence": 0, "self_harm": 0,
		}})
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(srv.URL, 2*time.Second)
	_, err := scorer.Score(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

// TestHTTPScorer_MissingCategoryIsError verifies a partial score set is
// rejected rather than defaulted.
func TestHTTPScorer_MissingCategoryIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoreResponse{Categories: map[string]int{
			"hate": 0, "sexual": 0, "violence": 0,
		}})
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(srv.URL, 2*time.Second)
	_, err := scorer.Score(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "self_harm")
}

// TestHTTPScorer_OutOfRangeSeverityIsError verifies severity bounds are
// enforced.
func TestHTTPScorer_OutOfRangeSeverityIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoreResponse{Categories: map[string]int{
			"hate": 7, "sexual": 0, "violence": 0, "self_harm": 0,
		}})
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(srv.URL, 2*time.Second)
	_, err := scorer.Score(context.Background(), "text")
	require.Error(t, err)
}

// TestHTTPScorer_ClientErrorNotRetried verifies a 400 fails after a
// single attempt.
func TestHTTPScorer_ClientErrorNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(srv.URL, 2*time.Second)
	_, err := scorer.Score(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	var se *ScorerError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Retryable)
}
