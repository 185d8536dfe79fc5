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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMergeSpans_WiderSpanWinsBoundary verifies the over-masking tie-break:
// when detectors disagree on boundaries, the union of the overlap wins.
func TestMergeSpans_WiderSpanWinsBoundary(t *testing.T) {
	spans := []Span{
		{Start: 10, End: 21, Type: EntitySSN, Confidence: 0.99, Detector: PatternDetectorName},
		{Start: 8, End: 25, Type: EntitySSN, Confidence: 0.95, Detector: RecognizerName},
	}

	merged := MergeSpans(spans)
	require.Len(t, merged, 1)
	assert.Equal(t, 8, merged[0].Start, "left boundary should extend to the wider span")
	assert.Equal(t, 25, merged[0].End, "right boundary should extend to the wider span")
	assert.Equal(t, EntitySSN, merged[0].Type)
	assert.Equal(t, 0.99, merged[0].Confidence, "confidence is the cluster max")
}

// TestMergeSpans_HighestConfidenceLabelsCluster verifies that the entity
// type comes from the most confident contributor when types disagree.
func TestMergeSpans_HighestConfidenceLabelsCluster(t *testing.T) {
	spans := []Span{
		{Start: 0, End: 19, Type: EntityCreditCard, Confidence: 0.99, Detector: PatternDetectorName},
		{Start: 0, End: 12, Type: EntityPhone, Confidence: 0.90, Detector: PatternDetectorName},
	}

	merged := MergeSpans(spans)
	require.Len(t, merged, 1)
	assert.Equal(t, EntityCreditCard, merged[0].Type)
}

// TestMergeSpans_BelowThresholdDropped verifies per-entity-type threshold
// filtering of uncorroborated candidates.
func TestMergeSpans_BelowThresholdDropped(t *testing.T) {
	spans := []Span{
		// Bare digit run without context: stays below the 0.95 bar.
		{Start: 5, End: 13, Type: EntityAccountNumber, Confidence: 0.40, Detector: PatternDetectorName},
	}
	assert.Empty(t, MergeSpans(spans))
}

// TestMergeSpans_CorroborationAcceptsBelowThreshold verifies that two
// independent detectors agreeing on a type are accepted even when neither
// clears the single-detector threshold alone.
func TestMergeSpans_CorroborationAcceptsBelowThreshold(t *testing.T) {
	spans := []Span{
		{Start: 5, End: 13, Type: EntityAccountNumber, Confidence: 0.40, Detector: PatternDetectorName},
		{Start: 5, End: 13, Type: EntityAccountNumber, Confidence: 0.80, Detector: RecognizerName},
	}

	merged := MergeSpans(spans)
	require.Len(t, merged, 1)
	assert.Equal(t, EntityAccountNumber, merged[0].Type)
	assert.Equal(t, 0.80, merged[0].Confidence, "corroborated confidence is the max of the agreeing spans")
}

// TestMergeSpans_DisjointSpansStaySeparate verifies that non-overlapping
// findings are not coalesced and come back sorted.
func TestMergeSpans_DisjointSpansStaySeparate(t *testing.T) {
	spans := []Span{
		{Start: 40, End: 59, Type: EntityCreditCard, Confidence: 0.99, Detector: PatternDetectorName},
		{Start: 10, End: 21, Type: EntitySSN, Confidence: 0.99, Detector: PatternDetectorName},
	}

	merged := MergeSpans(spans)
	require.Len(t, merged, 2)
	assert.Equal(t, 10, merged[0].Start)
	assert.Equal(t, 40, merged[1].Start)

	for i := 1; i < len(merged); i++ {
		assert.GreaterOrEqual(t, merged[i].Start, merged[i-1].End,
			"merged spans must be disjoint")
	}
}

// TestMergeSpans_TransitiveOverlapOneCluster verifies A-B-C chaining: A and
// C never touch but both overlap B, so all three form one span.
func TestMergeSpans_TransitiveOverlapOneCluster(t *testing.T) {
	spans := []Span{
		{Start: 0, End: 10, Type: EntityPerson, Confidence: 0.92, Detector: ContextNERName},
		{Start: 8, End: 20, Type: EntityPerson, Confidence: 0.91, Detector: RecognizerName},
		{Start: 18, End: 30, Type: EntityPerson, Confidence: 0.90, Detector: RecognizerName},
	}

	merged := MergeSpans(spans)
	require.Len(t, merged, 1)
	assert.Equal(t, 0, merged[0].Start)
	assert.Equal(t, 30, merged[0].End)
}

// TestMergeSpans_Empty verifies the trivial case.
func TestMergeSpans_Empty(t *testing.T) {
	assert.Nil(t, MergeSpans(nil))
}
