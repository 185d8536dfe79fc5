// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package masking

import (
	"context"
	"strings"
	"testing"

	"github.com/GatewatchAI/Gatewatch/services/detection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// detectAndMask runs the local detector stack and masks the findings,
// mirroring what the pipeline's input stage does.
func detectAndMask(t *testing.T, m *Masker, text string) Result {
	t.Helper()
	pattern, err := detection.NewPatternDetector()
	require.NoError(t, err)
	stack := detection.NewStackWith(pattern, detection.NewContextNER())

	spans, err := stack.Detect(context.Background(), text)
	require.NoError(t, err)
	return m.Apply(text, spans)
}

// TestMasker_PartialKeepsLastFour verifies SSN and card keep their last
// four digits with separators preserved, and the reported entity types
// carry no values.
func TestMasker_PartialKeepsLastFour(t *testing.T) {
	m := NewMasker(MustDefaultPolicy())

	res := detectAndMask(t, m,
		"My SSN is 123-45-6789 and my card is 4111-1111-1111-1111")

	assert.Equal(t,
		"My SSN is ***-**-6789 and my card is ****-****-****-1111",
		res.Masked)
	assert.Equal(t, []string{"CREDIT_CARD", "SSN"}, res.EntityTypes)
}

// TestMasker_SSNDigitsNeverSurvive verifies the hard property: none of the
// first five SSN digits appear in the masked output.
func TestMasker_SSNDigitsNeverSurvive(t *testing.T) {
	m := NewMasker(MustDefaultPolicy())

	res := detectAndMask(t, m, "ssn: 123-45-6789")
	assert.NotContains(t, res.Masked, "123-45")
	assert.NotContains(t, res.Masked, "123456789")
	assert.Contains(t, res.Masked, "6789", "the last four digits are kept")
}

// TestMasker_CardKeepsAtMostLastFour verifies the card property for a
// space-separated number.
func TestMasker_CardKeepsAtMostLastFour(t *testing.T) {
	m := NewMasker(MustDefaultPolicy())

	res := detectAndMask(t, m, "charge 4111 1111 1111 1111 please")
	assert.Equal(t, "charge **** **** **** 1111 please", res.Masked)
}

// TestMasker_Idempotent verifies that masking already-masked text is a
// no-op: the second pass detects nothing and rewrites nothing.
func TestMasker_Idempotent(t *testing.T) {
	m := NewMasker(MustDefaultPolicy())

	first := detectAndMask(t, m,
		"My SSN is 123-45-6789, email jane@example.com, card 4111-1111-1111-1111")
	second := detectAndMask(t, m, first.Masked)

	assert.Equal(t, first.Masked, second.Masked, "re-masking must not change the text")
	assert.Empty(t, second.EntityTypes, "masked text should scan clean")
}

// TestMasker_PlaceholderSpanSkipped verifies the guard against a detector
// flagging an intact placeholder token on a re-scan.
func TestMasker_PlaceholderSpanSkipped(t *testing.T) {
	m := NewMasker(MustDefaultPolicy())

	text := "contact [PERSON] about the invoice"
	start := strings.Index(text, "[PERSON]")
	res := m.Apply(text, []detection.Span{{
		Start: start, End: start + len("[PERSON]"),
		Type: detection.EntityPerson, Confidence: 0.95, Detector: "recognizer",
	}})

	assert.Equal(t, text, res.Masked, "placeholder spans must not be re-wrapped")
}

// TestMasker_PlaceholderStrategy verifies whole-span replacement for
// identity entities.
func TestMasker_PlaceholderStrategy(t *testing.T) {
	m := NewMasker(MustDefaultPolicy())

	res := detectAndMask(t, m, "my name is Jane Doe, email jane.doe@example.com")
	assert.Contains(t, res.Masked, "[PERSON]")
	assert.Contains(t, res.Masked, "[EMAIL]")
	assert.NotContains(t, res.Masked, "Jane Doe")
	assert.NotContains(t, res.Masked, "jane.doe@example.com")
}

// TestMasker_UnknownTypeRedacted verifies the fail-safe default for entity
// types the policy does not know.
func TestMasker_UnknownTypeRedacted(t *testing.T) {
	m := NewMasker(MustDefaultPolicy())

	text := "value secretthing here"
	res := m.Apply(text, []detection.Span{{
		Start: 6, End: 17, Type: detection.EntityType("GENOME_ID"),
		Confidence: 0.99, Detector: "recognizer",
	}})

	assert.Equal(t, "value [REDACTED] here", res.Masked)
	assert.Equal(t, []string{"GENOME_ID"}, res.EntityTypes)
}

// TestLoadPolicy_Validation verifies strict override validation.
func TestLoadPolicy_Validation(t *testing.T) {
	_, err := LoadPolicy([]byte(`
policies:
  - entity_type: SSN
    strategy: scramble
`))
	require.Error(t, err, "unknown strategy should be rejected")

	_, err = LoadPolicy([]byte(`
policies:
  - entity_type: SSN
    strategy: partial
`))
	require.Error(t, err, "partial without keep_last should be rejected")

	_, err = LoadPolicy([]byte(`
policies:
  - entity_type: SSN
    strategy: redact
  - entity_type: SSN
    strategy: placeholder
`))
	require.Error(t, err, "duplicate rules should be rejected")
}

// TestPartialMask_ShortValue verifies that values at or below the kept
// suffix length are left alone rather than padded.
func TestPartialMask_ShortValue(t *testing.T) {
	assert.Equal(t, "123", partialMask("123", 4))
	assert.Equal(t, "***-**-6789", partialMask("***-**-6789", 4),
		"partial masking is a fixed point")
}
