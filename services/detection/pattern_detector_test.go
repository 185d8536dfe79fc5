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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPatternDetector loads the embedded production rule set.
func newTestPatternDetector(t *testing.T) *PatternDetector {
	t.Helper()
	d, err := NewPatternDetector()
	require.NoError(t, err, "embedded pattern library should load")
	require.Greater(t, d.RuleCount(), 0, "rule set should not be empty")
	return d
}

// findByType filters spans to a single entity type.
func findByType(spans []Span, et EntityType) []Span {
	var out []Span
	for _, s := range spans {
		if s.Type == et {
			out = append(out, s)
		}
	}
	return out
}

// TestPatternDetector_SSN verifies that a well-formed hyphenated SSN is
// detected at validated confidence.
func TestPatternDetector_SSN(t *testing.T) {
	d := newTestPatternDetector(t)

	text := "My SSN is 123-45-6789, please update my file."
	spans, err := d.Detect(context.Background(), text)
	require.NoError(t, err)

	ssn := findByType(spans, EntitySSN)
	require.Len(t, ssn, 1, "should find exactly one SSN")
	assert.Equal(t, "123-45-6789", text[ssn[0].Start:ssn[0].End])
	assert.GreaterOrEqual(t, ssn[0].Confidence, 0.99,
		"structurally valid SSN should reach validated confidence")
}

// TestPatternDetector_SSNStructuralRejects verifies the SSA structural
// rules: invalid area/group/serial values must not produce SSN spans.
func TestPatternDetector_SSNStructuralRejects(t *testing.T) {
	d := newTestPatternDetector(t)

	cases := []struct {
		name string
		text string
	}{
		{"area 000", "ref 000-12-3456 in doc"},
		{"area 666", "ref 666-12-3456 in doc"},
		{"area 9xx", "ref 912-12-3456 in doc"},
		{"group 00", "ref 123-00-3456 in doc"},
		{"serial 0000", "ref 123-45-0000 in doc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spans, err := d.Detect(context.Background(), tc.text)
			require.NoError(t, err)
			assert.Empty(t, findByType(spans, EntitySSN),
				"structurally invalid SSN should be dropped")
		})
	}
}

// TestPatternDetector_CreditCardLuhn verifies Luhn validation: a passing
// card number is detected at validated confidence, a failing one is not
// reported as a card at all.
func TestPatternDetector_CreditCardLuhn(t *testing.T) {
	d := newTestPatternDetector(t)

	text := "card is 4111-1111-1111-1111 thanks"
	spans, err := d.Detect(context.Background(), text)
	require.NoError(t, err)

	cards := findByType(spans, EntityCreditCard)
	require.Len(t, cards, 1)
	assert.Equal(t, "4111-1111-1111-1111", text[cards[0].Start:cards[0].End])
	assert.GreaterOrEqual(t, cards[0].Confidence, 0.99)

	// Same shape, broken checksum.
	spans, err = d.Detect(context.Background(), "card is 4111-1111-1111-1112 thanks")
	require.NoError(t, err)
	assert.Empty(t, findByType(spans, EntityCreditCard),
		"Luhn failure should drop the candidate")
}

// TestPatternDetector_IBAN verifies the mod-97 check with the canonical
// valid example and a corrupted variant.
func TestPatternDetector_IBAN(t *testing.T) {
	d := newTestPatternDetector(t)

	text := "wire to GB82WEST12345698765432 today"
	spans, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	ibans := findByType(spans, EntityIBAN)
	require.Len(t, ibans, 1)
	assert.GreaterOrEqual(t, ibans[0].Confidence, 0.99)

	spans, err = d.Detect(context.Background(), "wire to GB82WEST12345698765431 today")
	require.NoError(t, err)
	assert.Empty(t, findByType(spans, EntityIBAN),
		"mod-97 failure should drop the candidate")
}

// TestPatternDetector_ContextGatedAccountNumber verifies that a bare digit
// run stays below threshold shape while the same run near an "account"
// keyword is boosted.
func TestPatternDetector_ContextGatedAccountNumber(t *testing.T) {
	d := newTestPatternDetector(t)

	withContext := "my account number is 12345678 at the branch"
	spans, err := d.Detect(context.Background(), withContext)
	require.NoError(t, err)
	accts := findByType(spans, EntityAccountNumber)
	require.Len(t, accts, 1)
	assert.GreaterOrEqual(t, accts[0].Confidence, ThresholdFor(EntityAccountNumber),
		"context keyword should boost the account number above its threshold")

	bare := "order id 12345678 confirmed"
	spans, err = d.Detect(context.Background(), bare)
	require.NoError(t, err)
	accts = findByType(spans, EntityAccountNumber)
	require.Len(t, accts, 1, "candidate is still emitted for corroboration")
	assert.Less(t, accts[0].Confidence, ThresholdFor(EntityAccountNumber),
		"without context the candidate must stay below threshold")
}

// TestPatternDetector_EmailAndAPIKey covers the remaining always-on rules.
func TestPatternDetector_EmailAndAPIKey(t *testing.T) {
	d := newTestPatternDetector(t)

	text := "reach me at jane.doe@example.com, key sk-abcdefghij0123456789"
	spans, err := d.Detect(context.Background(), text)
	require.NoError(t, err)

	require.Len(t, findByType(spans, EntityEmail), 1)
	require.Len(t, findByType(spans, EntityAPIKey), 1)
}

// TestPatternDetector_MaskedTextIsClean verifies the masking idempotence
// contract from the detector side: already-masked values must not re-match.
func TestPatternDetector_MaskedTextIsClean(t *testing.T) {
	d := newTestPatternDetector(t)

	text := "My SSN is ***-**-6789 and my card is ****-****-****-1111"
	spans, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	assert.Empty(t, findByType(spans, EntitySSN))
	assert.Empty(t, findByType(spans, EntityCreditCard))
}

// TestNewPatternDetector_RejectsBadRules verifies constructor validation of
// fixture rule sets.
func TestNewPatternDetector_RejectsBadRules(t *testing.T) {
	_, err := newPatternDetectorFromYAML([]byte(`
patterns:
  - id: BAD-001
    entity_type: SSN
    regex: '(['
    base_confidence: 0.9
`))
	require.Error(t, err, "invalid regex should fail construction")

	_, err = newPatternDetectorFromYAML([]byte(`
patterns:
  - id: BAD-002
    entity_type: SSN
    regex: '\d+'
    base_confidence: 0.9
    validator: no_such_checksum
`))
	require.Error(t, err, "unknown validator should fail construction")
}
