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
	"fmt"
	"regexp"
	"strings"

	"github.com/GatewatchAI/Gatewatch/services/detection/patterns"
	"gopkg.in/yaml.v3"
)

// PatternDetectorName is the Span.Detector identifier for this layer.
const PatternDetectorName = "pattern"

// contextWindow is the number of bytes scanned on each side of a match when
// a pattern is gated on context keywords.
const contextWindow = 40

// =============================================================================
// Pattern Definitions
// =============================================================================

// patternFile mirrors the embedded pii_patterns.yaml layout.
type patternFile struct {
	Patterns []PIIPattern `yaml:"patterns"`
}

// PIIPattern is a single deterministic detection rule.
//
// A rule can carry a checksum validator (luhn, iban_mod97, ssn_structural)
// and/or a context keyword gate. Validators are authoritative: a failing
// checksum drops the candidate entirely, a passing one raises confidence to
// ValidatedConfidence. Context keywords raise confidence to
// BoostedConfidence when one appears near the match; otherwise the rule
// keeps its base confidence, which for ambiguous shapes is deliberately
// below the acceptance threshold.
type PIIPattern struct {
	Id                  string     `yaml:"id"`
	EntityType          EntityType `yaml:"entity_type"`
	Description         string     `yaml:"description"`
	Regex               string     `yaml:"regex"`
	BaseConfidence      float64    `yaml:"base_confidence"`
	Validator           string     `yaml:"validator"`
	ValidatedConfidence float64    `yaml:"validated_confidence"`
	ContextKeywords     []string   `yaml:"context_keywords"`
	BoostedConfidence   float64    `yaml:"boosted_confidence"`

	compiled *regexp.Regexp `yaml:"-"`
}

// validatorFuncs maps validator names from the YAML to their checksum
// implementations. The bool result means "candidate is structurally valid".
var validatorFuncs = map[string]func(string) bool{
	"luhn":           luhnValid,
	"iban_mod97":     ibanValid,
	"ssn_structural": ssnValid,
}

// =============================================================================
// PatternDetector
// =============================================================================

// PatternDetector is the deterministic regex layer of the detector stack.
//
// Rules are loaded from the YAML embedded in the binary and compiled once at
// construction. The detector holds no mutable state after construction and
// is safe for concurrent use.
type PatternDetector struct {
	rules []PIIPattern
}

// NewPatternDetector builds a detector from the embedded pattern library.
//
// It performs the following operations:
//  1. Unmarshals the embedded YAML data.
//  2. Rejects rules naming an unknown validator.
//  3. Compiles all regex patterns.
//
// Returns an error if the embedded YAML is malformed or contains an invalid
// regex — a gateway must not start with a partial rule set.
func NewPatternDetector() (*PatternDetector, error) {
	return newPatternDetectorFromYAML(patterns.PIIPatterns)
}

// newPatternDetectorFromYAML is split out so tests can load fixture rules.
func newPatternDetectorFromYAML(raw []byte) (*PatternDetector, error) {
	var file patternFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded pattern file: %w", err)
	}
	for i := range file.Patterns {
		rule := &file.Patterns[i]
		if rule.Validator != "" {
			if _, ok := validatorFuncs[rule.Validator]; !ok {
				return nil, fmt.Errorf("pattern %s names unknown validator %q", rule.Id, rule.Validator)
			}
		}
		re, err := regexp.Compile(rule.Regex)
		if err != nil {
			return nil, fmt.Errorf("failed to compile the regex for %s: %w", rule.Id, err)
		}
		rule.compiled = re
	}
	return &PatternDetector{rules: file.Patterns}, nil
}

// Name implements the Detector interface.
func (d *PatternDetector) Name() string {
	return PatternDetectorName
}

// RuleCount returns the number of loaded rules (for startup logging).
func (d *PatternDetector) RuleCount() int {
	return len(d.rules)
}

// Detect scans text against every rule and returns candidate spans.
//
// Candidates that fail their checksum validator are discarded. Candidates
// whose rule is context-gated keep the base confidence unless a keyword
// appears within contextWindow bytes of the match. Threshold filtering is
// NOT applied here — that is MergeSpans' job, so that a low-confidence
// pattern hit can still corroborate an overlapping recognizer hit.
func (d *PatternDetector) Detect(_ context.Context, text string) ([]Span, error) {
	var spans []Span
	lower := strings.ToLower(text)
	for i := range d.rules {
		rule := &d.rules[i]
		for _, loc := range rule.compiled.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			conf := rule.BaseConfidence

			if rule.Validator != "" {
				if !validatorFuncs[rule.Validator](match) {
					continue
				}
				conf = rule.ValidatedConfidence
			}
			if len(rule.ContextKeywords) > 0 && hasContextKeyword(lower, loc[0], loc[1], rule.ContextKeywords) {
				if rule.BoostedConfidence > conf {
					conf = rule.BoostedConfidence
				}
			}

			spans = append(spans, Span{
				Start:      loc[0],
				End:        loc[1],
				Type:       rule.EntityType,
				Confidence: conf,
				Detector:   PatternDetectorName,
			})
		}
	}
	return spans, nil
}

// hasContextKeyword reports whether any keyword occurs within the context
// window around [start, end). The haystack must already be lowercased.
func hasContextKeyword(lower string, start, end int, keywords []string) bool {
	lo := start - contextWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + contextWindow
	if hi > len(lower) {
		hi = len(lower)
	}
	window := lower[lo:hi]
	for _, kw := range keywords {
		if strings.Contains(window, kw) {
			return true
		}
	}
	return false
}

// =============================================================================
// Checksum Validators
// =============================================================================

// luhnValid runs the Luhn checksum over the digits of a candidate card
// number. Separators (space, hyphen) are ignored.
func luhnValid(candidate string) bool {
	var digits []int
	for _, r := range candidate {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, int(r-'0'))
		case r == ' ' || r == '-':
			// separator, skip
		default:
			return false
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ibanValid performs the ISO 13616 mod-97 check on a candidate IBAN.
func ibanValid(candidate string) bool {
	iban := strings.ReplaceAll(candidate, " ", "")
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	// Move the country code and check digits to the end, then expand
	// letters (A=10 .. Z=35) and reduce mod 97 incrementally.
	rearranged := iban[4:] + iban[:4]
	rem := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			rem = (rem*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			v := int(r-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return false
		}
	}
	return rem == 1
}

// ssnValid applies the SSA structural rules: area not 000/666/900-999,
// group not 00, serial not 0000.
func ssnValid(candidate string) bool {
	var digits []byte
	for i := 0; i < len(candidate); i++ {
		c := candidate[i]
		if c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) != 9 {
		return false
	}
	area := string(digits[0:3])
	group := string(digits[3:5])
	serial := string(digits[5:9])
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	if group == "00" || serial == "0000" {
		return false
	}
	return true
}
