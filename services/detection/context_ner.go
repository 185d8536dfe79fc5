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
	"regexp"
	"strings"
	"unicode"
)

// ContextNERName is the Span.Detector identifier for this layer.
const ContextNERName = "context_ner"

// =============================================================================
// Trigger Tables
// =============================================================================

// personTriggers introduce a name mention. The capture group anchors where
// name-token consumption starts. Confidence reflects how unambiguous the
// trigger is: "my name is X" is a near-certain name position, a bare
// honorific slightly less so.
var personTriggers = []struct {
	re         *regexp.Regexp
	confidence float64
}{
	{regexp.MustCompile(`(?i)\bmy name is\s+`), 0.95},
	{regexp.MustCompile(`(?i)\bthis is\s+`), 0.90},
	{regexp.MustCompile(`(?i)\bon behalf of\s+`), 0.91},
	{regexp.MustCompile(`(?i)\b(?:mr|mrs|ms|dr|prof)\.?\s+`), 0.93},
	{regexp.MustCompile(`(?i)\b(?:regards|sincerely|thanks),\s+`), 0.90},
}

// addressTriggers introduce a postal address.
var addressTriggers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:i live at|my address is|address:|ship(?:ping)? to|deliver to)\s+`),
}

// streetSuffixes close an address token run.
var streetSuffixes = map[string]bool{
	"st": true, "street": true, "ave": true, "avenue": true, "rd": true,
	"road": true, "blvd": true, "boulevard": true, "ln": true, "lane": true,
	"dr": true, "drive": true, "ct": true, "court": true, "way": true,
	"pl": true, "place": true,
}

// dobTrigger introduces a textual date of birth ("born on January 5, 1980").
var dobTrigger = regexp.MustCompile(
	`(?i)\b(?:born on|date of birth[:\s]|dob[:\s])\s*` +
		`((?:january|february|march|april|may|june|july|august|september|october|november|december)` +
		`\s+\d{1,2},?\s+\d{4})`)

// =============================================================================
// ContextNER
// =============================================================================

// ContextNER is the context-aware recognizer for unstructured entities.
//
// It finds person names, postal addresses, and textual dates of birth by
// pairing context trigger phrases with token shape (capitalization, street
// suffixes). It is intentionally conservative: with no trigger there is no
// finding, and span boundaries extend to whole tokens so the merge step's
// wider-span-wins rule errs toward over-masking.
//
// The recognizer is stateless and safe for concurrent use.
type ContextNER struct{}

// NewContextNER returns the context-aware recognizer layer.
func NewContextNER() *ContextNER {
	return &ContextNER{}
}

// Name implements the Detector interface.
func (d *ContextNER) Name() string {
	return ContextNERName
}

// Detect implements the Detector interface.
func (d *ContextNER) Detect(_ context.Context, text string) ([]Span, error) {
	var spans []Span
	spans = append(spans, d.detectPersons(text)...)
	spans = append(spans, d.detectAddresses(text)...)
	spans = append(spans, d.detectBirthDates(text)...)
	return spans, nil
}

// detectPersons finds capitalized token runs after a person trigger.
func (d *ContextNER) detectPersons(text string) []Span {
	var spans []Span
	for _, trig := range personTriggers {
		for _, loc := range trig.re.FindAllStringIndex(text, -1) {
			start, end := consumeCapitalizedRun(text, loc[1], 3)
			if end <= start {
				continue
			}
			spans = append(spans, Span{
				Start:      start,
				End:        end,
				Type:       EntityPerson,
				Confidence: trig.confidence,
				Detector:   ContextNERName,
			})
		}
	}
	return spans
}

// detectAddresses finds "number + capitalized tokens + street suffix" runs,
// either after an address trigger or standalone.
func (d *ContextNER) detectAddresses(text string) []Span {
	var spans []Span
	for _, trig := range addressTriggers {
		for _, loc := range trig.FindAllStringIndex(text, -1) {
			if end := consumeAddressRun(text, loc[1]); end > loc[1] {
				spans = append(spans, Span{
					Start:      loc[1],
					End:        end,
					Type:       EntityAddress,
					Confidence: 0.90,
					Detector:   ContextNERName,
				})
			}
		}
	}
	// Standalone "123 Elm Street" shapes, lower confidence.
	standalone := regexp.MustCompile(`\b\d{1,5}\s+(?:[A-Z][a-z]+\s+){1,3}[A-Za-z]+\b`)
	for _, loc := range standalone.FindAllStringIndex(text, -1) {
		run := text[loc[0]:loc[1]]
		fields := strings.Fields(run)
		last := strings.ToLower(strings.TrimRight(fields[len(fields)-1], ".,"))
		if streetSuffixes[last] {
			spans = append(spans, Span{
				Start:      loc[0],
				End:        loc[1],
				Type:       EntityAddress,
				Confidence: 0.87,
				Detector:   ContextNERName,
			})
		}
	}
	return spans
}

// detectBirthDates finds textual dates following a birth trigger.
func (d *ContextNER) detectBirthDates(text string) []Span {
	var spans []Span
	for _, m := range dobTrigger.FindAllStringSubmatchIndex(text, -1) {
		// Group 1 bounds the date itself, not the trigger phrase.
		spans = append(spans, Span{
			Start:      m[2],
			End:        m[3],
			Type:       EntityDateOfBirth,
			Confidence: 0.94,
			Detector:   ContextNERName,
		})
	}
	return spans
}

// =============================================================================
// Token Helpers
// =============================================================================

// consumeCapitalizedRun consumes up to maxTokens capitalized words starting
// at offset, returning the [start, end) byte bounds of the run. Returns an
// empty run if the first token is not capitalized.
func consumeCapitalizedRun(text string, offset, maxTokens int) (int, int) {
	start := offset
	end := offset
	taken := 0
	i := offset
	for i < len(text) && taken < maxTokens {
		// Skip a single separating space between tokens.
		if taken > 0 {
			if i < len(text) && text[i] == ' ' {
				i++
			} else {
				break
			}
		}
		tokStart := i
		tokEnd := i
		for tokEnd < len(text) && isWordByte(text[tokEnd]) {
			tokEnd++
		}
		if tokEnd == tokStart || !unicode.IsUpper(rune(text[tokStart])) {
			break
		}
		end = tokEnd
		if taken == 0 {
			start = tokStart
		}
		taken++
		i = tokEnd
	}
	return start, end
}

// consumeAddressRun consumes "number words... suffix" starting at offset.
// Returns offset if no plausible address is found.
func consumeAddressRun(text string, offset int) int {
	i := offset
	// Leading house number.
	numEnd := i
	for numEnd < len(text) && text[numEnd] >= '0' && text[numEnd] <= '9' {
		numEnd++
	}
	if numEnd == i {
		return offset
	}
	i = numEnd
	end := offset
	// Up to five following tokens; stop at the first street suffix.
	for tokens := 0; tokens < 5 && i < len(text) && text[i] == ' '; tokens++ {
		i++
		tokStart := i
		for i < len(text) && isWordByte(text[i]) {
			i++
		}
		if i == tokStart {
			break
		}
		word := strings.ToLower(text[tokStart:i])
		if streetSuffixes[word] {
			end = i
			break
		}
	}
	return end
}

// isWordByte reports whether b belongs to a name/address token.
func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '\'' || b == '-'
}
