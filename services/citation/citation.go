// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package citation extracts citation labels from generated answers and
// validates them against the retrieval context the model was actually
// given. A model citing a source it was never shown is a contract
// violation: depending on mode the citation is stripped or the whole
// response is rejected.
package citation

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// =============================================================================
// Reference Extraction
// =============================================================================

// Reference is one citation label found in generated text.
type Reference struct {
	// Raw is the full bracketed label as it appears, e.g. "[Document 2: notes.md]".
	Raw string

	// Start and End are byte offsets of Raw within the answer.
	Start int
	End   int

	// Index is the 1-based document number for numeric forms, 0 when the
	// label names a source without a number.
	Index int

	// Source is the cited source name, empty for bare numeric labels.
	Source string
}

var (
	// [3]
	numericRef = regexp.MustCompile(`\[(\d{1,3})\]`)

	// [Document 2: quarterly_report.pdf]
	documentRef = regexp.MustCompile(`\[[Dd]ocument\s+(\d{1,3})\s*:\s*([^\[\]]+?)\s*\]`)

	// [source: quarterly_report.pdf]
	sourceRef = regexp.MustCompile(`\[[Ss]ource\s*:\s*([^\[\]]+?)\s*\]`)
)

// Extract finds every citation label in the answer, in document order.
func Extract(answer string) []Reference {
	var refs []Reference

	for _, m := range documentRef.FindAllStringSubmatchIndex(answer, -1) {
		idx, _ := strconv.Atoi(answer[m[2]:m[3]])
		refs = append(refs, Reference{
			Raw:    answer[m[0]:m[1]],
			Start:  m[0],
			End:    m[1],
			Index:  idx,
			Source: answer[m[4]:m[5]],
		})
	}
	for _, m := range sourceRef.FindAllStringSubmatchIndex(answer, -1) {
		if overlapsAny(refs, m[0], m[1]) {
			continue
		}
		refs = append(refs, Reference{
			Raw:    answer[m[0]:m[1]],
			Start:  m[0],
			End:    m[1],
			Source: answer[m[2]:m[3]],
		})
	}
	for _, m := range numericRef.FindAllStringSubmatchIndex(answer, -1) {
		if overlapsAny(refs, m[0], m[1]) {
			continue
		}
		idx, _ := strconv.Atoi(answer[m[2]:m[3]])
		refs = append(refs, Reference{
			Raw:   answer[m[0]:m[1]],
			Start: m[0],
			End:   m[1],
			Index: idx,
		})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Start < refs[j].Start })
	return refs
}

func overlapsAny(refs []Reference, start, end int) bool {
	for _, r := range refs {
		if start < r.End && r.Start < end {
			return true
		}
	}
	return false
}

// =============================================================================
// Validation
// =============================================================================

// Mode controls what happens to a citation that fails validation.
type Mode string

const (
	// ModeStrip removes invalid citations and keeps the answer.
	ModeStrip Mode = "strip"

	// ModeReject fails the whole response on the first invalid citation.
	ModeReject Mode = "reject"
)

// ParseMode validates a mode string from config.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeStrip, ModeReject:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("invalid citation mode %q, want strip or reject", raw)
	}
}

// CitationIntegrityError reports citations to sources outside the
// retrieval set, in reject mode.
type CitationIntegrityError struct {
	// Labels are the offending raw citation labels.
	Labels []string
}

// Error implements the error interface.
func (e *CitationIntegrityError) Error() string {
	return fmt.Sprintf("citation integrity violation: %d citations reference non-retrieved sources", len(e.Labels))
}

// IsCitationIntegrity checks if an error is a *CitationIntegrityError.
func IsCitationIntegrity(err error) bool {
	_, ok := err.(*CitationIntegrityError)
	return ok
}

// Validator checks generated answers against a retrieval set.
type Validator struct {
	mode Mode
}

// NewValidator creates a validator in the given mode.
func NewValidator(mode Mode) *Validator {
	return &Validator{mode: mode}
}

// Result is the outcome of validating one answer.
type Result struct {
	// Answer is the (possibly rewritten) answer text.
	Answer string

	// Valid lists citations that resolved against the retrieval set.
	Valid []Reference

	// Violations lists raw labels that did not resolve. Non-empty
	// violations are recorded in the audit trail even in strip mode.
	Violations []string
}

// Validate checks every citation in the answer against sources, the
// ordered source names of the retrieval context for this request.
//
// A numeric label [n] resolves if 1 <= n <= len(sources). A named label
// resolves if the name matches one of the sources (case-insensitive); the
// document form must ALSO carry an in-range index. In strip mode
// offending labels are removed and the cleaned answer returned; in reject
// mode the first pass returns a *CitationIntegrityError.
func (v *Validator) Validate(answer string, sources []string) (*Result, error) {
	refs := Extract(answer)
	if len(refs) == 0 {
		return &Result{Answer: answer, Violations: []string{}}, nil
	}

	byName := make(map[string]bool, len(sources))
	for _, s := range sources {
		byName[strings.ToLower(strings.TrimSpace(s))] = true
	}

	result := &Result{Answer: answer, Violations: []string{}}
	var invalid []Reference
	for _, ref := range refs {
		if v.resolves(ref, byName, len(sources)) {
			result.Valid = append(result.Valid, ref)
			continue
		}
		invalid = append(invalid, ref)
		result.Violations = append(result.Violations, ref.Raw)
	}

	if len(invalid) == 0 {
		return result, nil
	}
	if v.mode == ModeReject {
		return nil, &CitationIntegrityError{Labels: result.Violations}
	}

	// Strip right-to-left so offsets stay valid. One adjacent space goes
	// with each label so stripping does not leave stray gaps.
	out := answer
	for i := len(invalid) - 1; i >= 0; i-- {
		ref := invalid[i]
		start, end := ref.Start, ref.End
		if start > 0 && out[start-1] == ' ' {
			start--
		} else if end < len(out) && out[end] == ' ' {
			end++
		}
		out = out[:start] + out[end:]
	}
	result.Answer = out
	return result, nil
}

func (v *Validator) resolves(ref Reference, byName map[string]bool, n int) bool {
	if ref.Source != "" {
		if !byName[strings.ToLower(strings.TrimSpace(ref.Source))] {
			return false
		}
		if ref.Index > 0 {
			return ref.Index <= n
		}
		return true
	}
	return ref.Index >= 1 && ref.Index <= n
}
