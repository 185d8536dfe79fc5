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
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/GatewatchAI/Gatewatch/services/detection"
)

// placeholderToken matches a whole placeholder produced by a previous
// masking pass ("[PERSON]", "[REDACTED]"). Spans covering one are skipped
// so re-scanning masked text can never stack placeholders.
var placeholderToken = regexp.MustCompile(`^\[[A-Z_]+\]$`)

// =============================================================================
// Masker
// =============================================================================

// Masker rewrites detected spans according to the active Policy.
//
// The active policy is held behind an atomic pointer so the Watcher can
// swap in an updated policy without a lock on the request path. Apply is
// safe for concurrent use.
type Masker struct {
	policy atomic.Pointer[Policy]
}

// NewMasker creates a masker with the given initial policy.
func NewMasker(p *Policy) *Masker {
	m := &Masker{}
	m.policy.Store(p)
	return m
}

// SetPolicy atomically swaps the active policy. In-flight requests finish
// with the policy they started with.
func (m *Masker) SetPolicy(p *Policy) {
	m.policy.Store(p)
}

// Policy returns the currently active policy.
func (m *Masker) Policy() *Policy {
	return m.policy.Load()
}

// Result is the outcome of one masking pass.
type Result struct {
	// Masked is the rewritten text.
	Masked string

	// EntityTypes lists the entity types masked, deduplicated and sorted.
	// This is what audit records and API responses carry — never values.
	EntityTypes []string
}

// Apply rewrites every span in text per the active policy.
//
// Spans are applied right-to-left so earlier offsets stay valid while the
// string is being rewritten. The spans must be disjoint and sorted, which
// is what detection.MergeSpans guarantees.
//
// Masking is idempotent: partial masking leaves already-masked characters
// untouched (only alphanumerics are rewritten, and the kept suffix counts
// from the end), and spans that cover an intact placeholder token are
// skipped. Masking text that was already masked therefore returns it
// unchanged.
func (m *Masker) Apply(text string, spans []detection.Span) Result {
	if len(spans) == 0 {
		return Result{Masked: text, EntityTypes: []string{}}
	}
	policy := m.policy.Load()

	out := text
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		if s.Start < 0 || s.End > len(out) || s.Start >= s.End {
			continue
		}
		segment := out[s.Start:s.End]
		if placeholderToken.MatchString(segment) {
			continue
		}
		rule := policy.RuleFor(s.Type)

		var replacement string
		switch rule.Strategy {
		case StrategyPartial:
			replacement = partialMask(segment, rule.KeepLast)
		case StrategyPlaceholder:
			replacement = "[" + string(s.Type) + "]"
		default:
			replacement = "[REDACTED]"
		}
		out = out[:s.Start] + replacement + out[s.End:]
	}

	return Result{Masked: out, EntityTypes: detection.EntityTypeSet(spans)}
}

// partialMask replaces alphanumeric characters with '*', preserving
// separators, and keeps the trailing keepLast alphanumerics intact.
//
//	partialMask("123-45-6789", 4)          -> "***-**-6789"
//	partialMask("4111 1111 1111 1111", 4)  -> "**** **** **** 1111"
//
// Already-masked input is a fixed point: '*' is not alphanumeric, so a
// second pass rewrites nothing.
func partialMask(segment string, keepLast int) string {
	total := 0
	for _, r := range segment {
		if isAlnum(r) {
			total++
		}
	}
	toMask := total - keepLast
	if toMask <= 0 {
		return segment
	}

	var b strings.Builder
	b.Grow(len(segment))
	masked := 0
	for _, r := range segment {
		if isAlnum(r) && masked < toMask {
			b.WriteRune('*')
			masked++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isAlnum(r rune) bool {
	return r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
}
