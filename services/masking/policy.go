// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package masking applies per-entity-type masking policies to detected PII
// spans. Masking happens before any downstream stage sees the text: the
// generation backend, the safety scorer on the output side, and the caller
// all receive masked text only.
package masking

import (
	_ "embed"
	"fmt"

	"github.com/GatewatchAI/Gatewatch/services/detection"
	"gopkg.in/yaml.v3"
)

// DefaultPolicies holds the raw byte content of 'mask_policies.yaml',
// baked into the binary at compile time so the default policy cannot be
// tampered with on the host filesystem. Deployments override it with an
// on-disk policy file watched by the Watcher.
//
//go:embed mask_policies.yaml
var DefaultPolicies []byte

// =============================================================================
// Strategy
// =============================================================================

// Strategy is how a detected span gets rewritten.
type Strategy string

const (
	// StrategyPlaceholder replaces the whole span with "[TYPE]".
	StrategyPlaceholder Strategy = "placeholder"

	// StrategyPartial masks alphanumerics with '*', preserves separators,
	// and keeps the last KeepLast characters (e.g. ***-**-6789).
	StrategyPartial Strategy = "partial"

	// StrategyRedact replaces the whole span with "[REDACTED]".
	StrategyRedact Strategy = "redact"
)

// UnmarshalYAML validates strategy values at load time so a typo in a
// policy override is rejected instead of silently defaulting.
func (s *Strategy) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	incoming := Strategy(raw)
	switch incoming {
	case StrategyPlaceholder, StrategyPartial, StrategyRedact:
		*s = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for Strategy: %q", incoming)
	}
}

// =============================================================================
// Policy
// =============================================================================

// Rule binds one entity type to a strategy.
type Rule struct {
	EntityType detection.EntityType `yaml:"entity_type"`
	Strategy   Strategy             `yaml:"strategy"`
	KeepLast   int                  `yaml:"keep_last"`
}

// policyFile mirrors the YAML layout.
type policyFile struct {
	Policies        []Rule   `yaml:"policies"`
	DefaultStrategy Strategy `yaml:"default_strategy"`
}

// Policy is the resolved, immutable masking policy. Build one with
// LoadPolicy; never mutate it after construction — the gateway swaps whole
// Policy values atomically on hot reload.
type Policy struct {
	rules           map[detection.EntityType]Rule
	defaultStrategy Strategy
}

// LoadPolicy parses a policy document (the embedded default or an on-disk
// override) into a Policy.
//
// Validation is strict: unknown strategies fail the load, a partial rule
// with KeepLast < 1 fails the load. A gateway must not run with a policy
// it only half understood.
func LoadPolicy(raw []byte) (*Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal masking policy: %w", err)
	}
	if file.DefaultStrategy == "" {
		file.DefaultStrategy = StrategyRedact
	}

	rules := make(map[detection.EntityType]Rule, len(file.Policies))
	for _, r := range file.Policies {
		if r.EntityType == "" {
			return nil, fmt.Errorf("masking rule with empty entity_type")
		}
		if r.Strategy == StrategyPartial && r.KeepLast < 1 {
			return nil, fmt.Errorf("partial rule for %s needs keep_last >= 1", r.EntityType)
		}
		if _, dup := rules[r.EntityType]; dup {
			return nil, fmt.Errorf("duplicate masking rule for %s", r.EntityType)
		}
		rules[r.EntityType] = r
	}

	return &Policy{rules: rules, defaultStrategy: file.DefaultStrategy}, nil
}

// MustDefaultPolicy loads the embedded policy and panics on failure. The
// embedded file is compile-time data; failing to parse it is a build
// defect, not a runtime condition.
func MustDefaultPolicy() *Policy {
	p, err := LoadPolicy(DefaultPolicies)
	if err != nil {
		panic(fmt.Sprintf("embedded masking policy is invalid: %v", err))
	}
	return p
}

// RuleFor returns the rule applied to an entity type. Types without an
// explicit rule get the default strategy (full redaction), which keeps the
// fail-safe direction: an unknown entity type is over-masked, never passed
// through.
func (p *Policy) RuleFor(t detection.EntityType) Rule {
	if r, ok := p.rules[t]; ok {
		return r
	}
	return Rule{EntityType: t, Strategy: p.defaultStrategy}
}

// RuleCount returns the number of explicit rules (for startup logging).
func (p *Policy) RuleCount() int {
	return len(p.rules)
}
