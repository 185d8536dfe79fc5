// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GatewatchAI/Gatewatch/services/masking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPolicyYAML = `
policies:
  - entity_type: SSN
    strategy: redact
default_strategy: redact
`

// TestBuildMasker_ReturnsWithPolicyPath verifies startup does not block
// on the hot-reload watcher when MASK_POLICY_PATH is set.
func TestBuildMasker_ReturnsWithPolicyPath(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(testPolicyYAML), 0644))
	t.Setenv("MASK_POLICY_PATH", policyPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *masking.Masker, 1)
	go func() { done <- buildMasker(ctx) }()

	select {
	case masker := <-done:
		require.NotNil(t, masker)
		assert.Equal(t, 1, masker.Policy().RuleCount())
	case <-time.After(5 * time.Second):
		t.Fatal("buildMasker did not return; watcher blocks the startup goroutine")
	}
}

// TestBuildMasker_DefaultsWithoutPolicyPath falls back to the embedded
// policy.
func TestBuildMasker_DefaultsWithoutPolicyPath(t *testing.T) {
	t.Setenv("MASK_POLICY_PATH", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	masker := buildMasker(ctx)
	require.NotNil(t, masker)
	assert.Greater(t, masker.Policy().RuleCount(), 0)
}
