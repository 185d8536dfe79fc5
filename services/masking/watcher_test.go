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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GatewatchAI/Gatewatch/services/detection"
	"github.com/stretchr/testify/require"
)

const overridePolicyYAML = `
policies:
  - entity_type: PHONE
    strategy: placeholder
default_strategy: redact
`

// startWatcher runs a watcher for path and stops it when the test ends.
func startWatcher(t *testing.T, path string, masker *Masker) {
	t.Helper()
	watcher, err := NewWatcher(path, masker)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go watcher.Start(ctx)

	// Give the watcher a moment to register the directory watch before
	// the test writes the file.
	time.Sleep(50 * time.Millisecond)
}

// TestWatcher_AppliesOverrideOnWrite verifies writing an override file
// swaps the active policy without restarting.
func TestWatcher_AppliesOverrideOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	masker := NewMasker(MustDefaultPolicy())
	startWatcher(t, path, masker)

	require.NoError(t, os.WriteFile(path, []byte(overridePolicyYAML), 0644))

	require.Eventually(t, func() bool {
		return masker.Policy().RuleCount() == 1
	}, 3*time.Second, 20*time.Millisecond, "override policy was never applied")

	rule := masker.Policy().RuleFor(detection.EntityPhone)
	require.Equal(t, StrategyPlaceholder, rule.Strategy)
}

// TestWatcher_LoadsExistingFileOnStart verifies an override that already
// exists is applied immediately.
func TestWatcher_LoadsExistingFileOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overridePolicyYAML), 0644))

	masker := NewMasker(MustDefaultPolicy())
	startWatcher(t, path, masker)

	require.Eventually(t, func() bool {
		return masker.Policy().RuleCount() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

// TestWatcher_KeepsLastGoodPolicyOnMalformedOverride verifies a broken
// override is rejected and the previous policy stays active.
func TestWatcher_KeepsLastGoodPolicyOnMalformedOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	masker := NewMasker(MustDefaultPolicy())
	startWatcher(t, path, masker)

	require.NoError(t, os.WriteFile(path, []byte(overridePolicyYAML), 0644))
	require.Eventually(t, func() bool {
		return masker.Policy().RuleCount() == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path,
		[]byte("policies:\n  - entity_type: SSN\n    strategy: shred\n"), 0644))

	require.Never(t, func() bool {
		return masker.Policy().RuleCount() != 1
	}, 500*time.Millisecond, 50*time.Millisecond, "malformed override replaced the active policy")
}

// TestWatcher_IgnoresOtherFilesInDirectory verifies unrelated writes in
// the watched directory do not trigger a reload.
func TestWatcher_IgnoresOtherFilesInDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	masker := NewMasker(MustDefaultPolicy())
	before := masker.Policy().RuleCount()
	startWatcher(t, path, masker)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"),
		[]byte(overridePolicyYAML), 0644))

	require.Never(t, func() bool {
		return masker.Policy().RuleCount() != before
	}, 500*time.Millisecond, 50*time.Millisecond)
}
