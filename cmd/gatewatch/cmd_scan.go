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
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/GatewatchAI/Gatewatch/services/detection"
	"github.com/spf13/cobra"
)

// =============================================================================
// CONSTANTS AND TYPES
// =============================================================================

// Exit codes for scan.
const (
	ScanExitClean    = 0
	ScanExitFindings = 1
	ScanExitError    = 2
)

const (
	defaultScanMaxFileSize = 1024 * 1024 // 1MB
	defaultScanWorkers     = 0           // 0 means 2 * NumCPU
)

// Finding is one detected entity occurrence. It carries the location and
// type only — the matched value never appears in output.
type Finding struct {
	FilePath   string  `json:"file_path"`
	Line       int     `json:"line"`
	EntityType string  `json:"entity_type"`
	Confidence float64 `json:"confidence"`
	Detector   string  `json:"detector"`
}

// ScanSummary holds the results of a scan run.
type ScanSummary struct {
	Findings     []Finding      `json:"findings"`
	FilesScanned int            `json:"files_scanned"`
	FilesSkipped int            `json:"files_skipped"`
	TypeCounts   map[string]int `json:"type_counts"`
	DurationMs   int64          `json:"duration_ms"`
	Warnings     []string       `json:"warnings,omitempty"`
}

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	scanRecursive     bool
	scanExclude       []string
	scanMaxFileSize   int64
	scanMinConfidence float64
	scanJSON          bool
	scanQuiet         bool
	scanWorkers       int
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var scanCmd = &cobra.Command{
	Use:   "scan [path...]",
	Short: "Scan files for PII",
	Long: `Scan files for PII using the local detector stack.

Runs the pattern and contextual detectors offline — no text leaves the
machine and no recognizer service is contacted. Findings report entity
type and location only, never the matched value.

Examples:
  gatewatch scan
  gatewatch scan ./exports ./logs
  gatewatch scan --min-confidence 0.9 --json

Exit Codes:
  0 = No findings
  1 = PII found
  2 = Error (invalid path, scan failure)`,
	Run: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanRecursive, "recursive", true,
		"Scan subdirectories recursively")
	scanCmd.Flags().StringSliceVar(&scanExclude, "exclude", nil,
		"Skip files/directories matching these patterns")
	scanCmd.Flags().Int64Var(&scanMaxFileSize, "max-file-size", defaultScanMaxFileSize,
		"Skip files larger than this size in bytes")
	scanCmd.Flags().Float64Var(&scanMinConfidence, "min-confidence", 0,
		"Only report findings at or above this confidence")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false,
		"Output as JSON")
	scanCmd.Flags().BoolVar(&scanQuiet, "quiet", false,
		"Only exit code, no output")
	scanCmd.Flags().IntVar(&scanWorkers, "workers", defaultScanWorkers,
		"Number of parallel workers (0 = 2 * NumCPU)")

	rootCmd.AddCommand(scanCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runScan(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()

	paths := args
	if len(paths) == 0 {
		paths = []string{"."}
	}

	stack, err := newLocalStack()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load detectors: %v\n", err)
		os.Exit(ScanExitError)
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Path not found: %v\n", err)
			os.Exit(ScanExitError)
		}
		if info.IsDir() {
			collected, err := collectScanFiles(p, scanRecursive, scanExclude)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to collect files: %v\n", err)
				os.Exit(ScanExitError)
			}
			files = append(files, collected...)
		} else {
			files = append(files, p)
		}
	}

	workers := scanWorkers
	if workers <= 0 {
		workers = 2 * runtime.NumCPU()
	}

	summary := scanFilesParallel(ctx, stack, files, workers)
	summary.DurationMs = time.Since(start).Milliseconds()

	if !scanQuiet {
		if scanJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(summary)
		} else {
			printScanText(summary)
		}
	}

	if len(summary.Findings) > 0 {
		os.Exit(ScanExitFindings)
	}
	os.Exit(ScanExitClean)
}

// newLocalStack builds the offline detector stack: pattern and
// contextual layers, no recognizer.
func newLocalStack() (*detection.Stack, error) {
	pd, err := detection.NewPatternDetector()
	if err != nil {
		return nil, err
	}
	return detection.NewStackWith(pd, detection.NewContextNER()), nil
}

// =============================================================================
// FILE COLLECTION
// =============================================================================

func collectScanFiles(root string, recursive bool, excludes []string) ([]string, error) {
	var files []string

	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Continue on error
		}
		if d.IsDir() {
			if path != root && !recursive {
				return fs.SkipDir
			}
			if matchesScanPatterns(path, excludes) {
				return fs.SkipDir
			}
			return nil
		}
		if matchesScanPatterns(path, excludes) {
			return nil
		}
		if isBinaryScanFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		return nil, err
	}
	return files, nil
}

func matchesScanPatterns(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(pattern, "**") {
			suffix := strings.TrimPrefix(pattern, "**/")
			if strings.HasSuffix(path, suffix) {
				return true
			}
			continue
		}
		matched, _ := filepath.Match(pattern, filepath.Base(path))
		if matched {
			return true
		}
	}
	return false
}

func isBinaryScanFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	binaryExts := map[string]bool{
		".exe": true, ".dll": true, ".so": true, ".dylib": true,
		".bin": true, ".obj": true, ".o": true, ".a": true,
		".zip": true, ".tar": true, ".gz": true, ".rar": true,
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
		".pdf": true, ".doc": true, ".docx": true,
		".wasm": true, ".pyc": true, ".class": true,
	}
	if binaryExts[ext] {
		return true
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil || n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			return true
		}
	}
	return false
}

// =============================================================================
// PARALLEL SCANNING
// =============================================================================

func scanFilesParallel(ctx context.Context, stack *detection.Stack,
	files []string, workers int) *ScanSummary {

	summary := &ScanSummary{
		Findings:   make([]Finding, 0),
		TypeCounts: make(map[string]int),
	}
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		fileChan = make(chan string, workers*2)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case path, ok := <-fileChan:
					if !ok {
						return
					}
					findings, skipped, warning := scanSingleFile(ctx, stack, path)

					mu.Lock()
					if skipped {
						summary.FilesSkipped++
					} else {
						summary.FilesScanned++
					}
					summary.Findings = append(summary.Findings, findings...)
					if warning != "" {
						summary.Warnings = append(summary.Warnings, warning)
					}
					mu.Unlock()
				}
			}
		}()
	}

	for _, f := range files {
		select {
		case <-ctx.Done():
			break
		case fileChan <- f:
		}
	}
	close(fileChan)
	wg.Wait()

	for _, f := range summary.Findings {
		summary.TypeCounts[f.EntityType]++
	}
	return summary
}

func scanSingleFile(ctx context.Context, stack *detection.Stack, path string) ([]Finding, bool, string) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, true, fmt.Sprintf("Cannot stat %s: %v", path, err)
	}
	if info.Size() > scanMaxFileSize {
		return nil, true, ""
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, true, fmt.Sprintf("Cannot read %s: %v", path, err)
	}

	text := string(content)
	spans, err := stack.Detect(ctx, text)
	if err != nil {
		return nil, true, fmt.Sprintf("Detection failed for %s: %v", path, err)
	}

	var findings []Finding
	for _, s := range spans {
		if s.Confidence < scanMinConfidence {
			continue
		}
		findings = append(findings, Finding{
			FilePath:   path,
			Line:       lineOfOffset(text, s.Start),
			EntityType: string(s.Type),
			Confidence: s.Confidence,
			Detector:   s.Detector,
		})
	}
	return findings, false, ""
}

// lineOfOffset converts a byte offset to a 1-based line number.
func lineOfOffset(text string, offset int) int {
	if offset > len(text) {
		offset = len(text)
	}
	return 1 + strings.Count(text[:offset], "\n")
}

// =============================================================================
// OUTPUT
// =============================================================================

func printScanText(summary *ScanSummary) {
	for _, f := range summary.Findings {
		fmt.Printf("%s:%d  %s  (%.2f via %s)\n",
			f.FilePath, f.Line, f.EntityType, f.Confidence, f.Detector)
	}
	fmt.Printf("\nScanned %d files (%d skipped) in %dms: %d findings\n",
		summary.FilesScanned, summary.FilesSkipped, summary.DurationMs,
		len(summary.Findings))
	for _, w := range summary.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}
