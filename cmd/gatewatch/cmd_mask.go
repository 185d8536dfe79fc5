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
	"fmt"
	"io"
	"os"
	"time"

	"github.com/GatewatchAI/Gatewatch/services/masking"
	"github.com/spf13/cobra"
)

var (
	maskPolicyPath string
	maskShowTypes  bool
)

var maskCmd = &cobra.Command{
	Use:   "mask [file]",
	Short: "Mask PII in text from a file or stdin",
	Long: `Mask PII in text using the local detector stack and a masking
policy. Reads from the file argument, or stdin when omitted, and writes
the masked text to stdout.

Examples:
  cat support_ticket.txt | gatewatch mask
  gatewatch mask export.csv > export_masked.csv
  gatewatch mask --policy custom_policy.yaml notes.md`,
	Args: cobra.MaximumNArgs(1),
	Run:  runMask,
}

func init() {
	maskCmd.Flags().StringVar(&maskPolicyPath, "policy", "",
		"Masking policy YAML (default: embedded policy)")
	maskCmd.Flags().BoolVar(&maskShowTypes, "types", false,
		"Print detected entity types to stderr")

	rootCmd.AddCommand(maskCmd)
}

func runMask(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var (
		raw []byte
		err error
	)
	if len(args) == 1 {
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read input: %v\n", err)
		os.Exit(ScanExitError)
	}

	policy := masking.MustDefaultPolicy()
	if maskPolicyPath != "" {
		rawPolicy, err := os.ReadFile(maskPolicyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read policy: %v\n", err)
			os.Exit(ScanExitError)
		}
		policy, err = masking.LoadPolicy(rawPolicy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid policy: %v\n", err)
			os.Exit(ScanExitError)
		}
	}

	stack, err := newLocalStack()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load detectors: %v\n", err)
		os.Exit(ScanExitError)
	}

	spans, err := stack.Detect(ctx, string(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Detection failed: %v\n", err)
		os.Exit(ScanExitError)
	}

	result := masking.NewMasker(policy).Apply(string(raw), spans)
	fmt.Print(result.Masked)

	if maskShowTypes {
		for _, t := range result.EntityTypes {
			fmt.Fprintln(os.Stderr, t)
		}
	}
}
