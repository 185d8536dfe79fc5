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
	"fmt"
	"os"

	"github.com/GatewatchAI/Gatewatch/services/audit"
	"github.com/spf13/cobra"
)

// Exit codes for audit verify.
const (
	AuditVerifyExitValid  = 0
	AuditVerifyExitBroken = 1
	AuditVerifyExitError  = 2
)

var auditVerifyLogPath string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the gateway's audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain of an audit log",
	Long: `Verify the hash chain of an append-only audit log.

Each record's hash covers its content plus the previous record's hash,
so any edit, deletion, or reorder breaks the chain at the tampered
record.

Exit Codes:
  0 = Chain valid
  1 = Chain broken (index of first bad record is printed)
  2 = Error (file unreadable, malformed record)`,
	Run: runAuditVerify,
}

func init() {
	auditVerifyCmd.Flags().StringVar(&auditVerifyLogPath, "log", "",
		"Path to the audit log file (required)")
	_ = auditVerifyCmd.MarkFlagRequired("log")

	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) {
	valid, breakIndex, err := audit.VerifyChainFile(auditVerifyLogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verification error: %v\n", err)
		os.Exit(AuditVerifyExitError)
	}
	if !valid {
		fmt.Printf("TAMPERED: chain broken at record %d\n", breakIndex)
		os.Exit(AuditVerifyExitBroken)
	}
	fmt.Println("Chain valid")
	os.Exit(AuditVerifyExitValid)
}
