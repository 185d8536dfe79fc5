// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// =============================================================================
// Hash-Chained Audit Log
// =============================================================================

// GenesisHash is the prev_hash of the first record in a fresh chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// auditLogFileMode restricts the audit file to owner read/write (0600).
// The log reveals what kinds of PII passed through the gateway and when,
// which is itself sensitive.
const auditLogFileMode = 0600

// ChainLogger is a Sink writing append-only JSONL with a SHA-256 hash
// chain: each record carries the hash of the previous record, so any
// edit or deletion breaks verification from that point on.
//
// # Thread Safety
//
// All methods are safe for concurrent use; writes are serialized.
type ChainLogger struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	sequence int64
	prevHash string
}

// NewChainLogger opens (or creates) the audit log at path and resumes
// the chain from the last record in an existing file.
func NewChainLogger(path string) (*ChainLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	l := &ChainLogger{file: file, path: path, prevHash: GenesisHash}
	if err := l.resumeChain(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to resume audit chain: %w", err)
	}

	slog.Info("Audit chain logger initialized",
		"path", path, "starting_sequence", l.sequence)
	return l, nil
}

// Write implements Sink. It assigns the chain fields and appends the
// record as one JSON line.
func (l *ChainLogger) Write(_ context.Context, record *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	record.Sequence = l.sequence
	record.PrevHash = l.prevHash
	record.RecordHash = chainHash(record)

	line, err := json.Marshal(record)
	if err != nil {
		l.sequence--
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.sequence--
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	l.prevHash = record.RecordHash
	return nil
}

// Close implements Sink.
func (l *ChainLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// VerifyChain walks the whole file and checks every link. Returns the
// 0-based index of the first broken record, or -1 when the chain holds.
func (l *ChainLogger) VerifyChain() (valid bool, breakIndex int64, err error) {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()
	return VerifyChainFile(path)
}

// VerifyChainFile verifies a chain file without a live logger, for the
// CLI verifier.
func VerifyChainFile(path string) (valid bool, breakIndex int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return false, -1, fmt.Errorf("failed to open audit log for verification: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	prevHash := GenesisHash
	var index int64
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return false, index, nil
		}
		if record.PrevHash != prevHash {
			return false, index, nil
		}
		if chainHash(&record) != record.RecordHash {
			return false, index, nil
		}
		prevHash = record.RecordHash
		index++
	}
	if err := scanner.Err(); err != nil {
		return false, -1, fmt.Errorf("error reading audit log: %w", err)
	}
	return true, -1, nil
}

// EntryCount returns the number of records in the log.
func (l *ChainLogger) EntryCount() (int64, error) {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var count int64
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("error reading audit log: %w", err)
	}
	return count, nil
}

// resumeChain scans an existing file for the last record's sequence and
// hash so appends continue the chain instead of restarting it.
func (l *ChainLogger) resumeChain() error {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.Sequence > 0 {
			l.sequence = record.Sequence
			l.prevHash = record.RecordHash
		}
	}
	return scanner.Err()
}

// chainHash computes the record's chain hash over a stable field order,
// excluding RecordHash itself.
func chainHash(r *Record) string {
	data := strings.Join([]string{
		fmt.Sprintf("%d", r.Sequence),
		r.Timestamp,
		r.CorrelationID,
		r.QueryHash,
		strings.Join(r.InputEntities, ","),
		strings.Join(r.OutputEntities, ","),
		strings.Join(r.SafetyFlags, ","),
		strings.Join(r.Sources, ","),
		strings.Join(r.CitationViolations, ","),
		string(r.Outcome),
		r.PrevHash,
	}, "|")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
