// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secure holds raw inbound text in mlocked memory while the
// detectors run.
//
// The raw query is the only place unmasked PII exists inside the
// gateway. Keeping it in a memguard LockedBuffer prevents it from
// swapping to disk; the buffer is wiped as soon as masking completes.
// On systems with an insufficient mlock rlimit the package degrades to
// plain memory and logs the downgrade once.
package secure

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MaxBufferBytes caps a single raw-text buffer at 1 MB, matching the
// gateway's document size cap.
const MaxBufferBytes = 1024 * 1024

// minMlockLimitKB is the minimum mlock rlimit for secure mode.
const minMlockLimitKB = 1024

var (
	initOnce        sync.Once
	mlockSufficient bool
)

// ErrTooLarge is returned when the raw text exceeds MaxBufferBytes.
var ErrTooLarge = errors.New("raw text exceeds secure buffer capacity")

// Buffer holds one piece of raw text. Destroy wipes it; all methods
// after Destroy return empty values.
//
// # Thread Safety
//
// A Buffer belongs to one request; it is not safe for concurrent use.
type Buffer struct {
	locked    *memguard.LockedBuffer
	plain     []byte
	destroyed bool
}

// NewBuffer copies raw into protected memory. The caller should wipe
// its own copy of raw as soon as possible and must call Destroy when
// masking is done.
func NewBuffer(raw []byte) (*Buffer, error) {
	if len(raw) > MaxBufferBytes {
		return nil, ErrTooLarge
	}
	initSecureMemory()

	// memguard rejects zero-length buffers.
	if mlockSufficient && len(raw) > 0 {
		return &Buffer{locked: memguard.NewBufferFromBytes(raw)}, nil
	}
	plain := make([]byte, len(raw))
	copy(plain, raw)
	return &Buffer{plain: plain}, nil
}

// String returns the buffered text.
func (b *Buffer) String() string {
	if b.destroyed {
		return ""
	}
	if b.locked != nil {
		return string(b.locked.Bytes())
	}
	return string(b.plain)
}

// Destroy wipes the buffer. Idempotent.
func (b *Buffer) Destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true
	if b.locked != nil {
		b.locked.Destroy()
		b.locked = nil
		return
	}
	for i := range b.plain {
		b.plain[i] = 0
	}
	b.plain = nil
}

// initSecureMemory checks the mlock rlimit once and arms memguard's
// interrupt handler so buffers are wiped on SIGINT.
func initSecureMemory() {
	initOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized for raw input buffers")
		} else {
			slog.Warn("mlock limit too low, raw input buffers will use plain memory",
				"required_kb", minMlockLimitKB)
		}
	})
}

// checkMlockLimit queries RLIMIT_MEMLOCK. An unreadable limit is
// treated as sufficient; memguard surfaces the real failure if mlock
// is actually denied.
func checkMlockLimit() bool {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true
	}
	return int64(rlimit.Cur/1024) >= minMlockLimitKB
}
