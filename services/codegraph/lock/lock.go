// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock serialises writers of a repository's cache and store.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileName is the lock file created inside the cache directory.
const FileName = ".lock"

var (
	// ErrEmptyDir is returned by New for an empty directory.
	ErrEmptyDir = errors.New("lock directory must not be empty")

	// ErrLockHeld is returned when another process holds the lock.
	ErrLockHeld = errors.New("another impactgraph run holds the repository lock")

	// ErrLockAcquireFailed wraps I/O failures while taking the lock.
	ErrLockAcquireFailed = errors.New("failed to acquire lock")

	errWouldBlock = errors.New("lock would block")
)

// HeldError is returned by Acquire when another holder exists. It matches
// ErrLockHeld under errors.Is.
type HeldError struct {
	// PID is the holder recorded in the lock file, 0 if unknown.
	PID int
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s (pid %d)", ErrLockHeld, e.PID)
	}
	return ErrLockHeld.Error()
}

// Is makes errors.Is(err, ErrLockHeld) true.
func (e *HeldError) Is(target error) bool {
	return target == ErrLockHeld
}

// State describes the lock as seen by a process that does not hold it.
type State struct {
	Held  bool `json:"held"`
	PID   int  `json:"pid,omitempty"`
	Stale bool `json:"stale,omitempty"`
}

// FileLock is an advisory, non-blocking, exclusive lock on a file.
//
// # Thread Safety
//
// FileLock is NOT safe for concurrent use. Each goroutine should have its
// own instance; two instances on the same path exclude each other even
// within one process.
//
// # Platform Support
//
// Uses flock(2) on Unix systems. On Windows, uses LockFileEx.
type FileLock struct {
	path string
	file *os.File
}

// New returns an unacquired lock at {dir}/.lock.
func New(dir string) (*FileLock, error) {
	if dir == "" {
		return nil, ErrEmptyDir
	}
	return &FileLock{path: filepath.Join(dir, FileName)}, nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Acquire attempts to take the lock without waiting.
//
// # Description
//
// Creates the directory and the lock file if needed, then tries an
// exclusive advisory lock. On success the holder's pid and the time are
// written into the file so that other processes can report who holds it.
//
// # Outputs
//
//   - error: *HeldError (matching ErrLockHeld) if another holder exists,
//     ErrLockAcquireFailed wrapping the cause on I/O failure.
//
// # Limitations
//
//   - Advisory only. Must call Release to free the lock; the OS also frees
//     it when the process exits.
func (l *FileLock) Acquire() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("%w: creating lock directory: %v", ErrLockAcquireFailed, err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening lock file: %v", ErrLockAcquireFailed, err)
	}
	if err := tryLock(file); err != nil {
		file.Close()
		if errors.Is(err, errWouldBlock) {
			return &HeldError{PID: l.HolderPID()}
		}
		return fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}

	// The pid is informational; failing to write it does not lose the lock.
	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(content), 0)
	}

	l.file = file
	return nil
}

// Release frees the lock. Safe to call multiple times or on an unacquired
// lock. The file itself is left in place: removing it would let a process
// that already opened the old inode lock it alongside a newcomer.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	_ = unlock(l.file)
	err := l.file.Close()
	l.file = nil
	return err
}

// Held reports whether this instance holds the lock.
func (l *FileLock) Held() bool {
	return l.file != nil
}

// IsHeld reports whether any holder, this instance included, holds the lock.
func (l *FileLock) IsHeld() (bool, error) {
	if l.file != nil {
		return true, nil
	}
	info, err := os.Stat(l.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("lock path %s is a directory", l.path)
	}

	file, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		return false, err
	}
	defer file.Close()

	err = tryLock(file)
	if errors.Is(err, errWouldBlock) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	_ = unlock(file)
	return false, nil
}

// HolderPID returns the pid recorded in the lock file, or 0 if unknown.
func (l *FileLock) HolderPID() int {
	content, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	return readPID(string(content))
}

// IsStale reports whether the lock file names a holder that is no longer
// running. A stale file never blocks Acquire; this is for diagnostics.
func (l *FileLock) IsStale() bool {
	pid := l.HolderPID()
	if pid <= 0 || pid == os.Getpid() {
		return false
	}
	return !processAlive(pid)
}

// Inspect reports whether the lock is held and by which pid. Stale is set
// when nobody holds the lock but the file still names a process that has
// exited, as after a crash.
func (l *FileLock) Inspect() (State, error) {
	held, err := l.IsHeld()
	if err != nil {
		return State{}, err
	}
	st := State{Held: held, PID: l.HolderPID()}
	if !held {
		st.Stale = l.IsStale()
	}
	return st, nil
}

func readPID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			pid, err := strconv.Atoi(v)
			if err != nil {
				return 0
			}
			return pid
		}
	}
	return 0
}
