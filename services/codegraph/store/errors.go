// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every backend.
var (
	// ErrSnapshotNotFound is returned when a snapshot name is unknown.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrNodeNotFound is returned when a snapshot has no node with the id.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidSnapshot is returned for unusable snapshot names.
	ErrInvalidSnapshot = errors.New("invalid snapshot name")

	// ErrStoreClosed is returned by every method after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// StoreError adds the failing operation and snapshot to a backend error.
type StoreError struct {
	Op       string
	Snapshot string
	Err      error
}

func (e *StoreError) Error() string {
	if e.Snapshot == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Snapshot, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, and err itself when it already is a
// StoreError; otherwise it wraps err with op and snapshot.
func Wrap(op, snapshot string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Snapshot: snapshot, Err: err}
}
