// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EmptyDir(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrEmptyDir)
}

func TestFileLock_AcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".impactgraph")
	l, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, l.Acquire())
	assert.True(t, l.Held())
	assert.FileExists(t, l.Path())
	assert.Equal(t, os.Getpid(), l.HolderPID())

	require.NoError(t, l.Release())
	assert.False(t, l.Held())
	require.NoError(t, l.Release(), "second release is a no-op")
}

func TestFileLock_SecondHolderRejected(t *testing.T) {
	dir := t.TempDir()
	first, _ := New(dir)
	second, _ := New(dir)

	require.NoError(t, first.Acquire())
	defer first.Release()

	assert.ErrorIs(t, second.Acquire(), ErrLockHeld)

	held, err := second.IsHeld()
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestFileLock_IsHeld_NoFile(t *testing.T) {
	l, _ := New(t.TempDir())
	held, err := l.IsHeld()
	require.NoError(t, err)
	assert.False(t, held)
}

func TestFileLock_StaleFileDoesNotBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	// A pid this large is not a running process on any supported platform.
	require.NoError(t, os.WriteFile(path, []byte("pid=2147483600\ntime=2020-01-01T00:00:00Z\n"), 0o644))

	l, _ := New(dir)
	assert.True(t, l.IsStale())
	require.NoError(t, l.Acquire())
	defer l.Release()
	assert.False(t, l.IsStale())
}

func TestFileLock_HeldErrorNamesHolder(t *testing.T) {
	dir := t.TempDir()
	first, _ := New(dir)
	second, _ := New(dir)
	require.NoError(t, first.Acquire())
	defer first.Release()

	err := second.Acquire()
	require.ErrorIs(t, err, ErrLockHeld)
	var held *HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, os.Getpid(), held.PID)
	assert.Contains(t, err.Error(), fmt.Sprintf("pid %d", os.Getpid()))

	st, err := second.Inspect()
	require.NoError(t, err)
	assert.Equal(t, State{Held: true, PID: os.Getpid()}, st)
}

func TestFileLock_InspectStale(t *testing.T) {
	dir := t.TempDir()
	l, _ := New(dir)

	st, err := l.Inspect()
	require.NoError(t, err)
	assert.Equal(t, State{}, st)

	require.NoError(t, os.WriteFile(l.Path(), []byte("pid=2147483600\n"), 0o644))
	st, err = l.Inspect()
	require.NoError(t, err)
	assert.Equal(t, State{PID: 2147483600, Stale: true}, st)
}

func TestReadPID(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"pid=42\ntime=now\n", 42},
		{"time=now\npid=7\n", 7},
		{"", 0},
		{"pid=abc\n", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, readPID(tt.content), tt.content)
	}
}
