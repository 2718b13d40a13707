// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gitsource

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a checkout with one commit per entry of commits.
func initRepo(t *testing.T, commits ...map[string]string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	var hashes []string
	for i, files := range commits {
		for name, content := range files {
			full := filepath.Join(dir, filepath.FromSlash(name))
			require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
			require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
			_, err := wt.Add(name)
			require.NoError(t, err)
		}
		hash, err := wt.Commit("commit", &git.CommitOptions{
			Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(int64(1700000000+i), 0)},
		})
		require.NoError(t, err)
		hashes = append(hashes, hash.String())
	}
	return dir, hashes
}

func TestHeadCommit(t *testing.T) {
	dir, hashes := initRepo(t, map[string]string{"a.go": "package a\n"})
	assert.Equal(t, hashes[0], HeadCommit(dir))
}

func TestHeadCommit_FromSubdirectory(t *testing.T) {
	dir, hashes := initRepo(t, map[string]string{"pkg/b/b.go": "package b\n"})
	assert.Equal(t, hashes[0], HeadCommit(filepath.Join(dir, "pkg", "b")))
}

func TestHeadCommit_OutsideCheckout(t *testing.T) {
	assert.Empty(t, HeadCommit(t.TempDir()))

	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestFilesAt_ReadsOlderRevision(t *testing.T) {
	dir, _ := initRepo(t,
		map[string]string{"a.go": "package a // v1\n", "README.md": "hi\n"},
		map[string]string{"a.go": "package a // v2\n"},
	)
	r, err := Open(dir)
	require.NoError(t, err)

	goOnly := func(rel string) bool { return strings.HasSuffix(rel, ".go") }

	files, err := r.FilesAt(context.Background(), "HEAD~1", goOnly)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a.go": []byte("package a // v1\n")}, files)

	files, err = r.FilesAt(context.Background(), "HEAD", nil)
	require.NoError(t, err)
	assert.Equal(t, "package a // v2\n", string(files["a.go"]))
	assert.Contains(t, files, "README.md")
}

func TestFilesAt_ScopedToOpenedDirectory(t *testing.T) {
	dir, _ := initRepo(t, map[string]string{
		"svc/main.go":  "package main\n",
		"other/x.go":   "package other\n",
		"svc/lib/l.go": "package lib\n",
	})
	r, err := Open(filepath.Join(dir, "svc"))
	require.NoError(t, err)

	files, err := r.FilesAt(context.Background(), "HEAD", nil)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Contains(t, files, "main.go")
	assert.Contains(t, files, "lib/l.go")
}

func TestResolveRef_Unknown(t *testing.T) {
	dir, _ := initRepo(t, map[string]string{"a.go": "package a\n"})
	r, err := Open(dir)
	require.NoError(t, err)

	_, err = r.ResolveRef("no-such-branch")
	assert.Error(t, err)
}

func TestPatch(t *testing.T) {
	dir, _ := initRepo(t,
		map[string]string{"svc/a.go": "package a\n\nfunc A() {}\n"},
		map[string]string{"svc/a.go": "package a\n\nfunc A(x int) {}\n"},
	)
	r, err := Open(filepath.Join(dir, "svc"))
	require.NoError(t, err)
	assert.Equal(t, "svc", r.Dir())

	patch, err := r.Patch(context.Background(), "HEAD~1", "HEAD")
	require.NoError(t, err)
	assert.Contains(t, string(patch), "+func A(x int) {}")
	assert.Contains(t, string(patch), "b/svc/a.go")
}

func TestDirtyFiles(t *testing.T) {
	dir, _ := initRepo(t, map[string]string{"a.go": "package a\n", "pkg/b.go": "package pkg\n"})
	r, err := Open(dir)
	require.NoError(t, err)

	dirty, err := r.DirtyFiles()
	require.NoError(t, err)
	assert.Empty(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "b.go"), []byte("package pkg // edited\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("package a\n"), 0o644))

	dirty, err = r.DirtyFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"new.go", "pkg/b.go"}, dirty)
}
