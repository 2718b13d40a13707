// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitsource reads commits and file trees from a git checkout.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNotRepository is returned when no checkout contains the path.
var ErrNotRepository = errors.New("not a git repository")

// Repo wraps a go-git repository opened from some directory inside it.
type Repo struct {
	repo *git.Repository

	// root is the worktree root; dir is the opened directory relative to
	// it in slash form ("" when they are the same).
	root string
	dir  string
}

// Open finds the checkout containing dir, searching parent directories.
func Open(dir string) (*Repo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	r := &Repo{repo: repo, root: abs}
	if wt, err := repo.Worktree(); err == nil {
		r.root = wt.Filesystem.Root()
	}
	rel, err := filepath.Rel(r.root, abs)
	if err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		r.dir = filepath.ToSlash(rel)
	}
	return r, nil
}

// Root returns the worktree root.
func (r *Repo) Root() string {
	return r.root
}

// Dir returns the opened directory relative to the worktree root in slash
// form, or "" when it is the root.
func (r *Repo) Dir() string {
	return r.dir
}

// HeadCommit returns the hash HEAD points at.
func (r *Repo) HeadCommit() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// ResolveRef resolves a branch, tag, commit hash or revision expression
// such as HEAD~1 to a commit.
func (r *Repo) ResolveRef(ref string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolving ref %q: %w", ref, err)
	}
	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("getting commit %s: %w", hash, err)
	}
	return commit, nil
}

// FilesAt returns the contents of files in the tree of ref.
//
// # Description
//
// Only files under the directory the Repo was opened from are returned,
// keyed by slash paths relative to that directory. keep filters on that
// relative path; nil keeps everything.
//
// # Outputs
//
//   - map[string][]byte: Relative path to contents.
//   - error: Ref resolution or object read failures, or ctx cancellation.
func (r *Repo) FilesAt(ctx context.Context, ref string, keep func(rel string) bool) (map[string][]byte, error) {
	commit, err := r.ResolveRef(ref)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting tree: %w", err)
	}

	prefix := ""
	if r.dir != "" {
		prefix = r.dir + "/"
	}

	files := make(map[string][]byte)
	err = tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !strings.HasPrefix(f.Name, prefix) {
			return nil
		}
		rel := path.Clean(strings.TrimPrefix(f.Name, prefix))
		if keep != nil && !keep(rel) {
			return nil
		}
		isBinary, err := f.IsBinary()
		if err != nil || isBinary {
			return nil
		}
		content, err := f.Contents()
		if err != nil {
			return fmt.Errorf("reading file %s: %w", f.Name, err)
		}
		files[rel] = []byte(content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Patch returns the unified diff from one ref to another. Paths in the
// diff are relative to the worktree root.
func (r *Repo) Patch(ctx context.Context, from, to string) ([]byte, error) {
	fromCommit, err := r.ResolveRef(from)
	if err != nil {
		return nil, err
	}
	toCommit, err := r.ResolveRef(to)
	if err != nil {
		return nil, err
	}
	patch, err := fromCommit.PatchContext(ctx, toCommit)
	if err != nil {
		return nil, fmt.Errorf("diffing %s..%s: %w", from, to, err)
	}
	return []byte(patch.String()), nil
}

// DirtyFiles returns the files whose working copy or index entry differs
// from HEAD, untracked files included. Paths are relative to the worktree
// root in slash form, sorted.
func (r *Repo) DirtyFiles() ([]string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading worktree status: %w", err)
	}
	files := make([]string, 0, len(status))
	for name, fs := range status {
		if fs.Worktree == git.Unmodified && fs.Staging == git.Unmodified {
			continue
		}
		files = append(files, name)
	}
	slices.Sort(files)
	return files, nil
}

// HeadCommit returns the HEAD commit of the checkout containing dir, or
// "" outside a checkout or on any error.
func HeadCommit(dir string) string {
	r, err := Open(dir)
	if err != nil {
		return ""
	}
	hash, err := r.HeadCommit()
	if err != nil {
		return ""
	}
	return hash
}
