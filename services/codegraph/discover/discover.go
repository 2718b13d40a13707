// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package discover finds parseable source files in a repository.
package discover

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"
)

// ErrInvalidPattern is returned for malformed exclude patterns.
var ErrInvalidPattern = errors.New("invalid exclude pattern")

// skipDirs are never descended into.
var skipDirs = map[string]struct{}{
	".git":          {},
	".hg":           {},
	".svn":          {},
	".impactgraph":  {},
	"node_modules":  {},
	"vendor":        {},
	"testdata":      {},
	"__pycache__":   {},
	".venv":         {},
	"dist":          {},
	".idea":         {},
	".vscode":       {},
	".pytest_cache": {},
}

// Options controls which files are returned.
type Options struct {
	// Extensions keeps files with these extensions (with the dot). Empty
	// keeps every file.
	Extensions []string

	// Excludes are doublestar patterns matched against slash paths
	// relative to the root, e.g. "**/*_gen.go" or "internal/legacy/**".
	Excludes []string

	// IgnoreGitignore disables the root .gitignore.
	IgnoreGitignore bool
}

// Filter decides whether a path below the root takes part in analysis.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Filter struct {
	exts     map[string]struct{}
	excludes []string
	gi       *ignore.GitIgnore
}

// NewFilter compiles opts for root.
func NewFilter(root string, opts Options) (*Filter, error) {
	f := &Filter{}
	if len(opts.Extensions) > 0 {
		f.exts = make(map[string]struct{}, len(opts.Extensions))
		for _, ext := range opts.Extensions {
			f.exts[strings.ToLower(ext)] = struct{}{}
		}
	}
	for _, p := range opts.Excludes {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, p)
		}
		f.excludes = append(f.excludes, p)
	}
	if !opts.IgnoreGitignore {
		if gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
			f.gi = gi
		}
	}
	return f, nil
}

// SkipDir reports whether the directory at rel is pruned.
func (f *Filter) SkipDir(rel string) bool {
	if rel == "." || rel == "" {
		return false
	}
	name := path.Base(rel)
	if _, skip := skipDirs[name]; skip || strings.HasPrefix(name, ".") {
		return true
	}
	if f.gi != nil && f.gi.MatchesPath(rel+"/") {
		return true
	}
	return f.excluded(rel) || f.excluded(rel+"/")
}

// Keep reports whether the file at rel is analysed. It does not check the
// directories above rel; see SkipDir.
func (f *Filter) Keep(rel string) bool {
	name := path.Base(rel)
	if strings.HasPrefix(name, ".") {
		return false
	}
	if f.exts != nil {
		if _, ok := f.exts[strings.ToLower(path.Ext(name))]; !ok {
			return false
		}
	}
	if f.gi != nil && f.gi.MatchesPath(rel) {
		return false
	}
	return !f.excluded(rel)
}

// KeepPath applies SkipDir to every parent of rel and then Keep.
func (f *Filter) KeepPath(rel string) bool {
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if f.SkipDir(dir) {
			return false
		}
	}
	return f.Keep(rel)
}

func (f *Filter) excluded(rel string) bool {
	for _, p := range f.excludes {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Files returns the slash paths, relative to root and sorted, of every
// file the options keep.
//
// # Description
//
// Walks root without following symlinks. Hidden entries, well-known
// dependency and tool directories, .gitignore matches and excluded paths
// are skipped. Unreadable entries are skipped rather than failing the walk.
//
// # Outputs
//
//   - []string: Relative slash paths in lexical order.
//   - error: Invalid patterns, an unreadable root, or ctx cancellation.
func Files(ctx context.Context, root string, opts Options) ([]string, error) {
	f, err := NewFilter(root, opts)
	if err != nil {
		return nil, err
	}
	return f.Walk(ctx, root)
}

// Walk is Files with a compiled filter.
func (f *Filter) Walk(ctx context.Context, root string) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}

	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if f.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if f.Keep(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}
