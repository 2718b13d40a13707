// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parse builds a code graph from source files.
//
// Language extractors implement Parser and add one file's entities to a
// graph. Dispatcher runs them in parallel, one private graph per file,
// merges the results in input order and then resolves calls and imports
// across files.
package parse

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
)

var (
	// ErrUnsupportedLanguage is returned for files no parser claims.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrFileTooLarge is returned for files over the parser's size limit.
	ErrFileTooLarge = errors.New("file exceeds maximum size limit")

	// ErrInvalidContent is returned for content that is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid content")

	// ErrSyntax marks a file that parsed with syntax errors. The partial
	// result is still merged.
	ErrSyntax = errors.New("source contains syntax errors")
)

// Parser extracts one language.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the dispatcher calls
// ParseFile from several goroutines, each with its own graph.
type Parser interface {
	// Language returns the canonical language name, e.g. "go".
	Language() string

	// Extensions returns the file extensions handled, with the dot.
	Extensions() []string

	// ParseFile adds the entities of one file to g.
	//
	// path is the slash path relative to the repository root and becomes
	// Node.FilePath. A non-nil result together with an error means the
	// result is partial but usable.
	ParseFile(ctx context.Context, path string, src []byte, g *graph.CodeGraph) (*FileResult, error)
}

// FileResult is what a parser reports besides the nodes it added.
type FileResult struct {
	// File is the File node of the parsed file.
	File graph.NodeID

	// Nodes lists the top-level entities added, File excluded.
	Nodes []graph.NodeID

	// Calls and Imports are left for the cross-file resolver.
	Calls   []UnresolvedCall
	Imports []UnresolvedImport
}

// UnresolvedCall is a call site whose target is not yet known.
type UnresolvedCall struct {
	// Caller is the enclosing function.
	Caller graph.NodeID

	// Callee is the called name without qualifier.
	Callee string

	// Qualifier is the selector operand ("pkg" in pkg.F(), "s" in s.M()),
	// empty for plain calls.
	Qualifier string

	Line int

	// File is the slash path of the calling file.
	File string
}

// UnresolvedImport is an import whose target is not yet known.
type UnresolvedImport struct {
	// Import is the Import node; FileNode the File node that owns it.
	Import   graph.NodeID
	FileNode graph.NodeID

	// ModulePath is the import path as written.
	ModulePath string

	// Alias is the explicit local name, empty when none was given.
	Alias string

	File string
}

// ParseError is a per-file failure. It never aborts a run.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (r *FileResult) remap(m graph.MergeMap) {
	r.File = m[r.File]
	for i, id := range r.Nodes {
		r.Nodes[i] = m[id]
	}
	for i := range r.Calls {
		r.Calls[i].Caller = m[r.Calls[i].Caller]
	}
	for i := range r.Imports {
		r.Imports[i].Import = m[r.Imports[i].Import]
		r.Imports[i].FileNode = m[r.Imports[i].FileNode]
	}
}
