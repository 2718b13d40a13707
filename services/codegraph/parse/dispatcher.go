// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers bounds the number of files parsed at once. Non-positive
// values keep the default of GOMAXPROCS.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithImportPrefix sets the Go import path of the repository root,
// overriding the go.mod lookup.
func WithImportPrefix(prefix string) DispatcherOption {
	return func(d *Dispatcher) {
		d.prefix = prefix
		d.prefixSet = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// Dispatcher routes files to parsers by extension and builds one graph.
//
// # Thread Safety
//
// A Dispatcher is immutable after construction and safe for concurrent use.
type Dispatcher struct {
	byExt     map[string]Parser
	workers   int
	prefix    string
	prefixSet bool
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher over parsers. A later parser claiming
// an extension replaces an earlier one.
func NewDispatcher(parsers []Parser, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		byExt:   make(map[string]Parser),
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, p := range parsers {
		for _, ext := range p.Extensions() {
			d.byExt[strings.ToLower(ext)] = p
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Supports reports whether some parser handles the file's extension.
func (d *Dispatcher) Supports(rel string) bool {
	_, ok := d.byExt[strings.ToLower(path.Ext(rel))]
	return ok
}

// Extensions returns the handled extensions, sorted.
func (d *Dispatcher) Extensions() []string {
	exts := make([]string, 0, len(d.byExt))
	for ext := range d.byExt {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

type input struct {
	rel  string
	load func() ([]byte, error)
}

type fileOutput struct {
	g   *graph.CodeGraph
	res *FileResult
	err error
}

// ParseFilesParallel parses files below root into one graph.
//
// # Description
//
// files are slash paths relative to root. Each file is parsed into its
// own graph on a bounded worker pool; the per-file graphs are merged in
// the order of files, so node ids do not depend on scheduling. Calls and
// imports are then resolved across the merged graph.
//
// A file that cannot be read or parsed is reported as a ParseError and
// skipped. A file with syntax errors is reported and its partial result
// kept.
//
// # Outputs
//
//   - *graph.CodeGraph: The merged graph rooted at root.
//   - []*ParseError: Per-file failures in input order.
//   - error: Only ctx cancellation.
func (d *Dispatcher) ParseFilesParallel(ctx context.Context, root string, files []string) (*graph.CodeGraph, []*ParseError, error) {
	inputs := make([]input, len(files))
	for i, rel := range files {
		inputs[i] = input{rel: rel, load: func() ([]byte, error) {
			return os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		}}
	}
	return d.run(ctx, root, d.importPrefix(root, nil), inputs)
}

// ParseSources is ParseFilesParallel over in-memory contents, such as the
// files of a git revision. Files are processed in sorted path order; a
// "go.mod" entry, when present, supplies the import prefix.
func (d *Dispatcher) ParseSources(ctx context.Context, root string, sources map[string][]byte) (*graph.CodeGraph, []*ParseError, error) {
	paths := make([]string, 0, len(sources))
	for rel := range sources {
		paths = append(paths, rel)
	}
	slices.Sort(paths)

	inputs := make([]input, 0, len(paths))
	for _, rel := range paths {
		if !d.Supports(rel) {
			continue
		}
		src := sources[rel]
		inputs = append(inputs, input{rel: rel, load: func() ([]byte, error) { return src, nil }})
	}
	return d.run(ctx, root, d.importPrefix(root, sources["go.mod"]), inputs)
}

func (d *Dispatcher) importPrefix(root string, goMod []byte) string {
	if d.prefixSet {
		return d.prefix
	}
	if goMod != nil {
		if prefix := modulePath(goMod); prefix != "" {
			return prefix
		}
	}
	return ImportPrefix(root)
}

func (d *Dispatcher) run(ctx context.Context, root, prefix string, inputs []input) (*graph.CodeGraph, []*ParseError, error) {
	ctx, span := startParseSpan(ctx, root, len(inputs))
	defer span.End()
	start := time.Now()

	outputs := make([]fileOutput, len(inputs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(d.workers)
	for i, in := range inputs {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			outputs[i] = d.parseOne(egCtx, root, in)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	g := graph.New(root)
	var (
		calls   []UnresolvedCall
		imports []UnresolvedImport
		errs    []*ParseError
	)
	for i, out := range outputs {
		if out.err != nil {
			errs = append(errs, &ParseError{Path: inputs[i].rel, Err: out.err})
			d.logger.Warn("parse failed",
				slog.String("file", inputs[i].rel),
				slog.String("error", out.err.Error()))
		}
		if out.res == nil {
			continue
		}
		out.res.remap(g.Merge(out.g))
		calls = append(calls, out.res.Calls...)
		imports = append(imports, out.res.Imports...)
	}

	stats := Resolve(g, prefix, imports, calls)
	d.logger.Debug("parsed files",
		slog.Int("files", len(inputs)),
		slog.Int("errors", len(errs)),
		slog.Int("nodes", g.NodeCount()),
		slog.Int("edges", g.EdgeCount()),
		slog.Int("calls_resolved", stats.Calls),
		slog.Int("calls_unresolved", stats.UnresolvedCalls),
		slog.Duration("duration", time.Since(start)))

	setParseSpanResult(span, g, len(errs))
	recordParseMetrics(ctx, time.Since(start), len(inputs), len(errs), stats)
	return g, errs, nil
}

func (d *Dispatcher) parseOne(ctx context.Context, root string, in input) fileOutput {
	p, ok := d.byExt[strings.ToLower(path.Ext(in.rel))]
	if !ok {
		return fileOutput{err: fmt.Errorf("%w: %s", ErrUnsupportedLanguage, path.Ext(in.rel))}
	}
	src, err := in.load()
	if err != nil {
		return fileOutput{err: err}
	}

	g := graph.New(root)
	res, err := p.ParseFile(ctx, in.rel, src, g)
	if err != nil && !errors.Is(err, ErrSyntax) {
		return fileOutput{err: err}
	}
	return fileOutput{g: g, res: res, err: err}
}
