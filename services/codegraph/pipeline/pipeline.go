// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs one analysis of a repository: discover, parse,
// compare against the previous graph, classify, and save.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/impactgraph/services/codegraph/cache"
	"github.com/AleutianAI/impactgraph/services/codegraph/config"
	"github.com/AleutianAI/impactgraph/services/codegraph/discover"
	"github.com/AleutianAI/impactgraph/services/codegraph/gitsource"
	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/hunks"
	"github.com/AleutianAI/impactgraph/services/codegraph/impact"
	"github.com/AleutianAI/impactgraph/services/codegraph/lock"
	"github.com/AleutianAI/impactgraph/services/codegraph/parse"
	"github.com/AleutianAI/impactgraph/services/codegraph/parse/goextract"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
)

// Baseline names where the previous graph of a run came from.
type Baseline string

const (
	BaselineNone  Baseline = "none"
	BaselineCache Baseline = "cache"
	BaselineRef   Baseline = "ref"
)

// Request selects what a run compares against.
type Request struct {
	// BaseRef compares against the tree at this git revision instead of
	// the cached graph.
	BaseRef string

	// LinesSince restricts the report to entities whose span touches a
	// line changed between this revision and the working tree. Files with
	// uncommitted changes count as changed throughout.
	LinesSince string

	// Trigger is recorded in logs, e.g. "cli" or "watch".
	Trigger string
}

// Warning is a problem that did not stop the run.
type Warning struct {
	File    string `json:"file,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message"`
}

// Stats describes the work a run did.
type Stats struct {
	Files       int           `json:"files"`
	Nodes       int           `json:"nodes"`
	Edges       int           `json:"edges"`
	ParseErrors int           `json:"parse_errors"`
	Baseline    Baseline      `json:"baseline"`
	Cached      bool          `json:"cached"`
	Flushed     bool          `json:"flushed"`
	Duration    time.Duration `json:"duration_ns"`
}

// Result is the outcome of one run.
type Result struct {
	RunID      string         `json:"run_id"`
	Root       string         `json:"root"`
	CommitHash string         `json:"commit_hash,omitempty"`
	Report     *impact.Report `json:"report"`
	Warnings   []Warning      `json:"warnings"`
	Stats      Stats          `json:"stats"`

	// Graph is the graph built from the working tree.
	Graph *graph.CodeGraph `json:"-"`
}

// Pipeline analyses one repository.
//
// # Thread Safety
//
// Run may be called from several goroutines, but the repository lock lets
// only one of them (or one process) through at a time; the others fail
// with a *lock.HeldError matching lock.ErrLockHeld.
type Pipeline struct {
	root    string
	cfg     *config.Config
	version string
	logger  *slog.Logger

	cache      *cache.Cache
	filter     *discover.Filter
	dispatcher *parse.Dispatcher
	store      store.GraphStore
	policy     impact.Policy
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithToolVersion sets the version written into the cache.
func WithToolVersion(v string) Option {
	return func(p *Pipeline) { p.version = v }
}

// WithStore flushes every run's graphs into s and analyses through it.
// The pipeline does not close s.
func WithStore(s store.GraphStore) Option {
	return func(p *Pipeline) { p.store = s }
}

// New prepares a pipeline for the repository at root.
//
// # Description
//
// Validates cfg, compiles the discovery filter and builds the parser
// dispatcher. Nothing is read from or written to the repository yet.
//
// # Outputs
//
//   - *Pipeline: Ready to Run.
//   - error: Invalid configuration or discovery patterns.
func New(root string, cfg *config.Config, opts ...Option) (*Pipeline, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{root: abs, cfg: cfg, version: cache.DevVersion}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	p.logger = p.logger.With(slog.String("component", "pipeline"))

	if p.policy, err = impact.ParsePolicy(cfg.Analysis.Policy); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	dispatchOpts := []parse.DispatcherOption{parse.WithLogger(p.logger)}
	if cfg.Parse.Workers > 0 {
		dispatchOpts = append(dispatchOpts, parse.WithWorkers(cfg.Parse.Workers))
	}
	p.dispatcher = parse.NewDispatcher(
		[]parse.Parser{goextract.New(goextract.WithMaxFileSize(cfg.Parse.MaxFileSize))},
		dispatchOpts...,
	)

	p.filter, err = discover.NewFilter(abs, discover.Options{
		Extensions:      p.dispatcher.Extensions(),
		Excludes:        cfg.Discovery.Exclude,
		IgnoreGitignore: !cfg.Discovery.RespectGitignore,
	})
	if err != nil {
		return nil, err
	}

	p.cache = cache.New(abs,
		cache.WithDir(cfg.CacheDir(abs)),
		cache.WithToolVersion(p.version),
		cache.WithLogger(p.logger),
	)
	return p, nil
}

// Root returns the absolute repository root.
func (p *Pipeline) Root() string {
	return p.root
}

// Cache returns the repository cache.
func (p *Pipeline) Cache() *cache.Cache {
	return p.cache
}

// Filter returns the compiled discovery filter.
func (p *Pipeline) Filter() *discover.Filter {
	return p.filter
}

// Run performs one analysis.
//
// # Description
//
// Holds the repository lock for the whole run. The working tree is parsed
// and compared against the baseline: the tree at req.BaseRef when set,
// otherwise the cached graph from the previous run. With no baseline the
// report is skipped with a note. The new graph is then cached and, when a
// store is attached, flushed as the "current" snapshot with the baseline
// as "previous".
//
// Parse failures, a broken cache, store failures and git failures all
// degrade into warnings or a skipped report.
//
// # Outputs
//
//   - *Result: The report and run details.
//   - error: Lock contention, discovery failure, or ctx cancellation.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	runID := uuid.NewString()
	logger := p.logger.With(slog.String("run_id", runID))
	if req.Trigger != "" {
		logger = logger.With(slog.String("trigger", req.Trigger))
	}

	ctx, span := startRunSpan(ctx, runID, p.root)
	defer span.End()
	start := time.Now()

	res, err := p.run(ctx, logger, req)
	recordRun(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res.RunID = runID
	res.Stats.Duration = time.Since(start)
	setRunSpanResult(span, res)

	logger.Info("analysis complete",
		slog.Int("files", res.Stats.Files),
		slog.Int("nodes", res.Stats.Nodes),
		slog.String("baseline", string(res.Stats.Baseline)),
		slog.Int("changes", len(res.Report.Changes)),
		slog.Int("breaking", res.Report.Summary.Breaking),
		slog.Int("warnings", len(res.Warnings)),
		slog.Duration("duration", res.Stats.Duration),
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, req Request) (*Result, error) {
	lk, err := lock.New(p.cache.Dir())
	if err != nil {
		return nil, err
	}
	if lk.IsStale() {
		logger.Warn("taking over stale repository lock", slog.Int("pid", lk.HolderPID()))
	}
	if err := lk.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if err := lk.Release(); err != nil {
			logger.Warn("releasing repository lock", slog.String("error", err.Error()))
		}
	}()

	files, err := p.filter.Walk(ctx, p.root)
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}
	current, perrs, err := p.dispatcher.ParseFilesParallel(ctx, p.root, files)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Root:     p.root,
		Graph:    current,
		Warnings: parseWarnings("", perrs),
		Stats: Stats{
			Files:       len(files),
			Nodes:       current.NodeCount(),
			Edges:       current.EdgeCount(),
			ParseErrors: len(perrs),
		},
	}

	previous, baseline, note, warnings := p.baseline(ctx, logger, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Stats.Baseline = baseline
	res.Warnings = append(res.Warnings, warnings...)

	if p.store != nil {
		res.Stats.Flushed = p.flush(ctx, logger, previous, current)
	}

	if previous == nil {
		res.Report = impact.SkippedReport(note)
	} else {
		report, err := p.analyze(ctx, previous, current, res.Stats.Flushed)
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			logger.Warn("impact analysis failed", slog.String("error", err.Error()))
			res.Report = impact.SkippedReport(fmt.Sprintf("analysis failed: %v", err))
		default:
			res.Report = report
		}
	}

	if req.LinesSince != "" && !res.Report.Skipped {
		filtered, err := p.filterLines(ctx, req.LinesSince, res.Report)
		if err != nil {
			logger.Warn("changed-line filter not applied", slog.String("error", err.Error()))
			res.Warnings = append(res.Warnings, Warning{Ref: req.LinesSince, Message: err.Error()})
		} else {
			res.Report = filtered
		}
	}

	if p.cfg.Cache.Enabled {
		sums, err := cache.BuildFileChecksums(p.root, files)
		if err == nil {
			meta := p.cache.NewMeta(sums)
			res.CommitHash = meta.CommitHash
			err = p.cache.Save(current, meta)
		}
		if err != nil {
			logger.Warn("graph not cached", slog.String("error", err.Error()))
			res.Warnings = append(res.Warnings, Warning{Message: fmt.Sprintf("cache: %v", err)})
		} else {
			res.Stats.Cached = true
		}
	}
	if res.CommitHash == "" {
		res.CommitHash = gitsource.HeadCommit(p.root)
	}
	return res, nil
}

// baseline returns the graph to compare against, or nil and a note saying
// why there is none.
func (p *Pipeline) baseline(ctx context.Context, logger *slog.Logger, req Request) (*graph.CodeGraph, Baseline, string, []Warning) {
	if req.BaseRef != "" {
		g, perrs, err := p.BuildAt(ctx, req.BaseRef)
		if err != nil {
			logger.Warn("baseline not built", slog.String("ref", req.BaseRef), slog.String("error", err.Error()))
			return nil, BaselineNone, fmt.Sprintf("cannot build %s: %v", req.BaseRef, err), nil
		}
		return g, BaselineRef, "", parseWarnings(req.BaseRef, perrs)
	}
	if !p.cfg.Cache.Enabled {
		return nil, BaselineNone, "cache disabled and no base ref given", nil
	}
	g, _, ok := p.cache.Load()
	if !ok {
		return nil, BaselineNone, "no previous graph; this run is the baseline", nil
	}
	return g, BaselineCache, "", nil
}

// BuildAt parses the tree of a git revision with the same filter and
// parsers as the working tree.
func (p *Pipeline) BuildAt(ctx context.Context, ref string) (*graph.CodeGraph, []*parse.ParseError, error) {
	repo, err := gitsource.Open(p.root)
	if err != nil {
		return nil, nil, err
	}
	sources, err := repo.FilesAt(ctx, ref, p.filter.KeepPath)
	if err != nil {
		return nil, nil, err
	}
	return p.dispatcher.ParseSources(ctx, p.root, sources)
}

// Build parses the working tree without taking the lock or touching the
// cache.
func (p *Pipeline) Build(ctx context.Context) (*graph.CodeGraph, []*parse.ParseError, error) {
	files, err := p.filter.Walk(ctx, p.root)
	if err != nil {
		return nil, nil, fmt.Errorf("discover files: %w", err)
	}
	return p.dispatcher.ParseFilesParallel(ctx, p.root, files)
}

// flush writes previous and current into the store. It reports whether
// both snapshots the analysis needs are in place.
func (p *Pipeline) flush(ctx context.Context, logger *slog.Logger, previous, current *graph.CodeGraph) bool {
	if previous != nil {
		if err := p.store.Flush(ctx, previous, store.SnapshotPrevious); err != nil {
			logger.Warn("flushing previous snapshot", slog.String("error", err.Error()))
			return false
		}
	}
	if err := p.store.Flush(ctx, current, store.SnapshotCurrent); err != nil {
		logger.Warn("flushing current snapshot", slog.String("error", err.Error()))
		return false
	}
	return true
}

func (p *Pipeline) analyze(ctx context.Context, previous, current *graph.CodeGraph, flushed bool) (*impact.Report, error) {
	opts := []impact.Option{
		impact.WithPolicy(p.policy),
		impact.WithMaxDepth(p.cfg.Analysis.MaxDepth),
		impact.WithParallelism(p.cfg.Analysis.Parallelism),
		impact.WithLogger(p.logger),
	}
	if flushed {
		return impact.NewFromStore(p.store, store.SnapshotPrevious, store.SnapshotCurrent, opts...).Analyze(ctx)
	}
	return impact.New(previous, current, opts...).Analyze(ctx)
}

func (p *Pipeline) filterLines(ctx context.Context, since string, r *impact.Report) (*impact.Report, error) {
	repo, err := gitsource.Open(p.root)
	if err != nil {
		return nil, err
	}
	patch, err := repo.Patch(ctx, since, "HEAD")
	if err != nil {
		return nil, err
	}
	lines, err := hunks.Parse(patch)
	if err != nil {
		return nil, err
	}
	dirty, err := repo.DirtyFiles()
	if err != nil {
		return nil, err
	}
	for _, f := range dirty {
		lines.MarkFile(f)
	}
	lines = lines.Within(repo.Dir())
	p.logger.Debug("changed-line filter",
		slog.String("since", since),
		slog.Any("files", lines.Files()),
	)
	return r.FilterByLines(lines), nil
}

func parseWarnings(ref string, perrs []*parse.ParseError) []Warning {
	out := make([]Warning, 0, len(perrs))
	for _, pe := range perrs {
		msg := pe.Err.Error()
		if errors.Is(pe.Err, parse.ErrSyntax) {
			msg = "syntax errors; partial result kept"
		}
		out = append(out, Warning{File: pe.Path, Ref: ref, Message: msg})
	}
	return out
}
