// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache remembers one code graph per repository across runs.
//
// The cache directory holds the last graph as zstd-compressed JSON and a
// small JSON metadata file. Save overwrites both; Load returns the pair or
// reports absence, never an error. The cache enforces no staleness policy:
// callers decide what a changed checksum or commit means.
package cache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/mod/semver"
	"lukechampine.com/blake3"

	"github.com/AleutianAI/impactgraph/services/codegraph/gitsource"
	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
)

const (
	// DirName is the cache directory under the repository root.
	DirName = ".impactgraph"

	graphFile = "graph.json.zst"
	metaFile  = "graph.meta.json"

	// DevVersion is written when no tool version is configured.
	DevVersion = "v0.0.0-dev"
)

// Meta is stored next to the cached graph.
type Meta struct {
	// CommitHash is the VCS commit the graph was built at; empty if unknown.
	CommitHash string `json:"commit_hash,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// FileChecksums maps repo-relative slash paths to BLAKE3 hex digests.
	FileChecksums map[string]string `json:"file_checksums"`

	// ToolVersion is the version of the tool that wrote the cache. A cache
	// written by a different version is treated as absent.
	ToolVersion string `json:"tool_version"`

	// GraphChecksum is the BLAKE3 hex digest of the compressed graph file.
	// Set by Save.
	GraphChecksum string `json:"graph_checksum"`
}

// Cache is the on-disk cache of one repository.
//
// # Thread Safety
//
// Not safe for concurrent writers; callers hold the repository lock
// around Save.
type Cache struct {
	root    string
	dir     string
	version string
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithDir overrides the cache directory.
func WithDir(dir string) Option {
	return func(c *Cache) { c.dir = dir }
}

// WithToolVersion sets the version written to and expected from Meta.
func WithToolVersion(v string) Option {
	return func(c *Cache) { c.version = v }
}

// WithLogger sets the logger. Load reports why a cache was rejected here.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New returns the cache of the repository at root.
func New(root string, opts ...Option) *Cache {
	c := &Cache{
		root:    root,
		dir:     filepath.Join(root, DirName),
		version: DevVersion,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	c.logger = c.logger.With(slog.String("component", "cache"))
	return c
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// ToolVersion returns the version this cache writes and accepts.
func (c *Cache) ToolVersion() string {
	return c.version
}

// NewMeta builds metadata for a graph about to be saved: the current
// commit, the time, the given checksums and this cache's tool version.
func (c *Cache) NewMeta(checksums map[string]string) *Meta {
	return &Meta{
		CommitHash:    GitCommitHash(c.root),
		Timestamp:     time.Now().UTC(),
		FileChecksums: checksums,
		ToolVersion:   c.version,
	}
}

// Load returns the cached graph and its metadata.
//
// # Description
//
// Reports false when either file is missing, the tool version differs,
// the graph checksum does not match, or anything fails to decode. The
// reason is logged; no error is returned so that a bad cache can never
// abort a run.
//
// # Outputs
//
//   - *graph.CodeGraph: The cached graph.
//   - *Meta: Its metadata.
//   - bool: False when there is no usable cache.
func (c *Cache) Load() (*graph.CodeGraph, *Meta, bool) {
	g, meta, err := c.load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Debug("no cached graph", slog.String("dir", c.dir))
		} else {
			c.logger.Warn("ignoring cached graph", slog.String("reason", err.Error()))
		}
		recordLoad(false)
		return nil, nil, false
	}
	recordLoad(true)
	return g, meta, true
}

func (c *Cache) load() (*graph.CodeGraph, *Meta, error) {
	meta, err := c.readMeta()
	if err != nil {
		return nil, nil, err
	}
	if !SameVersion(meta.ToolVersion, c.version) {
		return nil, nil, fmt.Errorf("written by version %q, running %q", meta.ToolVersion, c.version)
	}

	blob, err := os.ReadFile(filepath.Join(c.dir, graphFile))
	if err != nil {
		return nil, nil, err
	}
	if sum := checksum(blob); sum != meta.GraphChecksum {
		return nil, nil, fmt.Errorf("graph checksum %s does not match %s", sum, meta.GraphChecksum)
	}

	decoder, err := zstd.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	g := new(graph.CodeGraph)
	if err := json.NewDecoder(decoder).Decode(g); err != nil {
		return nil, nil, fmt.Errorf("decoding graph: %w", err)
	}
	return g, meta, nil
}

func (c *Cache) readMeta() (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, metaFile))
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &meta, nil
}

// Save replaces the cache with g and meta.
//
// # Description
//
// The graph file is written first and the metadata, which carries the
// graph checksum, second. Each write goes through a temporary file and a
// rename, so a crash leaves either the old pair, the new pair, or a new
// graph with old metadata, which Load rejects on checksum.
//
// meta.GraphChecksum is overwritten; an empty ToolVersion is filled in.
// A nil meta is replaced by NewMeta(nil).
func (c *Cache) Save(g *graph.CodeGraph, meta *Meta) error {
	if meta == nil {
		meta = c.NewMeta(nil)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	var compressed bytes.Buffer
	encoder, err := zstd.NewWriter(&compressed)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	if err := json.NewEncoder(encoder).Encode(g); err != nil {
		encoder.Close()
		return fmt.Errorf("encoding graph: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("closing encoder: %w", err)
	}

	stored := *meta
	stored.GraphChecksum = checksum(compressed.Bytes())
	if stored.ToolVersion == "" {
		stored.ToolVersion = c.version
	}
	metaJSON, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(c.dir, graphFile), compressed.Bytes()); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(c.dir, metaFile), metaJSON); err != nil {
		return err
	}
	*meta = stored

	c.logger.Debug("graph cached",
		slog.Int("nodes", g.NodeCount()),
		slog.Int("edges", g.EdgeCount()),
		slog.Int("bytes", compressed.Len()),
	)
	return nil
}

// Clear removes the cached graph and metadata. Other files in the cache
// directory (the lock, a store database) are left alone.
func (c *Cache) Clear() error {
	var errs []error
	for _, name := range []string{graphFile, metaFile} {
		err := os.Remove(filepath.Join(c.dir, name))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FindChangedFiles returns the paths in meta whose current content
// differs from the recorded checksum, including deleted files. Sorted.
func (c *Cache) FindChangedFiles(meta *Meta) ([]string, error) {
	var changed []string
	for _, rel := range slices.Sorted(maps.Keys(meta.FileChecksums)) {
		sum, err := FileChecksum(filepath.Join(c.root, filepath.FromSlash(rel)))
		if errors.Is(err, os.ErrNotExist) {
			changed = append(changed, rel)
			continue
		}
		if err != nil {
			return nil, err
		}
		if sum != meta.FileChecksums[rel] {
			changed = append(changed, rel)
		}
	}
	return changed, nil
}

// IsValid reports whether meta still describes the working tree: same
// tool version, same commit when both are known, and no changed files.
func (c *Cache) IsValid(meta *Meta) (bool, error) {
	if !SameVersion(meta.ToolVersion, c.version) {
		return false, nil
	}
	if meta.CommitHash != "" {
		if head := GitCommitHash(c.root); head != "" && head != meta.CommitHash {
			return false, nil
		}
	}
	changed, err := c.FindChangedFiles(meta)
	if err != nil {
		return false, err
	}
	return len(changed) == 0, nil
}

// Status summarises the cache for display.
type Status struct {
	Dir          string   `json:"dir"`
	Exists       bool     `json:"exists"`
	Usable       bool     `json:"usable"`
	Valid        bool     `json:"valid"`
	GraphBytes   int64    `json:"graph_bytes,omitempty"`
	Meta         *Meta    `json:"meta,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// Status inspects the cache without loading the graph.
func (c *Cache) Status() Status {
	st := Status{Dir: c.dir}
	info, err := os.Stat(filepath.Join(c.dir, graphFile))
	if err != nil {
		st.Reason = "no cached graph"
		return st
	}
	st.Exists = true
	st.GraphBytes = info.Size()

	meta, err := c.readMeta()
	if err != nil {
		st.Reason = err.Error()
		return st
	}
	st.Meta = meta
	if !SameVersion(meta.ToolVersion, c.version) {
		st.Reason = fmt.Sprintf("written by version %s", meta.ToolVersion)
		return st
	}
	st.Usable = true

	valid, err := c.IsValid(meta)
	if err != nil {
		st.Reason = err.Error()
		return st
	}
	st.Valid = valid
	if valid {
		return st
	}
	if changed, err := c.FindChangedFiles(meta); err == nil {
		st.ChangedFiles = changed
	}
	if len(st.ChangedFiles) == 0 {
		st.Reason = "HEAD moved since the graph was cached"
	}
	return st
}

// SameVersion reports whether two tool versions share a cache layout.
// Semantic versions are compared in canonical form, so build metadata is
// ignored; anything else must match exactly.
func SameVersion(a, b string) bool {
	ca, cb := semver.Canonical(withV(a)), semver.Canonical(withV(b))
	if ca == "" || cb == "" {
		return a == b
	}
	return ca == cb
}

func withV(v string) string {
	if v != "" && !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}

// BuildFileChecksums returns the BLAKE3 digest of each path that exists.
// Relative paths are resolved against root and keyed as given.
func BuildFileChecksums(root string, paths []string) (map[string]string, error) {
	sums := make(map[string]string, len(paths))
	for _, p := range paths {
		full := p
		if !filepath.IsAbs(p) {
			full = filepath.Join(root, filepath.FromSlash(p))
		}
		sum, err := FileChecksum(full)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sums[p] = sum
	}
	return sums, nil
}

// FileChecksum returns the BLAKE3 hex digest of a file's contents.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New(32, nil)
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// GitCommitHash returns HEAD of the checkout containing root, or "" when
// there is none or anything fails.
func GitCommitHash(root string) string {
	return gitsource.HeadCommit(root)
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
