// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hunks turns unified diffs into per-file sets of changed lines.
package hunks

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"path"
	"slices"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

// LineRange is an inclusive range of 1-based line numbers in the new
// version of a file.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// WholeFile covers every line of a file.
var WholeFile = LineRange{Start: 1, End: math.MaxInt}

// LineMap maps slash paths to the sorted, non-overlapping ranges of lines
// that a diff added or changed. A deletion marks the line that now sits
// where the removed text was.
type LineMap map[string][]LineRange

// Parse reads a multi-file unified diff.
//
// # Description
//
// Paths are taken from the new side with a leading "b/" stripped. Files
// deleted by the diff have no new lines and are omitted. Hunk bodies are
// walked line by line so that context lines inside a hunk are not counted
// as changed.
//
// # Outputs
//
//   - LineMap: Changed lines per file.
//   - error: The diff could not be parsed.
func Parse(patch []byte) (LineMap, error) {
	fileDiffs, err := diff.ParseMultiFileDiff(patch)
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	m := make(LineMap)
	for _, fd := range fileDiffs {
		name := cleanName(fd.NewName)
		if name == "" {
			continue
		}
		var lines []int
		for _, h := range fd.Hunks {
			lines = append(lines, changedLines(h)...)
		}
		if len(lines) > 0 {
			m[name] = append(m[name], toRanges(lines)...)
		}
	}
	for name, ranges := range m {
		m[name] = merge(ranges)
	}
	return m, nil
}

func cleanName(name string) string {
	if name == "" || name == devNull {
		return ""
	}
	name = strings.TrimPrefix(name, "b/")
	return path.Clean(name)
}

func changedLines(h *diff.Hunk) []int {
	var lines []int
	newLine := int(h.NewStartLine)
	for _, raw := range bytes.Split(h.Body, []byte("\n")) {
		if len(raw) == 0 {
			continue
		}
		switch raw[0] {
		case '+':
			lines = append(lines, newLine)
			newLine++
		case '-':
			lines = append(lines, max(newLine, 1))
		case ' ':
			newLine++
		}
	}
	return lines
}

func toRanges(lines []int) []LineRange {
	slices.Sort(lines)
	lines = slices.Compact(lines)
	var ranges []LineRange
	for _, l := range lines {
		if n := len(ranges); n > 0 && ranges[n-1].End+1 >= l {
			ranges[n-1].End = max(ranges[n-1].End, l)
			continue
		}
		ranges = append(ranges, LineRange{Start: l, End: l})
	}
	return ranges
}

func merge(ranges []LineRange) []LineRange {
	slices.SortFunc(ranges, func(a, b LineRange) int { return cmp.Compare(a.Start, b.Start) })
	out := ranges[:0]
	for _, r := range ranges {
		if n := len(out); n > 0 && out[n-1].End+1 >= r.Start {
			out[n-1].End = max(out[n-1].End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Touches reports whether any changed line of file falls in [start, end].
// An end before start is treated as the single line start.
func (m LineMap) Touches(file string, start, end int) bool {
	if end < start {
		end = start
	}
	for _, r := range m[file] {
		if r.Start > end {
			return false
		}
		if r.End >= start {
			return true
		}
	}
	return false
}

// MarkFile records every line of file as changed.
func (m LineMap) MarkFile(file string) {
	m[path.Clean(file)] = []LineRange{WholeFile}
}

// Files returns the changed files in sorted order.
func (m LineMap) Files() []string {
	files := make([]string, 0, len(m))
	for f := range m {
		files = append(files, f)
	}
	slices.Sort(files)
	return files
}

// Within keeps the files under dir and makes their paths relative to it.
// An empty dir returns m unchanged.
func (m LineMap) Within(dir string) LineMap {
	if dir == "" || dir == "." {
		return m
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	out := make(LineMap)
	for f, ranges := range m {
		if rel, ok := strings.CutPrefix(f, prefix); ok {
			out[rel] = ranges
		}
	}
	return out
}
