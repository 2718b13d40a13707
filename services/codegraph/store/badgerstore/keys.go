// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"fmt"
	"strconv"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
)

// Key layout
//
//	snap:<name>                              -> snapshotRecord (JSON)
//	meta:generation                          -> badger sequence
//	g:<gen>:n:<id>                           -> node (JSON)
//	g:<gen>:o:<src>:<seq>                    -> EdgeRef (JSON)
//	g:<gen>:i:<dst>:<src>:<seq>              -> EdgeRef (JSON)
//	g:<gen>:f:<file>\x00<name>\x00<id>       -> empty
//	g:<gen>:k:<kind>:<id>                    -> empty
//
// Generations are %016d and ids %010d so that byte order equals numeric
// order. A snapshot record points at exactly one generation; everything
// under other generations is garbage.
const (
	snapPrefix = "snap:"
	genPrefix  = "g:"
	seqKey     = "meta:generation"
	idWidth    = 10
)

func snapKey(name string) []byte {
	return []byte(snapPrefix + name)
}

func generationPrefix(gen uint64) string {
	return fmt.Sprintf("g:%016d:", gen)
}

// generationEnd sorts after every key of gen and before gen+1.
func generationEnd(gen uint64) []byte {
	return []byte(fmt.Sprintf("g:%016d;", gen))
}

func nodeKey(gen uint64, id graph.NodeID) []byte {
	return []byte(fmt.Sprintf("%sn:%010d", generationPrefix(gen), id))
}

func nodesPrefix(gen uint64) []byte {
	return []byte(generationPrefix(gen) + "n:")
}

func outKey(gen uint64, src graph.NodeID, seq int) []byte {
	return []byte(fmt.Sprintf("%so:%010d:%010d", generationPrefix(gen), src, seq))
}

func outPrefix(gen uint64, src graph.NodeID) []byte {
	return []byte(fmt.Sprintf("%so:%010d:", generationPrefix(gen), src))
}

func inKey(gen uint64, dst, src graph.NodeID, seq int) []byte {
	return []byte(fmt.Sprintf("%si:%010d:%010d:%010d", generationPrefix(gen), dst, src, seq))
}

func inPrefix(gen uint64, dst graph.NodeID) []byte {
	return []byte(fmt.Sprintf("%si:%010d:", generationPrefix(gen), dst))
}

func fileKey(gen uint64, file, name string, id graph.NodeID) []byte {
	return []byte(fmt.Sprintf("%sf:%s\x00%s\x00%010d", generationPrefix(gen), file, name, id))
}

// filePrefix matches every node of file, or only those named name.
func filePrefix(gen uint64, file, name string) []byte {
	p := generationPrefix(gen) + "f:" + file + "\x00"
	if name != "" {
		p += name + "\x00"
	}
	return []byte(p)
}

func kindKey(gen uint64, kind graph.NodeKind, id graph.NodeID) []byte {
	return []byte(fmt.Sprintf("%sk:%s:%010d", generationPrefix(gen), kind, id))
}

func kindPrefix(gen uint64, kind graph.NodeKind) []byte {
	return []byte(fmt.Sprintf("%sk:%s:", generationPrefix(gen), kind))
}

// trailingID parses the fixed-width id at the end of an index key.
func trailingID(key []byte) (graph.NodeID, error) {
	if len(key) < idWidth {
		return 0, fmt.Errorf("malformed key %q", key)
	}
	v, err := strconv.ParseUint(string(key[len(key)-idWidth:]), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed key %q: %w", key, err)
	}
	return graph.NodeID(v), nil
}

// keyGeneration parses the generation of a g: key.
func keyGeneration(key []byte) (uint64, bool) {
	const width = len(genPrefix) + 16
	if len(key) < width {
		return 0, false
	}
	v, err := strconv.ParseUint(string(key[len(genPrefix):width]), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
