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
	"path"
	"slices"
	"strings"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
)

// ResolveStats counts what the resolver linked.
type ResolveStats struct {
	Calls           int
	DirectCalls     int
	UnresolvedCalls int
	ImportEdges     int
	MethodsAttached int
	Implements      int
}

type dirName struct {
	dir  string
	name string
}

// resolver links references across the files of one merged graph.
type resolver struct {
	g      *graph.CodeGraph
	prefix string

	filesByDir map[string][]graph.NodeID
	funcs      map[dirName][]graph.NodeID
	methods    map[string][]graph.NodeID // by bare method name
	classes    map[dirName]graph.NodeID

	// aliases maps file -> local package name -> directory.
	aliases map[string]map[string]string
	dotDirs map[string][]string
}

// Resolve adds cross-file edges to g.
//
// # Description
//
// Runs after every file has been merged into g:
//
//  1. Methods ("T.M" functions) are recorded on the struct T declared in
//     the same directory.
//  2. Imports of in-repository packages (resolved through the go.mod
//     import prefix) get an Imports edge from the Import node to every
//     File node of the target directory.
//  3. Calls resolve by exact name in the caller's directory, through an
//     import alias into the imported directory, or as "Qualifier.Callee"
//     method expressions; these edges are direct. Remaining selector calls
//     fall back to matching a method by name, preferring the caller's
//     directory and otherwise accepting a unique candidate; these edges
//     have IsDirect false.
//  4. Structs whose method set covers every method of an interface get an
//     Implements edge to it.
//
// Unresolvable calls are counted and dropped.
//
// # Thread Safety
//
// Not safe for concurrent use with other writers of g.
func Resolve(g *graph.CodeGraph, prefix string, imports []UnresolvedImport, calls []UnresolvedCall) ResolveStats {
	r := &resolver{
		g:          g,
		prefix:     prefix,
		filesByDir: make(map[string][]graph.NodeID),
		funcs:      make(map[dirName][]graph.NodeID),
		methods:    make(map[string][]graph.NodeID),
		classes:    make(map[dirName]graph.NodeID),
		aliases:    make(map[string]map[string]string),
		dotDirs:    make(map[string][]string),
	}
	var stats ResolveStats
	r.index()
	stats.MethodsAttached = r.attachMethods()
	stats.ImportEdges = r.linkImports(imports)
	for _, c := range calls {
		to, direct, ok := r.resolveCall(c)
		if !ok {
			stats.UnresolvedCalls++
			continue
		}
		g.AddEdge(c.Caller, to, graph.CallEdge(c.Line, direct))
		stats.Calls++
		if direct {
			stats.DirectCalls++
		}
	}
	stats.Implements = r.linkImplements()
	return stats
}

func (r *resolver) index() {
	for id, n := range r.g.Nodes() {
		dir := path.Dir(n.FilePath)
		switch n.Kind() {
		case graph.NodeKindFile:
			r.filesByDir[dir] = append(r.filesByDir[dir], id)
		case graph.NodeKindFunction:
			key := dirName{dir: dir, name: n.Name}
			r.funcs[key] = append(r.funcs[key], id)
			if _, method, ok := strings.Cut(n.Name, "."); ok {
				r.methods[method] = append(r.methods[method], id)
			}
		case graph.NodeKindClass:
			key := dirName{dir: dir, name: n.Name}
			if _, seen := r.classes[key]; !seen {
				r.classes[key] = id
			}
		}
	}
}

func (r *resolver) attachMethods() int {
	attached := 0
	for _, n := range r.g.Nodes() {
		if n.Kind() != graph.NodeKindFunction {
			continue
		}
		recv, method, ok := strings.Cut(n.Name, ".")
		if !ok {
			continue
		}
		classID, ok := r.classes[dirName{dir: path.Dir(n.FilePath), name: recv}]
		if !ok {
			continue
		}
		class, _ := r.g.NodeMut(classID)
		data := class.Data.(*graph.ClassData)
		if !slices.Contains(data.Methods, method) {
			data.Methods = append(data.Methods, method)
			attached++
		}
	}
	return attached
}

func (r *resolver) linkImports(imports []UnresolvedImport) int {
	edges := 0
	for _, imp := range imports {
		dir, ok := localDir(r.prefix, imp.ModulePath)
		if !ok {
			continue
		}
		switch imp.Alias {
		case "_":
		case ".":
			r.dotDirs[imp.File] = append(r.dotDirs[imp.File], dir)
		default:
			name := imp.Alias
			if name == "" {
				name = path.Base(imp.ModulePath)
			}
			if r.aliases[imp.File] == nil {
				r.aliases[imp.File] = make(map[string]string)
			}
			r.aliases[imp.File][name] = dir
		}
		for _, file := range r.filesByDir[dir] {
			r.g.AddEdge(imp.Import, file, graph.Edge{
				Kind:   graph.EdgeImports,
				Import: &graph.ImportInfo{Alias: imp.Alias, Wildcard: imp.Alias == "."},
			})
			edges++
		}
	}
	return edges
}

func (r *resolver) resolveCall(c UnresolvedCall) (graph.NodeID, bool, bool) {
	dir := path.Dir(c.File)

	if c.Qualifier == "" {
		if id, ok := r.first(dirName{dir: dir, name: c.Callee}); ok {
			return id, true, true
		}
		for _, d := range r.dotDirs[c.File] {
			if id, ok := r.first(dirName{dir: d, name: c.Callee}); ok {
				return id, true, true
			}
		}
		return 0, false, false
	}

	if target, ok := r.aliases[c.File][c.Qualifier]; ok {
		if id, ok := r.first(dirName{dir: target, name: c.Callee}); ok {
			return id, true, true
		}
	}
	if id, ok := r.first(dirName{dir: dir, name: c.Qualifier + "." + c.Callee}); ok {
		return id, true, true
	}

	candidates := r.methods[c.Callee]
	for _, id := range candidates {
		if n, _ := r.g.Node(id); path.Dir(n.FilePath) == dir {
			return id, false, true
		}
	}
	if len(candidates) == 1 {
		return candidates[0], false, true
	}
	return 0, false, false
}

// first returns the lowest id registered under key.
func (r *resolver) first(key dirName) (graph.NodeID, bool) {
	ids := r.funcs[key]
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}

func (r *resolver) linkImplements() int {
	interfaces := r.g.FindNodesByKind(graph.NodeKindInterface)
	if len(interfaces) == 0 {
		return 0
	}
	edges := 0
	for _, classID := range r.g.FindNodesByKind(graph.NodeKindClass) {
		class, _ := r.g.Node(classID)
		have := class.Data.(*graph.ClassData).Methods
		if len(have) == 0 {
			continue
		}
		for _, ifaceID := range interfaces {
			iface, _ := r.g.Node(ifaceID)
			want := iface.Data.(*graph.InterfaceData).Methods
			if len(want) == 0 || !covers(have, want) {
				continue
			}
			r.g.AddEdge(classID, ifaceID, graph.NewEdge(graph.EdgeImplements))
			edges++
		}
	}
	return edges
}

func covers(have, want []string) bool {
	for _, m := range want {
		if !slices.Contains(have, m) {
			return false
		}
	}
	return true
}
