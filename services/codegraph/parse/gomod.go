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
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

// ImportPrefix returns the Go import path of the directory root.
//
// # Description
//
// Searches root and its parents for go.mod and joins the declared module
// path with root's position below it. Returns "" when no go.mod declares
// a module.
func ImportPrefix(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		return ""
	}
	for dir := abs; ; {
		data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
		if err == nil {
			mod := modulePath(data)
			if mod == "" {
				return ""
			}
			rel, err := filepath.Rel(dir, abs)
			if err != nil || rel == "." {
				return mod
			}
			return mod + "/" + filepath.ToSlash(rel)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func modulePath(goMod []byte) string {
	return modfile.ModulePath(goMod)
}

// localDir maps an import path to a repository-relative directory ("."
// for the root) when it names a package inside the repository.
func localDir(prefix, importPath string) (string, bool) {
	if prefix == "" {
		return "", false
	}
	if importPath == prefix {
		return ".", true
	}
	rest, ok := strings.CutPrefix(importPath, prefix+"/")
	if !ok || rest == "" {
		return "", false
	}
	return path.Clean(rest), true
}
