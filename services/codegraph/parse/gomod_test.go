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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportPrefix(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/demo\n\ngo 1.22\n"), 0o644))
	sub := filepath.Join(root, "svc", "api")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	assert.Equal(t, "example.com/demo", ImportPrefix(root))
	assert.Equal(t, "example.com/demo/svc/api", ImportPrefix(sub))
}

func TestLocalDir(t *testing.T) {
	tests := []struct {
		prefix, path string
		want         string
		ok           bool
	}{
		{"example.com/demo", "example.com/demo", ".", true},
		{"example.com/demo", "example.com/demo/lib/x", "lib/x", true},
		{"example.com/demo", "example.com/demolition", "", false},
		{"example.com/demo", "fmt", "", false},
		{"", "fmt", "", false},
	}
	for _, tt := range tests {
		got, ok := localDir(tt.prefix, tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}
