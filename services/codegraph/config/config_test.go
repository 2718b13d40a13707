// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesKeepOtherDefaults(t *testing.T) {
	root := t.TempDir()
	data := `
store:
  backend: badger
  path: snapshots
analysis:
  policy: signature
  threshold: potentially-breaking
watch:
  debounce: 1s
discovery:
  exclude: ["**/*_gen.go"]
`
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(data), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, "signature", cfg.Analysis.Policy)
	assert.Equal(t, "potentially-breaking", cfg.Analysis.Threshold)
	assert.Equal(t, time.Second, cfg.Watch.Debounce.Std())
	assert.Equal(t, time.Second, cfg.Watch.MinInterval.Std(), "default kept")
	assert.Equal(t, []string{"**/*_gen.go"}, cfg.Discovery.Exclude)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(root, ".impactgraph", "snapshots"), cfg.StorePath(root))
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "store:\n  engine: x\n"},
		{"bad backend", "store:\n  backend: postgres\n"},
		{"sqlite without path", "store:\n  backend: sqlite\n  path: \"\"\n"},
		{"bad policy", "analysis:\n  policy: lenient\n"},
		{"bad threshold", "analysis:\n  threshold: catastrophic\n"},
		{"negative depth", "analysis:\n  max_depth: -1\n"},
		{"bad duration", "watch:\n  debounce: soon\n"},
		{"zero debounce", "watch:\n  debounce: 0s\n"},
		{"bad glob", "discovery:\n  exclude: [\"[oops\"]\n"},
		{"otlp without endpoint", "telemetry:\n  trace_exporter: otlp\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"not yaml", "store: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Analysis.MaxDepth = 4
	cfg.Watch.Debounce = Duration(750 * time.Millisecond)

	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "debounce: 750ms")

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestMarshal_RoundTripExcludes(t *testing.T) {
	cfg := Default()
	assert.NotContains(t, string(mustMarshal(t, cfg)), "exclude:")

	cfg.Discovery.Exclude = []string{"**/testdata/**", "gen/*.go"}
	back, err := Parse(mustMarshal(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, cfg.Discovery.Exclude, back.Discovery.Exclude)
}

func mustMarshal(t *testing.T, cfg *Config) []byte {
	t.Helper()
	data, err := cfg.Marshal()
	require.NoError(t, err)
	return data
}

func TestPaths_Absolute(t *testing.T) {
	cfg := Default()
	abs := filepath.Join(t.TempDir(), "db")
	cfg.Store.Path = abs
	assert.Equal(t, abs, cfg.StorePath("/repo"))

	cfg.Cache.Dir = "/var/cache/ig"
	assert.Equal(t, "/var/cache/ig", cfg.CacheDir("/repo"))
}
