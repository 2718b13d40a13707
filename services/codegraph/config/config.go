// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the per-repository configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/impactgraph/services/codegraph/impact"
)

// FileName is the configuration file looked up at the repository root.
const FileName = ".impactgraph.yaml"

// ErrInvalidConfig wraps parse and validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Parse     ParseConfig     `yaml:"parse"`
	Watch     WatchConfig     `yaml:"watch"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects the snapshot store the pipeline flushes into.
type StoreConfig struct {
	// Backend is "none", "memory", "sqlite" or "badger".
	Backend string `yaml:"backend" validate:"oneof=none memory sqlite badger"`

	// Path is the database location, relative to the cache directory
	// unless absolute. Ignored by "none" and "memory".
	Path string `yaml:"path" validate:"required_if=Backend sqlite,required_if=Backend badger"`

	// NodeCacheSize bounds the badger backend's decoded-node LRU.
	NodeCacheSize int `yaml:"node_cache_size" validate:"gte=0"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required"`
}

type AnalysisConfig struct {
	// Policy is "contract" or "signature".
	Policy string `yaml:"policy" validate:"omitempty,oneof=contract signature"`

	// MaxDepth bounds transitive closure; 0 is unbounded.
	MaxDepth int `yaml:"max_depth" validate:"gte=0"`

	// Parallelism above 1 classifies changes concurrently.
	Parallelism int `yaml:"parallelism" validate:"gte=0,lte=256"`

	// Threshold is the classification at which the CLI exits non-zero.
	Threshold string `yaml:"threshold" validate:"omitempty,classification"`
}

type DiscoveryConfig struct {
	Exclude          []string `yaml:"exclude,omitempty" validate:"dive,globpattern"`
	RespectGitignore bool     `yaml:"respect_gitignore"`
}

type ParseConfig struct {
	// Workers is the parse pool size; 0 uses GOMAXPROCS.
	Workers     int   `yaml:"workers" validate:"gte=0,lte=1024"`
	MaxFileSize int64 `yaml:"max_file_size" validate:"gt=0"`
}

type WatchConfig struct {
	Debounce    Duration `yaml:"debounce" validate:"gt=0"`
	MinInterval Duration `yaml:"min_interval" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// File, when set, receives JSON logs in addition to stderr.
	File string `yaml:"file"`
}

type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`

	// MetricsAddr is where watch mode serves /metrics with the prometheus
	// exporter.
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// Duration is a time.Duration written as a string ("300ms") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:       "sqlite",
			Path:          "graph.db",
			NodeCacheSize: 4096,
		},
		Cache: CacheConfig{
			Enabled: true,
			Dir:     ".impactgraph",
		},
		Analysis: AnalysisConfig{
			Policy:      "contract",
			Parallelism: 1,
			Threshold:   "breaking",
		},
		Discovery: DiscoveryConfig{
			RespectGitignore: true,
		},
		Parse: ParseConfig{
			MaxFileSize: 10 * 1024 * 1024,
		},
		Watch: WatchConfig{
			Debounce:    Duration(300 * time.Millisecond),
			MinInterval: Duration(time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "impactgraph",
			TraceExporter:  "none",
			MetricExporter: "none",
			MetricsAddr:    "127.0.0.1:9464",
		},
	}
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("classification", func(fl validator.FieldLevel) bool {
		_, err := impact.ParseClassification(fl.Field().String())
		return err == nil
	})
	_ = validate.RegisterValidation("globpattern", func(fl validator.FieldLevel) bool {
		return doublestar.ValidatePattern(fl.Field().String())
	})
}

// Load reads FileName from root, falling back to Default when the file
// does not exist. Keys missing from the file keep their defaults.
func Load(root string) (*Config, error) {
	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StorePath resolves Store.Path against the cache directory below root.
func (c *Config) StorePath(root string) string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(c.CacheDir(root), c.Store.Path)
}

// CacheDir resolves Cache.Dir against root.
func (c *Config) CacheDir(root string) string {
	if filepath.IsAbs(c.Cache.Dir) {
		return c.Cache.Dir
	}
	return filepath.Join(root, c.Cache.Dir)
}
