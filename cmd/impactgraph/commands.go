// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/impactgraph/pkg/logging"
	"github.com/AleutianAI/impactgraph/pkg/ux"
	"github.com/AleutianAI/impactgraph/services/codegraph/config"
	"github.com/AleutianAI/impactgraph/services/codegraph/lock"
	"github.com/AleutianAI/impactgraph/services/codegraph/pipeline"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
	"github.com/AleutianAI/impactgraph/services/codegraph/telemetry"
)

// =============================================================================
// GLOBAL FLAGS
// =============================================================================

var (
	repoDir    string
	configPath string
	logLevel   string
	logJSON    bool
	jsonOutput bool
	noColor    bool
)

// appState is what PersistentPreRunE prepares for every command.
type appState struct {
	root      string
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	out       *ux.Printer
}

var app *appState

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "impactgraph",
	Short: "Classify the impact of code changes on a repository's dependency graph",
	Long: `impactgraph parses a repository into a code graph, compares it with the
graph of a previous run or git revision, and classifies every changed entity
as breaking, potentially breaking or safe together with the code that
depends on it.

Configuration is read from .impactgraph.yaml at the repository root.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoDir, "repo", "C", ".",
		"Repository root to analyse")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Configuration file (default: <repo>/"+config.FileName+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides configuration)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false,
		"Write console logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output as JSON for scripting")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"Disable styled output")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads configuration, logging and telemetry.
func setup(cmd *cobra.Command, _ []string) error {
	root, err := filepath.Abs(repoDir)
	if err != nil {
		return err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("repository root %s is not a directory", repoDir)
	}

	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:   level,
		File:    cfg.Logging.File,
		Service: "impactgraph",
		JSON:    logJSON,
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	tel, err := telemetry.Init(cmd.Context(), telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
		Writer:         cmd.ErrOrStderr(),
	})
	if err != nil {
		logger.Close()
		return err
	}

	mode := ux.DetectMode(os.Stdout)
	if noColor {
		mode = ux.ModePlain
	}
	app = &appState{
		root:      root,
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		out:       ux.NewPrinter(cmd.OutOrStdout(), mode),
	}
	return nil
}

func loadConfig(root string) (*config.Config, error) {
	if configPath == "" {
		return config.Load(root)
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}
	return config.Parse(data)
}

// teardown flushes telemetry and closes the logger. Safe to call when
// setup never ran.
func teardown() {
	if app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.telemetry.Shutdown(ctx); err != nil {
		app.logger.Warn("telemetry shutdown", "error", err)
	}
	_ = app.logger.Close()
	app = nil
}

// newPipeline builds a pipeline over the configured repository. s may be
// nil.
func newPipeline(cfg *config.Config, s store.GraphStore) (*pipeline.Pipeline, error) {
	opts := []pipeline.Option{
		pipeline.WithLogger(app.logger.Slog()),
		pipeline.WithToolVersion(version),
	}
	if s != nil {
		opts = append(opts, pipeline.WithStore(s))
	}
	return pipeline.New(app.root, cfg, opts...)
}

// openStore opens the configured store. A "none" backend yields a nil
// store and no error unless required is set.
func openStore(cfg *config.Config, required bool) (store.GraphStore, error) {
	s, err := pipeline.OpenStore(app.root, cfg, app.logger.Slog())
	if errors.Is(err, pipeline.ErrNoStore) {
		if required {
			return nil, fmt.Errorf("%w: set store.backend in %s", err, config.FileName)
		}
		return nil, nil
	}
	return s, err
}

func closeStore(s store.GraphStore) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		app.logger.Warn("closing store", "error", err)
	}
}

// withRepoLock runs fn while holding the repository lock that analyze
// runs take.
func withRepoLock(fn func() error) error {
	lk, err := lock.New(app.cfg.CacheDir(app.root))
	if err != nil {
		return err
	}
	if err := lk.Acquire(); err != nil {
		return err
	}
	defer lk.Release()
	return fn()
}
