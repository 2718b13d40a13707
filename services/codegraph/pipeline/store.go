// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/impactgraph/services/codegraph/config"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
	"github.com/AleutianAI/impactgraph/services/codegraph/store/badgerstore"
	"github.com/AleutianAI/impactgraph/services/codegraph/store/memstore"
	"github.com/AleutianAI/impactgraph/services/codegraph/store/sqlstore"
)

// ErrNoStore is returned by OpenStore when the backend is "none".
var ErrNoStore = errors.New("no snapshot store configured")

// OpenStore opens the snapshot store selected by cfg.Store.
//
// # Description
//
// Relative store paths resolve against the cache directory below root.
// The "memory" backend lives only as long as the returned store, so it is
// useful for a single watch session but not across CLI invocations.
//
// # Outputs
//
//   - store.GraphStore: Open store. Call Close when done.
//   - error: ErrNoStore for "none", otherwise open failures.
func OpenStore(root string, cfg *config.Config, logger *slog.Logger) (store.GraphStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	switch cfg.Store.Backend {
	case "", "none":
		return nil, ErrNoStore
	case "memory":
		return memstore.New(logger), nil
	case "sqlite":
		path := cfg.StorePath(root)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		return sqlstore.Open(path, logger)
	case "badger":
		bcfg := badgerstore.DefaultConfig(cfg.StorePath(root))
		bcfg.NodeCacheSize = cfg.Store.NodeCacheSize
		bcfg.Logger = logger
		return badgerstore.Open(bcfg)
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, cfg.Store.Backend)
	}
}
