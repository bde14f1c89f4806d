package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tilecraft.ai/internal/persistence/indexdb"
	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/tuning"
	"tilecraft.ai/internal/sim/world"
)

type runtimeIndex interface {
	world.ChunkIndex
	world.AuditLogger
	Flush(ctx context.Context) error
	Close() error
	UpsertCatalogs(ctx context.Context, configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error
	RecordSnapshot(path string, snap snapshot.RegionSnapshotV1)
	Stats() indexdb.Stats
}

// openRuntimeIndex returns nil when indexing is disabled; chunks then live
// only in memory and in region snapshots.
func openRuntimeIndex(worldDir string, disableDB bool, tune tuning.Tuning) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("TC_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(worldDir, "index", "world.sqlite")
		opts := indexdb.DefaultOptions()
		opts.CacheMaxCost = tune.CacheMaxCost
		opts.ZstdLevel = tune.ZstdLevel
		idx, err := indexdb.OpenSQLite(dbPath, opts)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported TC_INDEX_BACKEND: %s", backend)
	}
}
