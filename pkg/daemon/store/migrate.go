package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// MigrationProgress reports migration progress.
type MigrationProgress struct {
	FromVersion int
	ToVersion   int
	ResultsDone int64
}

// MigrationProgressFunc is called with progress updates during migration.
type MigrationProgressFunc func(MigrationProgress)

// Migrate brings the database up to CurrentSchemaVersion and returns the
// number of migrations run. A fresh database is stamped directly.
func (s *Store) Migrate(ctx context.Context, onProgress MigrationProgressFunc) (int, error) {
	from, err := s.schemaVersion()
	if err != nil {
		return 0, err
	}

	if from == 0 {
		return 0, s.SetSchema(&Schema{Version: CurrentSchemaVersion, UpdatedAt: time.Now()})
	}

	run := 0
	for version := from + 1; version <= CurrentSchemaVersion; version++ {
		if err := ctx.Err(); err != nil {
			return run, err
		}

		if version == 2 {
			if err := s.migrateToV2(ctx, onProgress); err != nil {
				return run, err
			}
		}

		if err := s.SetSchema(&Schema{Version: version, UpdatedAt: time.Now()}); err != nil {
			return run, err
		}
		run++
	}
	return run, nil
}

// migrateToV2 builds the per-source index from the stored results. Results
// are visited oldest first so the newest one per source wins.
func (s *Store) migrateToV2(ctx context.Context, onProgress MigrationProgressFunc) error {
	latest := make(map[string][]byte)
	var done int64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixResult)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var r types.ArchiveResult
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				continue
			}
			latest[r.Source] = it.Item().KeyCopy(nil)

			done++
			if onProgress != nil && done%1000 == 0 {
				onProgress(MigrationProgress{FromVersion: 1, ToVersion: 2, ResultsDone: done})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for source, key := range latest {
		if err := wb.Set([]byte(prefixSource+source), key); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}

	if onProgress != nil {
		onProgress(MigrationProgress{FromVersion: 1, ToVersion: 2, ResultsDone: done})
	}
	return nil
}
