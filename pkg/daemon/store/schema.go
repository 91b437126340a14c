package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Schema versions:
// 1 - Results only (r:) and counters (m:)
// 2 - Added the latest-result-per-source index (s:)
const CurrentSchemaVersion = 2

const schemaKey = "m:__schema__"

// ErrSchemaTooNew is returned when the database was written by a newer release.
var ErrSchemaTooNew = errors.New("history database schema is newer than this binary")

// Schema holds database schema information.
type Schema struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetSchema returns the stored schema, or nil if none was written.
func (s *Store) GetSchema() *Schema {
	var schema *Schema

	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			schema = &Schema{}
			return json.Unmarshal(val, schema)
		})
	})

	return schema
}

// SetSchema stores the schema version.
func (s *Store) SetSchema(schema *Schema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(schemaKey), data)
	})
}

// schemaVersion returns the version of the data on disk. A database with
// results but no schema key predates versioning and is version 1; an
// empty one is 0.
func (s *Store) schemaVersion() (int, error) {
	if schema := s.GetSchema(); schema != nil {
		if schema.Version > CurrentSchemaVersion {
			return 0, fmt.Errorf("%w: %d > %d", ErrSchemaTooNew, schema.Version, CurrentSchemaVersion)
		}
		return schema.Version, nil
	}
	if s.hasResults() {
		return 1, nil
	}
	return 0, nil
}

// NeedsMigration reports whether Migrate has work to do.
func (s *Store) NeedsMigration() bool {
	v, err := s.schemaVersion()
	return err == nil && v > 0 && v < CurrentSchemaVersion
}

func (s *Store) hasResults() bool {
	var found bool
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixResult)
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		found = it.Valid()
		return nil
	})
	return found
}
