// Package store keeps the history of archive results in Badger DB.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// Key prefixes for different data types
const (
	prefixResult = "r:" // r:<completed-at nanos, big endian><id> -> ArchiveResult JSON
	prefixSource = "s:" // s:<source path> -> result key of the latest attempt
	prefixMeta   = "m:" // counters and schema
)

const (
	keyVerified = prefixMeta + "verified"
	keyFailed   = prefixMeta + "failed"
)

// ErrNotFound is returned when no result matches.
var ErrNotFound = errors.New("no result recorded")

// Counts totals the outcomes ever recorded.
type Counts struct {
	Verified int64 `json:"verified"`
	Failed   int64 `json:"failed"`
}

// ListOptions filters List.
type ListOptions struct {
	// Limit caps the number of results. Zero means no limit.
	Limit int

	// FailedOnly skips successful results.
	FailedOnly bool
}

// Store is the result history backed by Badger DB.
type Store struct {
	db *badger.DB
}

// Open opens or creates a store at the given directory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// resultKey orders results by completion time. The ID keeps keys unique
// for results completing in the same nanosecond.
func resultKey(r *types.ArchiveResult) []byte {
	key := make([]byte, 0, len(prefixResult)+8+len(r.ID))
	key = append(key, prefixResult...)
	key = binary.BigEndian.AppendUint64(key, uint64(r.CompletedAt.UnixNano()))
	return append(key, r.ID...)
}

// PutResult records r, makes it the latest result for its source and
// updates the outcome counters.
func (s *Store) PutResult(r *types.ArchiveResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := resultKey(r)

	counter := keyFailed
	if r.Success {
		counter = keyVerified
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixSource+r.Source), key); err != nil {
			return err
		}
		return increment(txn, counter)
	})
}

func increment(txn *badger.Txn, key string) error {
	n, err := readCounter(txn, key)
	if err != nil {
		return err
	}
	val := binary.BigEndian.AppendUint64(nil, uint64(n+1))
	return txn.Set([]byte(key), val)
}

func readCounter(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var n int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter %s", key)
		}
		n = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return n, err
}

// Latest returns the most recent result for source.
func (s *Store) Latest(source string) (*types.ArchiveResult, error) {
	var result types.ArchiveResult

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixSource + source))
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &result)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w for %s", ErrNotFound, source)
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// List returns recorded results, newest first.
func (s *Store) List(opts ListOptions) ([]*types.ArchiveResult, error) {
	var results []*types.ArchiveResult

	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Reverse = true
		iopts.Prefix = []byte(prefixResult)
		it := txn.NewIterator(iopts)
		defer it.Close()

		// Reverse iteration starts at the last key not greater than the seek key.
		seek := append([]byte(prefixResult), 0xff)
		for it.Seek(seek); it.ValidForPrefix([]byte(prefixResult)); it.Next() {
			if opts.Limit > 0 && len(results) >= opts.Limit {
				break
			}

			var r types.ArchiveResult
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				return err
			}
			if opts.FailedOnly && r.Success {
				continue
			}
			results = append(results, &r)
		}
		return nil
	})
	return results, err
}

// Counts returns the outcome counters.
func (s *Store) Counts() (Counts, error) {
	var c Counts
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		if c.Verified, err = readCounter(txn, keyVerified); err != nil {
			return err
		}
		c.Failed, err = readCounter(txn, keyFailed)
		return err
	})
	return c, err
}

// Prune deletes all but the newest keep results and returns how many were
// removed. Counters are not changed. Source pointers to a pruned result are
// removed with it.
func (s *Store) Prune(keep int) (int, error) {
	var stale [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Reverse = true
		iopts.PrefetchValues = false
		iopts.Prefix = []byte(prefixResult)
		it := txn.NewIterator(iopts)
		defer it.Close()

		seen := 0
		for it.Seek(append([]byte(prefixResult), 0xff)); it.ValidForPrefix([]byte(prefixResult)); it.Next() {
			seen++
			if seen > keep {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	staleSet := make(map[string]struct{}, len(stale))
	for _, k := range stale {
		staleSet[string(k)] = struct{}{}
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}

	err = s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = []byte(prefixSource)
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			target, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if _, ok := staleSet[string(target)]; ok {
				if err := wb.Delete(it.Item().KeyCopy(nil)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(stale), nil
}
