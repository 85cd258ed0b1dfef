// Package badger implements storage.Store on BadgerDB (LSM tree).
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"hpcacct/pkg/storage"
)

// Store implements storage.Store using BadgerDB.
//
// Key layout: collection \x00 partition \x00 xxhash64(id). Hashing the id
// keeps keys fixed-width while leaving point reads and deletes cheap; the
// full id lives in the JSON value.
type Store struct {
	db *badger.DB
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to the database directory.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage (0 = 48 MB default).
	MaxMemoryMB int64
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Badger's defaults assume a dedicated database host. The accounting
	// collections are tiny (thousands of rows per quarter), so cap the
	// memtable and caches well below the defaults.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db}, nil
}

const keySep = 0x00

func docKey(collection, partition, id string) []byte {
	key := make([]byte, 0, len(collection)+len(partition)+10)
	key = append(key, collection...)
	key = append(key, keySep)
	key = append(key, partition...)
	key = append(key, keySep)
	key = binary.BigEndian.AppendUint64(key, xxhash.Sum64String(id))
	return key
}

func partitionPrefix(collection, partition string) []byte {
	key := make([]byte, 0, len(collection)+len(partition)+2)
	key = append(key, collection...)
	key = append(key, keySep)
	key = append(key, partition...)
	key = append(key, keySep)
	return key
}

func collectionMarker(collection string) []byte {
	return append([]byte("!collections\x00"), collection...)
}

// Ensure records the collection marker. Re-provisioning is a no-op.
func (s *Store) Ensure(ctx context.Context, collection string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(collectionMarker(collection), []byte{1})
	})
}

func (s *Store) Create(ctx context.Context, collection, partition string, doc storage.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, _ := doc["id"].(string)
	key := docKey(collection, partition, id)
	value, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return storage.ErrExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, value)
	})
}

func (s *Store) Upsert(ctx context.Context, collection, partition string, doc storage.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, _ := doc["id"].(string)
	value, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(collection, partition, id), value)
	})
}

func (s *Store) Read(ctx context.Context, collection, partition, id string) (storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc storage.Document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(collection, partition, id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if err != nil {
		return nil, err
	}
	// Guard against an xxhash collision handing back a different row.
	if doc != nil {
		if got, _ := doc["id"].(string); got != id {
			return nil, nil
		}
	}
	return doc, nil
}

func (s *Store) Delete(ctx context.Context, collection, partition, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(docKey(collection, partition, id))
	})
}

func (s *Store) Query(ctx context.Context, q storage.Query) ([]storage.Document, error) {
	docs, err := s.scan(ctx, q)
	if err != nil {
		return nil, err
	}
	if q.OrderBy != "" {
		storage.Sort(docs, q.OrderBy, q.Descending)
	}
	docs = storage.Page(docs, q.Offset, q.Limit)
	if len(q.Fields) > 0 {
		for i, d := range docs {
			docs[i] = storage.Project(d, q.Fields)
		}
	}
	return docs, nil
}

func (s *Store) Count(ctx context.Context, q storage.Query) (int, error) {
	docs, err := s.scan(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// scan iterates one partition prefix and applies the predicate filter.
// Context cancellation is checked periodically so a long scan cannot block
// shutdown.
func (s *Store) scan(ctx context.Context, q storage.Query) ([]storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var results []storage.Document
	startTime := time.Now()
	var iterCount int

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		prefix := partitionPrefix(q.Collection, q.Partition)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			err := it.Item().Value(func(val []byte) error {
				var doc storage.Document
				if err := json.Unmarshal(val, &doc); err != nil {
					return fmt.Errorf("failed to decode document: %w", err)
				}
				if storage.Match(doc, q.Where) {
					results = append(results, doc)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		if elapsed := time.Since(startTime); elapsed > 5*time.Second {
			log.Printf("slow partition scan %s/%s: %v (%d keys, %d rows)",
				q.Collection, q.Partition, elapsed, iterCount, len(results))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Close cleanly shuts down the store, flushing pending writes.
func (s *Store) Close() error {
	return s.db.Close()
}
