// Package memory provides an in-memory document store. Data is lost on
// restart. Useful for testing and development.
package memory

import (
	"context"
	"sync"

	"hpcacct/pkg/storage"
)

// Store implements storage.Store with plain maps behind an RWMutex.
type Store struct {
	mu sync.RWMutex
	// collections[name][partition][id] = document
	collections map[string]map[string]map[string]storage.Document
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{collections: make(map[string]map[string]map[string]storage.Document)}
}

func (s *Store) Ensure(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collection]; !ok {
		s.collections[collection] = make(map[string]map[string]storage.Document)
	}
	return nil
}

func (s *Store) partition(collection, partition string) map[string]storage.Document {
	coll, ok := s.collections[collection]
	if !ok {
		return nil
	}
	part, ok := coll[partition]
	if !ok {
		part = make(map[string]storage.Document)
		coll[partition] = part
	}
	return part
}

func (s *Store) Create(ctx context.Context, collection, partition string, doc storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	part := s.partition(collection, partition)
	if part == nil {
		part = make(map[string]storage.Document)
		if s.collections[collection] == nil {
			s.collections[collection] = make(map[string]map[string]storage.Document)
		}
		s.collections[collection][partition] = part
	}
	id, _ := doc["id"].(string)
	if _, exists := part[id]; exists {
		return storage.ErrExists
	}
	part[id] = clone(doc)
	return nil
}

func (s *Store) Upsert(ctx context.Context, collection, partition string, doc storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]map[string]storage.Document)
	}
	part := s.partition(collection, partition)
	id, _ := doc["id"].(string)
	part[id] = clone(doc)
	return nil
}

func (s *Store) Read(ctx context.Context, collection, partition, id string) (storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll := s.collections[collection]
	if coll == nil {
		return nil, nil
	}
	doc, ok := coll[partition][id]
	if !ok {
		return nil, nil
	}
	return clone(doc), nil
}

func (s *Store) Delete(ctx context.Context, collection, partition, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if coll := s.collections[collection]; coll != nil {
		delete(coll[partition], id)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q storage.Query) ([]storage.Document, error) {
	docs, err := s.matching(ctx, q)
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
	docs, err := s.matching(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (s *Store) matching(ctx context.Context, q storage.Query) ([]storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []storage.Document
	for _, doc := range s.collections[q.Collection][q.Partition] {
		if storage.Match(doc, q.Where) {
			results = append(results, clone(doc))
		}
	}
	return results, nil
}

func (s *Store) Close() error { return nil }

func clone(doc storage.Document) storage.Document {
	out := make(storage.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
