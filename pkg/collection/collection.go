// Package collection addresses logical collections as sets of physical
// partitions. Quarterly collections shard sample rows by the calendar quarter
// of their timestamp; registry-style collections live in a single constant
// partition.
package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hpcacct/pkg/storage"
)

// ErrNotProvisioned is returned when an operation targets a collection that
// was never passed through Ensure. This is a programming error in the caller:
// tools treat it as fatal and it is never retried.
var ErrNotProvisioned = errors.New("collection: not provisioned")

// PartitionField is the internal document field carrying the partition key.
// Like every "_"-prefixed field it never leaves the serving API.
const PartitionField = "_partition"

// constantPartition is the partition key of non-sharded collections.
const constantPartition = "1"

// Quarter derives the partition key for a timestamp: "{year}.q{n}" with
// quarters numbered 1-4.
func Quarter(t time.Time) string {
	return fmt.Sprintf("%d.q%d", t.Year(), (int(t.Month())-1)/3+1)
}

// Registry tracks which collections exist and whether each is quarterly
// sharded. One Registry is created per ingestion run or serving request and
// passed down explicitly, keeping concurrent runs isolated.
type Registry struct {
	store storage.Store

	mu        sync.Mutex
	quarterly map[string]bool

	// now is swapped in tests to pin the current quarter.
	now func() time.Time
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store storage.Store) *Registry {
	return &Registry{
		store:     store,
		quarterly: make(map[string]bool),
		now:       time.Now,
	}
}

// Ensure idempotently provisions a collection. A second Ensure for the same
// name is a no-op; a provisioning race inside the backend is treated as
// success and never surfaced.
func (r *Registry) Ensure(ctx context.Context, name string, quarterly bool) error {
	r.mu.Lock()
	if _, ok := r.quarterly[name]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.store.Ensure(ctx, name); err != nil {
		return fmt.Errorf("ensure %s: %w", name, err)
	}

	r.mu.Lock()
	r.quarterly[name] = quarterly
	r.mu.Unlock()
	return nil
}

func (r *Registry) sharded(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	quarterly, ok := r.quarterly[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotProvisioned, name)
	}
	return quarterly, nil
}

// PartitionKey resolves the partition for a collection: "1" for non-sharded
// collections, otherwise the supplied quarter or, when empty, the current
// one.
func (r *Registry) PartitionKey(name, quarter string) (string, error) {
	quarterly, err := r.sharded(name)
	if err != nil {
		return "", err
	}
	if !quarterly {
		return constantPartition, nil
	}
	if quarter != "" {
		return quarter, nil
	}
	return Quarter(r.now()), nil
}

// Create stamps the partition key and writes a new document.
func (r *Registry) Create(ctx context.Context, name string, doc storage.Document, quarter string) error {
	pk, err := r.PartitionKey(name, quarter)
	if err != nil {
		return err
	}
	doc[PartitionField] = pk
	return r.store.Create(ctx, name, pk, doc)
}

// Upsert stamps the partition key and writes a document, replacing any prior
// row with the same id.
func (r *Registry) Upsert(ctx context.Context, name string, doc storage.Document, quarter string) error {
	pk, err := r.PartitionKey(name, quarter)
	if err != nil {
		return err
	}
	doc[PartitionField] = pk
	return r.store.Upsert(ctx, name, pk, doc)
}

// Read fetches one document by id from the resolved partition. Missing
// documents return (nil, nil).
func (r *Registry) Read(ctx context.Context, name, id, quarter string) (storage.Document, error) {
	pk, err := r.PartitionKey(name, quarter)
	if err != nil {
		return nil, err
	}
	return r.store.Read(ctx, name, pk, id)
}

// DeleteDoc removes a previously fetched document, honouring the partition
// key stamped on it.
func (r *Registry) DeleteDoc(ctx context.Context, name string, doc storage.Document) error {
	pk, _ := doc[PartitionField].(string)
	if pk == "" {
		var err error
		if pk, err = r.PartitionKey(name, ""); err != nil {
			return err
		}
	}
	id, _ := doc["id"].(string)
	return r.store.Delete(ctx, name, pk, id)
}

// Spec narrows a query against one collection; the partition itself is
// resolved by the registry.
type Spec struct {
	Fields     []string
	Where      []storage.Predicate
	OrderBy    string
	Descending bool
	Offset     int
	Limit      int
	Quarter    string
}

func (r *Registry) storageQuery(name string, spec Spec) (storage.Query, error) {
	pk, err := r.PartitionKey(name, spec.Quarter)
	if err != nil {
		return storage.Query{}, err
	}
	return storage.Query{
		Collection: name,
		Partition:  pk,
		Fields:     spec.Fields,
		Where:      spec.Where,
		OrderBy:    spec.OrderBy,
		Descending: spec.Descending,
		Offset:     spec.Offset,
		Limit:      spec.Limit,
	}, nil
}

// Query builds and executes one query restricted to the resolved partition.
func (r *Registry) Query(ctx context.Context, name string, spec Spec) ([]storage.Document, error) {
	q, err := r.storageQuery(name, spec)
	if err != nil {
		return nil, err
	}
	return r.store.Query(ctx, q)
}

// Count returns the number of rows matching the spec's predicates.
func (r *Registry) Count(ctx context.Context, name string, spec Spec) (int, error) {
	q, err := r.storageQuery(name, spec)
	if err != nil {
		return 0, err
	}
	return r.store.Count(ctx, q)
}

// SetClock overrides the current-quarter clock. Test hook.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }
