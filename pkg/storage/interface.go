package storage

import (
	"context"
	"errors"
	"time"
)

// Document is a schemaless row as stored in a collection. Every document
// carries a string "id" field; fields whose name starts with "_" are internal
// bookkeeping (partition key, run markers) and are stripped before rows leave
// the serving API.
type Document = map[string]any

// ErrExists is returned by Create when a document with the same id already
// exists in the target partition.
var ErrExists = errors.New("storage: document already exists")

// Op identifies a predicate operator.
type Op int

const (
	// OpIn matches when the field equals any of the values in the list.
	OpIn Op = iota
	// OpContains matches when the value is a substring of the field.
	// Only meaningful for string fields.
	OpContains
	// OpNeq matches when the field differs from the value.
	OpNeq
	// OpWindowAny matches a timestamp field lying strictly inside any of
	// the supplied windows.
	OpWindowAny
)

// Window is an exclusive-exclusive time interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// Predicate is one node of the structured filter applied to a query. Values
// are carried as data, never interpolated into a query string.
type Predicate struct {
	Field string
	Op    Op
	// Value holds []any for OpIn, string for OpContains, any scalar for
	// OpNeq, []Window for OpWindowAny.
	Value any
}

// In builds a membership predicate. A scalar is treated as a singleton list.
func In(field string, values ...any) Predicate {
	return Predicate{Field: field, Op: OpIn, Value: values}
}

// Contains builds a substring predicate.
func Contains(field, substr string) Predicate {
	return Predicate{Field: field, Op: OpContains, Value: substr}
}

// Neq builds an inequality predicate.
func Neq(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpNeq, Value: value}
}

// WithinAny builds a time-window predicate over an RFC 3339 timestamp field.
func WithinAny(field string, windows []Window) Predicate {
	return Predicate{Field: field, Op: OpWindowAny, Value: windows}
}

// Query selects documents from one partition of one collection. Offset and
// Limit of zero mean "from the beginning" and "no limit".
type Query struct {
	Collection string
	Partition  string

	// Fields optionally projects the result down to the named fields.
	Fields []string

	// Where predicates are ANDed together.
	Where []Predicate

	// OrderBy names a single sort field; Descending flips the direction.
	OrderBy    string
	Descending bool

	Offset int
	Limit  int
}

// Store is the document-store contract the accounting engine is written
// against. Implementations: memory (testing), badger (production).
//
// The store has no cross-document transactions and only eventual-consistency
// guarantees between collections; callers own any replace-whole-snapshot
// protocol built on top.
type Store interface {
	// Ensure idempotently provisions a collection. Provisioning an
	// already-existing collection is a no-op, never an error.
	Ensure(ctx context.Context, collection string) error

	// Create writes a new document. ErrExists on id collision.
	Create(ctx context.Context, collection, partition string, doc Document) error

	// Upsert writes a document, replacing any prior document with its id.
	Upsert(ctx context.Context, collection, partition string, doc Document) error

	// Read fetches one document by id. A missing document returns
	// (nil, nil), not an error.
	Read(ctx context.Context, collection, partition, id string) (Document, error)

	// Delete removes one document by id. Deleting a missing document is
	// a no-op.
	Delete(ctx context.Context, collection, partition, id string) error

	// Query evaluates q server-side, including order/offset/limit.
	Query(ctx context.Context, q Query) ([]Document, error)

	// Count returns the number of documents matching q's predicates,
	// ignoring offset/limit.
	Count(ctx context.Context, q Query) (int, error)

	// Close cleanly shuts down the store.
	Close() error
}
