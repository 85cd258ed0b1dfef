// Package snapshot maintains the "latest" collections: one mutable row per
// composite key holding the most recent sample for that entity.
package snapshot

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/storage"
)

// DefaultBatchSize bounds how many writes are in flight at once so a refresh
// cannot overwhelm the backing store. Batches are awaited to completion
// before the next batch starts.
const DefaultBatchSize = 25

// ID builds the stable composite id for a latest row from its key parts,
// e.g. ID(system, fs, project).
func ID(parts ...string) string {
	return strings.Join(parts, "_")
}

// Maintainer refreshes one latest collection.
type Maintainer struct {
	reg       *collection.Registry
	coll      string
	batchSize int
}

// NewMaintainer creates a Maintainer for the named latest collection. The
// collection must already be provisioned as non-sharded.
func NewMaintainer(reg *collection.Registry, coll string) *Maintainer {
	return &Maintainer{reg: reg, coll: coll, batchSize: DefaultBatchSize}
}

// Refresh replaces the snapshot with docs, in two phases: upsert every row
// under its composite id stamped with the run timestamp, then sweep rows the
// run did not touch. Between the phases a reader may observe old and new rows
// together; the overlap is transient and self-correcting, which is the price
// of not having a transactional snapshot swap.
//
// Running Refresh twice with the same input set leaves the same row set.
func (m *Maintainer) Refresh(ctx context.Context, runTS string, docs []storage.Document) error {
	for start := 0; start < len(docs); start += m.batchSize {
		end := start + m.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, doc := range docs[start:end] {
			g.Go(func() error {
				doc["ts"] = runTS
				return m.reg.Upsert(gctx, m.coll, doc, "")
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("refresh %s: %w", m.coll, err)
		}
	}
	return m.Sweep(ctx, runTS)
}

// Sweep deletes rows whose timestamp does not match the current run.
func (m *Maintainer) Sweep(ctx context.Context, runTS string) error {
	stale, err := m.reg.Query(ctx, m.coll, collection.Spec{
		Where: []storage.Predicate{storage.Neq("ts", runTS)},
	})
	if err != nil {
		return fmt.Errorf("sweep %s: %w", m.coll, err)
	}

	for start := 0; start < len(stale); start += m.batchSize {
		end := start + m.batchSize
		if end > len(stale) {
			end = len(stale)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, doc := range stale[start:end] {
			g.Go(func() error {
				return m.reg.DeleteDoc(gctx, m.coll, doc)
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("sweep %s: %w", m.coll, err)
		}
	}
	return nil
}
