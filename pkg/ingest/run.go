package ingest

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/record"
	"hpcacct/pkg/storage"
)

// writeBatchSize bounds concurrent persistence operations; each batch is
// awaited before the next starts.
const writeBatchSize = 25

// createBatched persists docs into a collection in bounded concurrent
// batches.
func createBatched(ctx context.Context, reg *collection.Registry, coll string, docs []storage.Document) error {
	return inBatches(docs, func(batch []storage.Document) error {
		g, gctx := errgroup.WithContext(ctx)
		for _, doc := range batch {
			g.Go(func() error {
				return reg.Create(gctx, coll, doc, docQuarter(doc))
			})
		}
		return g.Wait()
	})
}

// docQuarter shards a sample row by its own ts, so the quarter is derived
// from the timestamp the row carries and not from the ingest host's clock or
// zone. Rows without a parseable ts fall back to the current quarter.
func docQuarter(doc storage.Document) string {
	ts, _ := doc["ts"].(string)
	t, err := time.Parse(record.TimeLayout, ts)
	if err != nil {
		return ""
	}
	return collection.Quarter(t)
}

func inBatches(docs []storage.Document, f func([]storage.Document) error) error {
	for start := 0; start < len(docs); start += writeBatchSize {
		end := start + writeBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		if err := f(docs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// runRemote executes a remote script and degrades to empty output on
// failure: ingestion proceeds with whatever partial data exists rather than
// blocking on full availability.
func runRemote(ctx context.Context, runner remoteRunner, script string) []string {
	lines, err := runner.Run(ctx, script)
	if err != nil {
		log.Printf("warning: remote command failed: %v", err)
		return nil
	}
	return lines
}
