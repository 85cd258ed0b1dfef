package server

import (
	"context"

	"golang.org/x/sync/errgroup"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/record"
)

// Provision ensures every served collection exists. The serving path treats
// an unprovisioned collection as a programming error, so the daemon
// provisions the full set up front, concurrently.
func Provision(ctx context.Context, reg *collection.Registry) error {
	quarterly := map[string]bool{
		record.CollCompute:       true,
		record.CollStorage:       true,
		record.CollFiles:         true,
		record.CollUsers:         false,
		record.CollGroups:        false,
		record.CollComputeLatest: false,
		record.CollStorageLatest: false,
		record.CollFilesLatest:   false,
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, sharded := range quarterly {
		g.Go(func() error {
			return reg.Ensure(gctx, name, sharded)
		})
	}
	return g.Wait()
}
