package ingest

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/record"
	"hpcacct/pkg/snapshot"
	"hpcacct/pkg/storage"
)

// QuotaPass ingests the filesystem quota report into the storage series and
// refreshes the storage latest snapshot.
type QuotaPass struct {
	Reg      *collection.Registry
	Runner   remoteRunner
	Projects []string
	System   string
}

// Run executes one quota ingestion pass stamped with the run timestamp ts.
func (p *QuotaPass) Run(ctx context.Context, ts string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Reg.Ensure(gctx, record.CollStorage, true) })
	g.Go(func() error { return p.Reg.Ensure(gctx, record.CollStorageLatest, false) })
	if err := g.Wait(); err != nil {
		return err
	}

	lines := runRemote(ctx, p.Runner, "lquota -q --no-pretty-print")
	samples := ParseQuotaReport(lines, ts, p.System)

	authorized := make(map[string]bool, len(p.Projects))
	for _, proj := range p.Projects {
		authorized[proj] = true
	}

	var docs, latest []storage.Document
	for _, s := range samples {
		if !authorized[s.Project] {
			continue
		}
		docs = append(docs, s.Doc())

		doc := s.Doc()
		doc["id"] = snapshot.ID(s.System, s.FS, s.Project)
		latest = append(latest, doc)
	}

	if err := createBatched(ctx, p.Reg, record.CollStorage, docs); err != nil {
		return fmt.Errorf("persist storage samples: %w", err)
	}
	return snapshot.NewMaintainer(p.Reg, record.CollStorageLatest).Refresh(ctx, ts, latest)
}
