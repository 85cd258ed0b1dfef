package ingest

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/record"
	"hpcacct/pkg/snapshot"
	"hpcacct/pkg/storage"
)

// ComputePass ingests the per-project accounting report: compute grant,
// total and per-user usage samples, plus any massdata storage usage the
// report carries.
type ComputePass struct {
	Reg      *collection.Registry
	Runner   remoteRunner
	Projects []string
	System   string
}

// remoteRunner is the slice of remote.Runner the passes need; declared here
// so tests can substitute a canned runner without the ssh machinery.
type remoteRunner interface {
	Run(ctx context.Context, script string) ([]string, error)
}

// Run executes one ingestion pass stamped with the run timestamp ts.
func (p *ComputePass) Run(ctx context.Context, ts string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Reg.Ensure(gctx, record.CollCompute, true) })
	g.Go(func() error { return p.Reg.Ensure(gctx, record.CollStorage, true) })
	g.Go(func() error { return p.Reg.Ensure(gctx, record.CollComputeLatest, false) })
	if err := g.Wait(); err != nil {
		return err
	}

	script := fmt.Sprintf(
		"for i in %s; do nci_account -P $i -vvv --no-pretty-print; sleep 0.1; done",
		strings.Join(p.Projects, " "))
	lines := runRemote(ctx, p.Runner, script)

	computeSamples, storageSamples := ParseAccountingReport(lines, ts, p.System)

	computeDocs := make([]storage.Document, len(computeSamples))
	for i, s := range computeSamples {
		computeDocs[i] = s.Doc()
	}
	storageDocs := make([]storage.Document, len(storageSamples))
	for i, s := range storageSamples {
		storageDocs[i] = s.Doc()
	}

	if err := createBatched(ctx, p.Reg, record.CollCompute, computeDocs); err != nil {
		return fmt.Errorf("persist compute samples: %w", err)
	}
	if err := createBatched(ctx, p.Reg, record.CollStorage, storageDocs); err != nil {
		return fmt.Errorf("persist massdata samples: %w", err)
	}

	latest := make([]storage.Document, len(computeSamples))
	for i, s := range computeSamples {
		doc := s.Doc()
		doc["id"] = snapshot.ID(s.System, s.Project, s.User)
		latest[i] = doc
	}
	return snapshot.NewMaintainer(p.Reg, record.CollComputeLatest).Refresh(ctx, ts, latest)
}
