package ingest

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/identity"
	"hpcacct/pkg/record"
	"hpcacct/pkg/snapshot"
	"hpcacct/pkg/storage"
)

// Filesystem names one scanned filesystem: the key passed to the files
// report command and the mount path probed for project directories.
type Filesystem struct {
	Key  string
	Path string
}

// FilesPass ingests the per-filesystem files-usage scan. Rows referencing
// identities unknown at ingestion time are deferred and backfilled through
// the reconciler before persistence.
type FilesPass struct {
	Reg      *collection.Registry
	Runner   remoteRunner
	Dir      identity.Directory
	Projects []string
	System   string

	Filesystems []Filesystem
}

// Run executes one files ingestion pass stamped with the run timestamp ts.
func (p *FilesPass) Run(ctx context.Context, ts string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Reg.Ensure(gctx, record.CollUsers, false) })
	g.Go(func() error { return p.Reg.Ensure(gctx, record.CollGroups, false) })
	g.Go(func() error { return p.Reg.Ensure(gctx, record.CollFiles, true) })
	g.Go(func() error { return p.Reg.Ensure(gctx, record.CollFilesLatest, false) })
	if err := g.Wait(); err != nil {
		return err
	}

	ids, err := identity.LoadRegistry(ctx, p.Reg)
	if err != nil {
		return err
	}
	rec := identity.New(p.Reg, p.Dir, ids, p.Projects)

	authorized := make(map[string]bool, len(p.Projects))
	for _, proj := range p.Projects {
		authorized[proj] = true
	}

	var final []record.FileOwnershipSample
	for _, fs := range p.Filesystems {
		for _, s := range p.scanFilesystem(ctx, fs, ids, authorized, ts) {
			if resolved, ok := rec.Resolve(s); ok {
				final = append(final, resolved)
			}
		}
	}

	// One batched lookup per reference kind for the whole run, then the
	// deferred rows are committed with whatever resolved.
	backfilled, err := rec.Flush(ctx)
	if err != nil {
		return err
	}
	final = append(final, backfilled...)

	docs := make([]storage.Document, len(final))
	latest := make([]storage.Document, len(final))
	for i, s := range final {
		docs[i] = s.Doc()
		doc := s.Doc()
		doc["id"] = snapshot.ID(s.System, s.FS, fmt.Sprint(s.User), fmt.Sprint(s.Ownership), s.Location)
		latest[i] = doc
	}

	if err := createBatched(ctx, p.Reg, record.CollFiles, docs); err != nil {
		return fmt.Errorf("persist ownership samples: %w", err)
	}
	return snapshot.NewMaintainer(p.Reg, record.CollFilesLatest).Refresh(ctx, ts, latest)
}

// scanFilesystem probes which authorized projects have a directory on fs and
// whether they use project or group quotas, then pulls the files report for
// each quota kind.
func (p *FilesPass) scanFilesystem(ctx context.Context, fs Filesystem, ids *identity.Registry, authorized map[string]bool, ts string) []record.FileOwnershipSample {
	var pairs []string
	for name, gid := range ids.GroupGIDs() {
		if authorized[name] {
			pairs = append(pairs, fmt.Sprintf("%s+%d", name, gid))
		}
	}
	sort.Strings(pairs)
	if len(pairs) == 0 {
		return nil
	}

	probe := fmt.Sprintf(
		`for i in %s; do if [[ -d %s/${i%%+*} ]]; then lfs quota -p ${i#*+} %s/${i%%+*} > /dev/null 2>&1 && echo ${i%%+*} --project || echo ${i%%+*} --group; fi; done`,
		strings.Join(pairs, " "), fs.Path, fs.Path)

	kinds := make(map[string][]string)
	for _, line := range runRemote(ctx, p.Runner, probe) {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		kinds[fields[1]] = append(kinds[fields[1]], fields[0])
	}

	var samples []record.FileOwnershipSample
	for kind, projs := range kinds {
		out := runRemote(ctx, p.Runner, fmt.Sprintf(
			"nci-files-report %s %s --filesystem %s --json",
			kind, strings.Join(projs, " "), fs.Key))
		if len(out) == 0 {
			continue
		}
		parsed, err := ParseFilesReport([]byte(out[0]), ts, p.System, fs.Key)
		if err != nil {
			log.Printf("warning: skipping unparseable files report for %s: %v", fs.Key, err)
			continue
		}
		samples = append(samples, parsed...)
	}
	return samples
}
