// Package report assembles unified per-project report rows from the usage
// and grant/quota series. The two series live in different collections with
// different sampling cadences, so they are fetched independently and merged
// here rather than joined in the store.
package report

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/record"
	"hpcacct/pkg/storage"
)

// Merger builds report rows over the accounting collections.
type Merger struct {
	reg *collection.Registry

	// Filesystems is the fixed filesystem set reported per project.
	Filesystems []string

	// SuppressZeroGrant drops projects whose compute grant merged to
	// exactly zero. Reporting policy, off by default.
	SuppressZeroGrant bool
}

// NewMerger creates a Merger over the given registry.
func NewMerger(reg *collection.Registry, filesystems []string) *Merger {
	return &Merger{reg: reg, Filesystems: filesystems}
}

// template returns the zero-filled row for a project. A field is set at most
// once during the merge; requesting records in descending-timestamp order
// plus first-seen-wins yields "most recent sample per field" without a
// second sort.
func (m *Merger) template(project string) storage.Document {
	row := storage.Document{
		"id":            project,
		"compute_grant": float64(0),
		"compute_total": float64(0),
	}
	for _, fs := range m.Filesystems {
		row[fs+"_usage"] = float64(0)
		row[fs+"_quota"] = float64(0)
		row[fs+"_iusage"] = float64(0)
		row[fs+"_iquota"] = float64(0)
	}
	return row
}

// Options selects the source collections and the zero-row policy.
type Options struct {
	// Projects to report on, one output row per project at most.
	Projects []string

	// Latest reads from the latest-snapshot collections and keeps
	// all-zero rows: in the latest view a zero is a legitimate current
	// reading, not "no data yet".
	Latest bool

	// Quarter narrows the series collections to one shard; empty means
	// the current quarter. Ignored in Latest mode.
	Quarter string
}

// ProjectReport produces one merged row per project. Rows where every field
// is still at its zero default are suppressed unless Latest is set; they
// represent "no data yet", not a real zero reading.
func (m *Merger) ProjectReport(ctx context.Context, opts Options) ([]storage.Document, error) {
	computeColl, storageColl := record.CollCompute, record.CollStorage
	if opts.Latest {
		computeColl, storageColl = record.CollComputeLatest, record.CollStorageLatest
	}

	rows := make([]storage.Document, len(opts.Projects))
	g, gctx := errgroup.WithContext(ctx)
	for i, project := range opts.Projects {
		g.Go(func() error {
			row, err := m.mergeProject(gctx, project, computeColl, storageColl, opts)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]storage.Document, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		if m.SuppressZeroGrant && row["compute_grant"] == float64(0) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *Merger) mergeProject(ctx context.Context, project, computeColl, storageColl string, opts Options) (storage.Document, error) {
	quarter := opts.Quarter
	if opts.Latest {
		quarter = ""
	}

	var computeRows, storageRows []storage.Document
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		computeRows, err = m.reg.Query(gctx, computeColl, collection.Spec{
			Fields: []string{"user", "usage", "ts"},
			Where: []storage.Predicate{
				storage.In("project", project),
				storage.In("user", record.UserGrant, record.UserTotal),
			},
			OrderBy:    "ts",
			Descending: true,
			Quarter:    quarter,
		})
		return err
	})
	g.Go(func() error {
		var err error
		storageRows, err = m.reg.Query(gctx, storageColl, collection.Spec{
			Where:      []storage.Predicate{storage.In("project", project)},
			OrderBy:    "ts",
			Descending: true,
			Quarter:    quarter,
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("merge %s: %w", project, err)
	}

	row := m.template(project)
	seen := make(map[string]bool)

	for _, c := range computeRows {
		field := ""
		switch c["user"] {
		case record.UserGrant:
			field = "compute_grant"
		case record.UserTotal:
			field = "compute_total"
		}
		setField(row, seen, field, c["usage"])
	}

	for _, s := range storageRows {
		fs, _ := s["fs"].(string)
		if _, ok := row[fs+"_usage"]; !ok {
			continue // not in the reported filesystem set
		}
		setField(row, seen, fs+"_usage", s["usage"])
		setField(row, seen, fs+"_quota", s["quota"])
		setField(row, seen, fs+"_iusage", s["iusage"])
		setField(row, seen, fs+"_iquota", s["iquota"])
	}

	if len(seen) == 0 && !opts.Latest {
		return nil, nil
	}
	return row, nil
}

// setField applies first-seen-wins: records arrive newest first, so the
// first value per field is the most recent sample.
func setField(row storage.Document, seen map[string]bool, field string, value any) {
	if field == "" || value == nil || seen[field] {
		return
	}
	row[field] = toFloat(value)
	seen[field] = true
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
