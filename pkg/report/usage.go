package report

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/query"
	"hpcacct/pkg/record"
	"hpcacct/pkg/storage"
)

// StorageUsage serves the per-user storage usage view: genuine per-user
// ownership rows from the files scan, merged with "total" and "grant" rows
// synthesized from the quota sample collection. The two sources cannot be
// fetched with a single ordered query, so the merged set is re-sorted
// globally when a sort was requested and paged only afterwards.
func (m *Merger) StorageUsage(ctx context.Context, req query.ListRequest) ([]storage.Document, int, error) {
	unranged := req
	unranged.Range = nil

	files := query.New(m.reg, record.CollFiles, "user", "ownership")
	rows, _, err := files.Run(ctx, unranged)
	if err != nil {
		return nil, 0, err
	}

	projects := filterProjects(req, rows)
	synthesized, err := m.synthesizeQuotaRows(ctx, projects, req.Filter)
	if err != nil {
		return nil, 0, err
	}
	rows = append(rows, synthesized...)

	if req.Sort != nil {
		storage.Sort(rows, req.Sort.Field, req.Sort.Order == "DESC")
	}
	total := len(rows)
	if req.Range != nil {
		rows = query.Clamp(rows, req.Range.Start, req.Range.End)
	}
	return rows, total, nil
}

// filterProjects picks the projects whose quota rows should be synthesized:
// the location filter when one was given, otherwise every location present
// in the fetched ownership rows.
func filterProjects(req query.ListRequest, rows []storage.Document) []string {
	if v, ok := req.Filter["location"]; ok {
		var out []string
		for _, item := range toAnyList(v) {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	seen := make(map[string]bool)
	var out []string
	for _, row := range rows {
		loc, _ := row["location"].(string)
		if loc != "" && !seen[loc] {
			seen[loc] = true
			out = append(out, loc)
		}
	}
	return out
}

func toAnyList(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return []any{v}
}

// synthesizeQuotaRows turns the most recent quota sample per (project, fs)
// into rows of the ownership shape, tagged user "total" (usage) and "grant"
// (quota).
func (m *Merger) synthesizeQuotaRows(ctx context.Context, projects []string, filter map[string]any) ([]storage.Document, error) {
	results := make([][]storage.Document, len(projects))
	g, gctx := errgroup.WithContext(ctx)
	for i, project := range projects {
		g.Go(func() error {
			where := []storage.Predicate{storage.In("project", project)}
			if fs, ok := filter["fs"]; ok {
				where = append(where, storage.In("fs", toAnyList(fs)...))
			}
			quotaRows, err := m.reg.Query(gctx, record.CollStorage, collection.Spec{
				Where:      where,
				OrderBy:    "ts",
				Descending: true,
			})
			if err != nil {
				return err
			}

			seen := make(map[string]bool)
			var out []storage.Document
			for _, q := range quotaRows {
				fs, _ := q["fs"].(string)
				if seen[fs] {
					continue // older sample for this filesystem
				}
				seen[fs] = true
				out = append(out,
					synthRow(record.UserTotal, project, fs, q, "usage", "iusage"),
					synthRow(record.UserGrant, project, fs, q, "quota", "iquota"),
				)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []storage.Document
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

func synthRow(kind, project, fs string, q storage.Document, sizeField, inodeField string) storage.Document {
	return storage.Document{
		"id":        fmt.Sprintf("%s_%s_%s", kind, project, fs),
		"ts":        q["ts"],
		"system":    q["system"],
		"fs":        fs,
		"user":      kind,
		"ownership": project,
		"location":  project,
		"size":      q[sizeField],
		"inodes":    q[inodeField],
	}
}
