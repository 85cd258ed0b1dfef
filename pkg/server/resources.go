// Package server exposes the accounting collections through the list
// protocol: filter/sort/range requests over named resources, plus the merged
// report endpoints and a per-user summary page.
package server

import (
	"context"
	"errors"
	"sort"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/query"
	"hpcacct/pkg/record"
	"hpcacct/pkg/report"
	"hpcacct/pkg/storage"
)

// ErrNoSingle marks resources that do not support single-item fetches;
// the shell answers with a 400.
var ErrNoSingle = errors.New("resource does not support single-item fetch")

// ListHandler is the capability every routed resource implements. Get
// returns (nil, nil) for an unknown id; the shell renders that as an empty
// object, not a 404.
type ListHandler interface {
	List(ctx context.Context, req query.ListRequest) ([]storage.Document, int, error)
	Get(ctx context.Context, id string) (storage.Document, error)
}

// collectionResource serves one collection through the query builder.
type collectionResource struct {
	reg     *collection.Registry
	coll    string
	builder *query.Builder
}

func newCollectionResource(reg *collection.Registry, coll string, textFields ...string) *collectionResource {
	return &collectionResource{
		reg:     reg,
		coll:    coll,
		builder: query.New(reg, coll, textFields...),
	}
}

func (r *collectionResource) List(ctx context.Context, req query.ListRequest) ([]storage.Document, int, error) {
	return r.builder.Run(ctx, req)
}

func (r *collectionResource) Get(ctx context.Context, id string) (storage.Document, error) {
	return r.reg.Read(ctx, r.coll, id, "")
}

// reportResource serves the merged per-project report rows.
type reportResource struct {
	merger   *report.Merger
	projects func(ctx context.Context) ([]string, error)
	latest   bool
}

func (r *reportResource) List(ctx context.Context, req query.ListRequest) ([]storage.Document, int, error) {
	projs, err := r.selectProjects(ctx, req)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.merger.ProjectReport(ctx, report.Options{Projects: projs, Latest: r.latest})
	if err != nil {
		return nil, 0, err
	}

	if req.Sort != nil {
		storage.Sort(rows, req.Sort.Field, req.Sort.Order == "DESC")
	} else {
		storage.Sort(rows, "id", false)
	}
	total := len(rows)
	if req.Range != nil {
		rows = query.Clamp(rows, req.Range.Start, req.Range.End)
	}
	return rows, total, nil
}

// selectProjects honours a project/id filter; otherwise every authorized
// project is reported.
func (r *reportResource) selectProjects(ctx context.Context, req query.ListRequest) ([]string, error) {
	authorized, err := r.projects(ctx)
	if err != nil {
		return nil, err
	}
	filter, ok := req.Filter["project"]
	if !ok {
		filter, ok = req.Filter["id"]
	}
	if !ok {
		sort.Strings(authorized)
		return authorized, nil
	}

	allowed := make(map[string]bool, len(authorized))
	for _, p := range authorized {
		allowed[p] = true
	}
	var out []string
	for _, v := range asList(filter) {
		if s, isStr := v.(string); isStr && allowed[s] {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *reportResource) Get(ctx context.Context, id string) (storage.Document, error) {
	return nil, ErrNoSingle
}

// storageUsageResource serves the merged per-user storage usage view.
type storageUsageResource struct {
	merger *report.Merger
}

func (r *storageUsageResource) List(ctx context.Context, req query.ListRequest) ([]storage.Document, int, error) {
	return r.merger.StorageUsage(ctx, req)
}

func (r *storageUsageResource) Get(ctx context.Context, id string) (storage.Document, error) {
	return nil, ErrNoSingle
}

func asList(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return []any{v}
}

// resources builds the route table once at startup: resource name to
// handler, no dispatch by method-name convention.
func resources(reg *collection.Registry, merger *report.Merger, projectList func(ctx context.Context) ([]string, error)) map[string]ListHandler {
	return map[string]ListHandler{
		"compute":        newCollectionResource(reg, record.CollCompute),
		"storage":        newCollectionResource(reg, record.CollStorage),
		"files":          newCollectionResource(reg, record.CollFiles, "user", "ownership"),
		"users":          newCollectionResource(reg, record.CollUsers, "id", "pw_name"),
		"groups":         newCollectionResource(reg, record.CollGroups, "id"),
		"compute_latest": newCollectionResource(reg, record.CollComputeLatest),
		"storage_latest": newCollectionResource(reg, record.CollStorageLatest),
		"files_latest":   newCollectionResource(reg, record.CollFilesLatest),
		"report":         &reportResource{merger: merger, projects: projectList},
		"report_latest":  &reportResource{merger: merger, projects: projectList, latest: true},
		"storage_usage":  &storageUsageResource{merger: merger},
	}
}
