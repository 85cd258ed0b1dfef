// Package query translates generic list requests (filter/sort/range) into
// partition-scoped queries against a sharded collection and merges the
// results.
package query

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/storage"
)

// Samples are emitted on a fixed six-hourly or daily cadence with jitter, so
// a timestamp filter is expanded into a window bracketing the requested
// instant rather than an exact match.
const windowPad = time.Hour

// ListRequest is the generic list-protocol request: a field filter, an
// optional single-field sort, and an optional inclusive index range.
type ListRequest struct {
	Filter map[string]any
	Sort   *Sort
	Range  *Range
}

// Sort orders results by one field, ascending or descending.
type Sort struct {
	Field string
	Order string // "ASC" or "DESC"
}

// Range selects an inclusive slice of the result set.
type Range struct {
	Start int
	End   int
}

// Builder compiles list requests for one collection.
type Builder struct {
	reg        *collection.Registry
	collection string
	textFields map[string]bool
}

// New creates a Builder. textFields names the fields on which a scalar
// string filter means substring match; every other field matches exactly.
func New(reg *collection.Registry, coll string, textFields ...string) *Builder {
	tf := make(map[string]bool, len(textFields))
	for _, f := range textFields {
		tf[f] = true
	}
	return &Builder{reg: reg, collection: coll, textFields: tf}
}

// plan is the compiled form of a request: predicates common to every shard,
// plus the per-quarter time windows that select the shards.
type plan struct {
	common   []storage.Predicate
	quarters map[string][]storage.Window
	sort     *Sort
	window   *Range
}

// timeLayouts accepted in a ts filter value.
var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

func parseTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp filter value %v is not a string", v)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func (b *Builder) compile(req ListRequest) (plan, error) {
	p := plan{quarters: make(map[string][]storage.Window), sort: req.Sort, window: req.Range}

	for field, value := range req.Filter {
		if field == "ts" {
			// A ts value selects the shard holding its quarter and
			// becomes a padded window, never an equality predicate.
			for _, v := range asList(value) {
				t, err := parseTime(v)
				if err != nil {
					return plan{}, err
				}
				q := collection.Quarter(t)
				p.quarters[q] = append(p.quarters[q], storage.Window{
					Start: t.Add(-windowPad),
					End:   t.Add(windowPad),
				})
			}
			continue
		}

		values := asList(value)
		if s, ok := value.(string); ok && b.textFields[field] {
			p.common = append(p.common, storage.Contains(field, s))
			continue
		}
		p.common = append(p.common, storage.In(field, values...))
	}
	return p, nil
}

func asList(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return []any{v}
}

// Run executes the request and returns the page of rows plus the total
// matched count. With a single shard in play, ordering and paging are pushed
// to the backend and the total comes from a concurrent count; across shards
// results are merged and paged in memory, since shard-local offsets are
// meaningless after a merge.
func (b *Builder) Run(ctx context.Context, req ListRequest) ([]storage.Document, int, error) {
	p, err := b.compile(req)
	if err != nil {
		return nil, 0, err
	}

	if len(p.quarters) <= 1 {
		return b.runSingle(ctx, p)
	}
	return b.runMerged(ctx, p)
}

func (p plan) spec(quarter string) collection.Spec {
	spec := collection.Spec{Where: p.common, Quarter: quarter}
	if windows := p.quarters[quarter]; len(windows) > 0 {
		spec.Where = append(append([]storage.Predicate{}, p.common...),
			storage.WithinAny("ts", windows))
	}
	if p.sort != nil {
		spec.OrderBy = p.sort.Field
		spec.Descending = p.sort.Order == "DESC"
	}
	return spec
}

// runSingle serves the zero- or one-quarter case with server-side paging.
func (b *Builder) runSingle(ctx context.Context, p plan) ([]storage.Document, int, error) {
	quarter := "" // current quarter when no ts filter was given
	for q := range p.quarters {
		quarter = q
	}
	spec := p.spec(quarter)

	if p.sort == nil || spec.OrderBy == "" {
		// Deterministic default so paging is stable.
		spec.OrderBy = "id"
	}
	if p.window != nil {
		spec.Offset = p.window.Start
		spec.Limit = p.window.End - p.window.Start + 1
	}

	var (
		rows  []storage.Document
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = b.reg.Query(gctx, b.collection, spec)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = b.reg.Count(gctx, b.collection, collection.Spec{
			Where: spec.Where, Quarter: quarter,
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// runMerged fans out one query per shard, merges, re-sorts and pages in
// memory.
func (b *Builder) runMerged(ctx context.Context, p plan) ([]storage.Document, int, error) {
	quarters := make([]string, 0, len(p.quarters))
	for q := range p.quarters {
		quarters = append(quarters, q)
	}

	results := make([][]storage.Document, len(quarters))
	g, gctx := errgroup.WithContext(ctx)
	for i, quarter := range quarters {
		g.Go(func() error {
			spec := p.spec(quarter)
			spec.Offset, spec.Limit = 0, 0
			rows, err := b.reg.Query(gctx, b.collection, spec)
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var merged []storage.Document
	for _, rows := range results {
		merged = append(merged, rows...)
	}
	if p.sort != nil {
		storage.Sort(merged, p.sort.Field, p.sort.Order == "DESC")
	} else {
		storage.Sort(merged, "id", false)
	}

	total := len(merged)
	if p.window != nil {
		merged = Clamp(merged, p.window.Start, p.window.End)
	}
	return merged, total, nil
}

// Clamp slices rows to the inclusive [start, end] range. end is clamped to
// the last index; a start past the end yields an empty page.
func Clamp(rows []storage.Document, start, end int) []storage.Document {
	if end > len(rows)-1 {
		end = len(rows) - 1
	}
	if start < 0 {
		start = 0
	}
	if start > end {
		return nil
	}
	return rows[start : end+1]
}
