package report

import (
	"context"
	"testing"

	"hpcacct/pkg/query"
	"hpcacct/pkg/record"
	"hpcacct/pkg/storage"
)

func TestStorageUsageSynthesizesQuotaRows(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()
	if err := reg.Ensure(ctx, record.CollFiles, true); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, reg, record.CollFiles, storage.Document{
		"id": "f1", "user": "alice", "ownership": "ab1", "location": "ab1",
		"fs": "scratch", "size": float64(1000), "inodes": float64(5),
		"ts": "2024-01-02T00:00:00Z",
	})
	mustCreate(t, reg, record.CollStorage, storage.Document{
		"id": "q1", "project": "ab1", "fs": "scratch",
		"usage": float64(5000), "quota": float64(9000),
		"iusage": float64(50), "iquota": float64(90),
		"ts": "2024-01-02T00:00:00Z",
	})

	m := NewMerger(reg, []string{"scratch"})
	rows, total, err := m.StorageUsage(ctx, query.ListRequest{})
	if err != nil {
		t.Fatal(err)
	}
	// One genuine ownership row plus synthesized total and grant rows.
	if total != 3 || len(rows) != 3 {
		t.Fatalf("got %d rows (total %d): %v", len(rows), total, rows)
	}

	byUser := make(map[any]storage.Document)
	for _, r := range rows {
		byUser[r["user"]] = r
	}
	if byUser["alice"] == nil {
		t.Fatal("genuine ownership row missing")
	}
	if tot := byUser[record.UserTotal]; tot == nil || tot["size"] != float64(5000) || tot["inodes"] != float64(50) {
		t.Fatalf("total row = %v", tot)
	}
	if grant := byUser[record.UserGrant]; grant == nil || grant["size"] != float64(9000) || grant["inodes"] != float64(90) {
		t.Fatalf("grant row = %v", grant)
	}
}

func TestStorageUsageRangeAfterMerge(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()
	if err := reg.Ensure(ctx, record.CollFiles, true); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, reg, record.CollFiles, storage.Document{
		"id": "f1", "user": "alice", "ownership": "ab1", "location": "ab1",
		"fs": "scratch", "size": float64(10), "ts": "2024-01-02T00:00:00Z",
	})
	mustCreate(t, reg, record.CollStorage, storage.Document{
		"id": "q1", "project": "ab1", "fs": "scratch",
		"usage": float64(100), "quota": float64(200),
		"iusage": float64(1), "iquota": float64(2),
		"ts": "2024-01-02T00:00:00Z",
	})

	m := NewMerger(reg, []string{"scratch"})
	rows, total, err := m.StorageUsage(ctx, query.ListRequest{
		Sort:  &query.Sort{Field: "size", Order: "DESC"},
		Range: &query.Range{Start: 0, End: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Total counts the whole merged set; the page holds the largest row,
	// which is a synthesized one.
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(rows) != 1 || rows[0]["size"] != float64(200) {
		t.Fatalf("page = %v", rows)
	}
}
