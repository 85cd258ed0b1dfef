package query

import (
	"context"
	"testing"
	"time"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/storage"
	"hpcacct/pkg/storage/memory"
)

func seedRegistry(t *testing.T) *collection.Registry {
	t.Helper()
	reg := collection.NewRegistry(memory.New())
	reg.SetClock(func() time.Time {
		return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	})
	if err := reg.Ensure(context.Background(), "compute", true); err != nil {
		t.Fatal(err)
	}
	return reg
}

func seedRow(t *testing.T, reg *collection.Registry, doc storage.Document) {
	t.Helper()
	ts, _ := doc["ts"].(string)
	quarter := ""
	if ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			t.Fatal(err)
		}
		quarter = collection.Quarter(parsed)
	}
	if err := reg.Create(context.Background(), "compute", doc, quarter); err != nil {
		t.Fatal(err)
	}
}

func TestTimestampWindow(t *testing.T) {
	reg := seedRegistry(t)
	seedRow(t, reg, storage.Document{"id": "in", "ts": "2024-01-15T10:30:00Z", "project": "ab1"})
	seedRow(t, reg, storage.Document{"id": "edge", "ts": "2024-01-15T11:00:00Z", "project": "ab1"})
	seedRow(t, reg, storage.Document{"id": "out", "ts": "2024-01-15T13:00:00Z", "project": "ab1"})

	b := New(reg, "compute")
	rows, total, err := b.Run(context.Background(), ListRequest{
		Filter: map[string]any{"ts": "2024-01-15T10:00:00Z"},
	})
	if err != nil {
		t.Fatal(err)
	}
	// The window is (09:00, 11:00) exclusive: 10:30 is inside, the 11:00
	// boundary and 13:00 are not.
	if len(rows) != 1 || rows[0]["id"] != "in" {
		t.Fatalf("window selected %v", rows)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
}

func TestMultiTimestampSpansQuarters(t *testing.T) {
	reg := seedRegistry(t)
	seedRow(t, reg, storage.Document{"id": "q1", "ts": "2024-02-15T10:00:00Z", "project": "ab1"})
	seedRow(t, reg, storage.Document{"id": "q3", "ts": "2024-07-01T10:00:00Z", "project": "ab1"})
	seedRow(t, reg, storage.Document{"id": "other", "ts": "2024-07-20T10:00:00Z", "project": "ab1"})

	b := New(reg, "compute")
	rows, total, err := b.Run(context.Background(), ListRequest{
		Filter: map[string]any{
			"ts": []any{"2024-02-15T10:00:00Z", "2024-07-01T10:00:00Z"},
		},
		Sort: &Sort{Field: "ts", Order: "ASC"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(rows) != 2 {
		t.Fatalf("merged %d rows (total %d): %v", len(rows), total, rows)
	}
	if rows[0]["id"] != "q1" || rows[1]["id"] != "q3" {
		t.Fatalf("merged order wrong: %v", rows)
	}
}

func TestTextFieldSubstring(t *testing.T) {
	reg := seedRegistry(t)
	seedRow(t, reg, storage.Document{"id": "a", "user": "alice"})
	seedRow(t, reg, storage.Document{"id": "b", "user": "bob"})

	b := New(reg, "compute", "user")
	rows, _, err := b.Run(context.Background(), ListRequest{
		Filter: map[string]any{"user": "LIC"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["id"] != "a" {
		t.Fatalf("substring match selected %v", rows)
	}

	// The same field filters exactly when the value is a list.
	rows, _, err = b.Run(context.Background(), ListRequest{
		Filter: map[string]any{"user": []any{"bob"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["id"] != "b" {
		t.Fatalf("list filter selected %v", rows)
	}
}

func TestRangePaging(t *testing.T) {
	reg := seedRegistry(t)
	for _, id := range []string{"a", "b", "c"} {
		seedRow(t, reg, storage.Document{"id": id, "project": "ab1"})
	}

	b := New(reg, "compute")
	rows, total, err := b.Run(context.Background(), ListRequest{
		Range: &Range{Start: 0, End: 10},
	})
	if err != nil {
		t.Fatal(err)
	}
	// A range past the end is clamped, never an error.
	if len(rows) != 3 || total != 3 {
		t.Fatalf("got %d rows, total %d", len(rows), total)
	}

	rows, total, err = b.Run(context.Background(), ListRequest{
		Range: &Range{Start: 1, End: 1},
		Sort:  &Sort{Field: "id", Order: "ASC"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["id"] != "b" || total != 3 {
		t.Fatalf("page = %v, total %d", rows, total)
	}
}

func TestBadTimestampFilter(t *testing.T) {
	reg := seedRegistry(t)
	b := New(reg, "compute")
	_, _, err := b.Run(context.Background(), ListRequest{
		Filter: map[string]any{"ts": "not a time"},
	})
	if err == nil {
		t.Fatal("unparseable timestamp should fail the request")
	}
}

func TestClamp(t *testing.T) {
	rows := []storage.Document{{"id": "a"}, {"id": "b"}, {"id": "c"}}

	if got := Clamp(rows, 0, 10); len(got) != 3 {
		t.Fatalf("Clamp(0,10) = %v", got)
	}
	if got := Clamp(rows, 2, 2); len(got) != 1 || got[0]["id"] != "c" {
		t.Fatalf("Clamp(2,2) = %v", got)
	}
	if got := Clamp(rows, 5, 9); got != nil {
		t.Fatalf("start past end should yield nil, got %v", got)
	}
}
