package collection

import (
	"context"
	"errors"
	"testing"
	"time"

	"hpcacct/pkg/storage"
	"hpcacct/pkg/storage/memory"
)

func TestQuarter(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"2024-02-15T10:00:00Z", "2024.q1"},
		{"2024-03-31T23:59:59Z", "2024.q1"},
		{"2024-04-01T00:00:00Z", "2024.q2"},
		{"2024-07-01T00:00:00Z", "2024.q3"},
		{"2024-12-31T12:00:00Z", "2024.q4"},
		{"2025-01-01T00:00:00Z", "2025.q1"},
	}
	for _, c := range cases {
		ts, err := time.Parse(time.RFC3339, c.in)
		if err != nil {
			t.Fatal(err)
		}
		if got := Quarter(ts); got != c.want {
			t.Errorf("Quarter(%s) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestUnprovisionedCollection(t *testing.T) {
	reg := NewRegistry(memory.New())
	ctx := context.Background()

	_, err := reg.Read(ctx, "nope", "x", "")
	if !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("Read on unprovisioned collection: got %v, want ErrNotProvisioned", err)
	}
	if err := reg.Create(ctx, "nope", storage.Document{"id": "x"}, ""); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("Create on unprovisioned collection: got %v, want ErrNotProvisioned", err)
	}
}

func TestPartitionStamping(t *testing.T) {
	reg := NewRegistry(memory.New())
	ctx := context.Background()

	if err := reg.Ensure(ctx, "samples", true); err != nil {
		t.Fatal(err)
	}
	if err := reg.Ensure(ctx, "registry", false); err != nil {
		t.Fatal(err)
	}
	// Second Ensure is a no-op.
	if err := reg.Ensure(ctx, "samples", true); err != nil {
		t.Fatal(err)
	}

	if err := reg.Create(ctx, "samples", storage.Document{"id": "a"}, "2024.q2"); err != nil {
		t.Fatal(err)
	}
	doc, err := reg.Read(ctx, "samples", "a", "2024.q2")
	if err != nil {
		t.Fatal(err)
	}
	if doc[PartitionField] != "2024.q2" {
		t.Fatalf("partition field = %v, want 2024.q2", doc[PartitionField])
	}

	// The same id in a different quarter is a different physical row.
	other, err := reg.Read(ctx, "samples", "a", "2024.q3")
	if err != nil {
		t.Fatal(err)
	}
	if other != nil {
		t.Fatalf("read from wrong quarter returned %v, want nil", other)
	}

	// Non-sharded collections ignore the quarter entirely.
	if err := reg.Upsert(ctx, "registry", storage.Document{"id": "u"}, ""); err != nil {
		t.Fatal(err)
	}
	doc, err = reg.Read(ctx, "registry", "u", "whatever")
	if err != nil {
		t.Fatal(err)
	}
	if doc == nil || doc[PartitionField] != "1" {
		t.Fatalf("registry row = %v, want constant partition", doc)
	}
}

func TestCurrentQuarterDefault(t *testing.T) {
	reg := NewRegistry(memory.New())
	reg.SetClock(func() time.Time {
		return time.Date(2024, 8, 15, 0, 0, 0, 0, time.UTC)
	})
	ctx := context.Background()

	if err := reg.Ensure(ctx, "samples", true); err != nil {
		t.Fatal(err)
	}
	pk, err := reg.PartitionKey("samples", "")
	if err != nil {
		t.Fatal(err)
	}
	if pk != "2024.q3" {
		t.Fatalf("default partition = %q, want 2024.q3", pk)
	}
}

func TestDeleteDocHonoursStampedPartition(t *testing.T) {
	reg := NewRegistry(memory.New())
	ctx := context.Background()

	if err := reg.Ensure(ctx, "samples", true); err != nil {
		t.Fatal(err)
	}
	if err := reg.Create(ctx, "samples", storage.Document{"id": "a"}, "2023.q4"); err != nil {
		t.Fatal(err)
	}
	doc, err := reg.Read(ctx, "samples", "a", "2023.q4")
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.DeleteDoc(ctx, "samples", doc); err != nil {
		t.Fatal(err)
	}
	doc, err = reg.Read(ctx, "samples", "a", "2023.q4")
	if err != nil {
		t.Fatal(err)
	}
	if doc != nil {
		t.Fatalf("document survived delete: %v", doc)
	}
}
