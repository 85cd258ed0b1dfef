package projects

import (
	"context"
	"testing"

	"hpcacct/pkg/blob"
)

func TestListMissingIsEmpty(t *testing.T) {
	got, err := List(context.Background(), blob.NewMemory(), "accounting")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("missing list should be empty, got %v", got)
	}
}

func TestList(t *testing.T) {
	store := blob.NewMemory()
	ctx := context.Background()
	if err := blob.WriteJSON(ctx, store, "accounting", Item, []string{"ab1", "cd2"}); err != nil {
		t.Fatal(err)
	}

	got, err := List(ctx, store, "accounting")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "ab1" || got[1] != "cd2" {
		t.Fatalf("got %v", got)
	}
}

func TestListMalformed(t *testing.T) {
	store := blob.NewMemory()
	ctx := context.Background()
	if err := store.Write(ctx, "accounting", Item, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if _, err := List(ctx, store, "accounting"); err == nil {
		t.Fatal("malformed list should fail")
	}
}
