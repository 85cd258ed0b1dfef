package live

import (
	"context"
	"encoding/json"
	"testing"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/record"
	"hpcacct/pkg/storage"
	"hpcacct/pkg/storage/memory"
)

func TestWatcherBroadcastsChangedRows(t *testing.T) {
	reg := collection.NewRegistry(memory.New())
	ctx := context.Background()
	for _, coll := range []string{record.CollComputeLatest, record.CollStorageLatest, record.CollFilesLatest} {
		if err := reg.Ensure(ctx, coll, false); err != nil {
			t.Fatal(err)
		}
	}

	hub := NewHub()
	w := NewWatcher(reg, hub)

	err := reg.Upsert(ctx, record.CollComputeLatest, storage.Document{
		"id": "gadi_ab1_alice", "usage": float64(10), "ts": "2024-01-01T00:00:00Z",
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	w.poll(ctx)
	update := receiveUpdate(t, hub)
	if update.Resource != "compute_latest" || update.Row["id"] != "gadi_ab1_alice" {
		t.Fatalf("update = %+v", update)
	}
	if _, ok := update.Row[collection.PartitionField]; ok {
		t.Fatal("internal partition field leaked into a broadcast")
	}

	// An unchanged row is not rebroadcast.
	w.poll(ctx)
	select {
	case msg := <-hub.broadcast:
		t.Fatalf("unexpected rebroadcast: %s", msg)
	default:
	}

	// A refreshed timestamp is.
	err = reg.Upsert(ctx, record.CollComputeLatest, storage.Document{
		"id": "gadi_ab1_alice", "usage": float64(12), "ts": "2024-01-02T00:00:00Z",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	w.poll(ctx)
	update = receiveUpdate(t, hub)
	if update.Row["usage"] != float64(12) {
		t.Fatalf("update = %+v", update)
	}
}

func receiveUpdate(t *testing.T, hub *Hub) Update {
	t.Helper()
	select {
	case msg := <-hub.broadcast:
		var u Update
		if err := json.Unmarshal(msg, &u); err != nil {
			t.Fatal(err)
		}
		return u
	default:
		t.Fatal("no update broadcast")
		return Update{}
	}
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	hub := NewHub()
	for i := 0; i < cap(hub.broadcast)+5; i++ {
		hub.Broadcast(Update{Resource: "compute_latest"})
	}
	// The hub never blocks the caller; the surplus messages are dropped.
	if len(hub.broadcast) != cap(hub.broadcast) {
		t.Fatalf("queue length %d, want %d", len(hub.broadcast), cap(hub.broadcast))
	}
}
