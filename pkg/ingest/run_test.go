package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/record"
	"hpcacct/pkg/storage"
	"hpcacct/pkg/storage/memory"
)

// cannedRunner maps a script fragment to fixed output lines.
type cannedRunner struct {
	outputs map[string][]string
	scripts []string
	err     error
}

func (r *cannedRunner) Run(ctx context.Context, script string) ([]string, error) {
	r.scripts = append(r.scripts, script)
	if r.err != nil {
		return nil, r.err
	}
	for frag, lines := range r.outputs {
		if strings.Contains(script, frag) {
			return lines, nil
		}
	}
	return nil, nil
}

func ingestRegistry(t *testing.T) *collection.Registry {
	t.Helper()
	reg := collection.NewRegistry(memory.New())
	reg.SetClock(func() time.Time {
		return time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	})
	return reg
}

func TestComputePass(t *testing.T) {
	reg := ingestRegistry(t)
	runner := &cannedRunner{outputs: map[string][]string{
		"nci_account": {
			"Usage Report: Project=ab1 Period=2024.q1",
			"Grant:   1000.00 KSU",
			"Used:     250.50 KSU",
			"User       Usage",
			userBlockSeparator,
			"alice      200.25",
			userBlockSeparator,
			"massdata 52000 3200",
		},
	}}

	pass := &ComputePass{Reg: reg, Runner: runner, Projects: []string{"ab1"}, System: "gadi"}
	if err := pass.Run(context.Background(), testTS); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	rows, err := reg.Query(ctx, record.CollCompute, collection.Spec{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d compute rows, want 3: %v", len(rows), rows)
	}

	storageRows, err := reg.Query(ctx, record.CollStorage, collection.Spec{})
	if err != nil {
		t.Fatal(err)
	}
	if len(storageRows) != 1 || storageRows[0]["fs"] != "massdata" {
		t.Fatalf("storage rows = %v", storageRows)
	}

	// The latest snapshot keys rows by system/project/user.
	latest, err := reg.Read(ctx, record.CollComputeLatest, "gadi_ab1_alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest["usage"] != 200.25 {
		t.Fatalf("latest row = %v", latest)
	}
}

func TestComputePassShardsByRunTimestamp(t *testing.T) {
	// Host clock in UTC+11 just past midnight on new year's day; the run
	// timestamp still parses to the previous quarter. Rows must land in the
	// shard their ts belongs to, not the host clock's quarter.
	reg := collection.NewRegistry(memory.New())
	zone := time.FixedZone("AEDT", 11*3600)
	reg.SetClock(func() time.Time {
		return time.Date(2025, 1, 1, 0, 30, 0, 0, zone)
	})

	runner := &cannedRunner{outputs: map[string][]string{
		"nci_account": {
			"Usage Report: Project=ab1 Period=2024.q4",
			"Grant:   1000.00 KSU",
			"Used:     250.50 KSU",
		},
	}}

	pass := &ComputePass{Reg: reg, Runner: runner, Projects: []string{"ab1"}, System: "gadi"}
	if err := pass.Run(context.Background(), "2024-12-31T13:30:00Z"); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	rows, err := reg.Query(ctx, record.CollCompute, collection.Spec{Quarter: "2024.q4"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows in 2024.q4, want 2: %v", len(rows), rows)
	}
	for _, row := range rows {
		if row[collection.PartitionField] != "2024.q4" {
			t.Fatalf("row stamped into partition %v, want 2024.q4", row[collection.PartitionField])
		}
	}

	stray, err := reg.Query(ctx, record.CollCompute, collection.Spec{Quarter: "2025.q1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(stray) != 0 {
		t.Fatalf("rows leaked into the host clock's quarter: %v", stray)
	}
}

func TestComputePassRemoteFailureDegrades(t *testing.T) {
	reg := ingestRegistry(t)
	runner := &cannedRunner{err: errors.New("ssh: connect refused")}

	pass := &ComputePass{Reg: reg, Runner: runner, Projects: []string{"ab1"}, System: "gadi"}
	// A remote failure logs and produces an empty run, never an error.
	if err := pass.Run(context.Background(), testTS); err != nil {
		t.Fatal(err)
	}

	rows, err := reg.Query(context.Background(), record.CollCompute, collection.Spec{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("failed run persisted rows: %v", rows)
	}
}

func TestQuotaPassFiltersUnauthorizedProjects(t *testing.T) {
	reg := ingestRegistry(t)
	runner := &cannedRunner{outputs: map[string][]string{
		"lquota": {
			"ab1 scratch 100 200 300 10 20 30",
			"zz9 scratch 1 2 3 1 2 3",
		},
	}}

	pass := &QuotaPass{Reg: reg, Runner: runner, Projects: []string{"ab1"}, System: "gadi"}
	if err := pass.Run(context.Background(), testTS); err != nil {
		t.Fatal(err)
	}

	rows, err := reg.Query(context.Background(), record.CollStorage, collection.Spec{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["project"] != "ab1" {
		t.Fatalf("rows = %v", rows)
	}

	latest, err := reg.Read(context.Background(), record.CollStorageLatest, "gadi_scratch_ab1", "")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil {
		t.Fatal("latest snapshot row missing")
	}
}

func TestUsersPass(t *testing.T) {
	reg := ingestRegistry(t)
	runner := &cannedRunner{outputs: map[string][]string{
		"getent group": {
			"ab1:x:6000:alice,bob",
		},
		"getent passwd": {
			"alice:x:5000:6000:Alice:/home/alice:/bin/bash",
			"ab1",
			"bob:x:5001:6000:Bob:/home/bob:/bin/bash",
			"ab1 staff",
		},
	}}

	pass := &UsersPass{Reg: reg, Runner: runner, Projects: []string{"ab1"}}
	if err := pass.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	group, err := reg.Read(ctx, record.CollGroups, "ab1", "")
	if err != nil {
		t.Fatal(err)
	}
	if group == nil {
		t.Fatal("group row missing")
	}

	user, err := reg.Read(ctx, record.CollUsers, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if user == nil || user["uid"] != float64(5000) && user["uid"] != 5000 {
		t.Fatalf("user row = %v", user)
	}
}

func TestInBatches(t *testing.T) {
	docs := make([]storage.Document, writeBatchSize*2+3)
	var sizes []int
	err := inBatches(docs, func(batch []storage.Document) error {
		sizes = append(sizes, len(batch))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sizes) != 3 || sizes[0] != writeBatchSize || sizes[2] != 3 {
		t.Fatalf("batch sizes = %v", sizes)
	}
}
