package ingest

import (
	"context"
	"strings"
	"testing"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/identity"
	"hpcacct/pkg/record"
)

// fakeDirectory answers backfill lookups from canned maps.
type fakeDirectory struct {
	users  map[int]identity.PasswdEntry
	groups map[string]identity.GroupEntry
}

func (d *fakeDirectory) LookupUsers(ctx context.Context, uids []int) ([]identity.PasswdEntry, error) {
	var out []identity.PasswdEntry
	for _, uid := range uids {
		if e, ok := d.users[uid]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *fakeDirectory) LookupGroups(ctx context.Context, refs []string) ([]identity.GroupEntry, error) {
	var out []identity.GroupEntry
	for _, ref := range refs {
		if e, ok := d.groups[ref]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func seedIdentities(t *testing.T, reg *collection.Registry) {
	t.Helper()
	ctx := context.Background()
	for _, coll := range []string{record.CollUsers, record.CollGroups} {
		if err := reg.Ensure(ctx, coll, false); err != nil {
			t.Fatal(err)
		}
	}
	u := record.User{ID: "alice", UID: 5000, GID: 6000}
	if err := reg.Create(ctx, record.CollUsers, u.Doc(), ""); err != nil {
		t.Fatal(err)
	}
	g := record.Group{ID: "ab1", GID: 6000, Users: []string{"alice"}}
	if err := reg.Create(ctx, record.CollGroups, g.Doc(), ""); err != nil {
		t.Fatal(err)
	}
}

func TestFilesPass(t *testing.T) {
	reg := ingestRegistry(t)
	seedIdentities(t, reg)

	filesJSON := `[
		{"uid": 5000, "gid": 6000, "project": "ab1",
		 "blocks": {"single": 10, "multiple": 0},
		 "count": {"single": 3, "multiple": 0}},
		{"uid": 7000, "gid": 6001, "project": "ab1",
		 "blocks": {"single": 2, "multiple": 0},
		 "count": {"single": 1, "multiple": 0}}
	]`
	runner := &cannedRunner{outputs: map[string][]string{
		"lfs quota":        {"ab1 --project"},
		"nci-files-report": {filesJSON},
	}}
	dir := &fakeDirectory{
		users: map[int]identity.PasswdEntry{
			7000: {Name: "bob", UID: 7000, GID: 6001},
		},
		groups: map[string]identity.GroupEntry{
			"6001": {Name: "cd2", GID: 6001, Users: []string{"bob"}},
		},
	}

	pass := &FilesPass{
		Reg:         reg,
		Runner:      runner,
		Dir:         dir,
		Projects:    []string{"ab1"},
		System:      "gadi",
		Filesystems: []Filesystem{{Key: "scratch", Path: "/scratch"}},
	}
	if err := pass.Run(context.Background(), testTS); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	rows, err := reg.Query(ctx, record.CollFiles, collection.Spec{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d files rows, want 2: %v", len(rows), rows)
	}

	byUser := make(map[any]map[string]any)
	for _, r := range rows {
		byUser[r["user"]] = r
	}
	if row := byUser["alice"]; row == nil || row["ownership"] != "ab1" {
		t.Fatalf("resolved row = %v", row)
	}
	// The initially unknown identity was backfilled through the directory.
	if row := byUser["bob"]; row == nil || row["ownership"] != "cd2" {
		t.Fatalf("backfilled row = %v", row)
	}

	latest, err := reg.Read(ctx, record.CollFilesLatest, "gadi_scratch_alice_ab1_ab1", "")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest["size"] != int64(512*10) {
		t.Fatalf("latest row = %v", latest)
	}

	// The probed report command names the filesystem key.
	var sawReport bool
	for _, script := range runner.scripts {
		if strings.Contains(script, "--filesystem scratch") {
			sawReport = true
		}
	}
	if !sawReport {
		t.Fatalf("files report command missing: %v", runner.scripts)
	}
}
