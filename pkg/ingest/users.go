package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/record"
	"hpcacct/pkg/remote"
	"hpcacct/pkg/storage"
)

// userLookupBatch bounds how many passwd lookups ride in one remote command,
// keeping the load on the remote directory daemon reasonable.
const userLookupBatch = 100

// UsersPass refreshes the user and group registry collections from the
// directory service: every authorized project's group record, then the
// passwd record of every member seen in any of them.
type UsersPass struct {
	Reg      *collection.Registry
	Runner   remoteRunner
	Projects []string
}

// Run executes one registry refresh pass.
func (p *UsersPass) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Reg.Ensure(gctx, record.CollUsers, false) })
	g.Go(func() error { return p.Reg.Ensure(gctx, record.CollGroups, false) })
	if err := g.Wait(); err != nil {
		return err
	}

	groupLines := runRemote(ctx, p.Runner, fmt.Sprintf(
		"for i in %s; do getent group $i; done", strings.Join(p.Projects, " ")))

	seenUsers := make(map[string]bool)
	var groupDocs []storage.Document
	for _, e := range remote.ParseGroupLines(groupLines, p.Projects) {
		for _, u := range e.Users {
			seenUsers[u] = true
		}
		groupDocs = append(groupDocs, record.Group{ID: e.Name, GID: e.GID, Users: e.Users}.Doc())
	}
	if err := upsertBatched(ctx, p.Reg, record.CollGroups, groupDocs); err != nil {
		return fmt.Errorf("persist groups: %w", err)
	}

	users := make([]string, 0, len(seenUsers))
	for u := range seenUsers {
		users = append(users, u)
	}
	sort.Strings(users)

	for start := 0; start < len(users); start += userLookupBatch {
		end := start + userLookupBatch
		if end > len(users) {
			end = len(users)
		}
		lines := runRemote(ctx, p.Runner, fmt.Sprintf(
			"for i in %s; do getent passwd $i; id -Gn $i; sleep 0.01; done",
			strings.Join(users[start:end], " ")))

		var userDocs []storage.Document
		for _, e := range remote.ParsePasswdPairs(lines) {
			u := record.User{ID: e.Name, UID: e.UID, GID: e.GID, PwName: e.PwName, Home: e.Home, Groups: e.Groups}
			userDocs = append(userDocs, u.Doc())
		}
		if err := upsertBatched(ctx, p.Reg, record.CollUsers, userDocs); err != nil {
			return fmt.Errorf("persist users: %w", err)
		}
	}
	return nil
}

func upsertBatched(ctx context.Context, reg *collection.Registry, coll string, docs []storage.Document) error {
	return inBatches(docs, func(batch []storage.Document) error {
		g, gctx := errgroup.WithContext(ctx)
		for _, doc := range batch {
			g.Go(func() error {
				return reg.Upsert(gctx, coll, doc, "")
			})
		}
		return g.Wait()
	})
}
