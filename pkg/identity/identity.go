// Package identity resolves the numeric uid/gid references found during
// ingestion against the canonical user/group registry, deferring rows whose
// identities are unknown until a batched directory lookup can backfill them.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/record"
	"hpcacct/pkg/storage"
)

// PasswdEntry is one passwd-style record from the directory service.
type PasswdEntry struct {
	Name   string
	UID    int
	GID    int
	PwName string
	Home   string
	Groups []string
}

// GroupEntry is one group-style record from the directory service.
type GroupEntry struct {
	Name  string
	GID   int
	Users []string
}

// Directory is the lookup collaborator. Lookups are batched: one call per
// run for all unknown uids, one for all unknown group references (which may
// be numeric gids or group names).
type Directory interface {
	LookupUsers(ctx context.Context, uids []int) ([]PasswdEntry, error)
	LookupGroups(ctx context.Context, refs []string) ([]GroupEntry, error)
}

// Registry is the in-memory cache of the users/groups collections.
type Registry struct {
	usersByUID  map[int]string
	groupsByGID map[int]string
	groupNames  map[string]bool
}

// LoadRegistry reads the full users and groups collections into memory. The
// collections are small; a whole-collection read beats per-row lookups.
func LoadRegistry(ctx context.Context, reg *collection.Registry) (*Registry, error) {
	r := &Registry{
		usersByUID:  make(map[int]string),
		groupsByGID: make(map[int]string),
		groupNames:  make(map[string]bool),
	}

	users, err := reg.Query(ctx, record.CollUsers, collection.Spec{})
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	for _, u := range users {
		id, _ := u["id"].(string)
		if uid, ok := asInt(u["uid"]); ok {
			r.usersByUID[uid] = id
		}
	}

	groups, err := reg.Query(ctx, record.CollGroups, collection.Spec{})
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	for _, g := range groups {
		id, _ := g["id"].(string)
		r.groupNames[id] = true
		if gid, ok := asInt(g["gid"]); ok {
			r.groupsByGID[gid] = id
		}
	}
	return r, nil
}

// GroupGIDs returns the gid of every known group keyed by canonical name.
func (r *Registry) GroupGIDs() map[string]int {
	out := make(map[string]int, len(r.groupsByGID))
	for gid, name := range r.groupsByGID {
		out[name] = gid
	}
	return out
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Deferred is a raw sample withheld from persistence until the batched
// lookup has run, together with the references it is waiting on.
type Deferred struct {
	Raw             record.FileOwnershipSample
	MissingUID      *int   // nil when the user resolved immediately
	MissingGID      *int   // nil when the owning group resolved immediately
	MissingLocation string // "" when the location was in scope
}

// Reconciler applies the resolve / defer / backfill state machine for one
// scan run. Not safe for concurrent use; each run owns its reconciler.
type Reconciler struct {
	reg      *collection.Registry
	dir      Directory
	ids      *Registry
	projects map[string]bool

	deferred      []Deferred
	unknownUIDs   map[int]bool
	unknownGroups map[string]bool
}

// New creates a Reconciler. projects is the caller's authorized project set:
// a sample location outside it is always deferred and, if it never resolves,
// dropped rather than fabricated.
func New(reg *collection.Registry, dir Directory, ids *Registry, projects []string) *Reconciler {
	set := make(map[string]bool, len(projects))
	for _, p := range projects {
		set[p] = true
	}
	return &Reconciler{
		reg:           reg,
		dir:           dir,
		ids:           ids,
		projects:      set,
		unknownUIDs:   make(map[int]bool),
		unknownGroups: make(map[string]bool),
	}
}

// Resolve attempts immediate resolution of a raw sample whose User and
// Ownership fields hold numeric uid/gid values. On success the returned
// sample carries canonical names and ok is true. Otherwise the sample is
// queued on the deferred set and the unknown references are accumulated for
// the run-wide batched lookup.
func (r *Reconciler) Resolve(s record.FileOwnershipSample) (record.FileOwnershipSample, bool) {
	var d Deferred

	// A non-numeric User or Ownership passes through untouched rather than
	// collapsing to uid/gid 0 and resolving against the wrong identity.
	if uid, numeric := asInt(s.User); numeric {
		if name, ok := r.ids.usersByUID[uid]; ok {
			s.User = name
		} else {
			d.MissingUID = &uid
			r.unknownUIDs[uid] = true
		}
	}

	if gid, numeric := asInt(s.Ownership); numeric {
		if name, ok := r.ids.groupsByGID[gid]; ok {
			s.Ownership = name
		} else {
			d.MissingGID = &gid
			r.unknownGroups[strconv.Itoa(gid)] = true
		}
	}

	if !r.projects[s.Location] {
		d.MissingLocation = s.Location
		r.unknownGroups[s.Location] = true
	}

	if d.MissingUID != nil || d.MissingGID != nil || d.MissingLocation != "" {
		d.Raw = s
		r.deferred = append(r.deferred, d)
		return record.FileOwnershipSample{}, false
	}
	return s, true
}

// Flush runs the backfill phase: one batched uid lookup and one batched
// group lookup, persistence of newly discovered identities, then
// re-resolution of every deferred sample. Fields still unresolved after the
// lookup pass through with their raw numeric value; rows whose location
// never resolved are dropped. The returned samples are ready to persist.
func (r *Reconciler) Flush(ctx context.Context) ([]record.FileOwnershipSample, error) {
	if err := r.backfillUsers(ctx); err != nil {
		return nil, err
	}
	if err := r.backfillGroups(ctx); err != nil {
		return nil, err
	}

	var out []record.FileOwnershipSample
	for _, d := range r.deferred {
		s := d.Raw
		if d.MissingUID != nil {
			if name, ok := r.ids.usersByUID[*d.MissingUID]; ok {
				s.User = name
			}
			// Otherwise the uid truly does not exist; pass the raw
			// value through as a terminal partial state.
		}
		if d.MissingGID != nil {
			if name, ok := r.ids.groupsByGID[*d.MissingGID]; ok {
				s.Ownership = name
			}
		}
		if d.MissingLocation != "" && !r.ids.groupNames[d.MissingLocation] && !r.projects[d.MissingLocation] {
			log.Printf("dropping row for out-of-scope location %q", d.MissingLocation)
			continue
		}
		out = append(out, s)
	}

	r.deferred = nil
	r.unknownUIDs = make(map[int]bool)
	r.unknownGroups = make(map[string]bool)
	return out, nil
}

func (r *Reconciler) backfillUsers(ctx context.Context) error {
	if len(r.unknownUIDs) == 0 {
		return nil
	}
	uids := make([]int, 0, len(r.unknownUIDs))
	for uid := range r.unknownUIDs {
		uids = append(uids, uid)
	}

	entries, err := r.dir.LookupUsers(ctx, uids)
	if err != nil {
		return fmt.Errorf("user lookup: %w", err)
	}
	for _, e := range entries {
		u := record.User{ID: e.Name, UID: e.UID, GID: e.GID, PwName: e.PwName, Home: e.Home, Groups: e.Groups}
		if err := r.reg.Create(ctx, record.CollUsers, u.Doc(), ""); err != nil {
			if !errors.Is(err, storage.ErrExists) {
				return fmt.Errorf("persist user %s: %w", e.Name, err)
			}
		} else {
			log.Printf("user entry for %s created", e.Name)
		}
		r.ids.usersByUID[e.UID] = e.Name
	}
	return nil
}

func (r *Reconciler) backfillGroups(ctx context.Context) error {
	if len(r.unknownGroups) == 0 {
		return nil
	}
	refs := make([]string, 0, len(r.unknownGroups))
	for ref := range r.unknownGroups {
		refs = append(refs, ref)
	}

	entries, err := r.dir.LookupGroups(ctx, refs)
	if err != nil {
		return fmt.Errorf("group lookup: %w", err)
	}
	for _, e := range entries {
		g := record.Group{ID: e.Name, GID: e.GID, Users: e.Users}
		if err := r.reg.Create(ctx, record.CollGroups, g.Doc(), ""); err != nil {
			if !errors.Is(err, storage.ErrExists) {
				return fmt.Errorf("persist group %s: %w", e.Name, err)
			}
		} else {
			log.Printf("group entry for %s created", e.Name)
		}
		r.ids.groupsByGID[e.GID] = e.Name
		r.ids.groupNames[e.Name] = true
	}
	return nil
}
