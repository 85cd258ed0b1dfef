// Package record defines the row types stored in the accounting collections.
//
// Rows travel through the store as schemaless documents (storage.Document);
// the types here are the authoritative shapes the ingestion tools emit. Sample
// rows are append-only once written, identity rows are mutable registry
// entries.
package record

import (
	"time"

	"github.com/google/uuid"
)

// Timestamps are stored as RFC 3339 strings so that lexicographic order in
// the store matches chronological order.
const TimeLayout = time.RFC3339

// Well-known synthetic values for the "user" field of a compute sample.
const (
	UserGrant = "grant"
	UserTotal = "total"
)

// User is a directory identity resolved from a passwd record. The id is the
// login name and is stable once assigned.
type User struct {
	ID     string   `json:"id"`
	UID    int      `json:"uid"`
	GID    int      `json:"gid"`
	PwName string   `json:"pw_name"`
	Home   string   `json:"home"`
	Groups []string `json:"groups"`
}

// Group is a directory group resolved from a group record.
type Group struct {
	ID    string   `json:"id"`
	GID   int      `json:"gid"`
	Users []string `json:"users"`
}

// ComputeSample is one point of a project's compute usage series. User is
// either a real username or one of the synthetic "grant"/"total" values.
type ComputeSample struct {
	ID      string  `json:"id"`
	TS      string  `json:"ts"`
	Project string  `json:"project"`
	System  string  `json:"system"`
	User    string  `json:"user"`
	Usage   float64 `json:"usage"`
}

// StorageSample is one point of a project's filesystem quota series, one row
// per (project, filesystem) per sampling run.
type StorageSample struct {
	ID      string `json:"id"`
	TS      string `json:"ts"`
	Project string `json:"project"`
	System  string `json:"system"`
	FS      string `json:"fs"`
	Usage   int64  `json:"usage"`
	Quota   int64  `json:"quota"`
	Limit   int64  `json:"limit"`
	IUsage  int64  `json:"iusage"`
	IQuota  int64  `json:"iquota"`
	ILimit  int64  `json:"ilimit"`
}

// FileOwnershipSample is one row of a files-usage scan, keyed by the
// (user, owning group, location project, filesystem) combination. User and
// Ownership hold canonical names once resolved; while an identity is still
// unresolved they hold the raw numeric uid/gid and the row is withheld from
// persistence by the reconciler.
type FileOwnershipSample struct {
	ID        string `json:"id"`
	TS        string `json:"ts"`
	System    string `json:"system"`
	FS        string `json:"fs"`
	User      any    `json:"user"`
	Ownership any    `json:"ownership"`
	Location  string `json:"location"`
	Size      int64  `json:"size"`
	Inodes    int64  `json:"inodes"`
}

// NewID returns a fresh opaque row id.
func NewID() string { return uuid.NewString() }

func (u User) Doc() map[string]any {
	return map[string]any{
		"id": u.ID, "uid": u.UID, "gid": u.GID,
		"pw_name": u.PwName, "home": u.Home, "groups": u.Groups,
	}
}

func (g Group) Doc() map[string]any {
	return map[string]any{"id": g.ID, "gid": g.GID, "users": g.Users}
}

func (c ComputeSample) Doc() map[string]any {
	return map[string]any{
		"id": c.ID, "ts": c.TS, "project": c.Project,
		"system": c.System, "user": c.User, "usage": c.Usage,
	}
}

func (s StorageSample) Doc() map[string]any {
	return map[string]any{
		"id": s.ID, "ts": s.TS, "project": s.Project, "system": s.System,
		"fs": s.FS, "usage": s.Usage, "quota": s.Quota, "limit": s.Limit,
		"iusage": s.IUsage, "iquota": s.IQuota, "ilimit": s.ILimit,
	}
}

func (f FileOwnershipSample) Doc() map[string]any {
	return map[string]any{
		"id": f.ID, "ts": f.TS, "system": f.System, "fs": f.FS,
		"user": f.User, "ownership": f.Ownership, "location": f.Location,
		"size": f.Size, "inodes": f.Inodes,
	}
}
