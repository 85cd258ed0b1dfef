package remote

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"hpcacct/pkg/identity"
)

// Directory implements identity.Directory over a Runner using getent. Each
// lookup is one remote round trip for the whole batch; the short sleep
// between records keeps the remote directory daemon from being hammered.
type Directory struct {
	runner Runner
}

// NewDirectory creates a directory lookup over the given runner.
func NewDirectory(runner Runner) *Directory {
	return &Directory{runner: runner}
}

// LookupUsers fetches passwd records and supplementary groups for uids in a
// single batched remote command. Unknown uids simply produce no record.
func (d *Directory) LookupUsers(ctx context.Context, uids []int) ([]identity.PasswdEntry, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	args := make([]string, len(uids))
	for i, uid := range uids {
		args[i] = strconv.Itoa(uid)
	}
	script := fmt.Sprintf(
		"for i in %s; do getent passwd $i; id -Gn $i; sleep 0.01; done",
		strings.Join(args, " "))

	lines, err := d.runner.Run(ctx, script)
	if err != nil {
		return nil, err
	}
	return ParsePasswdPairs(lines), nil
}

// ParsePasswdPairs decodes alternating "getent passwd" / "id -Gn" line
// pairs. Malformed pairs are skipped, never fatal.
func ParsePasswdPairs(lines []string) []identity.PasswdEntry {
	var entries []identity.PasswdEntry
	for i := 0; i+1 < len(lines); i += 2 {
		pw := strings.Split(lines[i], ":")
		if len(pw) < 6 {
			log.Printf("skipping malformed passwd record %q", lines[i])
			continue
		}
		uid, err1 := strconv.Atoi(pw[2])
		gid, err2 := strconv.Atoi(pw[3])
		if err1 != nil || err2 != nil {
			log.Printf("skipping malformed passwd record %q", lines[i])
			continue
		}
		entries = append(entries, identity.PasswdEntry{
			Name:   pw[0],
			UID:    uid,
			GID:    gid,
			PwName: pw[4],
			Home:   pw[5],
			Groups: strings.Fields(lines[i+1]),
		})
	}
	return entries
}

// LookupGroups fetches group records for refs, which may be numeric gids or
// group names, in a single batched remote command.
func (d *Directory) LookupGroups(ctx context.Context, refs []string) ([]identity.GroupEntry, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	script := fmt.Sprintf(
		"for i in %s; do getent group $i; done", strings.Join(refs, " "))

	lines, err := d.runner.Run(ctx, script)
	if err != nil {
		return nil, err
	}
	return ParseGroupLines(lines, refs), nil
}

// ParseGroupLines decodes "getent group" records, keeping only those that
// answer one of the requested refs. A ref may appear both as a gid and as a
// name; the record is reported once.
func ParseGroupLines(lines []string, refs []string) []identity.GroupEntry {
	wanted := make(map[string]bool, len(refs))
	for _, r := range refs {
		wanted[r] = true
	}

	var entries []identity.GroupEntry
	seen := make(map[string]bool)
	for _, line := range lines {
		parts := strings.Split(line, ":")
		if len(parts) < 4 {
			continue
		}
		gid, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		if !wanted[parts[0]] && !wanted[parts[2]] {
			continue
		}
		if seen[parts[0]] {
			continue
		}
		seen[parts[0]] = true
		var users []string
		if parts[3] != "" {
			users = strings.Split(parts[3], ",")
		}
		entries = append(entries, identity.GroupEntry{Name: parts[0], GID: gid, Users: users})
	}
	return entries
}
