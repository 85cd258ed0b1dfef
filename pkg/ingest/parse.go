// Package ingest runs the periodic ingestion passes: remote accounting
// commands are executed, their line-oriented output parsed into sample rows,
// identities reconciled, and the rows persisted with latest-snapshot
// refreshes.
//
// Parsing failures are contained per record: one malformed line never aborts
// a run.
package ingest

import (
	"encoding/json"
	"log"
	"strconv"
	"strings"

	"hpcacct/pkg/record"
)

const userBlockSeparator = "-------------------------------------------------------------"

// ParseAccountingReport decomposes the output of the per-project accounting
// command into compute samples plus any massdata storage samples embedded in
// the report. The output is a sequence of blocks, each starting with a
// "Usage Report" banner.
func ParseAccountingReport(lines []string, ts, system string) ([]record.ComputeSample, []record.StorageSample) {
	var compute []record.ComputeSample
	var storage []record.StorageSample

	blockStart := 0
	for i, line := range lines {
		if i > 0 && strings.HasPrefix(line, "Usage Report") {
			c, s := parseBlock(lines[blockStart:i], ts, system)
			compute = append(compute, c...)
			storage = append(storage, s...)
			blockStart = i
		}
	}
	if blockStart < len(lines) {
		c, s := parseBlock(lines[blockStart:], ts, system)
		compute = append(compute, c...)
		storage = append(storage, s...)
	}
	return compute, storage
}

// parseBlock handles one project's report: the project name is on the first
// line, "Grant:"/"Used:" totals precede a dashed per-user usage table, and a
// "massdata" line reports archive usage that belongs in the storage series.
func parseBlock(block []string, ts, system string) ([]record.ComputeSample, []record.StorageSample) {
	if len(block) == 0 {
		return nil, nil
	}

	// The project always follows the first '=' of the first line.
	_, after, found := strings.Cut(block[0], "=")
	if !found {
		return nil, nil // fed garbage, skip the whole block
	}
	proj := strings.SplitN(after, " ", 2)[0]

	var compute []record.ComputeSample
	var storage []record.StorageSample
	inUserBlock := false
	userStartSeen := false

	for _, line := range block {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if inUserBlock {
			if fields[0] == userBlockSeparator {
				if userStartSeen {
					inUserBlock = false
				} else {
					userStartSeen = true
				}
				continue
			}
			if len(fields) >= 2 {
				compute = appendCompute(compute, fields[0], fields[1], ts, proj, system)
			}
			continue
		}

		switch fields[0] {
		case "Grant:":
			if len(fields) >= 2 {
				compute = appendCompute(compute, record.UserGrant, fields[1], ts, proj, system)
			}
		case "Used:":
			if len(fields) >= 2 {
				compute = appendCompute(compute, record.UserTotal, fields[1], ts, proj, system)
			}
		case "User":
			inUserBlock = true
			userStartSeen = false
		case "massdata":
			if len(fields) >= 3 {
				usage, err1 := strconv.ParseInt(fields[1], 10, 64)
				inodes, err2 := strconv.ParseInt(fields[2], 10, 64)
				if err1 != nil || err2 != nil {
					log.Printf("skipping malformed massdata line %q", line)
					continue
				}
				storage = append(storage, record.StorageSample{
					ID: record.NewID(), TS: ts, Project: proj, System: system,
					FS: "massdata", Usage: usage, IUsage: inodes,
				})
			}
		}
	}
	return compute, storage
}

func appendCompute(samples []record.ComputeSample, user, val, ts, proj, system string) []record.ComputeSample {
	usage, err := strconv.ParseFloat(val, 64)
	if err != nil {
		log.Printf("skipping malformed usage value %q for %s/%s", val, proj, user)
		return samples
	}
	return append(samples, record.ComputeSample{
		ID: record.NewID(), TS: ts, Project: proj, System: system,
		User: user, Usage: usage,
	})
}

// quotaFields is the fixed column order of the quota report.
var quotaFields = []string{"project", "fs", "usage", "quota", "limit", "iusage", "iquota", "ilimit"}

// ParseQuotaReport decodes the fixed-column quota report, one row per
// (project, filesystem). Numeric columns that fail to parse (the report
// writes "Over ... quota" annotations into them) are left at zero.
func ParseQuotaReport(lines []string, ts, system string) []record.StorageSample {
	var samples []record.StorageSample
	for _, line := range lines {
		fields := splitFields(line, len(quotaFields))
		if len(fields) < 2 {
			continue
		}
		s := record.StorageSample{
			ID: record.NewID(), TS: ts, System: system,
			Project: fields[0], FS: fields[1],
		}
		nums := make([]int64, len(quotaFields))
		for i := 2; i < len(fields) && i < len(quotaFields); i++ {
			if n, err := strconv.ParseInt(fields[i], 10, 64); err == nil {
				nums[i] = n
			}
		}
		s.Usage, s.Quota, s.Limit = nums[2], nums[3], nums[4]
		s.IUsage, s.IQuota, s.ILimit = nums[5], nums[6], nums[7]
		samples = append(samples, s)
	}
	return samples
}

// splitFields splits on whitespace keeping at most n fields, so trailing
// annotation text stays attached to the last column.
func splitFields(line string, n int) []string {
	fields := strings.Fields(line)
	if len(fields) <= n {
		return fields
	}
	out := fields[:n-1]
	return append(out, strings.Join(fields[n-1:], " "))
}

// filesReportEntry is one record of the files-usage scan's JSON output.
type filesReportEntry struct {
	UID     int    `json:"uid"`
	GID     int    `json:"gid"`
	Project string `json:"project"`
	Blocks  struct {
		Single   int64 `json:"single"`
		Multiple int64 `json:"multiple"`
	} `json:"blocks"`
	Count struct {
		Single   int64 `json:"single"`
		Multiple int64 `json:"multiple"`
	} `json:"count"`
}

// ParseFilesReport decodes the JSON files-usage scan for one filesystem into
// raw ownership samples. User and Ownership carry the numeric uid/gid; the
// identity reconciler substitutes canonical names before persistence. Sizes
// are reported in 512-byte blocks.
func ParseFilesReport(payload []byte, ts, system, fs string) ([]record.FileOwnershipSample, error) {
	var entries []filesReportEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, err
	}

	samples := make([]record.FileOwnershipSample, 0, len(entries))
	for _, e := range entries {
		samples = append(samples, record.FileOwnershipSample{
			ID:        record.NewID(),
			TS:        ts,
			System:    system,
			FS:        fs,
			User:      e.UID,
			Ownership: e.GID,
			Location:  e.Project,
			Size:      512 * (e.Blocks.Single + e.Blocks.Multiple),
			Inodes:    e.Count.Single + e.Count.Multiple,
		})
	}
	return samples, nil
}
