// Package remote executes accounting commands on the remote system and
// parses directory-service records out of their line-oriented output.
package remote

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a shell script on the accounting host and returns its
// stdout split into lines. Implementations do not retry: a failing command
// is surfaced once and the caller degrades to an empty result set rather
// than blocking ingestion on full data availability.
type Runner interface {
	Run(ctx context.Context, script string) ([]string, error)
}

// SSHRunner runs scripts through the local ssh client, relying on the
// ambient ssh configuration (keys, known hosts) of the ingestion user.
type SSHRunner struct {
	Host string
}

// NewSSHRunner creates a runner targeting host.
func NewSSHRunner(host string) *SSHRunner {
	return &SSHRunner{Host: host}
}

func (r *SSHRunner) Run(ctx context.Context, script string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "ssh", r.Host, script)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("remote command on %s: %w", r.Host, err)
	}
	return splitLines(string(out)), nil
}

func splitLines(out string) []string {
	out = strings.TrimSuffix(out, "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}
