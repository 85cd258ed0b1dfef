package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Store.Type != "badger" {
		t.Errorf("Store.Type = %q", cfg.Store.Type)
	}
	if len(cfg.ReportFilesystems) != 3 {
		t.Errorf("ReportFilesystems = %v", cfg.ReportFilesystems)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acct.toml")
	body := `
listen_addr = ":9999"
remote_host = "monitor@gadi.example.org"
suppress_zero_grant = true

[store]
type = "memory"

[blob]
type = "memory"
container = "accounting"

[[filesystems]]
key = "scratch"
path = "/scratch"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("Store.Type = %q", cfg.Store.Type)
	}
	if !cfg.SuppressZeroGrant {
		t.Error("SuppressZeroGrant not set")
	}
	if len(cfg.Filesystems) != 1 || cfg.Filesystems[0].Key != "scratch" {
		t.Errorf("Filesystems = %v", cfg.Filesystems)
	}
	// System falls back to the remote host with the login user stripped.
	if cfg.System != "gadi.example.org" {
		t.Errorf("System = %q", cfg.System)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ACCT_LISTEN_ADDR", ":7777")
	t.Setenv("ACCT_REMOTE_HOST", "other.example.org")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.RemoteHost != "other.example.org" {
		t.Errorf("RemoteHost = %q", cfg.RemoteHost)
	}
	if cfg.System != "other.example.org" {
		t.Errorf("System = %q", cfg.System)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.toml"); err == nil {
		t.Fatal("missing config file should fail")
	}
}
