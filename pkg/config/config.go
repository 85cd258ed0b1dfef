// Package config loads the accounting service configuration from a TOML
// file with environment-variable overrides for deployment.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration shared by the server and the
// ingestion tool.
type Config struct {
	// ListenAddr is the serving address of acctserver.
	ListenAddr string `toml:"listen_addr"`

	// RemoteHost is the accounting host remote commands run on.
	RemoteHost string `toml:"remote_host"`

	// System tags every ingested sample row. Falls back to RemoteHost
	// with any login user stripped.
	System string `toml:"system"`

	Store StoreConfig `toml:"store"`
	Blob  BlobConfig  `toml:"blob"`

	// Filesystems scanned by the files-usage pass.
	Filesystems []FilesystemConfig `toml:"filesystems"`

	// ReportFilesystems is the fixed filesystem set reported per project.
	ReportFilesystems []string `toml:"report_filesystems"`

	// SuppressZeroGrant drops projects whose compute grant is exactly
	// zero from report rows. Reporting policy knob, off by default.
	SuppressZeroGrant bool `toml:"suppress_zero_grant"`
}

// StoreConfig selects the document-store backend. Tagged union: Type picks
// which other fields apply.
type StoreConfig struct {
	Type        string `toml:"type"` // "badger" or "memory"
	DataDir     string `toml:"data_dir,omitempty"`
	MaxMemoryMB int64  `toml:"max_memory_mb,omitempty"`
}

// BlobConfig selects the blob-store backend holding the project list.
// Tagged union like StoreConfig.
type BlobConfig struct {
	Type string `toml:"type"` // "memory", "filesystem" or "s3"

	// Filesystem-specific.
	Dir string `toml:"dir,omitempty"`

	// S3-specific.
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`

	// Container is the blob container (an S3 key prefix or a
	// subdirectory) holding the project list and related items.
	Container string `toml:"container"`
}

// FilesystemConfig names one scanned filesystem.
type FilesystemConfig struct {
	Key  string `toml:"key"`
	Path string `toml:"path"`
}

// Defaults applied before the file and environment are consulted.
func defaults() Config {
	return Config{
		ListenAddr:        ":8080",
		Store:             StoreConfig{Type: "badger", DataDir: "./data/hpcacct"},
		Blob:              BlobConfig{Type: "filesystem", Dir: "./data/blob", Container: "accounting"},
		ReportFilesystems: []string{"scratch", "gdata", "massdata"},
	}
}

// Load reads the config file at path, falling back to defaults when path is
// empty, then applies ACCT_* environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.System == "" {
		cfg.System = hostOnly(cfg.RemoteHost)
	}
	return cfg, nil
}

func hostOnly(remote string) string {
	if i := strings.IndexByte(remote, '@'); i >= 0 {
		return remote[i+1:]
	}
	return remote
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ACCT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ACCT_REMOTE_HOST"); v != "" {
		cfg.RemoteHost = v
	}
	if v := os.Getenv("ACCT_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("ACCT_BLOB_DIR"); v != "" {
		cfg.Blob.Dir = v
	}
	if v := os.Getenv("ACCT_S3_BUCKET"); v != "" {
		cfg.Blob.S3Bucket = v
	}
}
