// Command acctingest runs the scheduled ingestion passes against the
// remote accounting host and persists the results.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hpcacct/pkg/blob"
	"hpcacct/pkg/collection"
	"hpcacct/pkg/config"
	"hpcacct/pkg/ingest"
	"hpcacct/pkg/projects"
	"hpcacct/pkg/record"
	"hpcacct/pkg/remote"
	"hpcacct/pkg/storage"
	"hpcacct/pkg/storage/badger"
	"hpcacct/pkg/storage/memory"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "acctingest",
		Short:        "Ingest compute and storage accounting data",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("ACCT_CONFIG"), "path to config file")

	root.AddCommand(
		passCommand("compute", "Ingest per-project compute usage", runCompute),
		passCommand("quota", "Ingest filesystem quota usage", runQuota),
		passCommand("files", "Ingest file ownership reports", runFiles),
		passCommand("users", "Ingest project membership and user identities", runUsers),
		passCommand("all", "Run every ingestion pass in order", runAll),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runEnv holds the shared state each pass needs for one run.
type runEnv struct {
	reg      *collection.Registry
	runner   remote.Runner
	dir      *remote.Directory
	projects []string
	cfg      *config.Config
}

func passCommand(name, short string, run func(context.Context, *runEnv) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openStore(cfg.Store)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), config.RemoteCommandTimeout)
			defer cancel()

			blobStore, err := blob.NewFromConfig(ctx, cfg.Blob)
			if err != nil {
				return fmt.Errorf("open blob store: %w", err)
			}
			projectList, err := projects.List(ctx, blobStore, cfg.Blob.Container)
			if err != nil {
				return fmt.Errorf("load project list: %w", err)
			}
			if len(projectList) == 0 {
				return fmt.Errorf("project list %q is empty, nothing to ingest", cfg.Blob.Container)
			}

			runner := remote.NewSSHRunner(cfg.RemoteHost)
			env := &runEnv{
				reg:      collection.NewRegistry(store),
				runner:   runner,
				dir:      remote.NewDirectory(runner),
				projects: projectList,
				cfg:      &cfg,
			}
			return run(ctx, env)
		},
	}
}

func runTimestamp() string {
	return time.Now().UTC().Format(record.TimeLayout)
}

func runCompute(ctx context.Context, env *runEnv) error {
	pass := &ingest.ComputePass{
		Reg:      env.reg,
		Runner:   env.runner,
		Projects: env.projects,
		System:   env.cfg.System,
	}
	return pass.Run(ctx, runTimestamp())
}

func runQuota(ctx context.Context, env *runEnv) error {
	pass := &ingest.QuotaPass{
		Reg:      env.reg,
		Runner:   env.runner,
		Projects: env.projects,
		System:   env.cfg.System,
	}
	return pass.Run(ctx, runTimestamp())
}

func runFiles(ctx context.Context, env *runEnv) error {
	pass := &ingest.FilesPass{
		Reg:         env.reg,
		Runner:      env.runner,
		Dir:         env.dir,
		Projects:    env.projects,
		System:      env.cfg.System,
		Filesystems: filesystems(env.cfg),
	}
	return pass.Run(ctx, runTimestamp())
}

func runUsers(ctx context.Context, env *runEnv) error {
	pass := &ingest.UsersPass{
		Reg:      env.reg,
		Runner:   env.runner,
		Projects: env.projects,
	}
	return pass.Run(ctx)
}

func runAll(ctx context.Context, env *runEnv) error {
	steps := []struct {
		name string
		run  func(context.Context, *runEnv) error
	}{
		{"users", runUsers},
		{"compute", runCompute},
		{"quota", runQuota},
		{"files", runFiles},
	}
	for _, step := range steps {
		log.Printf("running %s pass", step.name)
		if err := step.run(ctx, env); err != nil {
			return fmt.Errorf("%s pass: %w", step.name, err)
		}
	}
	return nil
}

func filesystems(cfg *config.Config) []ingest.Filesystem {
	out := make([]ingest.Filesystem, 0, len(cfg.Filesystems))
	for _, fs := range cfg.Filesystems {
		out = append(out, ingest.Filesystem{Key: fs.Key, Path: fs.Path})
	}
	return out
}

func openStore(cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return badger.New(badger.Config{Path: cfg.DataDir, MaxMemoryMB: cfg.MaxMemoryMB})
	}
}
