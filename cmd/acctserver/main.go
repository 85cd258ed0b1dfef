// Command acctserver serves the accounting list API, the merged report
// endpoints and the live snapshot feed.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"hpcacct/pkg/blob"
	"hpcacct/pkg/collection"
	"hpcacct/pkg/config"
	"hpcacct/pkg/projects"
	"hpcacct/pkg/report"
	"hpcacct/pkg/server"
	"hpcacct/pkg/server/live"
	"hpcacct/pkg/storage"
	"hpcacct/pkg/storage/badger"
	"hpcacct/pkg/storage/memory"
)

func main() {
	configPath := flag.String("config", os.Getenv("ACCT_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobStore, err := blob.NewFromConfig(ctx, cfg.Blob)
	if err != nil {
		log.Fatalf("failed to open blob store: %v", err)
	}
	projectList := func(ctx context.Context) ([]string, error) {
		return projects.List(ctx, blobStore, cfg.Blob.Container)
	}

	reg := collection.NewRegistry(store)
	if err := server.Provision(ctx, reg); err != nil {
		log.Fatalf("failed to provision collections: %v", err)
	}

	merger := report.NewMerger(reg, cfg.ReportFilesystems)
	merger.SuppressZeroGrant = cfg.SuppressZeroGrant

	hub := live.NewHub()
	go hub.Run(ctx)
	go live.NewWatcher(reg, hub).Run(ctx)

	router := mux.NewRouter()
	server.SetupRoutes(router, reg, merger, projectList, hub)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		log.Printf("acctserver listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
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
