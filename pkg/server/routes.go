package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/config"
	"hpcacct/pkg/httpx"
	"hpcacct/pkg/report"
	"hpcacct/pkg/server/live"
)

var startTime = time.Now()

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, HealthResponse{
			Status: "healthy",
			Uptime: time.Since(startTime).String(),
		})
	}
}

// SetupRoutes builds the route table once at startup and registers every
// route on the router.
func SetupRoutes(
	router *mux.Router,
	reg *collection.Registry,
	merger *report.Merger,
	projectList func(ctx context.Context) ([]string, error),
	hub *live.Hub,
) {
	router.Use(metricsMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", handleHealth()).Methods("GET")
	router.HandleFunc("/user/{username}", handleUserPage(reg, merger, projectList)).Methods("GET")

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/live", hub.Handler()).Methods("GET")

	table := resources(reg, merger, projectList)
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := table[name]
		api.HandleFunc("/"+name, handleList(name, h, listTimeout(name))).Methods("GET")
		api.HandleFunc("/"+name+"/{id}", handleGet(h)).Methods("GET")
	}
}

// listTimeout picks the request budget per resource: merged views fan out
// across collections and get the longer one.
func listTimeout(name string) time.Duration {
	switch name {
	case "report", "report_latest", "storage_usage":
		return config.ReportTimeout
	}
	return config.ListQueryTimeout
}
