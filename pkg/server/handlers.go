package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"hpcacct/pkg/config"
	"hpcacct/pkg/httpx"
	"hpcacct/pkg/query"
	"hpcacct/pkg/storage"
)

// parseListRequest decodes the list-protocol query parameters:
// filter={"field":value}, sort=["field","ASC"], range=[start,end].
func parseListRequest(r *http.Request) (query.ListRequest, error) {
	var req query.ListRequest

	if raw := r.URL.Query().Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Filter); err != nil {
			return req, fmt.Errorf("malformed filter: %w", err)
		}
	}

	if raw := r.URL.Query().Get("sort"); raw != "" {
		var s [2]string
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return req, fmt.Errorf("malformed sort: %w", err)
		}
		if s[1] != "ASC" && s[1] != "DESC" {
			return req, fmt.Errorf("sort order must be ASC or DESC, got %q", s[1])
		}
		req.Sort = &query.Sort{Field: s[0], Order: s[1]}
	}

	if raw := r.URL.Query().Get("range"); raw != "" {
		var rng [2]int
		if err := json.Unmarshal([]byte(raw), &rng); err != nil {
			return req, fmt.Errorf("malformed range: %w", err)
		}
		req.Range = &query.Range{Start: rng[0], End: rng[1]}
	}
	return req, nil
}

// stripPrivate removes internal "_"-prefixed fields before a row leaves the
// API.
func stripPrivate(doc storage.Document) storage.Document {
	out := make(storage.Document, len(doc))
	for k, v := range doc {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// handleList serves GET /v1/{resource}. timeout bounds the whole request:
// plain collection lists get the query budget, merged report views a longer
// one.
func handleList(resource string, h ListHandler, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseListRequest(r)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		rows, total, err := h.List(ctx, req)
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		out := make([]storage.Document, len(rows))
		for i, row := range rows {
			out[i] = stripPrivate(row)
		}

		if req.Range != nil {
			w.Header().Set("Access-Control-Expose-Headers", "Content-Range")
			if len(out) > 0 {
				w.Header().Set("Content-Range", fmt.Sprintf("%s %d-%d/%d",
					resource, req.Range.Start, req.Range.Start+len(out)-1, total))
			} else {
				w.Header().Set("Content-Range", fmt.Sprintf("%s */%d", resource, total))
			}
		}
		httpx.RespondJSON(w, http.StatusOK, out)
	}
}

// handleGet serves GET /v1/{resource}/{id}. An unknown id answers with an
// empty object and 200; a resource without single-item support answers 400.
func handleGet(h ListHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		ctx, cancel := context.WithTimeout(r.Context(), config.ListQueryTimeout)
		defer cancel()

		doc, err := h.Get(ctx, id)
		if errors.Is(err, ErrNoSingle) {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		if doc == nil {
			httpx.RespondJSON(w, http.StatusOK, storage.Document{})
			return
		}
		out := stripPrivate(doc)
		out["id"] = id
		httpx.RespondJSON(w, http.StatusOK, out)
	}
}
