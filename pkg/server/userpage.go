package server

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"hpcacct/pkg/collection"
	"hpcacct/pkg/config"
	"hpcacct/pkg/record"
	"hpcacct/pkg/report"
	"hpcacct/pkg/storage"
)

var userTemplate = template.Must(template.New("user").Parse(`<!DOCTYPE html>
<html>
  <head><title>Project usage for {{.FirstName}}</title></head>
  <body>
    <h2>Hello {{.FirstName}}</h2>
    <p>You are a member of the following projects:</p>
    <ul>
    {{- range .Projects}}
      <li>{{.}}</li>
    {{- end}}
    </ul>
    <p>Current resource usage for your projects:</p>
    <table>
      <thead>
        <tr><th>Project</th><th>SU Used</th><th>SU Grant</th></tr>
      </thead>
      <tbody>
      {{- range .Compute}}
        <tr><td>{{.Project}}</td><td>{{.Used}}</td><td>{{.Grant}}</td></tr>
      {{- end}}
      </tbody>
    </table>
  </body>
</html>
`))

type computeRow struct {
	Project string
	Used    float64
	Grant   float64
}

type userPageData struct {
	FirstName string
	Projects  []string
	Compute   []computeRow
}

var errUnknownUser = errors.New("unknown user")

// handleUserPage renders the per-user summary. Unlike the list API this
// endpoint answers 404 for an unknown user. The user record and the
// authorized project list are fetched concurrently; a missing user cancels
// the project-list fetch rather than letting it complete and be discarded.
func handleUserPage(reg *collection.Registry, merger *report.Merger, projectList func(ctx context.Context) ([]string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := mux.Vars(r)["username"]

		ctx, cancel := context.WithTimeout(r.Context(), config.UserPageTimeout)
		defer cancel()

		var (
			userDoc    storage.Document
			authorized []string
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			doc, err := reg.Read(gctx, record.CollUsers, username, "")
			if err != nil {
				return err
			}
			if doc == nil {
				return errUnknownUser
			}
			userDoc = doc
			return nil
		})
		g.Go(func() error {
			var err error
			authorized, err = projectList(gctx)
			return err
		})
		if err := g.Wait(); err != nil {
			if errors.Is(err, errUnknownUser) {
				http.Error(w, "Invalid User", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		allowed := make(map[string]bool, len(authorized))
		for _, p := range authorized {
			allowed[p] = true
		}
		var projs []string
		for _, g := range asStringList(userDoc["groups"]) {
			if allowed[g] {
				projs = append(projs, g)
			}
		}

		rows, err := merger.ProjectReport(ctx, report.Options{Projects: projs})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		data := userPageData{
			FirstName: firstName(userDoc),
			Projects:  projs,
		}
		for _, row := range rows {
			proj, _ := row["id"].(string)
			data.Compute = append(data.Compute, computeRow{
				Project: proj,
				Used:    asFloat(row["compute_total"]),
				Grant:   asFloat(row["compute_grant"]),
			})
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := userTemplate.Execute(w, data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func firstName(userDoc storage.Document) string {
	pwName, _ := userDoc["pw_name"].(string)
	if fields := strings.Fields(pwName); len(fields) > 0 {
		return fields[0]
	}
	id, _ := userDoc["id"].(string)
	return id
}

func asStringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
