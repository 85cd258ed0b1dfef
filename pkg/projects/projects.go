// Package projects reads the externally maintained list of projects this
// deployment is authorized to report on. The list lives in the blob store
// and is read-only to the accounting engine.
package projects

import (
	"context"
	"errors"
	"fmt"

	"hpcacct/pkg/blob"
)

// Item is the blob name of the project list.
const Item = "projectlist"

// List fetches the authorized project ids. A missing list is returned as an
// empty slice: a deployment with no list simply reports on nothing.
func List(ctx context.Context, store blob.Store, container string) ([]string, error) {
	var projects []string
	err := blob.ReadJSON(ctx, store, container, Item, &projects)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load project list: %w", err)
	}
	return projects, nil
}
