// Package catalog looks up which tables currently exist in a database.
package catalog

import (
	"context"

	"github.com/samber/lo"

	apperrors "github.com/jorgepascosoto/rethink-backup/internal/errors"
)

type Lister interface {
	TableList(ctx context.Context) ([]string, error)
}

// Set is the catalog at a point in time.
type Set map[string]struct{}

func NewSet(tables []string) Set {
	return lo.Associate(tables, func(table string) (string, struct{}) {
		return table, struct{}{}
	})
}

func (s Set) Contains(table string) bool {
	_, ok := s[table]
	return ok
}

// ListTables returns the tables in the database, in the order the server
// reported them, without duplicates.
func ListTables(ctx context.Context, db Lister) ([]string, error) {
	tables, err := db.TableList(ctx)
	if err != nil {
		return nil, apperrors.NewRunError(apperrors.ErrCatalog, "Failed to list tables from database.", err)
	}
	return lo.Uniq(tables), nil
}
