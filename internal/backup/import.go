package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jorgepascosoto/rethink-backup/internal/catalog"
	apperrors "github.com/jorgepascosoto/rethink-backup/internal/errors"
	"github.com/jorgepascosoto/rethink-backup/internal/rethink"
)

type RowSink interface {
	TableCreate(ctx context.Context, table string) error
	Upsert(ctx context.Context, table string, rows []json.RawMessage) (rethink.WriteResult, error)
}

// ImportTable loads the artifact at srcPath and upserts all of its rows into
// table with a single query, creating the table first when it is not in
// existing. Rows already in the table with the same primary key are replaced.
func ImportTable(ctx context.Context, dst RowSink, table, srcPath string, existing catalog.Set) (Stats, error) {
	stats := Stats{Table: table}

	data, err := os.ReadFile(srcPath)
	if err != nil {
		return stats, apperrors.NewTableError(apperrors.ErrRead, table,
			fmt.Sprintf("Failed to read table json file (%s).", table), err)
	}
	stats.Bytes = int64(len(data))

	rows, err := parseRows(data)
	if err != nil {
		return stats, apperrors.NewTableError(apperrors.ErrParse, table,
			fmt.Sprintf("Failed to parse table json file (%s).", table), err)
	}
	stats.Rows = len(rows)

	if !existing.Contains(table) {
		if err := dst.TableCreate(ctx, table); err != nil {
			return stats, apperrors.NewTableError(apperrors.ErrCreate, table,
				fmt.Sprintf("Failed to create table (%s) in database.", table), err)
		}
		stats.Created = true
	}

	result, err := dst.Upsert(ctx, table, rows)
	stats.Inserted, stats.Replaced, stats.Unchanged = result.Inserted, result.Replaced, result.Unchanged
	if err != nil {
		return stats, apperrors.NewTableError(apperrors.ErrWrite, table,
			fmt.Sprintf("Failed to write to database (%s).", table), err)
	}
	return stats, nil
}

func parseRows(data []byte) ([]json.RawMessage, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, errors.New("expected a JSON array")
	}
	return rows, nil
}
