// Package backup moves a single table between a RethinkDB database and its
// JSON artifact on disk.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	apperrors "github.com/jorgepascosoto/rethink-backup/internal/errors"
	"github.com/jorgepascosoto/rethink-backup/internal/rethink"
)

// Stats describes one table transfer.
type Stats struct {
	Table     string
	Rows      int
	Bytes     int64
	Created   bool
	Inserted  int
	Replaced  int
	Unchanged int
}

type RowSource interface {
	Rows(ctx context.Context, table string) (rethink.Cursor, error)
}

// ExportTable streams every row of table into a new file at destPath as a
// JSON array. Only one row is held in memory at a time: the next row is
// pulled from the cursor after the previous one reached the file.
//
// On failure the partially written file is left where it is.
func ExportTable(ctx context.Context, src RowSource, table, destPath string) (Stats, error) {
	stats := Stats{Table: table}

	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return stats, exportError(table, streamWriteError(table, err))
	}
	defer f.Close()

	w := NewArrayWriter(f)
	if err := w.Open(); err != nil {
		return stats, exportError(table, streamWriteError(table, err))
	}

	cursor, err := src.Rows(ctx, table)
	if err != nil {
		return stats, exportError(table, cursorError(table, err))
	}

	err = StreamRows(ctx, table, cursor, w)
	stats.Rows, stats.Bytes = w.Rows(), w.Bytes()
	if err != nil {
		cursor.Close()
		return stats, exportError(table, err)
	}
	if err := cursor.Close(); err != nil {
		return stats, exportError(table, cursorError(table, err))
	}

	if err := w.Close(); err != nil {
		return stats, exportError(table, streamWriteError(table, err))
	}
	stats.Bytes = w.Bytes()
	if err := f.Sync(); err != nil {
		return stats, exportError(table, streamWriteError(table, err))
	}
	if err := f.Close(); err != nil {
		return stats, exportError(table, streamWriteError(table, err))
	}
	return stats, nil
}

// StreamRows drains cursor into w one row at a time. It does not close either.
func StreamRows(ctx context.Context, table string, cursor rethink.Cursor, w *ArrayWriter) error {
	for {
		if err := ctx.Err(); err != nil {
			return cursorError(table, err)
		}
		row, ok := cursor.Next()
		if !ok {
			break
		}
		if !json.Valid(row) {
			return cursorError(table, fmt.Errorf("row %d is not valid JSON", w.Rows()+1))
		}
		if err := w.WriteRow(row); err != nil {
			return streamWriteError(table, err)
		}
	}
	if err := cursor.Err(); err != nil {
		return cursorError(table, err)
	}
	return nil
}

// ArrayWriter writes a JSON array element by element straight to the
// underlying writer, without buffering.
type ArrayWriter struct {
	w     io.Writer
	rows  int
	bytes int64
}

func NewArrayWriter(w io.Writer) *ArrayWriter {
	return &ArrayWriter{w: w}
}

func (a *ArrayWriter) Open() error {
	return a.write([]byte("["))
}

// WriteRow appends one element, preceded by a separator after the first.
func (a *ArrayWriter) WriteRow(row json.RawMessage) error {
	if a.rows > 0 {
		if err := a.write([]byte(",")); err != nil {
			return err
		}
	}
	if err := a.write(row); err != nil {
		return err
	}
	a.rows++
	return nil
}

func (a *ArrayWriter) Close() error {
	return a.write([]byte("]"))
}

func (a *ArrayWriter) Rows() int {
	return a.rows
}

func (a *ArrayWriter) Bytes() int64 {
	return a.bytes
}

func (a *ArrayWriter) write(p []byte) error {
	n, err := a.w.Write(p)
	a.bytes += int64(n)
	return err
}

func exportError(table string, err error) error {
	return apperrors.NewTableError(apperrors.ErrTableExport, table,
		fmt.Sprintf("Failed to back up table (%s).", table), err)
}

func cursorError(table string, err error) error {
	return apperrors.NewTableError(apperrors.ErrCursor, table,
		fmt.Sprintf("Failed to read rows from table (%s).", table), err)
}

func streamWriteError(table string, err error) error {
	return apperrors.NewTableError(apperrors.ErrStreamWrite, table,
		fmt.Sprintf("Failed to write table json file (%s).", table), err)
}
