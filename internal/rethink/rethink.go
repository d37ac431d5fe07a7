// Package rethink is the only code that talks to a RethinkDB server. It
// narrows the driver down to the handful of operations a backup or import run
// needs: listing, creating and streaming tables, and upserting rows.
package rethink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

// Cursor pulls a table's rows one at a time as raw JSON documents.
//
// Next blocks until a row is available and reports false once the cursor is
// exhausted or has failed; Err tells the two apart.
type Cursor interface {
	Next() (json.RawMessage, bool)
	Err() error
	Close() error
}

// WriteResult summarises the server's answer to an upsert.
type WriteResult struct {
	Inserted  int
	Replaced  int
	Unchanged int
	Errors    int
}

// Store is a connection to one database on a RethinkDB server.
type Store interface {
	TableList(ctx context.Context) ([]string, error)
	TableCreate(ctx context.Context, table string) error
	Rows(ctx context.Context, table string) (Cursor, error)
	Upsert(ctx context.Context, table string, rows []json.RawMessage) (WriteResult, error)
	Close() error
}

type ConnectOpts struct {
	Address  string
	Database string
	AuthKey  string
	Timeout  time.Duration
}

// Session is a Store backed by the rethinkdb-go driver.
type Session struct {
	exec r.QueryExecutor
	db   string
}

var _ Store = (*Session)(nil)

// Connect opens a single connection to the server described by opts.
func Connect(ctx context.Context, opts ConnectOpts) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := r.Connect(driverOpts(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Address, err)
	}

	return NewSession(session, opts.Database), nil
}

// driverOpts maps opts onto the driver's options. NumRetries is pinned to 1 so
// a query that loses its connection fails instead of being sent again.
func driverOpts(opts ConnectOpts) r.ConnectOpts {
	return r.ConnectOpts{
		Address:    opts.Address,
		Database:   opts.Database,
		AuthKey:    opts.AuthKey,
		Timeout:    opts.Timeout,
		NumRetries: 1,
	}
}

// NewSession wraps an existing query executor, such as a driver session or a
// driver mock, scoped to database db.
func NewSession(exec r.QueryExecutor, db string) *Session {
	return &Session{exec: exec, db: db}
}

func (s *Session) TableList(ctx context.Context) ([]string, error) {
	cursor, err := r.DB(s.db).TableList().Run(s.exec, r.RunOpts{Context: ctx})
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var tables []string
	if err := cursor.All(&tables); err != nil {
		return nil, err
	}
	return tables, nil
}

func (s *Session) TableCreate(ctx context.Context, table string) error {
	return r.DB(s.db).TableCreate(table).Exec(s.exec, r.ExecOpts{Context: ctx})
}

// Rows opens a cursor over every row of table. Times and binary values are
// requested in their raw pseudo-type form so they serialise exactly as the
// server sent them and can be inserted back unchanged.
func (s *Session) Rows(ctx context.Context, table string) (Cursor, error) {
	cursor, err := r.DB(s.db).Table(table).Run(s.exec, rowsOpts(ctx))
	if err != nil {
		return nil, err
	}
	return &rowCursor{cursor: cursor}, nil
}

func rowsOpts(ctx context.Context) r.RunOpts {
	return r.RunOpts{
		TimeFormat:   "raw",
		BinaryFormat: "raw",
		Context:      ctx,
	}
}

// Upsert inserts rows into table in a single query, replacing any existing
// document with the same primary key.
func (s *Session) Upsert(ctx context.Context, table string, rows []json.RawMessage) (WriteResult, error) {
	body, err := json.Marshal(rows)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to encode rows: %w", err)
	}

	resp, err := r.DB(s.db).Table(table).
		Insert(r.JSON(string(body)), r.InsertOpts{Conflict: "replace"}).
		RunWrite(s.exec, r.RunOpts{Context: ctx})
	result := WriteResult{
		Inserted:  resp.Inserted,
		Replaced:  resp.Replaced,
		Unchanged: resp.Unchanged,
		Errors:    resp.Errors,
	}
	if err != nil {
		return result, err
	}
	if resp.Errors > 0 {
		return result, fmt.Errorf("%d row(s) rejected: %s", resp.Errors, resp.FirstError)
	}
	return result, nil
}

func (s *Session) Close() error {
	if c, ok := s.exec.(interface{ Close(...r.CloseOpts) error }); ok {
		return c.Close()
	}
	return nil
}

type rowCursor struct {
	cursor *r.Cursor
}

func (c *rowCursor) Next() (json.RawMessage, bool) {
	row, ok := c.cursor.NextResponse()
	if !ok {
		return nil, false
	}
	return json.RawMessage(row), true
}

func (c *rowCursor) Err() error {
	return c.cursor.Err()
}

func (c *rowCursor) Close() error {
	return c.cursor.Close()
}
