package rethink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

func TestSession_TableList(t *testing.T) {
	t.Parallel()

	mock := r.NewMock()
	mock.On(r.DB("test").TableList()).Return([]interface{}{"orders", "users"}, nil)

	tables, err := NewSession(mock, "test").TableList(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, tables)
	mock.AssertExpectations(t)
}

func TestSession_TableList_Error(t *testing.T) {
	t.Parallel()

	mock := r.NewMock()
	mock.On(r.DB("test").TableList()).Return(nil, errors.New("database `test` does not exist"))

	tables, err := NewSession(mock, "test").TableList(context.Background())

	assert.Error(t, err)
	assert.Nil(t, tables)
}

func TestSession_TableCreate(t *testing.T) {
	t.Parallel()

	mock := r.NewMock()
	mock.On(r.DB("backup").TableCreate("users")).Return(map[string]interface{}{"tables_created": 1}, nil)

	err := NewSession(mock, "backup").TableCreate(context.Background(), "users")

	require.NoError(t, err)
	mock.AssertExpectations(t)
}

func TestSession_Rows(t *testing.T) {
	t.Parallel()

	mock := r.NewMock()
	mock.On(r.DB("test").Table("users")).Return([]interface{}{
		map[string]interface{}{"id": 1, "name": "a"},
		map[string]interface{}{"id": 2, "name": "b"},
	}, nil)

	cursor, err := NewSession(mock, "test").Rows(context.Background(), "users")
	require.NoError(t, err)
	defer cursor.Close()

	var rows []json.RawMessage
	for {
		row, ok := cursor.Next()
		if !ok {
			break
		}
		rows = append(rows, row)
	}

	require.NoError(t, cursor.Err())
	require.Len(t, rows, 2)
	assert.JSONEq(t, `{"id":1,"name":"a"}`, string(rows[0]))
	assert.JSONEq(t, `{"id":2,"name":"b"}`, string(rows[1]))
}

func TestSession_Upsert(t *testing.T) {
	t.Parallel()

	rows := []json.RawMessage{
		json.RawMessage(`{"id":1,"name":"a"}`),
		json.RawMessage(`{"id":2,"name":"b"}`),
	}

	mock := r.NewMock()
	mock.On(r.DB("test").Table("users").Insert(
		r.JSON(`[{"id":1,"name":"a"},{"id":2,"name":"b"}]`),
		r.InsertOpts{Conflict: "replace"},
	)).Return(map[string]interface{}{"inserted": 1, "replaced": 1, "errors": 0}, nil)

	result, err := NewSession(mock, "test").Upsert(context.Background(), "users", rows)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Replaced)
	mock.AssertExpectations(t)
}

func TestSession_Close_WithoutCloser(t *testing.T) {
	t.Parallel()

	assert.NoError(t, NewSession(r.NewMock(), "test").Close())
}

func TestDriverOpts(t *testing.T) {
	t.Parallel()

	opts := driverOpts(ConnectOpts{
		Address:  "db.internal:28015",
		Database: "app",
		AuthKey:  "secret",
		Timeout:  5 * time.Second,
	})

	assert.Equal(t, "db.internal:28015", opts.Address)
	assert.Equal(t, "app", opts.Database)
	assert.Equal(t, "secret", opts.AuthKey)
	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.Equal(t, 1, opts.NumRetries, "queries must not be re-sent after a dropped connection")
}

func TestRowsOpts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	opts := rowsOpts(ctx)

	assert.Equal(t, "raw", opts.TimeFormat)
	assert.Equal(t, "raw", opts.BinaryFormat)
	assert.Equal(t, ctx, opts.Context)
}
