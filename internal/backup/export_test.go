package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jorgepascosoto/rethink-backup/internal/errors"
	"github.com/jorgepascosoto/rethink-backup/internal/rethink"
	"github.com/jorgepascosoto/rethink-backup/internal/rethink/rethinktest"
)

func readArtifact(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestExportTable_Rows(t *testing.T) {
	t.Parallel()

	store := rethinktest.New().Seed("users", `{"id":1,"name":"a"}`, `{"id":2,"name":"b"}`)
	dest := filepath.Join(t.TempDir(), "users.json")

	stats, err := ExportTable(context.Background(), store, "users", dest)

	require.NoError(t, err)
	content := readArtifact(t, dest)
	assert.Equal(t, `[{"id":1,"name":"a"},{"id":2,"name":"b"}]`, content)
	assert.Equal(t, "users", stats.Table)
	assert.Equal(t, 2, stats.Rows)
	assert.Equal(t, int64(len(content)), stats.Bytes)
}

func TestExportTable_EmptyTable(t *testing.T) {
	t.Parallel()

	store := rethinktest.New().Seed("orders")
	dest := filepath.Join(t.TempDir(), "orders.json")

	stats, err := ExportTable(context.Background(), store, "orders", dest)

	require.NoError(t, err)
	assert.Equal(t, "[]", readArtifact(t, dest))
	assert.Equal(t, 0, stats.Rows)
	assert.Equal(t, int64(2), stats.Bytes)
}

func TestExportTable_PreservesRawRepresentation(t *testing.T) {
	t.Parallel()

	row := `{"id":"x","at":{"$reql_type$":"TIME","epoch_time":1700000000.123,"timezone":"+02:00"},"n":1.50,"big":12345678901234567890}`
	store := rethinktest.New().Seed("events", row)
	dest := filepath.Join(t.TempDir(), "events.json")

	_, err := ExportTable(context.Background(), store, "events", dest)

	require.NoError(t, err)
	assert.Equal(t, "["+row+"]", readArtifact(t, dest))
}

func TestExportTable_ClosesCursor(t *testing.T) {
	t.Parallel()

	store := rethinktest.New().Seed("a", `{"id":1}`).Seed("b", `{"id":2}`)
	dir := t.TempDir()

	for _, table := range []string{"a", "b"} {
		_, err := ExportTable(context.Background(), store, table, filepath.Join(dir, table+".json"))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, store.PeakCursors(), "only one cursor should ever be open")
}

func TestExportTable_DestinationExists(t *testing.T) {
	t.Parallel()

	store := rethinktest.New().Seed("users", `{"id":1}`)
	dest := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(dest, []byte("keep me"), 0644))

	_, err := ExportTable(context.Background(), store, "users", dest)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrTableExport))
	assert.True(t, errors.Is(err, apperrors.ErrStreamWrite))
	assert.Equal(t, "keep me", readArtifact(t, dest))
	assert.NotContains(t, store.Calls, "rows users")
}

func TestExportTable_CursorOpenFails(t *testing.T) {
	t.Parallel()

	cause := errors.New("table `test.users` does not exist")
	store := rethinktest.New()
	store.FailRows["users"] = cause
	dest := filepath.Join(t.TempDir(), "users.json")

	_, err := ExportTable(context.Background(), store, "users", dest)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrTableExport))
	assert.True(t, errors.Is(err, apperrors.ErrCursor))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "[", readArtifact(t, dest), "partial artifact is left as-is")
}

func TestExportTable_CursorFailsMidStream(t *testing.T) {
	t.Parallel()

	store := rethinktest.New().Seed("users", `{"id":1}`, `{"id":2}`)
	store.FailCursor["users"] = errors.New("connection closed")
	dest := filepath.Join(t.TempDir(), "users.json")

	stats, err := ExportTable(context.Background(), store, "users", dest)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCursor))
	assert.Equal(t, 2, stats.Rows)
	assert.Equal(t, `[{"id":1},{"id":2}`, readArtifact(t, dest), "partial artifact is not finalised")
	assert.False(t, json.Valid([]byte(readArtifact(t, dest))))
}

func TestExportTable_CancelledContext(t *testing.T) {
	t.Parallel()

	store := rethinktest.New().Seed("users", `{"id":1}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ExportTable(ctx, store, "users", filepath.Join(t.TempDir(), "users.json"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCursor))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStreamRows_InvalidRow(t *testing.T) {
	t.Parallel()

	cursor := &rethinktest.SliceCursor{Rows: []json.RawMessage{
		json.RawMessage(`{"id":1}`),
		json.RawMessage(`{"id":`),
	}}
	var sb strings.Builder

	err := StreamRows(context.Background(), "users", cursor, NewArrayWriter(&sb))

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCursor))
	assert.Equal(t, `{"id":1}`, sb.String())
}

type failingWriter struct {
	failAfter int
	writes    int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.writes >= w.failAfter {
		return 0, errors.New("no space left on device")
	}
	w.writes++
	return len(p), nil
}

func TestStreamRows_WriteFails(t *testing.T) {
	t.Parallel()

	cursor := &rethinktest.SliceCursor{Rows: []json.RawMessage{
		json.RawMessage(`{"id":1}`),
		json.RawMessage(`{"id":2}`),
		json.RawMessage(`{"id":3}`),
	}}
	w := NewArrayWriter(&failingWriter{failAfter: 2})

	err := StreamRows(context.Background(), "users", cursor, w)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrStreamWrite))
	assert.Equal(t, 1, w.Rows())
}

// instrumentedWriter stands in for the artifact file. It only ever accepts
// writes no larger than its fixed buffer and counts how many complete rows it
// has received.
type instrumentedWriter struct {
	bufferSize int
	rows       int
	maxWrite   int
	total      int
	all        strings.Builder
}

func (w *instrumentedWriter) Write(p []byte) (int, error) {
	if len(p) > w.bufferSize {
		return 0, fmt.Errorf("write of %d bytes exceeds %d byte buffer", len(p), w.bufferSize)
	}
	if len(p) > w.maxWrite {
		w.maxWrite = len(p)
	}
	switch string(p) {
	case "[", ",", "]":
	default:
		w.rows++
	}
	w.total += len(p)
	w.all.Write(p)
	return len(p), nil
}

// pacedCursor asserts that a row is only requested once every row handed out
// before it has been written.
type pacedCursor struct {
	t      *testing.T
	w      *instrumentedWriter
	count  int
	served int
}

func (c *pacedCursor) Next() (json.RawMessage, bool) {
	require.Equal(c.t, c.served, c.w.rows, "next row requested before the previous one was written")
	if c.served == c.count {
		return nil, false
	}
	c.served++
	return json.RawMessage(fmt.Sprintf(`{"id":%d,"pad":"%s"}`, c.served, strings.Repeat("x", 16))), true
}

func (c *pacedCursor) Err() error   { return nil }
func (c *pacedCursor) Close() error { return nil }

var _ rethink.Cursor = (*pacedCursor)(nil)

func TestStreamRows_HoldsOneRowAtATime(t *testing.T) {
	t.Parallel()

	const rows = 5000
	w := &instrumentedWriter{bufferSize: 64}
	cursor := &pacedCursor{t: t, w: w, count: rows}
	aw := NewArrayWriter(w)

	require.NoError(t, aw.Open())
	require.NoError(t, StreamRows(context.Background(), "big", cursor, aw))
	require.NoError(t, aw.Close())

	assert.Equal(t, rows, w.rows)
	assert.Greater(t, w.total, 100*w.bufferSize, "output must dwarf the writer's buffer")
	assert.LessOrEqual(t, w.maxWrite, w.bufferSize)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(w.all.String()), &decoded))
	assert.Len(t, decoded, rows)
}
