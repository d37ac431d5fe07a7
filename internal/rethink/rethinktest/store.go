// Package rethinktest provides an in-memory rethink.Store for tests.
package rethinktest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jorgepascosoto/rethink-backup/internal/rethink"
)

// PrimaryKey is the field used to key documents, matching RethinkDB's default.
const PrimaryKey = "id"

// Store keeps tables in memory and mimics the server's upsert semantics.
// The Fail* fields inject errors per table name.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
	order  []string

	ListErr      error
	FailCreate   map[string]error
	FailRows     map[string]error
	FailCursor   map[string]error
	FailUpsert   map[string]error
	Calls        []string
	Closed       bool
	openCursors  int
	peakCursors  int
	upsertCounts map[string]int
}

type table struct {
	keys []string
	rows map[string]json.RawMessage
}

var _ rethink.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tables:       make(map[string]*table),
		FailCreate:   make(map[string]error),
		FailRows:     make(map[string]error),
		FailCursor:   make(map[string]error),
		FailUpsert:   make(map[string]error),
		upsertCounts: make(map[string]int),
	}
}

// Seed creates name if needed and stores rows, each a JSON object.
func (s *Store) Seed(name string, rows ...string) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.ensure(name)
	for _, row := range rows {
		if err := t.put(json.RawMessage(row)); err != nil {
			panic(err)
		}
	}
	return s
}

// Table returns the documents of name in insertion order.
func (s *Store) Table(name string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	out := make([]json.RawMessage, 0, len(t.keys))
	for _, k := range t.keys {
		out = append(out, t.rows[k])
	}
	return out
}

func (s *Store) HasTable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[name]
	return ok
}

// Snapshot returns every table keyed by primary key, for state comparisons.
func (s *Store) Snapshot() map[string]map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]string, len(s.tables))
	for name, t := range s.tables {
		rows := make(map[string]string, len(t.rows))
		for k, v := range t.rows {
			rows[k] = string(v)
		}
		out[name] = rows
	}
	return out
}

// PeakCursors is the largest number of cursors that were open at once.
func (s *Store) PeakCursors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakCursors
}

func (s *Store) UpsertCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertCounts[name]
}

func (s *Store) TableList(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, "list")
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	names := append([]string(nil), s.order...)
	sort.Strings(names)
	return names, nil
}

func (s *Store) TableCreate(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, "create "+name)
	if err := s.FailCreate[name]; err != nil {
		return err
	}
	if _, ok := s.tables[name]; ok {
		return fmt.Errorf("table `%s` already exists", name)
	}
	s.ensure(name)
	return nil
}

func (s *Store) Rows(ctx context.Context, name string) (rethink.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, "rows "+name)
	if err := s.FailRows[name]; err != nil {
		return nil, err
	}
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("table `%s` does not exist", name)
	}

	rows := make([]json.RawMessage, 0, len(t.keys))
	for _, k := range t.keys {
		rows = append(rows, t.rows[k])
	}
	s.openCursors++
	if s.openCursors > s.peakCursors {
		s.peakCursors = s.openCursors
	}
	return &SliceCursor{Rows: rows, Fail: s.FailCursor[name], onClose: s.cursorClosed}, nil
}

func (s *Store) cursorClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCursors--
}

func (s *Store) Upsert(ctx context.Context, name string, rows []json.RawMessage) (rethink.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, "upsert "+name)
	if err := s.FailUpsert[name]; err != nil {
		return rethink.WriteResult{}, err
	}
	t, ok := s.tables[name]
	if !ok {
		return rethink.WriteResult{}, fmt.Errorf("table `%s` does not exist", name)
	}
	s.upsertCounts[name]++

	var result rethink.WriteResult
	for _, row := range rows {
		key, err := keyOf(row)
		if err != nil {
			return result, err
		}
		prev, exists := t.rows[key]
		switch {
		case !exists:
			result.Inserted++
		case string(prev) == string(row):
			result.Unchanged++
		default:
			result.Replaced++
		}
		if err := t.put(row); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	s.Calls = append(s.Calls, "close")
	return nil
}

func (s *Store) ensure(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{rows: make(map[string]json.RawMessage)}
		s.tables[name] = t
		s.order = append(s.order, name)
	}
	return t
}

func (t *table) put(row json.RawMessage) error {
	key, err := keyOf(row)
	if err != nil {
		return err
	}
	if _, ok := t.rows[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.rows[key] = append(json.RawMessage(nil), row...)
	return nil
}

func keyOf(row json.RawMessage) (string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(row, &doc); err != nil {
		return "", fmt.Errorf("expected a JSON object, got %s", row)
	}
	key, ok := doc[PrimaryKey]
	if !ok {
		return "", fmt.Errorf("document is missing primary key %q", PrimaryKey)
	}
	return string(key), nil
}

// SliceCursor yields Rows in order, then reports Fail (if any) from Err.
type SliceCursor struct {
	Rows []json.RawMessage
	Fail error

	pos     int
	closed  bool
	onClose func()
}

func (c *SliceCursor) Next() (json.RawMessage, bool) {
	if c.closed || c.pos >= len(c.Rows) {
		return nil, false
	}
	row := c.Rows[c.pos]
	c.pos++
	return row, true
}

func (c *SliceCursor) Err() error {
	if c.pos >= len(c.Rows) {
		return c.Fail
	}
	return nil
}

func (c *SliceCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}
