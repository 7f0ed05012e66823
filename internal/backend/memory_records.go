package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/patchsync/internal/pubsub"
)

// MemoryRecordStore keeps rows in memory. When created with
// NewFileRecordStore every mutation is also written to a JSON snapshot.
type MemoryRecordStore struct {
	path string

	mu     sync.Mutex
	tables map[string]map[string]Row
	feeds  map[string]*pubsub.Broker[RowChange]
	closed bool
	done   chan struct{}
}

type fileRecordState struct {
	Tables map[string]map[string]Row `json:"tables"`
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		tables: map[string]map[string]Row{},
		feeds:  map[string]*pubsub.Broker[RowChange]{},
		done:   make(chan struct{}),
	}
}

func NewFileRecordStore(path string) (*MemoryRecordStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := NewMemoryRecordStore()
	s.path = path
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	var state fileRecordState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Tables != nil {
		s.tables = state.Tables
	}
	return s, nil
}

func (s *MemoryRecordStore) feedLocked(table string) *pubsub.Broker[RowChange] {
	feed, ok := s.feeds[table]
	if !ok {
		feed = &pubsub.Broker[RowChange]{}
		s.feeds[table] = feed
	}
	return feed
}

func (s *MemoryRecordStore) Query(_ context.Context, table string, where Row) ([]KeyedRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows := s.tables[table]
	keys := make([]string, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]KeyedRow, 0, len(keys))
	for _, key := range keys {
		if rowMatches(rows[key], where) {
			out = append(out, KeyedRow{Key: key, Row: cloneRow(rows[key])})
		}
	}
	return out, nil
}

func (s *MemoryRecordStore) Upsert(_ context.Context, table, key string, row Row) (Row, error) {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, ok := s.tables[table]
	if !ok {
		rows = map[string]Row{}
		s.tables[table] = rows
	}
	merged := cloneRow(rows[key])
	if merged == nil {
		merged = Row{}
	}
	for field, value := range row {
		merged[field] = value
	}
	rows[key] = merged
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	s.feedLocked(table).Publish(RowChange{Table: table, Key: key, Row: cloneRow(merged)})
	return cloneRow(merged), nil
}

func (s *MemoryRecordStore) Delete(_ context.Context, table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rows := s.tables[table]
	if _, ok := rows[key]; !ok {
		return ErrNotFound
	}
	delete(rows, key)
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.feedLocked(table).Publish(RowChange{Table: table, Key: key, Deleted: true})
	return nil
}

func (s *MemoryRecordStore) Changefeed(ctx context.Context, table string) (<-chan RowChange, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	ch, cancel := s.feedLocked(table).Subscribe()
	s.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		cancel()
	}()
	return ch, nil
}

func (s *MemoryRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	for _, feed := range s.feeds {
		feed.Close()
	}
	return nil
}

func (s *MemoryRecordStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(fileRecordState{Tables: s.tables})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return WriteFileAtomic(s.path, data, 0o644)
}

func rowMatches(row, where Row) bool {
	for field, want := range where {
		got, ok := row[field]
		if !ok {
			return false
		}
		a, errA := json.Marshal(got)
		b, errB := json.Marshal(want)
		if errA != nil || errB != nil || !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

func cloneRow(row Row) Row {
	if row == nil {
		return nil
	}
	data, err := json.Marshal(row)
	if err != nil {
		out := make(Row, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	var out Row
	_ = json.Unmarshal(data, &out)
	return out
}

// WriteFileAtomic writes data to a temp file beside path and renames it
// into place.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
