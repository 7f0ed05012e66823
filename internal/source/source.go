// Package source backs mirrored tables on the server. A source is either
// a patch log topic or a table in the record store, optionally narrowed
// by a filter expression.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/agentworkforce/patchsync/internal/backend"
	"github.com/agentworkforce/patchsync/internal/document"
	"github.com/agentworkforce/patchsync/internal/patchlog"
	"github.com/agentworkforce/patchsync/internal/synctable"
)

const (
	TablePatches     = "patches"
	TableSyncStrings = "syncstrings"
)

var (
	ErrInvalidQuery  = errors.New("invalid query")
	ErrInvalidFilter = errors.New("invalid filter")
)

// SyncStringKeys are the primary keys of the document metadata table.
var SyncStringKeys = []string{"project_id", "path"}

type Record = synctable.Record

type Query struct {
	Table     string
	ProjectID string
	Path      string
	Where     map[string]any
	Filter    string
}

// Feed is the initial contents of a source plus the changes after it.
// Changes is closed when the context passed to Open ends.
type Feed struct {
	Init    []Record
	Changes <-chan synctable.VersionedChange
}

type Source interface {
	Open(ctx context.Context) (Feed, error)
	Write(ctx context.Context, records []Record) ([]synctable.WriteResult, error)
	PrimaryKeys() []string
	WriteOnce() bool
}

// Resolver maps queries onto the configured backends.
type Resolver struct {
	Logs    backend.LogService
	Records backend.RecordStore
}

// Resolve returns the source for q. primaryKeys applies to generic record
// tables and defaults to id.
func (r *Resolver) Resolve(q Query, primaryKeys []string) (Source, error) {
	switch strings.TrimSpace(q.Table) {
	case "":
		return nil, fmt.Errorf("%w: missing table", ErrInvalidQuery)
	case TablePatches:
		if q.Path == "" {
			return nil, fmt.Errorf("%w: patches query needs a path", ErrInvalidQuery)
		}
		if r.Logs == nil {
			return nil, fmt.Errorf("%w: no log service configured", ErrInvalidQuery)
		}
		return NewLogSource(r.Logs, PatchTopic(q.ProjectID, q.Path)), nil
	case TableSyncStrings:
		where := map[string]any{}
		for k, v := range q.Where {
			where[k] = v
		}
		if q.ProjectID != "" {
			where["project_id"] = q.ProjectID
		}
		if q.Path != "" {
			where["path"] = q.Path
		}
		q.Where = where
		return r.recordSource(q, SyncStringKeys)
	default:
		if len(primaryKeys) == 0 {
			primaryKeys = []string{"id"}
		}
		return r.recordSource(q, primaryKeys)
	}
}

func (r *Resolver) recordSource(q Query, primaryKeys []string) (Source, error) {
	if r.Records == nil {
		return nil, fmt.Errorf("%w: no record store configured", ErrInvalidQuery)
	}
	return NewRecordSource(r.Records, q.Table, primaryKeys, q.Where, q.Filter)
}

// PatchTopic names the log topic holding the patches of one document.
func PatchTopic(projectID, path string) string {
	return "patches:" + projectID + ":" + path
}

// LogSource exposes a log topic as a write-once table keyed by time.
type LogSource struct {
	svc   backend.LogService
	topic string
}

func NewLogSource(svc backend.LogService, topic string) *LogSource {
	return &LogSource{svc: svc, topic: topic}
}

func (s *LogSource) PrimaryKeys() []string { return append([]string(nil), patchlog.PrimaryKeys...) }

func (s *LogSource) WriteOnce() bool { return true }

func (s *LogSource) Open(ctx context.Context) (Feed, error) {
	// Subscribe before reading so nothing appended in between is lost.
	sub, err := s.svc.Subscribe(ctx, s.topic)
	if err != nil {
		return Feed{}, err
	}
	entries, err := s.svc.GetAll(ctx, s.topic)
	if err != nil {
		return Feed{}, err
	}
	var last uint64
	init := make([]Record, 0, len(entries))
	for _, entry := range entries {
		rec, err := decodeEntry(entry)
		if err != nil {
			return Feed{}, err
		}
		init = append(init, rec)
		if entry.Seq > last {
			last = entry.Seq
		}
	}
	out := make(chan synctable.VersionedChange)
	go func() {
		defer close(out)
		for entry := range sub {
			if entry.Seq <= last {
				continue
			}
			last = entry.Seq
			rec, err := decodeEntry(entry)
			if err != nil {
				continue
			}
			select {
			case out <- synctable.VersionedChange{Record: rec}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return Feed{Init: init, Changes: out}, nil
}

// Write appends each record. A record already present with identical
// contents counts as written.
func (s *LogSource) Write(ctx context.Context, records []Record) ([]synctable.WriteResult, error) {
	results := make([]synctable.WriteResult, len(records))
	for i, rec := range records {
		key, err := document.PrimaryKey(rec, patchlog.PrimaryKeys)
		if err != nil {
			results[i] = synctable.WriteResult{Code: "invalid", Error: err.Error()}
			continue
		}
		results[i].Key = key
		value, err := json.Marshal(rec)
		if err != nil {
			results[i].Code, results[i].Error = "invalid", err.Error()
			continue
		}
		_, err = s.svc.Append(ctx, s.topic, key, value)
		if err == nil {
			continue
		}
		if !errors.Is(err, backend.ErrAlreadyWritten) {
			return nil, err
		}
		existing, getErr := s.svc.Get(ctx, s.topic, key)
		if getErr != nil {
			return nil, getErr
		}
		stored, decodeErr := decodeEntry(existing)
		if decodeErr == nil && document.RecordsEqual(stored, mustNormalize(rec)) {
			continue
		}
		results[i].Code = synctable.CodeAlreadyWritten
		results[i].Error = err.Error()
	}
	return results, nil
}

func decodeEntry(entry backend.Entry) (Record, error) {
	var rec Record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", entry.Topic, entry.Key, err)
	}
	return rec, nil
}

func mustNormalize(rec Record) Record {
	normalized, err := document.Normalize(rec)
	if err != nil {
		return rec
	}
	return normalized
}

// RecordSource exposes one record store table.
type RecordSource struct {
	store       backend.RecordStore
	table       string
	primaryKeys []string
	where       map[string]any
	filter      *vm.Program
}

func NewRecordSource(store backend.RecordStore, table string, primaryKeys []string, where map[string]any, filter string) (*RecordSource, error) {
	s := &RecordSource{
		store:       store,
		table:       table,
		primaryKeys: append([]string(nil), primaryKeys...),
		where:       where,
	}
	if strings.TrimSpace(filter) != "" {
		program, err := expr.Compile(filter, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		s.filter = program
	}
	return s, nil
}

func (s *RecordSource) PrimaryKeys() []string { return append([]string(nil), s.primaryKeys...) }

func (s *RecordSource) WriteOnce() bool { return false }

func (s *RecordSource) matches(row Record) bool {
	if !document.Matches(row, s.where) {
		return false
	}
	if s.filter == nil {
		return true
	}
	out, err := expr.Run(s.filter, map[string]any(row))
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func (s *RecordSource) Open(ctx context.Context) (Feed, error) {
	feed, err := s.store.Changefeed(ctx, s.table)
	if err != nil {
		return Feed{}, err
	}
	rows, err := s.store.Query(ctx, s.table, nil)
	if err != nil {
		return Feed{}, err
	}
	init := make([]Record, 0, len(rows))
	for _, row := range rows {
		if s.matches(row.Row) {
			init = append(init, row.Row)
		}
	}
	out := make(chan synctable.VersionedChange)
	go func() {
		defer close(out)
		for change := range feed {
			vc, ok := s.versioned(change)
			if !ok {
				continue
			}
			select {
			case out <- vc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return Feed{Init: init, Changes: out}, nil
}

// versioned converts a store change. Rows that stop matching are
// reported as deletions.
func (s *RecordSource) versioned(change backend.RowChange) (synctable.VersionedChange, bool) {
	if !change.Deleted && s.matches(change.Row) {
		return synctable.VersionedChange{Record: change.Row}, true
	}
	keyRec, err := s.keyRecord(change.Key)
	if err != nil {
		return synctable.VersionedChange{}, false
	}
	if !change.Deleted || document.Matches(keyRec, s.keyFilter()) {
		return synctable.VersionedChange{Record: keyRec, Deleted: true}, true
	}
	return synctable.VersionedChange{}, false
}

// keyFilter is the part of where that constrains primary key fields.
func (s *RecordSource) keyFilter() map[string]any {
	out := map[string]any{}
	for _, field := range s.primaryKeys {
		if v, ok := s.where[field]; ok {
			out[field] = v
		}
	}
	return out
}

// keyRecord rebuilds the primary key fields from a stored key.
func (s *RecordSource) keyRecord(key string) (Record, error) {
	var values []any
	if err := json.Unmarshal([]byte(key), &values); err != nil {
		return nil, err
	}
	if len(values) != len(s.primaryKeys) {
		return nil, fmt.Errorf("key %s does not match primary keys %v", key, s.primaryKeys)
	}
	rec := Record{}
	for i, field := range s.primaryKeys {
		rec[field] = values[i]
	}
	return rec, nil
}

func (s *RecordSource) Write(ctx context.Context, records []Record) ([]synctable.WriteResult, error) {
	results := make([]synctable.WriteResult, len(records))
	for i, rec := range records {
		key, err := document.PrimaryKey(rec, s.primaryKeys)
		if err != nil {
			results[i] = synctable.WriteResult{Code: "invalid", Error: err.Error()}
			continue
		}
		results[i].Key = key
		if _, err := s.store.Upsert(ctx, s.table, key, rec); err != nil {
			return nil, err
		}
	}
	return results, nil
}
