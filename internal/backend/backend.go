// Package backend provides the two external services the sync engine
// depends on: an append-only log service with write-once keys, and a
// relational record store with a changefeed.
package backend

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyWritten = errors.New("key already written")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("backend closed")
)

type Entry struct {
	Topic string          `json:"topic"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Seq   uint64          `json:"seq"`
}

// LogService is an ordered append-only log partitioned by topic. Keys are
// unique within a topic and can never be rewritten.
type LogService interface {
	Append(ctx context.Context, topic, key string, value []byte) (uint64, error)
	Get(ctx context.Context, topic, key string) (Entry, error)
	GetAll(ctx context.Context, topic string) ([]Entry, error)
	// Subscribe delivers entries appended after the call, in seq order.
	// The channel is closed when ctx ends or the service closes.
	Subscribe(ctx context.Context, topic string) (<-chan Entry, error)
	Close() error
}

type Row = map[string]any

type RowChange struct {
	Table   string `json:"table"`
	Key     string `json:"key"`
	Row     Row    `json:"row,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// RecordStore holds mutable rows keyed by table and key.
type RecordStore interface {
	// Query returns rows whose fields equal every field of where,
	// ordered by key.
	Query(ctx context.Context, table string, where Row) ([]KeyedRow, error)
	// Upsert merges the top-level fields of row into the stored row and
	// returns the result.
	Upsert(ctx context.Context, table, key string, row Row) (Row, error)
	Delete(ctx context.Context, table, key string) error
	Changefeed(ctx context.Context, table string) (<-chan RowChange, error)
	Close() error
}

type KeyedRow struct {
	Key string `json:"key"`
	Row Row    `json:"row"`
}
