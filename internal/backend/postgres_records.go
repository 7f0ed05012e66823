package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lib/pq"

	"github.com/agentworkforce/patchsync/internal/pubsub"
)

type postgresRowNotice struct {
	Table   string `json:"table"`
	Key     string `json:"key"`
	Deleted bool   `json:"deleted,omitempty"`
}

// PostgresRecordStore keeps rows as jsonb. Upserts merge top-level fields
// with the jsonb || operator and every mutation sends a NOTIFY.
type PostgresRecordStore struct {
	core      *postgresCore
	tableName string

	mu    sync.Mutex
	feeds map[string]*pubsub.Broker[RowChange]
}

func NewPostgresRecordStore(dsn string) (*PostgresRecordStore, error) {
	core, err := newPostgresCore(dsn, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			tbl TEXT NOT NULL,
			row_key TEXT NOT NULL,
			row_data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tbl, row_key)
		)`, postgresQuoteIdentifier(postgresRecordsTableName)))
	if err != nil {
		return nil, err
	}
	return &PostgresRecordStore{core: core, tableName: postgresRecordsTableName, feeds: map[string]*pubsub.Broker[RowChange]{}}, nil
}

func (s *PostgresRecordStore) Query(ctx context.Context, table string, where Row) ([]KeyedRow, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	if where == nil {
		where = Row{}
	}
	filter, err := json.Marshal(where)
	if err != nil {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT row_key, row_data FROM %s WHERE tbl = $1 AND row_data @> $2::jsonb ORDER BY row_key ASC", postgresQuoteIdentifier(s.tableName))
	rows, err := s.core.db.QueryContext(ctx, query, table, string(filter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]KeyedRow, 0)
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		var row Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, err
		}
		out = append(out, KeyedRow{Key: key, Row: row})
	}
	return out, rows.Err()
}

func (s *PostgresRecordStore) Upsert(ctx context.Context, table, key string, row Row) (Row, error) {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.core.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	name := postgresQuoteIdentifier(s.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %s AS t (tbl, row_key, row_data, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (tbl, row_key)
		DO UPDATE SET row_data = t.row_data || EXCLUDED.row_data, updated_at = NOW()
		RETURNING row_data`, name)
	var data []byte
	if err := tx.QueryRowContext(ctx, query, table, key, string(payload)).Scan(&data); err != nil {
		return nil, err
	}
	if err := s.notify(ctx, tx, postgresRowNotice{Table: table, Key: key}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	var merged Row
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *PostgresRecordStore) Delete(ctx context.Context, table, key string) error {
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.core.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	query := fmt.Sprintf("DELETE FROM %s WHERE tbl = $1 AND row_key = $2", postgresQuoteIdentifier(s.tableName))
	res, err := tx.ExecContext(ctx, query, table, key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if err := s.notify(ctx, tx, postgresRowNotice{Table: table, Key: key, Deleted: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresRecordStore) notify(ctx context.Context, tx *sql.Tx, notice postgresRowNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresRecordsChannel, string(payload))
	return err
}

func (s *PostgresRecordStore) Changefeed(ctx context.Context, table string) (<-chan RowChange, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	if err := s.core.listen(postgresRecordsChannel, s.handleNotification); err != nil {
		return nil, err
	}
	s.mu.Lock()
	feed, ok := s.feeds[table]
	if !ok {
		feed = &pubsub.Broker[RowChange]{}
		s.feeds[table] = feed
	}
	ch, cancel := feed.Subscribe()
	s.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.core.done:
		}
		cancel()
	}()
	return ch, nil
}

func (s *PostgresRecordStore) handleNotification(n *pq.Notification) {
	if n == nil {
		return
	}
	var notice postgresRowNotice
	if err := json.Unmarshal([]byte(n.Extra), &notice); err != nil {
		return
	}
	s.mu.Lock()
	feed, ok := s.feeds[notice.Table]
	s.mu.Unlock()
	if !ok {
		return
	}
	if notice.Deleted {
		feed.Publish(RowChange{Table: notice.Table, Key: notice.Key, Deleted: true})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT row_data FROM %s WHERE tbl = $1 AND row_key = $2", postgresQuoteIdentifier(s.tableName))
	var data []byte
	err := s.core.db.QueryRowContext(ctx, query, notice.Table, notice.Key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		feed.Publish(RowChange{Table: notice.Table, Key: notice.Key, Deleted: true})
		return
	}
	if err != nil {
		return
	}
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return
	}
	feed.Publish(RowChange{Table: notice.Table, Key: notice.Key, Row: row})
}

func (s *PostgresRecordStore) Close() error {
	s.mu.Lock()
	for _, feed := range s.feeds {
		feed.Close()
	}
	s.mu.Unlock()
	return s.core.close()
}
