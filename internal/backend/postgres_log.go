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

type postgresFeed struct {
	last   uint64
	broker pubsub.Broker[Entry]
}

// PostgresLogService stores entries in one table with a unique
// (topic, key) constraint. Appends to a topic are serialized by an
// advisory lock so seq order matches commit order, and every append
// sends a NOTIFY carrying the topic.
type PostgresLogService struct {
	core      *postgresCore
	tableName string

	mu    sync.Mutex
	feeds map[string]*postgresFeed
}

func NewPostgresLogService(dsn string) (*PostgresLogService, error) {
	table := postgresQuoteIdentifier(postgresLogTableName)
	core, err := newPostgresCore(dsn,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				topic TEXT NOT NULL,
				entry_key TEXT NOT NULL,
				value TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (topic, entry_key)
			)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (topic, seq)",
			postgresQuoteIdentifier(postgresLogTableName+"_topic_seq_idx"), table),
	)
	if err != nil {
		return nil, err
	}
	return &PostgresLogService{core: core, tableName: postgresLogTableName, feeds: map[string]*postgresFeed{}}, nil
}

func (s *PostgresLogService) Append(ctx context.Context, topic, key string, value []byte) (uint64, error) {
	if strings.TrimSpace(topic) == "" || strings.TrimSpace(key) == "" || !json.Valid(value) {
		return 0, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.core.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresLockKey(s.tableName, topic)); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("INSERT INTO %s (topic, entry_key, value) VALUES ($1, $2, $3) RETURNING seq", postgresQuoteIdentifier(s.tableName))
	var seq int64
	if err := tx.QueryRowContext(ctx, query, topic, key, string(value)).Scan(&seq); err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s/%s", ErrAlreadyWritten, topic, key)
		}
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresLogChannel, topic); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return uint64(seq), nil
}

func (s *PostgresLogService) Get(ctx context.Context, topic, key string) (Entry, error) {
	if err := s.core.ensureReady(); err != nil {
		return Entry{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT seq, value FROM %s WHERE topic = $1 AND entry_key = $2", postgresQuoteIdentifier(s.tableName))
	var seq int64
	var value string
	err := s.core.db.QueryRowContext(ctx, query, topic, key).Scan(&seq, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{Topic: topic, Key: key, Value: json.RawMessage(value), Seq: uint64(seq)}, nil
}

func (s *PostgresLogService) GetAll(ctx context.Context, topic string) ([]Entry, error) {
	return s.entriesAfter(ctx, topic, 0)
}

func (s *PostgresLogService) entriesAfter(ctx context.Context, topic string, after uint64) ([]Entry, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT seq, entry_key, value FROM %s WHERE topic = $1 AND seq > $2 ORDER BY seq ASC", postgresQuoteIdentifier(s.tableName))
	rows, err := s.core.db.QueryContext(ctx, query, topic, int64(after))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var seq int64
		var key, value string
		if err := rows.Scan(&seq, &key, &value); err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Topic: topic, Key: key, Value: json.RawMessage(value), Seq: uint64(seq)})
	}
	return entries, rows.Err()
}

func (s *PostgresLogService) Subscribe(ctx context.Context, topic string) (<-chan Entry, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	if err := s.core.listen(postgresLogChannel, s.handleNotification); err != nil {
		return nil, err
	}
	s.mu.Lock()
	feed, ok := s.feeds[topic]
	if !ok {
		existing, err := s.entriesAfter(ctx, topic, 0)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		feed = &postgresFeed{}
		if n := len(existing); n > 0 {
			feed.last = existing[n-1].Seq
		}
		s.feeds[topic] = feed
	}
	ch, cancel := feed.broker.Subscribe()
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

func (s *PostgresLogService) handleNotification(n *pq.Notification) {
	if n == nil {
		s.mu.Lock()
		topics := make([]string, 0, len(s.feeds))
		for topic := range s.feeds {
			topics = append(topics, topic)
		}
		s.mu.Unlock()
		for _, topic := range topics {
			s.catchUp(topic)
		}
		return
	}
	s.catchUp(n.Extra)
}

func (s *PostgresLogService) catchUp(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	feed, ok := s.feeds[topic]
	if !ok {
		return
	}
	entries, err := s.entriesAfter(context.Background(), topic, feed.last)
	if err != nil {
		return
	}
	for _, entry := range entries {
		feed.broker.Publish(entry)
		feed.last = entry.Seq
	}
}

func (s *PostgresLogService) Close() error {
	s.mu.Lock()
	for _, feed := range s.feeds {
		feed.broker.Close()
	}
	s.mu.Unlock()
	return s.core.close()
}
