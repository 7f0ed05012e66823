package backend

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresLogTableName     = "patchsync_log"
	postgresRecordsTableName = "patchsync_records"
	postgresLogChannel       = "patchsync_log"
	postgresRecordsChannel   = "patchsync_records"
	postgresOperationTimeout = 5 * time.Second
	postgresListenerMinWait  = 100 * time.Millisecond
	postgresListenerMaxWait  = 10 * time.Second
	postgresListenerPing     = 90 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresCore opens the database once and creates the schema on first
// use. It also owns the LISTEN connection used for fan-out.
type postgresCore struct {
	dsn    string
	schema []string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	listenMu sync.Mutex
	listener *pq.Listener
	done     chan struct{}
	closed   bool
}

func newPostgresCore(dsn string, schema ...string) (*postgresCore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresCore{dsn: dsn, schema: schema, openDB: sql.Open, done: make(chan struct{})}, nil
}

func (c *postgresCore) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range c.schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				c.initErr = err
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

// listen starts a LISTEN connection on channel and calls handle for each
// notification. A nil notification means the connection was re-established
// and notifications may have been missed.
func (c *postgresCore) listen(channel string, handle func(n *pq.Notification)) error {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.listener != nil {
		return nil
	}
	listener := pq.NewListener(c.dsn, postgresListenerMinWait, postgresListenerMaxWait, nil)
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return err
	}
	c.listener = listener
	go func() {
		ticker := time.NewTicker(postgresListenerPing)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				handle(n)
			case <-ticker.C:
				go func() { _ = listener.Ping() }()
			}
		}
	}()
	return nil
}

func (c *postgresCore) close() error {
	c.listenMu.Lock()
	if c.closed {
		c.listenMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	listener := c.listener
	c.listenMu.Unlock()

	var errs []error
	if listener != nil {
		errs = append(errs, listener.Close())
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	return errors.Join(errs...)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresLockKey(tableName, key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(key)))
	return int64(hasher.Sum64())
}
