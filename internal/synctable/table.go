// Package synctable mirrors a keyed set of records from an upstream
// source. Local writes apply optimistically and are flushed upstream in
// the background; remote changes arrive through Init and ApplyChanges.
package synctable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/patchsync/internal/document"
	"github.com/agentworkforce/patchsync/internal/pubsub"
	"github.com/agentworkforce/patchsync/internal/retry"
)

var (
	ErrAlreadyWritten = errors.New("already written")
	ErrTimeout        = errors.New("timeout")
	ErrClosed         = errors.New("table closed")
)

const CodeAlreadyWritten = "already_written"

type Record = document.Record

type State string

const (
	Disconnected State = "disconnected"
	Connected    State = "connected"
	Closed       State = "closed"
)

// Change lists the keys touched by one mutation. Local is true for
// writes made through Set.
type Change struct {
	Keys  []string
	Local bool
}

type VersionedChange struct {
	Record  Record `json:"record"`
	Deleted bool   `json:"deleted,omitempty"`
}

// WriteResult is the upstream verdict on one record. An empty Code means
// the write was accepted.
type WriteResult struct {
	Key   string `json:"key"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

func (r WriteResult) OK() bool { return r.Code == "" }

// Upstream accepts batches of local writes. The results are index
// aligned with records.
type Upstream interface {
	Send(ctx context.Context, records []Record) ([]WriteResult, error)
}

// ConflictError reports writes the upstream refused. They have been
// rolled back locally.
type ConflictError struct {
	Records []Record
	Codes   map[string]string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("upstream rejected %d record(s)", len(e.Records))
}

func (e *ConflictError) Is(target error) bool {
	if target != ErrAlreadyWritten {
		return false
	}
	for _, code := range e.Codes {
		if code == CodeAlreadyWritten {
			return true
		}
	}
	return false
}

type Options struct {
	Name        string
	PrimaryKeys []string
	// WriteOnce rejects Set on any key that already exists.
	WriteOnce bool
	Schema    json.RawMessage
	// FlushInterval delays the background flush after a Set. Zero flushes
	// on the next scheduler tick; a negative value disables background
	// flushing so only Save sends.
	FlushInterval time.Duration
	RetryBackoff  retry.Backoff
	OnClose       func()
	Logger        zerolog.Logger
}

type Table struct {
	name        string
	primaryKeys []string
	writeOnce   bool
	schema      *jsonschema.Schema
	flushDelay  time.Duration
	backoff     retry.Backoff
	onClose     func()
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	committed  map[string]Record
	pending    map[string]Record
	upstream   Upstream
	changed    chan struct{}
	flushTimer *time.Timer
	flushing   bool
	refs       int
	closeOnce  sync.Once

	// flushSem admits one Save at a time.
	flushSem chan struct{}

	changes   pubsub.Broker[Change]
	conflicts pubsub.Broker[[]Record]
	states    pubsub.Broker[State]
}

func New(opts Options) (*Table, error) {
	pks := append([]string(nil), opts.PrimaryKeys...)
	if len(pks) == 0 {
		pks = []string{"id"}
	}
	var schema *jsonschema.Schema
	if len(opts.Schema) > 0 {
		compiled, err := document.CompileSchema(opts.Schema)
		if err != nil {
			return nil, err
		}
		schema = compiled
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Table{
		name:        opts.Name,
		primaryKeys: pks,
		writeOnce:   opts.WriteOnce,
		schema:      schema,
		flushDelay:  opts.FlushInterval,
		backoff:     opts.RetryBackoff,
		onClose:     opts.OnClose,
		log:         opts.Logger.With().Str("component", "synctable").Str("table", opts.Name).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		state:       Disconnected,
		committed:   map[string]Record{},
		pending:     map[string]Record{},
		changed:     make(chan struct{}),
		refs:        1,
		flushSem:    make(chan struct{}, 1),
	}, nil
}

func (t *Table) Name() string { return t.name }

func (t *Table) PrimaryKeys() []string { return append([]string(nil), t.primaryKeys...) }

func (t *Table) WriteOnce() bool { return t.writeOnce }

func (t *Table) Key(rec Record) (string, error) {
	return document.PrimaryKey(rec, t.primaryKeys)
}

func (t *Table) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetUpstream installs the destination for flushed writes.
func (t *Table) SetUpstream(up Upstream) {
	t.mu.Lock()
	t.upstream = up
	t.notifyLocked()
	t.mu.Unlock()
}

func (t *Table) Changes() (<-chan Change, func()) { return t.changes.Subscribe() }

func (t *Table) Conflicts() (<-chan []Record, func()) { return t.conflicts.Subscribe() }

func (t *Table) States() (<-chan State, func()) { return t.states.Subscribe() }

// notifyLocked wakes every Wait and Save blocked on the previous version.
func (t *Table) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Table) setStateLocked(state State) {
	if t.state == state {
		return
	}
	t.state = state
	t.states.Publish(state)
	t.notifyLocked()
}

func (t *Table) valueLocked(key string) (Record, bool) {
	if rec, ok := t.pending[key]; ok {
		return rec, true
	}
	rec, ok := t.committed[key]
	return rec, ok
}

func (t *Table) Get(key string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.valueLocked(key)
	if !ok {
		return nil, false
	}
	return document.CloneRecord(rec), true
}

// GetRecord looks up the row whose primary key fields match rec.
func (t *Table) GetRecord(rec Record) (Record, bool) {
	key, err := t.Key(rec)
	if err != nil {
		return nil, false
	}
	return t.Get(key)
}

func (t *Table) GetAll() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dataLocked()
}

func (t *Table) dataLocked() map[string]Record {
	out := make(map[string]Record, len(t.committed)+len(t.pending))
	for key, rec := range t.committed {
		out[key] = document.CloneRecord(rec)
	}
	for key, rec := range t.pending {
		out[key] = document.CloneRecord(rec)
	}
	return out
}

func (t *Table) Keys() []string {
	data := t.GetAll()
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (t *Table) HasUncommittedChanges() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Set merges rec into the local mirror and queues it for upstream. A nil
// field removes that field. On a write-once table an existing key is
// rejected and nothing changes.
func (t *Table) Set(rec Record) (Record, error) {
	rec, err := document.Normalize(rec)
	if err != nil {
		return nil, err
	}
	key, err := t.Key(rec)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Closed {
		return nil, ErrClosed
	}
	current, exists := t.valueLocked(key)
	if t.writeOnce && exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyWritten, key)
	}
	merged := Record{}
	if exists {
		merged = document.CloneRecord(current)
	}
	for field, value := range rec {
		if value == nil {
			delete(merged, field)
			continue
		}
		merged[field] = value
	}
	if t.schema != nil {
		if err := t.schema.Validate(map[string]any(merged)); err != nil {
			return nil, fmt.Errorf("%w: %v", document.ErrInvalidRecord, err)
		}
	}
	if exists && document.RecordsEqual(current, merged) {
		return document.CloneRecord(merged), nil
	}
	t.pending[key] = merged
	t.changes.Publish(Change{Keys: []string{key}, Local: true})
	t.notifyLocked()
	t.scheduleFlushLocked()
	return document.CloneRecord(merged), nil
}

// Init replaces the committed state with records. Pending writes stay
// overlaid unless the new state already contains them.
func (t *Table) Init(records []Record) error {
	next := make(map[string]Record, len(records))
	for _, rec := range records {
		rec, err := document.Normalize(rec)
		if err != nil {
			return err
		}
		key, err := t.Key(rec)
		if err != nil {
			return err
		}
		next[key] = rec
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Closed {
		return ErrClosed
	}
	before := t.dataLocked()
	t.committed = next
	for key, rec := range t.pending {
		if committed, ok := next[key]; ok && document.RecordsEqual(committed, rec) {
			delete(t.pending, key)
		}
	}
	after := t.dataLocked()
	if keys := changedKeys(before, after); len(keys) > 0 {
		t.changes.Publish(Change{Keys: keys})
	}
	t.setStateLocked(Connected)
	t.notifyLocked()
	if len(t.pending) > 0 {
		t.scheduleFlushLocked()
	}
	return nil
}

// ApplyChanges applies remote changes in order. A change equal to a
// pending write acknowledges it.
func (t *Table) ApplyChanges(changes []VersionedChange) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Closed {
		return ErrClosed
	}
	keys := make([]string, 0, len(changes))
	seen := map[string]struct{}{}
	for _, change := range changes {
		rec, err := document.Normalize(change.Record)
		if err != nil {
			return err
		}
		key, err := t.Key(rec)
		if err != nil {
			return err
		}
		before, hadBefore := t.valueLocked(key)
		if change.Deleted {
			delete(t.committed, key)
		} else {
			t.committed[key] = rec
			if pending, ok := t.pending[key]; ok && document.RecordsEqual(pending, rec) {
				delete(t.pending, key)
			}
		}
		after, hasAfter := t.valueLocked(key)
		if hadBefore == hasAfter && (!hasAfter || document.RecordsEqual(before, after)) {
			continue
		}
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		t.changes.Publish(Change{Keys: keys})
	}
	t.notifyLocked()
	return nil
}

// Disconnect marks the table as cut off from its upstream. Local writes
// keep working and are flushed after the next Init.
func (t *Table) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Closed {
		return
	}
	t.setStateLocked(Disconnected)
}

// Wait blocks until until returns true for the current data, ctx ends,
// or timeout elapses. A zero timeout waits without limit.
func (t *Table) Wait(ctx context.Context, until func(data map[string]Record) bool, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		t.mu.Lock()
		if t.state == Closed {
			t.mu.Unlock()
			return ErrClosed
		}
		data := t.dataLocked()
		changed := t.changed
		t.mu.Unlock()

		if until(data) {
			return nil
		}
		select {
		case <-changed:
		case <-expired:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitConnected blocks until the table has received its first Init.
func (t *Table) WaitConnected(ctx context.Context) error {
	for {
		t.mu.Lock()
		state := t.state
		changed := t.changed
		t.mu.Unlock()
		switch state {
		case Connected:
			return nil
		case Closed:
			return ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Table) scheduleFlushLocked() {
	if t.flushDelay < 0 || t.flushing || t.flushTimer != nil || t.state == Closed {
		return
	}
	t.flushTimer = time.AfterFunc(t.flushDelay, t.backgroundFlush)
}

func (t *Table) backgroundFlush() {
	t.mu.Lock()
	t.flushTimer = nil
	if t.state == Closed {
		t.mu.Unlock()
		return
	}
	t.flushing = true
	t.mu.Unlock()

	err := t.Save(t.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.log.Warn().Err(err).Msg("background flush")
	}

	t.mu.Lock()
	t.flushing = false
	if len(t.pending) > 0 && t.ctx.Err() == nil {
		t.scheduleFlushLocked()
	}
	t.mu.Unlock()
}

// Save blocks until every pending write has been acknowledged or
// rejected upstream. While disconnected it waits for the next Init.
// Rejected writes are rolled back and returned as a *ConflictError.
func (t *Table) Save(ctx context.Context) error {
	select {
	case t.flushSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.flushSem }()

	var conflict *ConflictError
	failures := 0
	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			t.mu.Unlock()
			break
		}
		if t.state == Closed {
			t.mu.Unlock()
			return ErrClosed
		}
		if t.state != Connected || t.upstream == nil {
			changed := t.changed
			t.mu.Unlock()
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		keys := make([]string, 0, len(t.pending))
		for key := range t.pending {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		batch := make([]Record, len(keys))
		for i, key := range keys {
			batch[i] = document.CloneRecord(t.pending[key])
		}
		up := t.upstream
		t.mu.Unlock()

		results, err := up.Send(ctx, batch)
		if err == nil && len(results) != len(batch) {
			err = fmt.Errorf("upstream returned %d results for %d records", len(results), len(batch))
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			t.log.Debug().Err(err).Int("failures", failures).Msg("flush failed, retrying")
			if waitErr := retry.Wait(ctx, t.backoff.Delay(failures)); waitErr != nil {
				return waitErr
			}
			continue
		}
		failures = 0

		rejected := t.acknowledge(keys, batch, results)
		if len(rejected.Records) > 0 {
			if conflict == nil {
				conflict = &ConflictError{Codes: map[string]string{}}
			}
			conflict.Records = append(conflict.Records, rejected.Records...)
			for key, code := range rejected.Codes {
				conflict.Codes[key] = code
			}
		}
	}
	if conflict != nil {
		return conflict
	}
	return nil
}

func (t *Table) acknowledge(keys []string, batch []Record, results []WriteResult) ConflictError {
	t.mu.Lock()
	defer t.mu.Unlock()

	rejected := ConflictError{Codes: map[string]string{}}
	var reverted []string
	for i, key := range keys {
		sent := batch[i]
		pending, stillPending := t.pending[key]
		unchanged := stillPending && document.RecordsEqual(pending, sent)
		if results[i].OK() {
			if _, known := t.committed[key]; !known || unchanged {
				t.committed[key] = sent
			}
			if unchanged {
				delete(t.pending, key)
			}
			continue
		}
		rejected.Records = append(rejected.Records, sent)
		rejected.Codes[key] = results[i].Code
		if unchanged {
			delete(t.pending, key)
			reverted = append(reverted, key)
		}
	}
	if len(reverted) > 0 {
		t.changes.Publish(Change{Keys: reverted, Local: true})
	}
	if len(rejected.Records) > 0 {
		t.conflicts.Publish(rejected.Records)
	}
	t.notifyLocked()
	return rejected
}

// Retain adds a holder to the table. Each holder releases it with Close.
// It reports false once the table has closed.
func (t *Table) Retain() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Closed || t.refs == 0 {
		return false
	}
	t.refs++
	return true
}

// Close releases one holder and shuts the table down when none remain.
// Extra calls after that are no-ops. Unflushed writes are dropped, so
// callers that need them upstream call Save first.
func (t *Table) Close() {
	t.mu.Lock()
	if t.refs > 1 {
		t.refs--
		t.mu.Unlock()
		return
	}
	t.refs = 0
	t.mu.Unlock()
	t.Shutdown()
}

// Shutdown closes the table whatever the number of holders.
func (t *Table) Shutdown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.refs = 0
		t.setStateLocked(Closed)
		if t.flushTimer != nil {
			t.flushTimer.Stop()
			t.flushTimer = nil
		}
		t.cancel()
		t.changes.Close()
		t.conflicts.Close()
		t.states.Close()
		t.mu.Unlock()
		if t.onClose != nil {
			t.onClose()
		}
	})
}

func changedKeys(before, after map[string]Record) []string {
	var keys []string
	for key, rec := range after {
		if prev, ok := before[key]; !ok || !document.RecordsEqual(prev, rec) {
			keys = append(keys, key)
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
