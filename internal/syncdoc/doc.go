// Package syncdoc binds a patch table and a metadata record into one
// synchronized document. Local edits are buffered and committed as
// patches; remote patches are merged into the live value.
package syncdoc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/patchsync/internal/document"
	"github.com/agentworkforce/patchsync/internal/patchlog"
	"github.com/agentworkforce/patchsync/internal/pubsub"
	"github.com/agentworkforce/patchsync/internal/retry"
	"github.com/agentworkforce/patchsync/internal/synctable"
)

var (
	ErrClosed     = errors.New("document closed")
	ErrSaveFailed = errors.New("save failed")
)

const (
	DefaultFlushInterval = 250 * time.Millisecond
	DefaultSaveRetries   = 3
	autosaveJitter       = 0.1
	maxRetime            = 64
)

type SaveState string

const (
	Unsaved SaveState = "unsaved"
	Saving  SaveState = "saving"
	Saved   SaveState = "saved"
)

type EventType string

const (
	EventChange    EventType = "change"
	EventClosed    EventType = "closed"
	EventError     EventType = "error"
	EventSaveState EventType = "save_state"
)

type Event struct {
	Type  EventType
	Err   error
	State SaveState
}

type Options struct {
	Path      string
	ProjectID string
	DocType   document.DocType
	UserID    int

	// Patches must be a write-once table keyed by time. Meta is the
	// optional metadata table keyed by project_id and path.
	Patches *synctable.Table
	Meta    *synctable.Table

	// FlushInterval debounces commits after an edit. Negative disables
	// automatic commits.
	FlushInterval    time.Duration
	AutosaveInterval time.Duration
	Saver            Saver
	SaveRetries      int
	SaveBackoff      retry.Backoff

	// Snapshots enables snapshot patches. Only the authoritative instance
	// of a document should set it.
	Snapshots      bool
	SnapshotPolicy patchlog.SnapshotPolicy

	// ClockSkew is how far the local clock runs ahead of the server.
	ClockSkew time.Duration
	NoWait    bool
	OnClose   func()
	Logger    zerolog.Logger

	now func() time.Time
}

type Doc struct {
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
	patches *synctable.Table
	meta    *synctable.Table

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	plog        *patchlog.Log
	committed   document.Document
	live        document.Document
	lastLocal   patchlog.Timestamp
	commitTimer *time.Timer
	saveState   SaveState
	closed      bool

	closeOnce sync.Once
	closeErr  error

	events pubsub.Broker[Event]
}

// Open loads the document from its patch table. Unless opts.NoWait is set
// it first waits for the table's initial contents.
func Open(ctx context.Context, opts Options) (*Doc, error) {
	if opts.Patches == nil {
		return nil, errors.New("syncdoc: patches table is required")
	}
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("syncdoc: path is required")
	}
	opts.DocType = opts.DocType.Normalize()
	if opts.FlushInterval == 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.SaveRetries <= 0 {
		opts.SaveRetries = DefaultSaveRetries
	}
	if opts.SnapshotPolicy == (patchlog.SnapshotPolicy{}) {
		opts.SnapshotPolicy = patchlog.DefaultSnapshotPolicy()
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}

	changes, stopChanges := opts.Patches.Changes()
	conflicts, stopConflicts := opts.Patches.Conflicts()
	if !opts.NoWait {
		if err := opts.Patches.WaitConnected(ctx); err != nil {
			stopChanges()
			stopConflicts()
			return nil, err
		}
	}

	plog := patchlog.New(opts.DocType)
	for _, rec := range opts.Patches.GetAll() {
		p, err := patchlog.FromRecord(rec)
		if err != nil {
			continue
		}
		if _, _, err := plog.Add(p); err != nil {
			stopChanges()
			stopConflicts()
			return nil, err
		}
	}
	value, err := plog.Value(0)
	if err != nil {
		stopChanges()
		stopConflicts()
		return nil, err
	}

	dctx, cancel := context.WithCancel(context.Background())
	d := &Doc{
		opts:      opts,
		log:       opts.Logger.With().Str("component", "syncdoc").Str("path", opts.Path).Logger(),
		now:       now,
		patches:   opts.Patches,
		meta:      opts.Meta,
		ctx:       dctx,
		cancel:    cancel,
		plog:      plog,
		committed: value,
		live:      value,
		saveState: Saved,
	}
	d.setMeta(synctable.Record{
		"doctype":     opts.DocType,
		"last_active": patchlog.FromTime(now()),
	})

	d.wg.Add(2)
	go d.watchChanges(changes, stopChanges)
	go d.watchConflicts(conflicts, stopConflicts)
	if opts.AutosaveInterval > 0 {
		d.wg.Add(1)
		go d.autosave()
	}
	d.log.Debug().Int("patches", plog.Len()).Msg("opened")
	return d, nil
}

func (d *Doc) Path() string { return d.opts.Path }

func (d *Doc) DocType() document.DocType { return d.opts.DocType }

// Events delivers change, error, save state and closed events in order.
func (d *Doc) Events() (<-chan Event, func()) { return d.events.Subscribe() }

// Get returns the live value, including uncommitted local edits.
func (d *Doc) Get() document.Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

func (d *Doc) String() string { return d.Get().String() }

func (d *Doc) SaveState() SaveState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saveState
}

// Versions lists the times of every known patch.
func (d *Doc) Versions() []patchlog.Timestamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.plog.SortedTimes()
}

// Version reconstructs the value as of patch time t.
func (d *Doc) Version(t patchlog.Timestamp) (document.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.plog.Value(t)
}

// HasUncommittedChanges reports edits not yet turned into a patch.
func (d *Doc) HasUncommittedChanges() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.live.IsEqual(d.committed)
}

// Set applies value through the document kind's Set and schedules a
// commit.
func (d *Doc) Set(value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unusableLocked() {
		return ErrClosed
	}
	next, err := d.live.Set(value)
	if err != nil {
		return err
	}
	d.editLocked(next)
	return nil
}

// Delete removes matching records from a db document.
func (d *Doc) Delete(query document.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unusableLocked() {
		return ErrClosed
	}
	next, err := d.live.Delete(query)
	if err != nil {
		return err
	}
	d.editLocked(next)
	return nil
}

// SetDoc replaces the live value.
func (d *Doc) SetDoc(doc document.Document) error {
	if doc == nil || doc.Kind() != d.opts.DocType.Type {
		return document.ErrKindMismatch
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unusableLocked() {
		return ErrClosed
	}
	d.editLocked(doc)
	return nil
}

// unusableLocked reports whether edits can no longer reach the patches
// table, either because the document closed or its table was shut down
// underneath it.
func (d *Doc) unusableLocked() bool {
	return d.closed || d.patches.State() == synctable.Closed
}

func (d *Doc) editLocked(next document.Document) {
	if next.IsEqual(d.live) {
		return
	}
	d.live = next
	d.setSaveStateLocked(Unsaved)
	if d.opts.FlushInterval < 0 {
		return
	}
	if d.commitTimer != nil {
		d.commitTimer.Stop()
	}
	d.commitTimer = time.AfterFunc(d.opts.FlushInterval, func() {
		if err := d.Commit(); err != nil && !errors.Is(err, ErrClosed) {
			d.log.Warn().Err(err).Msg("commit")
		}
	})
}

// Commit turns uncommitted edits into a patch right away.
func (d *Doc) Commit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unusableLocked() {
		return ErrClosed
	}
	return d.commitLocked()
}

func (d *Doc) commitLocked() error {
	if d.commitTimer != nil {
		d.commitTimer.Stop()
		d.commitTimer = nil
	}
	if d.live.IsEqual(d.committed) {
		return nil
	}
	diff, err := d.committed.MakePatch(d.live)
	if err != nil {
		return err
	}
	p := patchlog.Patch{
		Patch:  diff,
		UserID: d.opts.UserID,
		Prev:   d.lastLocal,
		Size:   len(diff),
		Heads:  d.plog.Heads(),
	}
	if err := d.appendLocalLocked(p); err != nil {
		return err
	}
	d.committed = d.live
	d.maybeSnapshotLocked()
	return nil
}

func (d *Doc) localTime() patchlog.Timestamp {
	return patchlog.FromTime(d.now().Add(-d.opts.ClockSkew))
}

// appendLocalLocked picks a free time for p, adds it to the log and sets
// it into the patch table.
func (d *Doc) appendLocalLocked(p patchlog.Patch) error {
	t := d.plog.NextTime(d.localTime())
	for attempt := 0; attempt < maxRetime; attempt++ {
		if _, taken := d.patches.Get(patchlog.Key(t)); taken {
			t = d.plog.NextTime(t + 1)
			continue
		}
		p.Time = t
		p.Sent = t
		if _, _, err := d.plog.Add(p); err != nil {
			return err
		}
		rec, err := p.Record()
		if err != nil {
			d.plog.Remove(t)
			return err
		}
		if _, err := d.patches.Set(rec); err != nil {
			d.plog.Remove(t)
			if errors.Is(err, synctable.ErrAlreadyWritten) {
				t = d.plog.NextTime(t + 1)
				continue
			}
			return err
		}
		if !p.IsSnapshot() {
			d.lastLocal = t
		}
		return nil
	}
	return fmt.Errorf("no free patch time after %d attempts", maxRetime)
}

func (d *Doc) maybeSnapshotLocked() {
	if !d.opts.Snapshots || !d.plog.NeedsSnapshot(d.opts.SnapshotPolicy) {
		return
	}
	snap, err := d.plog.MakeSnapshot(0, d.opts.UserID)
	if err != nil {
		d.log.Warn().Err(err).Msg("build snapshot")
		return
	}
	if err := d.appendLocalLocked(snap); err != nil {
		d.log.Warn().Err(err).Msg("append snapshot")
	}
}

func (d *Doc) watchChanges(changes <-chan synctable.Change, stop func()) {
	defer d.wg.Done()
	defer stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			// Local changes may come from another document sharing the
			// table. Our own patches are already in the log and Add skips
			// them.
			var incoming []patchlog.Patch
			for _, key := range change.Keys {
				rec, ok := d.patches.Get(key)
				if !ok {
					continue
				}
				p, err := patchlog.FromRecord(rec)
				if err != nil {
					d.log.Debug().Err(err).Str("key", key).Msg("skip malformed patch")
					continue
				}
				incoming = append(incoming, p)
			}
			if len(incoming) > 0 {
				d.applyRemote(incoming)
			}
		}
	}
}

func (d *Doc) applyRemote(incoming []patchlog.Patch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed && d.ctx.Err() != nil {
		return
	}
	added, outOfOrder, err := d.plog.Add(incoming...)
	if err != nil {
		// A differing patch at one of our times; the conflict path
		// retimes ours once the upstream rejects it.
		d.log.Debug().Err(err).Msg("remote patch collides with local patch")
	}
	if len(added) == 0 {
		return
	}
	before := d.committed
	if outOfOrder {
		value, err := d.plog.Value(0)
		if err != nil {
			d.emitLocked(Event{Type: EventError, Err: err})
			return
		}
		d.committed = value
	} else {
		for _, p := range added {
			next, err := d.committed.ApplyPatch(p.Patch)
			if err != nil {
				d.emitLocked(Event{Type: EventError, Err: err})
				return
			}
			d.committed = next
		}
	}
	d.rebaseLocked(before)
	d.emitLocked(Event{Type: EventChange})
	d.maybeSnapshotLocked()
}

// rebaseLocked reapplies uncommitted local edits, made against before, on
// top of the new committed value.
func (d *Doc) rebaseLocked(before document.Document) {
	if d.live.IsEqual(before) {
		d.live = d.committed
		return
	}
	local, err := before.MakePatch(d.live)
	if err == nil {
		if rebased, applyErr := d.committed.ApplyPatch(local); applyErr == nil {
			d.live = rebased
			return
		}
	}
	d.log.Warn().Err(err).Msg("could not rebase local edits")
	d.live = d.committed
}

func (d *Doc) watchConflicts(conflicts <-chan []synctable.Record, stop func()) {
	defer d.wg.Done()
	defer stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case recs, ok := <-conflicts:
			if !ok {
				return
			}
			d.retime(recs)
		}
	}
}

// retime gives rejected local patches fresh times. A patch already moved
// is left alone, so calling it twice for the same rejection is harmless.
func (d *Doc) retime(recs []synctable.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	moved := false
	for _, rec := range recs {
		rejected, err := patchlog.FromRecord(rec)
		if err != nil {
			continue
		}
		current, ok := d.plog.Patch(rejected.Time)
		if !ok || !current.Equal(rejected) {
			continue
		}
		d.plog.Remove(rejected.Time)
		if remoteRec, ok := d.patches.Get(patchlog.Key(rejected.Time)); ok {
			if remote, err := patchlog.FromRecord(remoteRec); err == nil {
				_, _, _ = d.plog.Add(remote)
			}
		}
		rejected.Heads = d.plog.Heads()
		if err := d.appendLocalLocked(rejected); err != nil {
			d.emitLocked(Event{Type: EventError, Err: fmt.Errorf("retime patch %d: %w", rejected.Time, err)})
			continue
		}
		d.log.Info().Int64("from", int64(rejected.Time)).Int64("to", int64(d.lastLocal)).Msg("retimed rejected patch")
		moved = true
	}
	if !moved {
		return
	}
	before := d.committed
	value, err := d.plog.Value(0)
	if err != nil {
		d.emitLocked(Event{Type: EventError, Err: err})
		return
	}
	d.committed = value
	d.rebaseLocked(before)
	d.emitLocked(Event{Type: EventChange})
}

// flush pushes every queued patch upstream, retiming rejected ones, and
// then the metadata record.
func (d *Doc) flush(ctx context.Context) error {
	for {
		err := d.patches.Save(ctx)
		var conflict *synctable.ConflictError
		if errors.As(err, &conflict) {
			d.retime(conflict.Records)
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	if d.meta != nil {
		if err := d.meta.Save(ctx); err != nil {
			var conflict *synctable.ConflictError
			if !errors.As(err, &conflict) {
				return err
			}
		}
	}
	return nil
}

func (d *Doc) setMeta(fields synctable.Record) {
	if d.meta == nil {
		return
	}
	rec := synctable.Record{"project_id": d.opts.ProjectID, "path": d.opts.Path}
	for k, v := range fields {
		rec[k] = v
	}
	if _, err := d.meta.Set(rec); err != nil && !errors.Is(err, synctable.ErrClosed) {
		d.log.Warn().Err(err).Msg("update metadata")
	}
}

func (d *Doc) emitLocked(ev Event) {
	d.events.Publish(ev)
}

func (d *Doc) setSaveStateLocked(state SaveState) {
	if d.saveState == state {
		return
	}
	d.saveState = state
	d.emitLocked(Event{Type: EventSaveState, State: state})
}

func (d *Doc) autosave() {
	defer d.wg.Done()
	for {
		delay := retry.JitteredInterval(d.opts.AutosaveInterval, autosaveJitter, rand.Float64())
		if err := retry.Wait(d.ctx, delay); err != nil {
			return
		}
		if d.SaveState() == Saved {
			continue
		}
		if err := d.Save(d.ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			d.log.Warn().Err(err).Msg("autosave")
		}
	}
}

// Save commits pending edits, flushes every patch upstream and, when a
// Saver is configured, writes the value out with retries.
func (d *Doc) Save(ctx context.Context) error {
	d.mu.Lock()
	if d.unusableLocked() {
		d.mu.Unlock()
		return ErrClosed
	}
	err := d.commitLocked()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.save(ctx)
}

func (d *Doc) save(ctx context.Context) error {
	d.mu.Lock()
	d.setSaveStateLocked(Saving)
	d.mu.Unlock()

	if err := d.flush(ctx); err != nil {
		d.mu.Lock()
		d.setSaveStateLocked(Unsaved)
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	value := d.live
	d.mu.Unlock()

	if d.opts.Saver != nil {
		content := value.String()
		err := retry.Do(ctx, d.opts.SaveRetries, d.opts.SaveBackoff, func(int) error {
			return d.opts.Saver.Save(ctx, d.opts.Path, content)
		})
		if err != nil {
			err = fmt.Errorf("%w: %s: %v", ErrSaveFailed, d.opts.Path, err)
			d.mu.Lock()
			d.emitLocked(Event{Type: EventError, Err: err})
			d.setSaveStateLocked(Unsaved)
			d.mu.Unlock()
			d.setMeta(synctable.Record{"save": map[string]any{"state": string(Unsaved), "error": err.Error()}})
			return err
		}
		d.setMeta(synctable.Record{"save": map[string]any{
			"state": string(Saved),
			"hash":  contentHash(content),
			"time":  patchlog.FromTime(d.now()),
		}})
	}

	d.mu.Lock()
	if d.live.IsEqual(value) {
		d.setSaveStateLocked(Saved)
	} else {
		d.setSaveStateLocked(Unsaved)
	}
	d.mu.Unlock()
	return nil
}

// Close commits and flushes every pending patch before releasing the
// tables. It waits as long as ctx allows. Concurrent and repeated calls
// share the first call's result.
func (d *Doc) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closeErr = d.close(ctx)
	})
	return d.closeErr
}

func (d *Doc) close(ctx context.Context) error {
	d.mu.Lock()
	commitErr := d.commitLocked()
	d.closed = true
	d.mu.Unlock()

	var errs []error
	if commitErr != nil {
		errs = append(errs, commitErr)
	}
	if err := d.save(ctx); err != nil {
		errs = append(errs, err)
	}
	if d.meta != nil {
		if err := d.meta.Save(ctx); err != nil {
			d.log.Debug().Err(err).Msg("flush metadata")
		}
	}

	d.cancel()
	d.wg.Wait()
	d.patches.Close()
	if d.meta != nil {
		d.meta.Close()
	}
	if d.opts.OnClose != nil {
		d.opts.OnClose()
	}
	d.events.Publish(Event{Type: EventClosed})
	d.events.Close()

	err := errors.Join(errs...)
	if err != nil {
		d.log.Warn().Err(err).Msg("closed with errors")
	} else {
		d.log.Debug().Msg("closed")
	}
	return err
}
