// Package registry keeps at most one authoritative document instance per
// path on the server.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/patchsync/internal/document"
	"github.com/agentworkforce/patchsync/internal/pubsub"
)

var ErrClosed = errors.New("registry closed")

// Doc is what the registry manages. Close must flush before returning.
type Doc interface {
	Close(ctx context.Context) error
}

type CreateOptions struct {
	ProjectID string
	Path      string
	DocType   document.DocType
}

// Key is the registry path of a document.
func (o CreateOptions) Key() string { return Key(o.ProjectID, o.Path) }

func Key(projectID, path string) string {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if projectID == "" {
		return path
	}
	return projectID + "/" + path
}

type Factory func(ctx context.Context, opts CreateOptions) (Doc, error)

type EventKind string

const (
	EventOpen  EventKind = "open"
	EventClose EventKind = "close"
)

type Event struct {
	Kind    EventKind
	Path    string
	DocType document.DocType
	Doc     Doc
}

type entry struct {
	opts  CreateOptions
	doc   Doc
	err   error
	ready chan struct{}
}

type SyncDocs struct {
	factory Factory
	log     zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closing map[string]chan struct{}
	hooks   map[string][]func(Event)
	shut    bool

	events pubsub.Broker[Event]
}

func New(factory Factory, log zerolog.Logger) *SyncDocs {
	return &SyncDocs{
		factory: factory,
		log:     log.With().Str("component", "registry").Logger(),
		entries: map[string]*entry{},
		closing: map[string]chan struct{}{},
		hooks:   map[string][]func(Event){},
	}
}

// Events delivers open and close events for every document.
func (r *SyncDocs) Events() (<-chan Event, func()) { return r.events.Subscribe() }

// Hook runs fn for each open and close of documents of the given kind.
// Hooks run on the goroutine that caused the event.
func (r *SyncDocs) Hook(kind string, fn func(Event)) {
	kind = document.DocType{Type: kind}.Normalize().Type
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[kind] = append(r.hooks[kind], fn)
}

func (r *SyncDocs) emit(ev Event) {
	r.mu.Lock()
	hooks := append([]func(Event){}, r.hooks[ev.DocType.Normalize().Type]...)
	r.mu.Unlock()
	r.events.Publish(ev)
	for _, fn := range hooks {
		fn(ev)
	}
}

// Create returns the open instance for opts.Key(), building one if there
// is none. A create racing a close of the same path waits for the close
// to finish first.
func (r *SyncDocs) Create(ctx context.Context, opts CreateOptions) (Doc, error) {
	key := opts.Key()
	if key == "" {
		return nil, errors.New("registry: empty path")
	}
	opts.DocType = opts.DocType.Normalize()
	for {
		r.mu.Lock()
		if r.shut {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if done, ok := r.closing[key]; ok {
			r.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if e, ok := r.entries[key]; ok {
			r.mu.Unlock()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.err != nil {
				return nil, e.err
			}
			// A close may have started while the create was in flight.
			r.mu.Lock()
			_, closing := r.closing[key]
			current := r.entries[key] == e
			r.mu.Unlock()
			if closing || !current {
				continue
			}
			return e.doc, nil
		}
		e := &entry{opts: opts, ready: make(chan struct{})}
		r.entries[key] = e
		r.mu.Unlock()

		doc, err := r.factory(ctx, opts)
		r.mu.Lock()
		e.doc, e.err = doc, err
		if err != nil && r.entries[key] == e {
			delete(r.entries, key)
		}
		close(e.ready)
		r.mu.Unlock()
		if err != nil {
			r.log.Warn().Err(err).Str("path", key).Msg("create document")
			return nil, err
		}
		r.log.Debug().Str("path", key).Str("doctype", opts.DocType.Type).Msg("opened")
		r.emit(Event{Kind: EventOpen, Path: key, DocType: opts.DocType, Doc: doc})
		return doc, nil
	}
}

// Close closes the instance at key and removes it once its Close has
// returned. Calling it for a path already closing waits for that close.
func (r *SyncDocs) Close(ctx context.Context, key string) error {
	r.mu.Lock()
	if done, ok := r.closing[key]; ok {
		r.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	r.closing[key] = done
	r.mu.Unlock()

	// A pending create always finishes, so this cannot hang on the
	// registry itself.
	<-e.ready
	var err error
	if e.err == nil {
		err = e.doc.Close(ctx)
	}

	r.mu.Lock()
	if r.entries[key] == e {
		delete(r.entries, key)
	}
	delete(r.closing, key)
	close(done)
	r.mu.Unlock()

	if e.err == nil {
		if err != nil {
			r.log.Warn().Err(err).Str("path", key).Msg("close document")
		}
		r.emit(Event{Kind: EventClose, Path: key, DocType: e.opts.DocType, Doc: e.doc})
	}
	return err
}

// Release forgets doc when it was closed directly rather than through
// Close. It does nothing while the registry itself is closing the path.
func (r *SyncDocs) Release(key string, doc Doc) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.doc != doc {
		r.mu.Unlock()
		return
	}
	if _, closing := r.closing[key]; closing {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()
	r.emit(Event{Kind: EventClose, Path: key, DocType: e.opts.DocType, Doc: doc})
}

// CloseAll closes, concurrently, every path equal to prefix or nested
// under it. An empty prefix closes everything.
func (r *SyncDocs) CloseAll(ctx context.Context, prefix string) error {
	var g errgroup.Group
	for _, key := range r.Paths() {
		if !underPrefix(key, prefix) {
			continue
		}
		key := key
		g.Go(func() error { return r.Close(ctx, key) })
	}
	return g.Wait()
}

// Shutdown refuses further creates and closes every document.
func (r *SyncDocs) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shut = true
	r.mu.Unlock()
	return r.CloseAll(ctx, "")
}

func underPrefix(key, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}

// Get returns the open instance at key. Instances still being created or
// closing are not returned.
func (r *SyncDocs) Get(key string) (Doc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	if _, closing := r.closing[key]; closing {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil {
		return nil, false
	}
	return e.doc, true
}

func (r *SyncDocs) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for key := range r.entries {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (r *SyncDocs) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
