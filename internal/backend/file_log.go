package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/patchsync/internal/pubsub"
)

type fileTopic struct {
	name    string
	path    string
	offset  int64
	entries []Entry
	byKey   map[string]int
	feed    pubsub.Broker[Entry]
}

// FileLogService keeps one JSON-lines file per topic under a directory.
// Appends hold an exclusive flock so several processes can share the
// directory; each process tails the files it subscribes to via fsnotify.
type FileLogService struct {
	dir string

	mu      sync.Mutex
	topics  map[string]*fileTopic
	byPath  map[string]*fileTopic
	watcher *fsnotify.Watcher
	closed  bool
	done    chan struct{}
}

func NewFileLogService(dir string) (*FileLogService, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileLogService{
		dir:    dir,
		topics: map[string]*fileTopic{},
		byPath: map[string]*fileTopic{},
		done:   make(chan struct{}),
	}, nil
}

func (s *FileLogService) topicLocked(topic string) *fileTopic {
	if t, ok := s.topics[topic]; ok {
		return t
	}
	path := filepath.Join(s.dir, url.PathEscape(topic)+".jsonl")
	t := &fileTopic{name: topic, path: path, byKey: map[string]int{}}
	s.topics[topic] = t
	s.byPath[filepath.Clean(path)] = t
	return t
}

func (s *FileLogService) Append(_ context.Context, topic, key string, value []byte) (uint64, error) {
	if strings.TrimSpace(topic) == "" || strings.TrimSpace(key) == "" || !json.Valid(value) {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	t := s.topicLocked(topic)

	f, err := os.OpenFile(t.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return 0, fmt.Errorf("lock %s: %w", t.path, err)
	}
	defer func() { _ = unlockFile(f) }()

	if err := s.refreshLocked(t); err != nil {
		return 0, err
	}
	if _, ok := t.byKey[key]; ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrAlreadyWritten, topic, key)
	}
	entry := Entry{Topic: topic, Key: key, Value: append(json.RawMessage(nil), value...), Seq: uint64(len(t.entries) + 1)}
	line, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	if err := s.refreshLocked(t); err != nil {
		return 0, err
	}
	return entry.Seq, nil
}

// refreshLocked reads complete lines past the last offset and publishes
// the entries it finds.
func (s *FileLogService) refreshLocked(t *fileTopic) error {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		data = data[idx+1:]
		t.offset += int64(idx + 1)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("corrupt log line in %s: %w", t.path, err)
		}
		if _, ok := t.byKey[entry.Key]; ok {
			continue
		}
		t.byKey[entry.Key] = len(t.entries)
		t.entries = append(t.entries, entry)
		t.feed.Publish(entry)
	}
	return nil
}

func (s *FileLogService) Get(_ context.Context, topic, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, ErrClosed
	}
	t := s.topicLocked(topic)
	if err := s.refreshLocked(t); err != nil {
		return Entry{}, err
	}
	i, ok := t.byKey[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return t.entries[i], nil
}

func (s *FileLogService) GetAll(_ context.Context, topic string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	t := s.topicLocked(topic)
	if err := s.refreshLocked(t); err != nil {
		return nil, err
	}
	return append([]Entry(nil), t.entries...), nil
}

func (s *FileLogService) Subscribe(ctx context.Context, topic string) (<-chan Entry, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	t := s.topicLocked(topic)
	if err := s.refreshLocked(t); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.ensureWatcherLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ch, cancel := t.feed.Subscribe()
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

func (s *FileLogService) ensureWatcherLocked() error {
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher
	go s.watch(watcher)
	return nil
}

func (s *FileLogService) watch(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			s.mu.Lock()
			if t, known := s.byPath[filepath.Clean(ev.Name)]; known && !s.closed {
				_ = s.refreshLocked(t)
			}
			s.mu.Unlock()
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *FileLogService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	for _, t := range s.topics {
		t.feed.Close()
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
