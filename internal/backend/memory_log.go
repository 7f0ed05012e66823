package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/patchsync/internal/pubsub"
)

type memoryTopic struct {
	entries []Entry
	byKey   map[string]int
	feed    pubsub.Broker[Entry]
}

type MemoryLogService struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool
	done   chan struct{}
}

func NewMemoryLogService() *MemoryLogService {
	return &MemoryLogService{topics: map[string]*memoryTopic{}, done: make(chan struct{})}
}

func (s *MemoryLogService) topicLocked(topic string) *memoryTopic {
	t, ok := s.topics[topic]
	if !ok {
		t = &memoryTopic{byKey: map[string]int{}}
		s.topics[topic] = t
	}
	return t
}

func (s *MemoryLogService) Append(_ context.Context, topic, key string, value []byte) (uint64, error) {
	if strings.TrimSpace(topic) == "" || strings.TrimSpace(key) == "" || !json.Valid(value) {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	t := s.topicLocked(topic)
	if _, ok := t.byKey[key]; ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrAlreadyWritten, topic, key)
	}
	entry := Entry{
		Topic: topic,
		Key:   key,
		Value: append(json.RawMessage(nil), value...),
		Seq:   uint64(len(t.entries) + 1),
	}
	t.byKey[key] = len(t.entries)
	t.entries = append(t.entries, entry)
	t.feed.Publish(entry)
	return entry.Seq, nil
}

func (s *MemoryLogService) Get(_ context.Context, topic, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[topic]
	if !ok {
		return Entry{}, ErrNotFound
	}
	i, ok := t.byKey[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return t.entries[i], nil
}

func (s *MemoryLogService) GetAll(_ context.Context, topic string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.topics[topic]
	if !ok {
		return []Entry{}, nil
	}
	return append([]Entry(nil), t.entries...), nil
}

func (s *MemoryLogService) Subscribe(ctx context.Context, topic string) (<-chan Entry, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	ch, cancel := s.topicLocked(topic).feed.Subscribe()
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

func (s *MemoryLogService) Close() error {
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
	return nil
}
