package backend

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type LogServiceFactory func(dsn string) (LogService, error)
type RecordStoreFactory func(dsn string) (RecordStore, error)

var factoryRegistry = struct {
	mu      sync.RWMutex
	logs    map[string]LogServiceFactory
	records map[string]RecordStoreFactory
}{
	logs:    map[string]LogServiceFactory{},
	records: map[string]RecordStoreFactory{},
}

func RegisterLogServiceFactory(scheme string, factory LogServiceFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.logs[scheme] = factory
}

func RegisterRecordStoreFactory(scheme string, factory RecordStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.records[scheme] = factory
}

func lookupLogServiceFactory(scheme string) (LogServiceFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.logs[scheme]
	return factory, ok
}

func lookupRecordStoreFactory(scheme string) (RecordStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.records[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildLogServiceFromDSN returns the log service named by dsn. An empty
// dsn selects the in-memory service; a bare path selects a file log
// rooted at that directory.
func BuildLogServiceFromDSN(dsn string) (LogService, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryLogService(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupLogServiceFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileLogService(dir)
	case "memory", "mem", "inmem":
		return NewMemoryLogService(), nil
	case "postgres", "postgresql":
		return NewPostgresLogService(dsn)
	case "nats", "kafka", "redis":
		return nil, fmt.Errorf("%w: log service %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported log service scheme: %s", scheme)
	}
}

// BuildRecordStoreFromDSN mirrors BuildLogServiceFromDSN. File stores
// take the path of a JSON snapshot rather than a directory.
func BuildRecordStoreFromDSN(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRecordStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupRecordStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileRecordStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryRecordStore(), nil
	case "postgres", "postgresql":
		return NewPostgresRecordStore(dsn)
	case "nats", "kafka", "redis":
		return nil, fmt.Errorf("%w: record store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
