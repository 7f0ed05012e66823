package backend

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildLogServiceFromDSN(t *testing.T) {
	svc, err := BuildLogServiceFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory log failed: %v", err)
	}
	if _, ok := svc.(*MemoryLogService); !ok {
		t.Fatalf("expected memory log service, got %T", svc)
	}

	dir := filepath.Join(t.TempDir(), "log")
	svc, err = BuildLogServiceFromDSN("file://" + dir)
	if err != nil {
		t.Fatalf("build file log failed: %v", err)
	}
	if _, ok := svc.(*FileLogService); !ok {
		t.Fatalf("expected file log service, got %T", svc)
	}

	svc, err = BuildLogServiceFromDSN(dir)
	if err != nil {
		t.Fatalf("build bare path log failed: %v", err)
	}
	if _, ok := svc.(*FileLogService); !ok {
		t.Fatalf("expected file log service for bare path, got %T", svc)
	}

	svc, err = BuildLogServiceFromDSN("postgres://localhost/patchsync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected lazy postgres log service, got %v", err)
	}
	if svc == nil {
		t.Fatalf("expected non-nil postgres log service")
	}

	if _, err := BuildLogServiceFromDSN("kafka://localhost:9092"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for kafka, got %v", err)
	}
	if _, err := BuildLogServiceFromDSN("gopher://x"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestBuildRecordStoreFromDSN(t *testing.T) {
	store, err := BuildRecordStoreFromDSN("")
	if err != nil {
		t.Fatalf("build default record store failed: %v", err)
	}
	if _, ok := store.(*MemoryRecordStore); !ok {
		t.Fatalf("expected memory record store, got %T", store)
	}
	path := filepath.Join(t.TempDir(), "records.json")
	store, err = BuildRecordStoreFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file record store failed: %v", err)
	}
	if store == nil {
		t.Fatalf("expected non-nil file record store")
	}
	if _, err := BuildRecordStoreFromDSN("redis://localhost"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for redis, got %v", err)
	}
}

func TestRegisterLogServiceFactory(t *testing.T) {
	scheme := "logtestcustom"
	RegisterLogServiceFactory(scheme, func(dsn string) (LogService, error) {
		return NewMemoryLogService(), nil
	})
	svc, err := BuildLogServiceFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if svc == nil {
		t.Fatalf("expected non-nil log service from registered factory")
	}
}

func TestRegisterRecordStoreFactory(t *testing.T) {
	scheme := "RecordTestCustom"
	RegisterRecordStoreFactory(scheme, func(dsn string) (RecordStore, error) {
		return NewMemoryRecordStore(), nil
	})
	store, err := BuildRecordStoreFromDSN("recordtestcustom://example")
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if store == nil {
		t.Fatalf("expected non-nil record store from registered factory")
	}
}
