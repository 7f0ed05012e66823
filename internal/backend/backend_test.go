package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func receiveEntry(t *testing.T, ch <-chan Entry) Entry {
	t.Helper()
	select {
	case entry, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed early")
		}
		return entry
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for entry")
	}
	return Entry{}
}

func exerciseLogService(t *testing.T, svc LogService) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := svc.Subscribe(ctx, "patches:p1:a.txt")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	seq, err := svc.Append(ctx, "patches:p1:a.txt", "[1]", []byte(`{"time":1}`))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected seq 1, got %d", seq)
	}
	if _, err := svc.Append(ctx, "patches:p1:a.txt", "[1]", []byte(`{"time":1,"x":2}`)); !errors.Is(err, ErrAlreadyWritten) {
		t.Fatalf("expected already written, got %v", err)
	}
	if _, err := svc.Append(ctx, "patches:p1:a.txt", "[2]", []byte(`{"time":2}`)); err != nil {
		t.Fatalf("second append failed: %v", err)
	}
	if _, err := svc.Append(ctx, "", "[3]", []byte(`{}`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty topic, got %v", err)
	}

	first := receiveEntry(t, sub)
	second := receiveEntry(t, sub)
	if first.Key != "[1]" || second.Key != "[2]" {
		t.Fatalf("unexpected delivery order: %s, %s", first.Key, second.Key)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("expected increasing seq, got %d then %d", first.Seq, second.Seq)
	}

	entry, err := svc.Get(ctx, "patches:p1:a.txt", "[1]")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(entry.Value) != `{"time":1}` {
		t.Fatalf("first write must win, got %s", entry.Value)
	}
	if _, err := svc.Get(ctx, "patches:p1:a.txt", "[9]"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	all, err := svc.GetAll(ctx, "patches:p1:a.txt")
	if err != nil {
		t.Fatalf("get all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	other, err := svc.GetAll(ctx, "patches:p1:b.txt")
	if err != nil {
		t.Fatalf("get all on empty topic failed: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected empty topic, got %d entries", len(other))
	}
}

func TestMemoryLogService(t *testing.T) {
	svc := NewMemoryLogService()
	defer svc.Close()
	exerciseLogService(t, svc)
}

func TestFileLogService(t *testing.T) {
	svc, err := NewFileLogService(t.TempDir())
	if err != nil {
		t.Fatalf("new file log failed: %v", err)
	}
	defer svc.Close()
	exerciseLogService(t, svc)
}

func TestFileLogServiceSharedDirectory(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewFileLogService(dir)
	if err != nil {
		t.Fatalf("new writer failed: %v", err)
	}
	defer writer.Close()
	reader, err := NewFileLogService(dir)
	if err != nil {
		t.Fatalf("new reader failed: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	sub, err := reader.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := writer.Append(ctx, "t", "k1", []byte(`"v1"`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	entry := receiveEntry(t, sub)
	if entry.Key != "k1" {
		t.Fatalf("expected k1 from tailing reader, got %s", entry.Key)
	}
	if _, err := reader.Append(ctx, "t", "k1", []byte(`"other"`)); !errors.Is(err, ErrAlreadyWritten) {
		t.Fatalf("expected already written across handles, got %v", err)
	}
}

func TestFileLogServicePersists(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewFileLogService(dir)
	if err != nil {
		t.Fatalf("new file log failed: %v", err)
	}
	if _, err := svc.Append(context.Background(), "a/b c", "k", []byte(`1`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	_ = svc.Close()

	reopened, err := NewFileLogService(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	entries, err := reopened.GetAll(context.Background(), "a/b c")
	if err != nil {
		t.Fatalf("get all failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "k" {
		t.Fatalf("expected persisted entry, got %+v", entries)
	}
}

func TestLogServiceSubscriptionEndsWithContext(t *testing.T) {
	svc := NewMemoryLogService()
	defer svc.Close()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := svc.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	cancel()
	select {
	case _, ok := <-sub:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed after cancel")
	}
}

func exerciseRecordStore(t *testing.T, store RecordStore) {
	t.Helper()
	ctx := context.Background()
	feed, err := store.Changefeed(ctx, "syncstrings")
	if err != nil {
		t.Fatalf("changefeed failed: %v", err)
	}
	if _, err := store.Upsert(ctx, "syncstrings", `["p1","a.txt"]`, Row{"project_id": "p1", "path": "a.txt"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	merged, err := store.Upsert(ctx, "syncstrings", `["p1","a.txt"]`, Row{"save": map[string]any{"state": "done"}})
	if err != nil {
		t.Fatalf("merge upsert failed: %v", err)
	}
	if merged["path"] != "a.txt" || merged["save"] == nil {
		t.Fatalf("expected merged row, got %+v", merged)
	}
	if _, err := store.Upsert(ctx, "syncstrings", `["p2","b.txt"]`, Row{"project_id": "p2", "path": "b.txt"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	rows, err := store.Query(ctx, "syncstrings", Row{"project_id": "p1"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != `["p1","a.txt"]` {
		t.Fatalf("unexpected query result %+v", rows)
	}
	all, err := store.Query(ctx, "syncstrings", nil)
	if err != nil {
		t.Fatalf("query all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(all))
	}

	if err := store.Delete(ctx, "syncstrings", `["p2","b.txt"]`); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "syncstrings", `["p2","b.txt"]`); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}

	var changes []RowChange
	for len(changes) < 4 {
		select {
		case change := <-feed:
			changes = append(changes, change)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for changes, got %d", len(changes))
		}
	}
	if !changes[3].Deleted || changes[3].Key != `["p2","b.txt"]` {
		t.Fatalf("expected delete change last, got %+v", changes[3])
	}
}

func TestMemoryRecordStore(t *testing.T) {
	store := NewMemoryRecordStore()
	defer store.Close()
	exerciseRecordStore(t, store)
}

func TestFileRecordStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records", "state.json")
	store, err := NewFileRecordStore(path)
	if err != nil {
		t.Fatalf("new file record store failed: %v", err)
	}
	exerciseRecordStore(t, store)
	_ = store.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected snapshot file: %v", err)
	}
	reopened, err := NewFileRecordStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	rows, err := reopened.Query(context.Background(), "syncstrings", nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 persisted row, got %d", len(rows))
	}
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := WriteFileAtomic(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o644); err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "two" {
		t.Fatalf("expected replaced content, got %q", data)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".doc.txt.tmp-*"))
	if len(leftovers) != 0 {
		t.Fatalf("expected no temp files, got %v", leftovers)
	}
}

func TestPostgresLogServiceIntegration(t *testing.T) {
	dsn := os.Getenv("PATCHSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PATCHSYNC_TEST_POSTGRES_DSN not set")
	}
	svc, err := NewPostgresLogService(dsn)
	if err != nil {
		t.Fatalf("new postgres log failed: %v", err)
	}
	defer svc.Close()
	topic := "it-" + time.Now().Format("150405.000000000")
	ctx := context.Background()
	sub, err := svc.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := svc.Append(ctx, topic, "k", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := svc.Append(ctx, topic, "k", []byte(`{"a":2}`)); !errors.Is(err, ErrAlreadyWritten) {
		t.Fatalf("expected already written, got %v", err)
	}
	if entry := receiveEntry(t, sub); entry.Key != "k" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}
