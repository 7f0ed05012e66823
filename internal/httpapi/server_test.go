package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/patchsync/internal/backend"
	"github.com/agentworkforce/patchsync/internal/channel"
	"github.com/agentworkforce/patchsync/internal/document"
	"github.com/agentworkforce/patchsync/internal/retry"
	"github.com/agentworkforce/patchsync/internal/source"
	"github.com/agentworkforce/patchsync/internal/syncdoc"
	"github.com/agentworkforce/patchsync/internal/synctable"
)

func newTestResolver() *source.Resolver {
	return &source.Resolver{Logs: backend.NewMemoryLogService(), Records: backend.NewMemoryRecordStore()}
}

func TestAuthRequired(t *testing.T) {
	server := NewServer(newTestResolver())
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/docs", nil)
	rec := httptest.NewRecorder()

	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	server := NewServer(newTestResolver())
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewServer(newTestResolver())
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/nope"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestScopeAndAudienceEnforced(t *testing.T) {
	server := NewServer(newTestResolver())

	readOnly := mustTestJWT(t, "dev-secret", "p", 1, []string{ScopeRead}, time.Now().Add(time.Hour))
	denied := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/docs",
		headers: map[string]string{"Authorization": "Bearer " + readOnly},
	})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing admin scope, got %d (%s)", denied.Code, denied.Body.String())
	}

	wrongAudience := mustTestJWTWithAudience(t, "dev-secret", "p", 1, []string{ScopeAdmin}, "time-travel", time.Now().Add(time.Hour))
	badAud := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/docs",
		headers: map[string]string{"Authorization": "Bearer " + wrongAudience},
	})
	if badAud.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid audience, got %d (%s)", badAud.Code, badAud.Body.String())
	}

	expired := mustTestJWT(t, "dev-secret", "p", 1, []string{ScopeAdmin}, time.Now().Add(-time.Minute))
	expiredResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/docs",
		headers: map[string]string{"Authorization": "Bearer " + expired},
	})
	if expiredResp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", expiredResp.Code)
	}

	wrongSecret := mustTestJWT(t, "other-secret", "p", 1, []string{ScopeAdmin}, time.Now().Add(time.Hour))
	badSig := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/docs",
		headers: map[string]string{"Authorization": "Bearer " + wrongSecret},
	})
	if badSig.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", badSig.Code)
	}
}

func TestRateLimitingByProjectAndUser(t *testing.T) {
	server := NewServerWithConfig(newTestResolver(), ServerConfig{
		JWTSecret:       "dev-secret",
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	token := mustTestJWT(t, "dev-secret", "p_rate", 4, []string{ScopeAdmin}, time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{
			method: http.MethodGet,
			path:   "/v1/admin/docs",
			headers: map[string]string{
				"Authorization":    "Bearer " + token,
				"X-Correlation-Id": fmt.Sprintf("corr_rate_%d", i),
			},
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}

	denied := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/docs",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestAdminCloseNeedsTarget(t *testing.T) {
	server := NewServer(newTestResolver())
	token := mustTestJWT(t, "dev-secret", AnyProject, 0, []string{ScopeAdmin}, time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/docs/close",
		headers: map[string]string{"Authorization": "Bearer " + token},
		body:    map[string]any{},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", resp.Code, resp.Body.String())
	}
}

type hubFixture struct {
	server *Server
	http   *httptest.Server
	root   string
}

func newHub(t *testing.T) *hubFixture {
	t.Helper()
	root := t.TempDir()
	server := NewServerWithConfig(newTestResolver(), ServerConfig{
		JWTSecret: "dev-secret",
		SaveRoot:  root,
		IdleClose: -1,
		Backoff:   retry.Backoff{Initial: time.Millisecond, Max: 10 * time.Millisecond},
	})
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Close(ctx)
		ts.Close()
	})
	return &hubFixture{server: server, http: ts, root: root}
}

func (h *hubFixture) client(t *testing.T, userID int, scopes ...string) *channel.Client {
	t.Helper()
	client, err := channel.NewClient(channel.ClientOptions{
		URL:            "ws" + strings.TrimPrefix(h.http.URL, "http") + "/v1/channels",
		Token:          mustTestJWT(t, "dev-secret", "p", userID, scopes, time.Now().Add(time.Hour)),
		ProjectID:      "p",
		UserID:         userID,
		MinConnectWait: time.Millisecond,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDocumentRoundTripThroughHub(t *testing.T) {
	hub := newHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	docType := document.DocType{Type: document.KindString}

	alice := hub.client(t, 1, ScopeRead, ScopeWrite)
	a, err := alice.OpenDocument(ctx, "notes.txt", docType, syncdoc.Options{FlushInterval: -1})
	if err != nil {
		t.Fatalf("open document: %v", err)
	}
	if err := a.Set("hello"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := a.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	bob := hub.client(t, 2, ScopeRead, ScopeWrite)
	b, err := bob.OpenDocument(ctx, "notes.txt", docType, syncdoc.Options{FlushInterval: -1})
	if err != nil {
		t.Fatalf("open second document: %v", err)
	}
	if got := b.String(); got != "hello" {
		t.Fatalf("expected second client to load %q, got %q", "hello", got)
	}

	if err := b.Set("hello world"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := b.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	waitFor(t, "first client to see the edit", func() bool { return a.String() == "hello world" })

	waitFor(t, "authoritative document", func() bool {
		doc, ok := hub.server.Docs().Get("p/notes.txt")
		return ok && doc.(*syncdoc.Doc).String() == "hello world"
	})

	admin := mustTestJWT(t, "dev-secret", AnyProject, 0, []string{ScopeAdmin}, time.Now().Add(time.Hour))
	list := doRequest(t, hub.server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/docs",
		headers: map[string]string{"Authorization": "Bearer " + admin},
	})
	if list.Code != http.StatusOK || !strings.Contains(list.Body.String(), "p/notes.txt") {
		t.Fatalf("expected docs listing to include p/notes.txt, got %d (%s)", list.Code, list.Body.String())
	}

	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	closeResp := doRequest(t, hub.server, request{
		method:  http.MethodPost,
		path:    "/v1/admin/docs/close",
		headers: map[string]string{"Authorization": "Bearer " + admin},
		body:    map[string]any{"prefix": "p"},
	})
	if closeResp.Code != http.StatusOK {
		t.Fatalf("expected 200 closing docs, got %d (%s)", closeResp.Code, closeResp.Body.String())
	}
	saved, err := os.ReadFile(filepath.Join(hub.root, "p", "notes.txt"))
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if string(saved) != "hello world" {
		t.Fatalf("expected saved content %q, got %q", "hello world", saved)
	}
	if hub.server.Docs().Len() != 0 {
		t.Fatalf("expected registry to be empty, got %v", hub.server.Docs().Paths())
	}
}

func TestSecondOpenSurvivesFirstClose(t *testing.T) {
	hub := newHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	docType := document.DocType{Type: document.KindString}

	alice := hub.client(t, 1, ScopeRead, ScopeWrite)
	first, err := alice.OpenDocument(ctx, "shared.txt", docType, syncdoc.Options{FlushInterval: -1})
	if err != nil {
		t.Fatalf("open document: %v", err)
	}
	second, err := alice.OpenDocument(ctx, "shared.txt", docType, syncdoc.Options{FlushInterval: -1})
	if err != nil {
		t.Fatalf("open document again: %v", err)
	}
	if n := alice.Channels(); n != 2 {
		t.Fatalf("expected patches and metadata channels to be shared, got %d channels", n)
	}

	if err := first.Close(ctx); err != nil {
		t.Fatalf("close first: %v", err)
	}
	if n := alice.Channels(); n != 2 {
		t.Fatalf("closing one holder ended shared channels, %d left", n)
	}
	if err := second.Set("still here"); err != nil {
		t.Fatalf("set after sibling close: %v", err)
	}
	if err := second.Save(ctx); err != nil {
		t.Fatalf("save after sibling close: %v", err)
	}
	waitFor(t, "authoritative document", func() bool {
		doc, ok := hub.server.Docs().Get("p/shared.txt")
		return ok && doc.(*syncdoc.Doc).String() == "still here"
	})

	if err := second.Close(ctx); err != nil {
		t.Fatalf("close second: %v", err)
	}
	waitFor(t, "channels to end", func() bool { return alice.Channels() == 0 })
}

func TestReadOnlyClientWritesAreRejected(t *testing.T) {
	hub := newHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reader := hub.client(t, 3, ScopeRead)
	table, err := reader.OpenTable(ctx, channel.Query{Table: "tasks"}, channel.TableOptions{FlushInterval: -1})
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	if _, err := table.Set(synctable.Record{"id": "t1", "title": "nope"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	err = table.Save(ctx)
	var conflict *synctable.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected a conflict error, got %v", err)
	}
	if conflict.Codes[`["t1"]`] != "forbidden" {
		t.Fatalf("expected forbidden code, got %v", conflict.Codes)
	}
	if _, ok := table.Get(`["t1"]`); ok {
		t.Fatalf("expected rejected write to be rolled back")
	}
}

func TestRecordTableSyncsBetweenClients(t *testing.T) {
	hub := newHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	query := channel.Query{Table: "tasks", Filter: `done == false`}
	writer := hub.client(t, 1, ScopeRead, ScopeWrite)
	wt, err := writer.OpenTable(ctx, query, channel.TableOptions{})
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	watcher := hub.client(t, 2, ScopeRead)
	rt, err := watcher.OpenTable(ctx, query, channel.TableOptions{})
	if err != nil {
		t.Fatalf("open table: %v", err)
	}

	if _, err := wt.Set(synctable.Record{"id": "t1", "done": false}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := wt.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := rt.Wait(ctx, func(data map[string]synctable.Record) bool {
		_, ok := data[`["t1"]`]
		return ok
	}, 5*time.Second); err != nil {
		t.Fatalf("watcher never saw t1: %v", err)
	}

	if _, err := wt.Set(synctable.Record{"id": "t1", "done": true}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := wt.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := rt.Wait(ctx, func(data map[string]synctable.Record) bool {
		_, ok := data[`["t1"]`]
		return !ok
	}, 5*time.Second); err != nil {
		t.Fatalf("watcher still sees t1 after it left the filter: %v", err)
	}
}

func TestMeasureSkewAgainstHub(t *testing.T) {
	hub := newHub(t)
	client := hub.client(t, 1, ScopeRead)
	skew, err := client.MeasureSkew(context.Background())
	if err != nil {
		t.Fatalf("measure skew: %v", err)
	}
	if skew > time.Second || skew < -time.Second {
		t.Fatalf("expected near-zero skew against a local hub, got %s", skew)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, projectID string, userID int, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, projectID, userID, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, projectID string, userID int, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"project_id": projectID,
		"user_id":    userID,
		"scopes":     scopes,
		"exp":        exp.Unix(),
		"aud":        aud,
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return token
}
