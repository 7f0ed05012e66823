package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/patchsync/internal/patchlog"
	"github.com/agentworkforce/patchsync/internal/registry"
	"github.com/agentworkforce/patchsync/internal/retry"
	"github.com/agentworkforce/patchsync/internal/source"
	"github.com/agentworkforce/patchsync/internal/syncdoc"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	OriginPatterns  []string

	// Authoritative document settings.
	SaveRoot         string
	AutosaveInterval time.Duration
	SaveRetries      int
	SnapshotPolicy   patchlog.SnapshotPolicy
	IdleClose        time.Duration
	Backoff          retry.Backoff

	Logger zerolog.Logger
}

// Server is the hub: it serves logical channels over websockets and owns
// the registry of authoritative documents.
type Server struct {
	resolver    *source.Resolver
	cfg         ServerConfig
	log         zerolog.Logger
	rateLimiter *rateLimiter
	docs        *registry.SyncDocs
	saver       func(projectID string) syncdoc.Saver

	refMu sync.Mutex
	refs  map[string]*docRef

	sessMu   sync.Mutex
	sessions map[string]*session
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(resolver *source.Resolver) *Server {
	return NewServerWithConfig(resolver, ServerConfig{})
}

func NewServerWithConfig(resolver *source.Resolver, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 32 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleClose == 0 {
		cfg.IdleClose = 30 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		resolver:    resolver,
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "hub").Logger(),
		rateLimiter: limiter,
		refs:        map[string]*docRef{},
		sessions:    map[string]*session{},
	}
	if cfg.SaveRoot != "" {
		s.saver = func(projectID string) syncdoc.Saver {
			return syncdoc.DiskSaver{Root: joinRoot(cfg.SaveRoot, projectID)}
		}
	}
	s.docs = registry.New(s.createDoc, cfg.Logger)
	return s
}

// Docs is the registry of authoritative documents.
func (s *Server) Docs() *registry.SyncDocs { return s.docs }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "docs": s.docs.Len()})
		return
	}

	var requiredScope string
	var route string
	switch {
	case r.URL.Path == "/v1/channels" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "channels"
	case r.URL.Path == "/v1/admin/docs" && r.Method == http.MethodGet:
		requiredScope = ScopeAdmin
		route = "docs_list"
	case r.URL.Path == "/v1/admin/docs/close" && r.Method == http.MethodPost:
		requiredScope = ScopeAdmin
		route = "docs_close"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = xid.New().String()
	}
	if s.rateLimiter != nil {
		key := claims.ProjectID + "|" + strconv.Itoa(claims.UserID)
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "channels":
		s.handleChannels(w, r, claims, correlationID)
	case "docs_list":
		s.handleDocsList(w, r, correlationID)
	case "docs_close":
		s.handleDocsClose(w, r, correlationID)
	}
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.log.Debug().Err(err).Str("correlation_id", correlationID).Msg("websocket accept")
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	sess := newSession(r.Context(), s, conn, claims, correlationID)
	s.sessMu.Lock()
	s.sessions[sess.id] = sess
	s.sessMu.Unlock()
	defer func() {
		s.sessMu.Lock()
		delete(s.sessions, sess.id)
		s.sessMu.Unlock()
	}()
	sess.run()
}

type docSummary struct {
	Path string `json:"path"`
	Refs int    `json:"refs"`
}

func (s *Server) handleDocsList(w http.ResponseWriter, _ *http.Request, correlationID string) {
	paths := s.docs.Paths()
	out := make([]docSummary, 0, len(paths))
	s.refMu.Lock()
	for _, path := range paths {
		summary := docSummary{Path: path}
		if ref, ok := s.refs[path]; ok {
			summary.Refs = ref.count
		}
		out = append(out, summary)
	}
	s.refMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"docs":          out,
		"sessions":      s.sessionCount(),
		"correlationId": correlationID,
	})
}

func (s *Server) handleDocsClose(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Prefix string `json:"prefix"`
		Path   string `json:"path"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.Prefix) == "" && strings.TrimSpace(body.Path) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "path or prefix is required", correlationID)
		return
	}
	before := s.docs.Len()
	var err error
	if body.Path != "" {
		err = s.docs.Close(r.Context(), body.Path)
	} else {
		err = s.docs.CloseAll(r.Context(), body.Prefix)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "close_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"closed":        before - s.docs.Len(),
		"correlationId": correlationID,
	})
}

func (s *Server) sessionCount() int {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return len(s.sessions)
}

// Close ends every session and closes every authoritative document,
// flushing each one.
func (s *Server) Close(ctx context.Context) error {
	s.sessMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessMu.Unlock()
	for _, sess := range sessions {
		sess.close(websocket.StatusGoingAway, "server shutting down")
	}
	s.stopIdleTimers()
	return s.docs.Shutdown(ctx)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
