package httpapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/patchsync/internal/channel"
	"github.com/agentworkforce/patchsync/internal/registry"
	"github.com/agentworkforce/patchsync/internal/source"
	"github.com/agentworkforce/patchsync/internal/synctable"
)

const maxChangeBatch = 256

// session serves the logical channels of one websocket connection.
type session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	claims tokenClaims
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*serverChannel
}

type serverChannel struct {
	id     string
	src    source.Source
	cancel context.CancelFunc
	docKey string
}

func newSession(parent context.Context, s *Server, conn *websocket.Conn, claims tokenClaims, correlationID string) *session {
	id := xid.New().String()
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:     id,
		server: s,
		conn:   conn,
		claims: claims,
		log: s.log.With().
			Str("session", id).
			Str("correlation_id", correlationID).
			Str("project", claims.ProjectID).
			Int("user", claims.UserID).
			Logger(),
		ctx:      ctx,
		cancel:   cancel,
		channels: map[string]*serverChannel{},
	}
}

func (s *session) run() {
	defer s.cleanup()
	s.log.Debug().Msg("session started")
	for {
		var msg channel.Message
		if err := wsjson.Read(s.ctx, s.conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && s.ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("read")
			}
			return
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg channel.Message) {
	switch msg.Type {
	case channel.TypeOpen:
		s.open(msg)
	case channel.TypeTimedChanges:
		s.write(msg)
	case channel.TypeEnd:
		s.end(msg.Channel)
	case channel.TypePing:
		s.send(channel.Message{Type: channel.TypePong, Seq: msg.Seq, Time: time.Now().UnixMilli()})
	default:
		s.send(channel.Message{Type: channel.TypeError, Channel: msg.Channel, Seq: msg.Seq, Error: "unsupported message type: " + string(msg.Type)})
	}
}

func (s *session) fail(channelID string, seq uint64, err error) {
	s.send(channel.Message{Type: channel.TypeError, Channel: channelID, Seq: seq, Error: err.Error()})
}

func (s *session) open(msg channel.Message) {
	if msg.Channel == "" || msg.Query == nil {
		s.fail(msg.Channel, 0, errors.New("open needs a channel id and a query"))
		return
	}
	query := *msg.Query
	if query.ProjectID == "" && s.claims.ProjectID != AnyProject {
		query.ProjectID = s.claims.ProjectID
	}
	if !s.claims.allowsProject(query.ProjectID) {
		s.fail(msg.Channel, 0, errors.New("forbidden: project mismatch"))
		return
	}
	var opts channel.TableOptions
	if msg.Options != nil {
		opts = *msg.Options
	}
	src, err := s.server.resolver.Resolve(source.Query{
		Table:     query.Table,
		ProjectID: query.ProjectID,
		Path:      query.Path,
		Where:     query.Where,
		Filter:    query.Filter,
	}, opts.PrimaryKeys)
	if err != nil {
		s.fail(msg.Channel, 0, err)
		return
	}

	var createOpts *registry.CreateOptions
	if query.Table == source.TableSyncStrings && opts.DocType != nil && query.Path != "" {
		createOpts = &registry.CreateOptions{ProjectID: query.ProjectID, Path: query.Path, DocType: *opts.DocType}
	}

	s.mu.Lock()
	if _, exists := s.channels[msg.Channel]; exists {
		s.mu.Unlock()
		s.fail(msg.Channel, 0, errors.New("channel already open"))
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	ch := &serverChannel{id: msg.Channel, src: src, cancel: cancel}
	if createOpts != nil {
		ch.docKey = createOpts.Key()
	}
	s.channels[msg.Channel] = ch
	s.mu.Unlock()

	if createOpts != nil {
		s.server.retainDoc(ch.docKey)
		go func() {
			if _, err := s.server.docs.Create(ctx, *createOpts); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Str("doc", createOpts.Key()).Msg("open authoritative document")
			}
		}()
	}

	feed, err := src.Open(ctx)
	if err != nil {
		s.dropChannel(msg.Channel)
		s.fail(msg.Channel, 0, err)
		return
	}
	if !s.send(channel.Message{Type: channel.TypeInit, Channel: msg.Channel, Records: feed.Init}) {
		return
	}
	go s.forward(ctx, msg.Channel, feed.Changes)
	s.log.Debug().Str("channel", msg.Channel).Str("table", query.Table).Str("path", query.Path).Int("records", len(feed.Init)).Msg("channel opened")
}

// forward relays source changes in batches until the feed ends.
func (s *session) forward(ctx context.Context, channelID string, changes <-chan synctable.VersionedChange) {
	for change := range changes {
		batch := []synctable.VersionedChange{change}
	drain:
		for len(batch) < maxChangeBatch {
			select {
			case more, ok := <-changes:
				if !ok {
					break drain
				}
				batch = append(batch, more)
			default:
				break drain
			}
		}
		if !s.send(channel.Message{Type: channel.TypeVersionedChanges, Channel: channelID, Changes: batch}) {
			return
		}
	}
	if ctx.Err() == nil {
		// The source went away; let the client reopen.
		s.dropChannel(channelID)
		s.send(channel.Message{Type: channel.TypeEnd, Channel: channelID})
	}
}

func (s *session) write(msg channel.Message) {
	s.mu.Lock()
	ch, ok := s.channels[msg.Channel]
	s.mu.Unlock()
	if !ok {
		s.fail(msg.Channel, msg.Seq, errors.New("unknown channel"))
		return
	}
	results := make([]synctable.WriteResult, len(msg.Records))
	allowed := make([]synctable.Record, 0, len(msg.Records))
	index := make([]int, 0, len(msg.Records))
	for i, rec := range msg.Records {
		if !s.claims.has(ScopeWrite) {
			results[i] = synctable.WriteResult{Code: "forbidden", Error: "missing required scope: " + ScopeWrite}
			continue
		}
		// Patches must be authored by the token's user.
		if ch.src.WriteOnce() && !sameUser(rec["user_id"], s.claims.UserID) {
			results[i] = synctable.WriteResult{Code: "forbidden", Error: "user_id does not match token"}
			continue
		}
		allowed = append(allowed, rec)
		index = append(index, i)
	}
	written, err := ch.src.Write(s.ctx, allowed)
	if err != nil {
		s.fail(msg.Channel, msg.Seq, err)
		return
	}
	for j, result := range written {
		results[index[j]] = result
	}
	s.send(channel.Message{Type: channel.TypeAck, Channel: msg.Channel, Seq: msg.Seq, Results: results})
}

func (s *session) end(channelID string) {
	s.dropChannel(channelID)
}

func (s *session) dropChannel(channelID string) {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	delete(s.channels, channelID)
	docKey := ""
	if ok {
		docKey = ch.docKey
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	ch.cancel()
	if docKey != "" {
		s.server.releaseDoc(docKey)
	}
}

// send writes one frame. It returns false once the connection is gone.
func (s *session) send(msg channel.Message) bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.server.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, s.conn, msg); err != nil {
		if s.ctx.Err() == nil {
			s.log.Debug().Err(err).Str("type", string(msg.Type)).Msg("write")
			s.cancel()
		}
		return false
	}
	return true
}

func (s *session) close(code websocket.StatusCode, reason string) {
	_ = s.conn.Close(code, reason)
	s.cancel()
}

func (s *session) cleanup() {
	s.cancel()
	s.mu.Lock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.dropChannel(id)
	}
	_ = s.conn.CloseNow()
	s.log.Debug().Msg("session ended")
}

func sameUser(v any, userID int) bool {
	switch n := v.(type) {
	case nil:
		return userID == 0
	case float64:
		return int(n) == userID
	case int:
		return n == userID
	default:
		return false
	}
}
