package channel

import (
	"encoding/json"
	"time"

	"github.com/agentworkforce/patchsync/internal/document"
	"github.com/agentworkforce/patchsync/internal/synctable"
)

type MessageType string

const (
	TypeOpen             MessageType = "open"
	TypeInit             MessageType = "init"
	TypeVersionedChanges MessageType = "versioned_changes"
	TypeTimedChanges     MessageType = "timed_changes"
	TypeAck              MessageType = "ack"
	TypeEnd              MessageType = "end"
	TypeError            MessageType = "error"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
)

// Query selects the records a channel mirrors. Filter is an expression
// evaluated per record on the server.
type Query struct {
	Table     string         `json:"table"`
	ProjectID string         `json:"project_id,omitempty"`
	Path      string         `json:"path,omitempty"`
	Where     map[string]any `json:"where,omitempty"`
	Filter    string         `json:"filter,omitempty"`
}

// TableOptions configure a mirrored table. Only the tagged fields travel
// to the server.
type TableOptions struct {
	PrimaryKeys []string          `json:"primary_keys,omitempty"`
	WriteOnce   bool              `json:"write_once,omitempty"`
	DocType     *document.DocType `json:"doctype,omitempty"`

	FlushInterval time.Duration   `json:"-"`
	Schema        json.RawMessage `json:"-"`
	NoWait        bool            `json:"-"`
}

// Message is one frame on the shared connection.
type Message struct {
	Type    MessageType                 `json:"type"`
	Channel string                      `json:"channel,omitempty"`
	Seq     uint64                      `json:"seq,omitempty"`
	Query   *Query                      `json:"query,omitempty"`
	Options *TableOptions               `json:"options,omitempty"`
	Records []synctable.Record          `json:"records,omitempty"`
	Changes []synctable.VersionedChange `json:"changes,omitempty"`
	Results []synctable.WriteResult     `json:"results,omitempty"`
	Error   string                      `json:"error,omitempty"`
	Time    int64                       `json:"time,omitempty"`
}
