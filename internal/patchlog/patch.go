// Package patchlog models the ordered, append-only log of immutable
// patches behind one document and rebuilds document values from it.
package patchlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/agentworkforce/patchsync/internal/document"
)

var ErrAlreadyWritten = errors.New("patch already written")

// Timestamp is a patch time in milliseconds since the Unix epoch.
type Timestamp int64

func Now() Timestamp { return FromTime(time.Now()) }

func FromTime(t time.Time) Timestamp { return Timestamp(t.UnixMilli()) }

func (t Timestamp) Time() time.Time { return time.UnixMilli(int64(t)).UTC() }

func (t Timestamp) String() string { return strconv.FormatInt(int64(t), 10) }

type Patch struct {
	Time     Timestamp     `json:"time"`
	Patch    document.Diff `json:"patch"`
	UserID   int           `json:"user_id"`
	Snapshot *string       `json:"snapshot,omitempty"`
	Sent     Timestamp     `json:"sent,omitempty"`
	Prev     Timestamp     `json:"prev,omitempty"`
	Size     int           `json:"size"`
	Heads    []Timestamp   `json:"heads,omitempty"`
}

func (p Patch) IsSnapshot() bool { return p.Snapshot != nil }

// Less orders patches by time, then by user id.
func (p Patch) Less(o Patch) bool {
	if p.Time != o.Time {
		return p.Time < o.Time
	}
	return p.UserID < o.UserID
}

// Equal compares the JSON forms of two patches, so a patch that went
// through a record round trip still equals its original.
func (p Patch) Equal(o Patch) bool {
	a, errA := canonical(p)
	b, errB := canonical(o)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func canonical(p Patch) ([]byte, error) {
	rec, err := p.Record()
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// Record converts p to the generic record form stored in patch tables.
func (p Patch) Record() (document.Record, error) {
	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var rec document.Record
	if err := json.Unmarshal(encoded, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func FromRecord(rec document.Record) (Patch, error) {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return Patch{}, err
	}
	var p Patch
	if err := json.Unmarshal(encoded, &p); err != nil {
		return Patch{}, fmt.Errorf("decode patch: %w", err)
	}
	if p.Time <= 0 {
		return Patch{}, fmt.Errorf("decode patch: missing time")
	}
	return p, nil
}

// PrimaryKeys are the key fields of a patch table.
var PrimaryKeys = []string{"time"}

// Key returns the table key of a patch with time t.
func Key(t Timestamp) string {
	return "[" + t.String() + "]"
}
