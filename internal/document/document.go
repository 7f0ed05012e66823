// Package document defines immutable document values that can be
// patched, diffed and serialized. Every mutating operation returns a new
// value and leaves the receiver untouched.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnsupported   = errors.New("operation not supported by document kind")
	ErrInvalidPatch  = errors.New("invalid patch")
	ErrInvalidRecord = errors.New("invalid record")
	ErrKindMismatch  = errors.New("document kind mismatch")
)

// Diff is a compressed, JSON encoded patch between two documents of the
// same kind.
type Diff = json.RawMessage

type Record = map[string]any

type Document interface {
	Kind() string
	ApplyPatch(diff Diff) (Document, error)
	MakePatch(to Document) (Diff, error)
	IsEqual(other Document) bool
	String() string
	Count() int
	Get(query Record) ([]Record, error)
	GetOne(query Record) (Record, bool, error)
	Set(value any) (Document, error)
	Delete(query Record) (Document, error)
}

const (
	KindString = "string"
	KindDB     = "db"

	PatchFormatString = 0
	PatchFormatDB     = 1
)

type Options struct {
	PrimaryKeys []string        `json:"primary_keys,omitempty" yaml:"primary_keys,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty" yaml:"-"`
}

type DocType struct {
	Type        string  `json:"type"`
	PatchFormat int     `json:"patch_format"`
	Opts        Options `json:"opts,omitempty"`
}

// Normalize fills the patch format for known kinds and falls back to
// the string kind for anything unregistered.
func (t DocType) Normalize() DocType {
	t.Type = strings.ToLower(strings.TrimSpace(t.Type))
	if _, ok := lookupKind(t.Type); !ok {
		t.Type = KindString
	}
	switch t.Type {
	case KindString:
		t.PatchFormat = PatchFormatString
	case KindDB:
		t.PatchFormat = PatchFormatDB
	}
	return t
}

// Kind builds documents of one type.
type Kind interface {
	Empty(opts Options) (Document, error)
	Parse(serialized string, opts Options) (Document, error)
}

var kindRegistry = struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}{
	kinds: map[string]Kind{
		KindString: stringKind{},
		KindDB:     recordsKind{},
	},
}

func RegisterKind(name string, kind Kind) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || kind == nil {
		return
	}
	kindRegistry.mu.Lock()
	defer kindRegistry.mu.Unlock()
	kindRegistry.kinds[name] = kind
}

func lookupKind(name string) (Kind, bool) {
	kindRegistry.mu.RLock()
	defer kindRegistry.mu.RUnlock()
	kind, ok := kindRegistry.kinds[name]
	return kind, ok
}

// Empty returns the empty value for t.
func Empty(t DocType) (Document, error) {
	t = t.Normalize()
	kind, _ := lookupKind(t.Type)
	return kind.Empty(t.Opts)
}

// Parse rebuilds a document from its String form.
func Parse(t DocType, serialized string) (Document, error) {
	t = t.Normalize()
	kind, _ := lookupKind(t.Type)
	doc, err := kind.Parse(serialized, t.Opts)
	if err != nil {
		return nil, fmt.Errorf("parse %s document: %w", t.Type, err)
	}
	return doc, nil
}
