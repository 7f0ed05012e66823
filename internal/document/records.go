package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type recordsKind struct{}

func (recordsKind) Empty(opts Options) (Document, error) {
	return NewRecords(opts)
}

func (recordsKind) Parse(serialized string, opts Options) (Document, error) {
	doc, err := NewRecords(opts)
	if err != nil {
		return nil, err
	}
	next := doc.clone()
	for _, line := range strings.Split(serialized, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		key, err := next.key(rec)
		if err != nil {
			return nil, err
		}
		next.records[key] = rec
	}
	return next, nil
}

// Records is a set of JSON objects keyed by their primary key fields.
// Concurrent edits resolve last-write-wins per field: each record change
// is an RFC 7386 merge patch and patches apply in timestamp order.
type Records struct {
	primaryKeys []string
	schema      *jsonschema.Schema
	records     map[string]Record
}

type recordChange struct {
	Key   string          `json:"key"`
	Patch json.RawMessage `json:"patch"`
}

func NewRecords(opts Options) (Records, error) {
	keys := append([]string(nil), opts.PrimaryKeys...)
	if len(keys) == 0 {
		keys = []string{"id"}
	}
	var schema *jsonschema.Schema
	if len(opts.Schema) > 0 {
		compiled, err := CompileSchema(opts.Schema)
		if err != nil {
			return Records{}, err
		}
		schema = compiled
	}
	return Records{primaryKeys: keys, schema: schema, records: map[string]Record{}}, nil
}

func (Records) Kind() string { return KindDB }

func (d Records) PrimaryKeys() []string { return append([]string(nil), d.primaryKeys...) }

func (d Records) clone() Records {
	out := Records{primaryKeys: d.primaryKeys, schema: d.schema, records: make(map[string]Record, len(d.records))}
	for k, v := range d.records {
		out.records[k] = v
	}
	return out
}

func (d Records) key(rec Record) (string, error) {
	return PrimaryKey(rec, d.primaryKeys)
}

func (d Records) ApplyPatch(diff Diff) (Document, error) {
	if len(diff) == 0 || string(diff) == "null" {
		return d, nil
	}
	var changes []recordChange
	if err := json.Unmarshal(diff, &changes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if len(changes) == 0 {
		return d, nil
	}
	next := d.clone()
	for _, change := range changes {
		if len(change.Patch) == 0 || string(change.Patch) == "null" {
			delete(next.records, change.Key)
			continue
		}
		base := []byte("{}")
		if existing, ok := next.records[change.Key]; ok {
			encoded, err := json.Marshal(existing)
			if err != nil {
				return nil, err
			}
			base = encoded
		}
		merged, err := jsonpatch.MergePatch(base, change.Patch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		var rec Record
		if err := json.Unmarshal(merged, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		if err := restorePrimaryKey(rec, change.Key, d.primaryKeys); err != nil {
			return nil, err
		}
		next.records[change.Key] = rec
	}
	return next, nil
}

func (d Records) MakePatch(to Document) (Diff, error) {
	other, ok := to.(Records)
	if !ok {
		return nil, fmt.Errorf("%w: %s to %s", ErrKindMismatch, KindDB, to.Kind())
	}
	changes := make([]recordChange, 0)
	for _, key := range sortedKeys(d.records) {
		if _, ok := other.records[key]; !ok {
			changes = append(changes, recordChange{Key: key, Patch: json.RawMessage("null")})
		}
	}
	for _, key := range sortedKeys(other.records) {
		after, err := json.Marshal(other.records[key])
		if err != nil {
			return nil, err
		}
		before := []byte("{}")
		if existing, ok := d.records[key]; ok {
			if before, err = json.Marshal(existing); err != nil {
				return nil, err
			}
			if bytes.Equal(before, after) {
				continue
			}
		}
		patch, err := jsonpatch.CreateMergePatch(before, after)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		changes = append(changes, recordChange{Key: key, Patch: patch})
	}
	return json.Marshal(changes)
}

func (d Records) IsEqual(other Document) bool {
	o, ok := other.(Records)
	if !ok || len(o.records) != len(d.records) {
		return false
	}
	for key, rec := range d.records {
		theirs, ok := o.records[key]
		if !ok || !RecordsEqual(rec, theirs) {
			return false
		}
	}
	return true
}

// String returns one JSON object per line, ordered by primary key.
func (d Records) String() string {
	var b strings.Builder
	for i, key := range sortedKeys(d.records) {
		encoded, err := json.Marshal(d.records[key])
		if err != nil {
			continue
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.Write(encoded)
	}
	return b.String()
}

func (d Records) Count() int { return len(d.records) }

func (d Records) Get(query Record) ([]Record, error) {
	query, err := Normalize(query)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0)
	for _, key := range sortedKeys(d.records) {
		rec := d.records[key]
		if Matches(rec, query) {
			out = append(out, CloneRecord(rec))
		}
	}
	return out, nil
}

func (d Records) GetOne(query Record) (Record, bool, error) {
	matches, err := d.Get(query)
	if err != nil || len(matches) == 0 {
		return nil, false, err
	}
	return matches[0], true, nil
}

// Set merges one record, or a slice of records, into the set. Fields set
// to null are removed.
func (d Records) Set(value any) (Document, error) {
	var incoming []Record
	switch v := value.(type) {
	case Record:
		incoming = []Record{v}
	case []Record:
		incoming = v
	case []any:
		for _, item := range v {
			rec, ok := item.(Record)
			if !ok {
				return nil, fmt.Errorf("%w: %T", ErrInvalidRecord, item)
			}
			incoming = append(incoming, rec)
		}
	default:
		return nil, fmt.Errorf("%w: record set cannot be set to %T", ErrInvalidRecord, value)
	}
	next := d.clone()
	for _, raw := range incoming {
		rec, err := Normalize(raw)
		if err != nil {
			return nil, err
		}
		key, err := next.key(rec)
		if err != nil {
			return nil, err
		}
		patch, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		base := []byte("{}")
		if existing, ok := next.records[key]; ok {
			if base, err = json.Marshal(existing); err != nil {
				return nil, err
			}
		}
		merged, err := jsonpatch.MergePatch(base, patch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		var out Record
		if err := json.Unmarshal(merged, &out); err != nil {
			return nil, err
		}
		if d.schema != nil {
			if err := d.schema.Validate(out); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
			}
		}
		next.records[key] = out
	}
	return next, nil
}

func (d Records) Delete(query Record) (Document, error) {
	query, err := Normalize(query)
	if err != nil {
		return nil, err
	}
	next := d.clone()
	for key, rec := range d.records {
		if Matches(rec, query) {
			delete(next.records, key)
		}
	}
	return next, nil
}

func sortedKeys(m map[string]Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func restorePrimaryKey(rec Record, key string, primaryKeys []string) error {
	var values []any
	if err := json.Unmarshal([]byte(key), &values); err != nil || len(values) != len(primaryKeys) {
		return fmt.Errorf("%w: malformed key %q", ErrInvalidPatch, key)
	}
	for i, field := range primaryKeys {
		rec[field] = values[i]
	}
	return nil
}
