package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PrimaryKey returns the canonical key string of rec: the JSON array of
// its primary key values.
func PrimaryKey(rec Record, primaryKeys []string) (string, error) {
	if len(primaryKeys) == 0 {
		return "", fmt.Errorf("%w: no primary keys configured", ErrInvalidRecord)
	}
	values := make([]any, len(primaryKeys))
	for i, field := range primaryKeys {
		v, ok := rec[field]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: missing primary key %q", ErrInvalidRecord, field)
		}
		values[i] = v
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return string(encoded), nil
}

// Normalize round-trips rec through JSON so that numbers, nested maps and
// slices use the same Go types no matter where the record came from.
func Normalize(rec Record) (Record, error) {
	if rec == nil {
		return Record{}, nil
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	var out Record
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return out, nil
}

func CloneRecord(rec Record) Record {
	if rec == nil {
		return nil
	}
	return cloneValue(rec).(Record)
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func RecordsEqual(a, b Record) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ea, eb)
}

// Matches reports whether every field of query equals the same field in rec.
func Matches(rec, query Record) bool {
	for field, want := range query {
		got, ok := rec[field]
		if !ok {
			if want == nil {
				continue
			}
			return false
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// CompileSchema compiles a JSON schema used to validate records.
func CompileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid record schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	const url = "file:///patchsync/record.schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("invalid record schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("invalid record schema: %w", err)
	}
	return schema, nil
}
