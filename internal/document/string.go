package document

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type stringKind struct{}

func (stringKind) Empty(Options) (Document, error) { return String{}, nil }

func (stringKind) Parse(serialized string, _ Options) (Document, error) {
	return String{value: serialized}, nil
}

// String is a plain text document. Its diffs are diff-match-patch patch
// text, applied fuzzily so that edits made against slightly different
// bases still land where a person would expect.
type String struct {
	value string
}

func NewString(value string) String { return String{value: value} }

func (String) Kind() string { return KindString }

func (d String) ApplyPatch(diff Diff) (Document, error) {
	text, err := decodeStringDiff(diff)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return d, nil
	}
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	out, _ := dmp.PatchApply(patches, d.value)
	return String{value: out}, nil
}

func (d String) MakePatch(to Document) (Diff, error) {
	other, ok := to.(String)
	if !ok {
		return nil, fmt.Errorf("%w: %s to %s", ErrKindMismatch, KindString, to.Kind())
	}
	if d.value == other.value {
		return json.Marshal("")
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(d.value, other.value, true)
	diffs = dmp.DiffCleanupEfficiency(diffs)
	patches := dmp.PatchMake(d.value, diffs)
	return json.Marshal(dmp.PatchToText(patches))
}

func (d String) IsEqual(other Document) bool {
	o, ok := other.(String)
	return ok && o.value == d.value
}

func (d String) String() string { return d.value }

func (d String) Count() int { return utf8.RuneCountInString(d.value) }

func (String) Get(Record) ([]Record, error) { return nil, ErrUnsupported }

func (String) GetOne(Record) (Record, bool, error) { return nil, false, ErrUnsupported }

// Set replaces the whole text.
func (d String) Set(value any) (Document, error) {
	switch v := value.(type) {
	case string:
		return String{value: v}, nil
	case String:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: string document cannot be set to %T", ErrInvalidRecord, value)
	}
}

func (String) Delete(Record) (Document, error) { return nil, ErrUnsupported }

func decodeStringDiff(diff Diff) (string, error) {
	if len(diff) == 0 || string(diff) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(diff, &text); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return text, nil
}
