package document

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringPatchRoundTrip(t *testing.T) {
	a := NewString("hello world")
	b := NewString("hello brave new world")

	diff, err := a.MakePatch(b)
	require.NoError(t, err)

	got, err := a.ApplyPatch(diff)
	require.NoError(t, err)
	require.True(t, got.IsEqual(b))
	require.Equal(t, "hello world", a.String(), "receiver must not change")
}

func TestStringPatchMergesConcurrentEdits(t *testing.T) {
	base := NewString("line one\nline two\nline three\n")
	left, _ := base.Set("line ONE\nline two\nline three\n")
	right, _ := base.Set("line one\nline two\nline THREE\n")

	leftDiff, err := base.MakePatch(left)
	require.NoError(t, err)
	rightDiff, err := base.MakePatch(right)
	require.NoError(t, err)

	merged, err := base.ApplyPatch(leftDiff)
	require.NoError(t, err)
	merged, err = merged.ApplyPatch(rightDiff)
	require.NoError(t, err)
	require.Equal(t, "line ONE\nline two\nline THREE\n", merged.String())
}

func TestStringEmptyPatchIsNoop(t *testing.T) {
	a := NewString("same")
	diff, err := a.MakePatch(NewString("same"))
	require.NoError(t, err)
	got, err := a.ApplyPatch(diff)
	require.NoError(t, err)
	require.True(t, got.IsEqual(a))
	require.Equal(t, 4, a.Count())
}

func TestStringQueryOperationsUnsupported(t *testing.T) {
	_, err := NewString("x").Get(Record{"a": 1})
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = NewString("x").Delete(nil)
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = NewString("x").Set(42)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestEmptyDocumentsPerKind(t *testing.T) {
	doc, err := Empty(DocType{Type: "string"})
	require.NoError(t, err)
	require.Equal(t, "", doc.String())

	doc, err = Empty(DocType{Type: "db", Opts: Options{PrimaryKeys: []string{"id"}}})
	require.NoError(t, err)
	require.Equal(t, 0, doc.Count())

	doc, err = Empty(DocType{Type: "unknown-kind"})
	require.NoError(t, err)
	require.Equal(t, KindString, doc.Kind())
}

func TestDocTypeNormalize(t *testing.T) {
	require.Equal(t, DocType{Type: KindDB, PatchFormat: PatchFormatDB}, DocType{Type: " DB "}.Normalize())
	require.Equal(t, DocType{Type: KindString, PatchFormat: PatchFormatString}, DocType{Type: "jupyter"}.Normalize())
}

func newTasks(t *testing.T) Records {
	t.Helper()
	doc, err := NewRecords(Options{PrimaryKeys: []string{"id"}})
	require.NoError(t, err)
	return doc
}

func TestRecordsSetMergesFields(t *testing.T) {
	doc := newTasks(t)
	next, err := doc.Set(Record{"id": 1, "title": "x", "done": false})
	require.NoError(t, err)
	next, err = next.Set(Record{"id": 1, "done": true, "title": nil})
	require.NoError(t, err)

	rec, ok, err := next.GetOne(Record{"id": 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Record{"id": float64(1), "done": true}, rec)
	require.Equal(t, 0, doc.Count(), "receiver must not change")
}

func TestRecordsPatchRoundTrip(t *testing.T) {
	a := newTasks(t)
	a1, err := a.Set([]Record{{"id": 1, "title": "a"}, {"id": 2, "title": "b"}})
	require.NoError(t, err)
	b1, err := a1.Set(Record{"id": 2, "title": "B", "tags": []any{"x"}})
	require.NoError(t, err)
	b1, err = b1.Delete(Record{"id": 1})
	require.NoError(t, err)
	b1, err = b1.Set(Record{"id": 3, "title": "c"})
	require.NoError(t, err)

	diff, err := a1.MakePatch(b1)
	require.NoError(t, err)
	got, err := a1.ApplyPatch(diff)
	require.NoError(t, err)
	require.True(t, got.IsEqual(b1), "got %s want %s", got.String(), b1.String())
}

func TestRecordsLastWriteWinsPerField(t *testing.T) {
	base, err := newTasks(t).Set(Record{"id": 1, "title": "orig", "owner": "ann"})
	require.NoError(t, err)

	left, _ := base.Set(Record{"id": 1, "title": "x"})
	right, _ := base.Set(Record{"id": 1, "title": "y", "owner": "bob"})
	leftDiff, _ := base.MakePatch(left)
	rightDiff, _ := base.MakePatch(right)

	merged, err := base.ApplyPatch(leftDiff)
	require.NoError(t, err)
	merged, err = merged.ApplyPatch(rightDiff)
	require.NoError(t, err)

	rec, _, _ := merged.GetOne(Record{"id": 1})
	require.Equal(t, "y", rec["title"])
	require.Equal(t, "bob", rec["owner"])
}

func TestRecordsStringParseRoundTrip(t *testing.T) {
	typ := DocType{Type: KindDB, Opts: Options{PrimaryKeys: []string{"project", "name"}}}
	doc, err := Empty(typ)
	require.NoError(t, err)
	doc, err = doc.Set([]Record{
		{"project": "p", "name": "b", "size": 2},
		{"project": "p", "name": "a", "size": 1},
	})
	require.NoError(t, err)

	parsed, err := Parse(typ, doc.String())
	require.NoError(t, err)
	require.True(t, parsed.IsEqual(doc))
	require.Equal(t, 2, parsed.Count())
}

func TestRecordsRequirePrimaryKey(t *testing.T) {
	_, err := newTasks(t).Set(Record{"title": "no id"})
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRecordsSchemaValidation(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["id","title"],"properties":{"title":{"type":"string"}}}`)
	doc, err := Empty(DocType{Type: KindDB, Opts: Options{PrimaryKeys: []string{"id"}, Schema: schema}})
	require.NoError(t, err)

	_, err = doc.Set(Record{"id": 1, "title": 7})
	require.True(t, errors.Is(err, ErrInvalidRecord))

	_, err = doc.Set(Record{"id": 1, "title": "ok"})
	require.NoError(t, err)
}

func TestMakePatchKindMismatch(t *testing.T) {
	_, err := NewString("").MakePatch(newTasks(t))
	require.ErrorIs(t, err, ErrKindMismatch)
}
