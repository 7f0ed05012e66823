package patchlog

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/patchsync/internal/document"
)

var textType = document.DocType{Type: document.KindString}

func makeTextPatch(t *testing.T, from, to string, at Timestamp, user int, heads ...Timestamp) Patch {
	t.Helper()
	diff, err := document.NewString(from).MakePatch(document.NewString(to))
	require.NoError(t, err)
	return Patch{Time: at, Patch: diff, UserID: user, Size: len(diff), Heads: heads}
}

func TestEmptyLogReconstructsToEmptyValue(t *testing.T) {
	doc, err := New(textType).Value(0)
	require.NoError(t, err)
	require.Equal(t, "", doc.String())

	doc, err = New(document.DocType{Type: document.KindDB}).Value(0)
	require.NoError(t, err)
	require.Equal(t, 0, doc.Count())
}

func TestAddRejectsDuplicateTime(t *testing.T) {
	log := New(textType)
	_, _, err := log.Add(makeTextPatch(t, "", "a", 10, 1))
	require.NoError(t, err)

	_, _, err = log.Add(makeTextPatch(t, "", "b", 10, 2))
	require.ErrorIs(t, err, ErrAlreadyWritten)
	require.Equal(t, 1, log.Len())

	added, _, err := log.Add(makeTextPatch(t, "", "a", 10, 1))
	require.NoError(t, err, "identical patches are benign duplicates")
	require.Empty(t, added)
}

func TestAddReportsOutOfOrder(t *testing.T) {
	log := New(textType)
	_, outOfOrder, err := log.Add(makeTextPatch(t, "", "a", 10, 1))
	require.NoError(t, err)
	require.False(t, outOfOrder)

	_, outOfOrder, err = log.Add(makeTextPatch(t, "a", "ab", 20, 1))
	require.NoError(t, err)
	require.False(t, outOfOrder)

	_, outOfOrder, err = log.Add(makeTextPatch(t, "", "z", 15, 2))
	require.NoError(t, err)
	require.True(t, outOfOrder)
	require.Equal(t, []Timestamp{10, 15, 20}, log.SortedTimes())
}

func TestValueUptoAndSnapshots(t *testing.T) {
	log := New(textType)
	_, _, err := log.Add(
		makeTextPatch(t, "", "a", 1, 1),
		makeTextPatch(t, "a", "ab", 2, 1, 1),
	)
	require.NoError(t, err)

	snap, err := log.MakeSnapshot(3, 0)
	require.NoError(t, err)
	require.Equal(t, "ab", *snap.Snapshot)
	_, _, err = log.Add(snap, makeTextPatch(t, "ab", "abc", 4, 1, 3))
	require.NoError(t, err)

	doc, err := log.Value(0)
	require.NoError(t, err)
	require.Equal(t, "abc", doc.String())

	doc, err = log.Value(1)
	require.NoError(t, err)
	require.Equal(t, "a", doc.String())

	require.Equal(t, []Timestamp{4}, log.Heads())
}

// A patch made offline against an older state can land behind a
// snapshot taken by another replica; it still shows in the value.
func TestValueReplaysPatchesTheSnapshotNeverSaw(t *testing.T) {
	log := New(textType)
	_, _, err := log.Add(
		makeTextPatch(t, "", "a", 1, 1),
		makeTextPatch(t, "a", "ab", 2, 1, 1),
	)
	require.NoError(t, err)
	snap, err := log.MakeSnapshot(10, 0)
	require.NoError(t, err)
	require.Equal(t, []Timestamp{2}, snap.Heads)
	_, _, err = log.Add(snap, makeTextPatch(t, "ab", "abc", 11, 1, 10))
	require.NoError(t, err)

	offline := makeTextPatch(t, "a", "Xa", 5, 2, 1)
	_, outOfOrder, err := log.Add(offline)
	require.NoError(t, err)
	require.True(t, outOfOrder)

	doc, err := log.Value(0)
	require.NoError(t, err)
	require.Equal(t, "Xabc", doc.String())

	// Patches the snapshot covered are not applied twice.
	fresh := New(textType)
	_, _, err = fresh.Add(
		makeTextPatch(t, "", "a", 1, 1),
		makeTextPatch(t, "a", "ab", 2, 1, 1),
		snap,
	)
	require.NoError(t, err)
	doc, err = fresh.Value(0)
	require.NoError(t, err)
	require.Equal(t, "ab", doc.String())
}

func TestNeedsSnapshot(t *testing.T) {
	log := New(textType)
	policy := SnapshotPolicy{Interval: 3}
	require.False(t, log.NeedsSnapshot(policy))

	prev := ""
	for i := 1; i <= 3; i++ {
		next := prev + "x"
		_, _, err := log.Add(makeTextPatch(t, prev, next, Timestamp(i), 1))
		require.NoError(t, err)
		prev = next
	}
	require.True(t, log.NeedsSnapshot(policy))

	snap, err := log.MakeSnapshot(log.NextTime(0), 0)
	require.NoError(t, err)
	_, _, err = log.Add(snap)
	require.NoError(t, err)
	require.False(t, log.NeedsSnapshot(policy))

	require.False(t, New(textType).NeedsSnapshot(SnapshotPolicy{MaxBytes: 1}))
}

func TestNextTimeSkipsUsedTimes(t *testing.T) {
	log := New(textType)
	_, _, err := log.Add(makeTextPatch(t, "", "a", 100, 1))
	require.NoError(t, err)
	require.Equal(t, Timestamp(101), log.NextTime(50))
	require.Equal(t, Timestamp(500), log.NextTime(500))
}

func TestRemove(t *testing.T) {
	log := New(textType)
	_, _, err := log.Add(makeTextPatch(t, "", "a", 1, 1), makeTextPatch(t, "a", "ab", 2, 1))
	require.NoError(t, err)
	require.True(t, log.Remove(1))
	require.False(t, log.Remove(1))
	p, ok := log.Patch(2)
	require.True(t, ok)
	require.Equal(t, Timestamp(2), p.Time)
}

func TestPatchRecordRoundTrip(t *testing.T) {
	snapshot := "value"
	p := Patch{Time: 1700000000123, Patch: []byte(`"@@ -0,0 +1 @@\n+a\n"`), UserID: 3, Snapshot: &snapshot, Size: 10, Heads: []Timestamp{1, 2}}
	rec, err := p.Record()
	require.NoError(t, err)

	key, err := document.PrimaryKey(rec, PrimaryKeys)
	require.NoError(t, err)
	require.Equal(t, Key(p.Time), key)

	back, err := FromRecord(rec)
	require.NoError(t, err)
	require.True(t, back.Equal(p))
}

// Replicas receiving the same patches in any order reconstruct the same
// value.
func TestConvergenceUnderPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 25; round++ {
		var patches []Patch
		states := []string{""}
		for i := 0; i < 12; i++ {
			base := states[rng.Intn(len(states))]
			next := mutate(rng, base)
			at := Timestamp(1000 + i*10 + rng.Intn(5))
			var heads []Timestamp
			for _, p := range patches {
				if rng.Intn(2) == 0 {
					heads = append(heads, p.Time)
				}
			}
			patches = append(patches, makeTextPatch(t, base, next, at, rng.Intn(3), heads...))
			states = append(states, next)
		}

		values := make([]string, 0, 4)
		for replica := 0; replica < 4; replica++ {
			order := rng.Perm(len(patches))
			log := New(textType)
			for _, idx := range order {
				_, _, err := log.Add(patches[idx])
				require.NoError(t, err)
			}
			doc, err := log.Value(0)
			require.NoError(t, err)
			values = append(values, doc.String())
		}
		for i := 1; i < len(values); i++ {
			require.Equal(t, values[0], values[i], fmt.Sprintf("round %d replica %d diverged", round, i))
		}
	}
}

func TestRecordConvergenceLastWriteWins(t *testing.T) {
	typ := document.DocType{Type: document.KindDB, Opts: document.Options{PrimaryKeys: []string{"id"}}}
	empty, err := document.Empty(typ)
	require.NoError(t, err)
	a, _ := empty.Set(document.Record{"id": 1, "title": "x"})
	b, _ := empty.Set(document.Record{"id": 1, "title": "y"})
	diffA, _ := empty.MakePatch(a)
	diffB, _ := empty.MakePatch(b)

	pa := Patch{Time: 10, Patch: diffA, UserID: 1}
	pb := Patch{Time: 20, Patch: diffB, UserID: 2}
	for _, order := range [][]Patch{{pa, pb}, {pb, pa}} {
		log := New(typ)
		_, _, err := log.Add(order...)
		require.NoError(t, err)
		doc, err := log.Value(0)
		require.NoError(t, err)
		rec, ok, err := doc.GetOne(document.Record{"id": 1})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "y", rec["title"])
	}
}

func mutate(rng *rand.Rand, s string) string {
	const alphabet = "abcdefgh \n"
	switch rng.Intn(3) {
	case 0:
		pos := 0
		if len(s) > 0 {
			pos = rng.Intn(len(s) + 1)
		}
		return s[:pos] + string(alphabet[rng.Intn(len(alphabet))]) + s[pos:]
	case 1:
		if len(s) == 0 {
			return "seed"
		}
		pos := rng.Intn(len(s))
		return s[:pos] + s[pos+1:]
	default:
		return s + string(alphabet[rng.Intn(len(alphabet))])
	}
}
