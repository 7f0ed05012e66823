package patchlog

import (
	"fmt"
	"sort"

	"github.com/agentworkforce/patchsync/internal/document"
)

// SnapshotPolicy bounds replay cost. A snapshot is due once Interval
// patches, or MaxBytes of patch data, have accumulated since the last one.
type SnapshotPolicy struct {
	Interval int `yaml:"interval"`
	MaxBytes int `yaml:"max_bytes"`
}

func DefaultSnapshotPolicy() SnapshotPolicy {
	return SnapshotPolicy{Interval: 300, MaxBytes: 1 << 20}
}

// Log is the in-memory view of one document's patches, kept sorted by
// time and user id. It is not safe for concurrent use.
type Log struct {
	docType document.DocType
	patches []Patch
	byTime  map[Timestamp]int
}

func New(docType document.DocType) *Log {
	return &Log{docType: docType.Normalize(), byTime: map[Timestamp]int{}}
}

func (l *Log) DocType() document.DocType { return l.docType }

func (l *Log) Len() int { return len(l.patches) }

func (l *Log) Head() (Patch, bool) {
	if len(l.patches) == 0 {
		return Patch{}, false
	}
	return l.patches[len(l.patches)-1], true
}

func (l *Log) Patch(t Timestamp) (Patch, bool) {
	i, ok := l.byTime[t]
	if !ok {
		return Patch{}, false
	}
	return l.patches[i], true
}

func (l *Log) Has(t Timestamp) bool {
	_, ok := l.byTime[t]
	return ok
}

// Add inserts patches in order. A patch whose time is already present is
// skipped when identical and rejected with ErrAlreadyWritten otherwise.
// added lists the inserted patches in log order; outOfOrder reports
// whether any of them is older than the head before the call.
func (l *Log) Add(patches ...Patch) (added []Patch, outOfOrder bool, err error) {
	head, hasHead := l.Head()
	for _, p := range patches {
		if i, ok := l.byTime[p.Time]; ok {
			if l.patches[i].Equal(p) {
				continue
			}
			if err == nil {
				err = fmt.Errorf("%w: time %d", ErrAlreadyWritten, p.Time)
			}
			continue
		}
		if hasHead && p.Less(head) {
			outOfOrder = true
		}
		idx := sort.Search(len(l.patches), func(i int) bool { return p.Less(l.patches[i]) })
		l.patches = append(l.patches, Patch{})
		copy(l.patches[idx+1:], l.patches[idx:])
		l.patches[idx] = p
		l.reindex(idx)
		added = append(added, p)
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Less(added[j]) })
	return added, outOfOrder, err
}

// Remove drops the patch at time t. It is only used to withdraw a local
// patch the log service refused.
func (l *Log) Remove(t Timestamp) bool {
	i, ok := l.byTime[t]
	if !ok {
		return false
	}
	delete(l.byTime, t)
	l.patches = append(l.patches[:i], l.patches[i+1:]...)
	l.reindex(i)
	return true
}

func (l *Log) reindex(from int) {
	for i := from; i < len(l.patches); i++ {
		l.byTime[l.patches[i].Time] = i
	}
}

// Value reconstructs the document as of upto (inclusive). A zero upto
// means the latest value. Replay starts at the newest snapshot at or
// before upto, or at the empty document. Patches older than that snapshot
// which it never saw (through its heads) are replayed right after it, in
// log order.
func (l *Log) Value(upto Timestamp) (document.Document, error) {
	end := len(l.patches)
	if upto > 0 {
		end = sort.Search(len(l.patches), func(i int) bool { return l.patches[i].Time > upto })
	}
	doc, err := document.Empty(l.docType)
	if err != nil {
		return nil, err
	}
	start := 0
	var late []Patch
	for i := end - 1; i >= 0; i-- {
		snap := l.patches[i]
		if !snap.IsSnapshot() {
			continue
		}
		doc, err = document.Parse(l.docType, *snap.Snapshot)
		if err != nil {
			return nil, err
		}
		start = i + 1
		seen := l.ancestors(snap.Heads)
		for _, p := range l.patches[:i] {
			if _, ok := seen[p.Time]; !ok && !p.IsSnapshot() {
				late = append(late, p)
			}
		}
		break
	}
	for _, p := range append(late, l.patches[start:end]...) {
		doc, err = doc.ApplyPatch(p.Patch)
		if err != nil {
			return nil, fmt.Errorf("apply patch %d: %w", p.Time, err)
		}
	}
	return doc, nil
}

// ancestors returns heads and every known patch reachable from them.
func (l *Log) ancestors(heads []Timestamp) map[Timestamp]struct{} {
	seen := map[Timestamp]struct{}{}
	stack := append([]Timestamp(nil), heads...)
	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if i, ok := l.byTime[t]; ok {
			stack = append(stack, l.patches[i].Heads...)
		}
	}
	return seen
}

// SortedTimes returns every patch time in log order.
func (l *Log) SortedTimes() []Timestamp {
	out := make([]Timestamp, len(l.patches))
	for i, p := range l.patches {
		out[i] = p.Time
	}
	return out
}

// Heads returns the times of patches no other known patch has seen.
func (l *Log) Heads() []Timestamp {
	seen := map[Timestamp]struct{}{}
	for _, p := range l.patches {
		for _, h := range p.Heads {
			seen[h] = struct{}{}
		}
	}
	out := make([]Timestamp, 0)
	for _, p := range l.patches {
		if _, ok := seen[p.Time]; !ok {
			out = append(out, p.Time)
		}
	}
	return out
}

// NextTime returns a patch time no earlier than now that is strictly
// after the head and not yet used.
func (l *Log) NextTime(now Timestamp) Timestamp {
	t := now
	if head, ok := l.Head(); ok && t <= head.Time {
		t = head.Time + 1
	}
	for l.Has(t) {
		t++
	}
	return t
}

func (l *Log) NeedsSnapshot(policy SnapshotPolicy) bool {
	count, size := 0, 0
	for i := len(l.patches) - 1; i >= 0; i-- {
		if l.patches[i].IsSnapshot() {
			break
		}
		count++
		size += l.patches[i].Size
	}
	if count == 0 {
		return false
	}
	if policy.Interval > 0 && count >= policy.Interval {
		return true
	}
	return policy.MaxBytes > 0 && size >= policy.MaxBytes
}

// MakeSnapshot builds a snapshot patch at time t carrying the current
// serialized value and an empty diff.
func (l *Log) MakeSnapshot(t Timestamp, userID int) (Patch, error) {
	value, err := l.Value(0)
	if err != nil {
		return Patch{}, err
	}
	empty, err := value.MakePatch(value)
	if err != nil {
		return Patch{}, err
	}
	serialized := value.String()
	return Patch{
		Time:     t,
		Patch:    empty,
		UserID:   userID,
		Snapshot: &serialized,
		Size:     len(empty),
		Heads:    l.Heads(),
	}, nil
}
