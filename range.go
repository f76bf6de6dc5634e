package tern

import (
	"fmt"

	"github.com/terndb/tern/keys"
)

// Range is a half-open key interval [begin, end) of an LSM tree. It
// owns the slices overlapping the interval, newest first, and a
// compaction priority derived from how the slices stack into levels.
type Range struct {
	id    int64
	begin keys.UserKey
	end   keys.UserKey

	// slices is ordered newest first: a dump prepends, compaction
	// replaces a contiguous span in place.
	slices []*Slice

	compactPriority int
	needsCompaction bool

	// version increments on every structural edit so readers can
	// detect that a cached range view went stale.
	version int64

	nCompactions int

	// heapPos is the position in the LSM tree's range heap, -1 when
	// the range is off-heap (being compacted).
	heapPos int
}

func newRange(id int64, begin, end keys.UserKey) *Range {
	return &Range{
		id:      id,
		begin:   cloneKey(begin),
		end:     cloneKey(end),
		heapPos: -1,
	}
}

// String renders the interval for log messages.
func (rg *Range) String() string {
	b, e := "-inf", "inf"
	if rg.begin != nil {
		b = fmt.Sprintf("%q", string(rg.begin))
	}
	if rg.end != nil {
		e = fmt.Sprintf("%q", string(rg.end))
	}
	return fmt.Sprintf("[%s..%s)", b, e)
}

// contains reports whether key falls inside the range.
func (rg *Range) contains(key keys.UserKey) bool {
	if rg.begin != nil && key.Compare(rg.begin) < 0 {
		return false
	}
	if rg.end != nil && key.Compare(rg.end) >= 0 {
		return false
	}
	return true
}

// addSlice prepends a slice: the newest data sits at the head.
func (rg *Range) addSlice(s *Slice) {
	rg.slices = append([]*Slice{s}, rg.slices...)
}

// addSliceBefore inserts a slice at the position of before. Used by
// compaction completion to keep slices added by a concurrent dump in
// place ahead of the new slice.
func (rg *Range) addSliceBefore(s, before *Slice) {
	for i, cur := range rg.slices {
		if cur == before {
			rg.slices = append(rg.slices[:i],
				append([]*Slice{s}, rg.slices[i:]...)...)
			return
		}
	}
	rg.slices = append(rg.slices, s)
}

// removeSlice unlinks a slice from the range.
func (rg *Range) removeSlice(s *Slice) {
	for i, cur := range rg.slices {
		if cur == s {
			rg.slices = append(rg.slices[:i], rg.slices[i+1:]...)
			return
		}
	}
}

// sliceIndex returns the position of a slice or -1.
func (rg *Range) sliceIndex(s *Slice) int {
	for i, cur := range rg.slices {
		if cur == s {
			return i
		}
	}
	return -1
}

// stmtCount sums the slice statement estimates.
func (rg *Range) stmtCount() int64 {
	var n int64
	for _, s := range rg.slices {
		n += s.count
	}
	return n
}

// updateCompactPriority recomputes how many slices, counted from the
// newest, are worth merging. Slices are stacked into levels whose
// capacity doubles per level; once a level collects more than
// runCountPerLevel slices, every slice down to that level is
// included. The resulting number estimates the read-amplification
// reduction of compacting the prefix.
func (rg *Range) updateCompactPriority(runCountPerLevel int) {
	if rg.needsCompaction {
		rg.compactPriority = len(rg.slices)
		return
	}
	priority := 0
	var levelCap int64
	inLevel := 0
	for i, s := range rg.slices {
		size := s.count
		if size < 1 {
			size = 1
		}
		if i == 0 {
			levelCap = size
		}
		for size > levelCap {
			levelCap *= 2
			inLevel = 0
		}
		inLevel++
		if inLevel > runCountPerLevel {
			priority = i + 1
		}
	}
	rg.compactPriority = priority
}
