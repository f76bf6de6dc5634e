package tern

import "container/heap"

// The scheduler owns two priority heaps over LSM trees: the dump
// heap picks the tree whose memory must go to disk next, the compact
// heap the tree whose compaction pays off most. Heaps are mutated
// only on the coordinator goroutine. Each LSM tree and range tracks
// its heap position so updates are O(log n) via heap.Fix.

// dumpHeap orders LSM trees for dumping: trees not being dumped
// first, then unpinned before pinned, then older generations, then
// secondary indexes before the primary of the same space.
type dumpHeap []*LSM

func (h dumpHeap) Len() int { return len(h) }

func (h dumpHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.isDumping != b.isDumping {
		return !a.isDumping
	}
	if a.pinCount != b.pinCount {
		return a.pinCount < b.pinCount
	}
	ag, bg := a.generation(), b.generation()
	if ag != bg {
		return ag < bg
	}
	// On recovery the primary index must not be ahead of the
	// secondaries of its space, so it dumps last.
	return a.indexID > b.indexID
}

func (h dumpHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].dumpPos = i
	h[j].dumpPos = j
}

func (h *dumpHeap) Push(x any) {
	lsm := x.(*LSM)
	lsm.dumpPos = len(*h)
	*h = append(*h, lsm)
}

func (h *dumpHeap) Pop() any {
	old := *h
	n := len(old)
	lsm := old[n-1]
	old[n-1] = nil
	lsm.dumpPos = -1
	*h = old[:n-1]
	return lsm
}

func (h dumpHeap) top() *LSM {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// compactHeap orders LSM trees by decreasing compaction priority.
type compactHeap []*LSM

func (h compactHeap) Len() int { return len(h) }

func (h compactHeap) Less(i, j int) bool {
	return h[i].compactPriority() > h[j].compactPriority()
}

func (h compactHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].compactPos = i
	h[j].compactPos = j
}

func (h *compactHeap) Push(x any) {
	lsm := x.(*LSM)
	lsm.compactPos = len(*h)
	*h = append(*h, lsm)
}

func (h *compactHeap) Pop() any {
	old := *h
	n := len(old)
	lsm := old[n-1]
	old[n-1] = nil
	lsm.compactPos = -1
	*h = old[:n-1]
	return lsm
}

func (h compactHeap) top() *LSM {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// rangeHeap orders the ranges of one LSM tree by decreasing
// compaction priority. A range leaves the heap while a compaction
// task owns it so it can't be reselected.
type rangeHeap []*Range

func (h rangeHeap) Len() int { return len(h) }

func (h rangeHeap) Less(i, j int) bool {
	return h[i].compactPriority > h[j].compactPriority
}

func (h rangeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapPos = i
	h[j].heapPos = j
}

func (h *rangeHeap) Push(x any) {
	rg := x.(*Range)
	rg.heapPos = len(*h)
	*h = append(*h, rg)
}

func (h *rangeHeap) Pop() any {
	old := *h
	n := len(old)
	rg := old[n-1]
	old[n-1] = nil
	rg.heapPos = -1
	*h = old[:n-1]
	return rg
}

func (h rangeHeap) top() *Range {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

func rangeHeapInsert(h *rangeHeap, rg *Range) {
	heap.Push(h, rg)
}

func rangeHeapDelete(h *rangeHeap, rg *Range) {
	if rg.heapPos >= 0 {
		heap.Remove(h, rg.heapPos)
	}
}

func rangeHeapUpdate(h *rangeHeap, rg *Range) {
	if rg.heapPos >= 0 {
		heap.Fix(h, rg.heapPos)
	}
}
