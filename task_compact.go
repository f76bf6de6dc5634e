package tern

import (
	"context"

	"github.com/terndb/tern/runfile"
)

type compactOps struct{}

func (compactOps) execute(ctx context.Context, t *task) error {
	return t.writeRun(ctx)
}

// newCompactTask builds a task compacting the top-priority prefix of
// the hottest range of lsm. Returns (nil, nil) when the range was
// split or coalesced instead; the caller retries with the updated
// heap. Runs on the coordinator.
func (s *Scheduler) newCompactTask(w *worker, lsm *LSM) (*task, error) {
	if lsm.isDropped {
		panic("compaction of a dropped lsm tree")
	}
	rg := lsm.rangeHeap.top()
	if rg == nil || rg.compactPriority <= 1 {
		panic("compaction task preconditions violated")
	}

	// Restructure first: a range that outgrew its bound splits, a
	// shrunken one merges with its neighbour. Either way the heaps
	// changed and task construction restarts.
	if lsm.splitRange(rg) || lsm.coalesceRange(rg) {
		s.updateLsm(lsm)
		return nil, nil
	}

	t := newTask(s, w, lsm, compactOps{})
	run, err := prepareRun(s.log, lsm)
	if err != nil {
		s.logger.Error("could not start compaction", "lsm", lsm.name,
			"range", rg.String(), "error", err)
		return nil, err
	}

	var handler DeferredDeleteHandler
	if lsm.IsPrimary() && s.ddExec != nil {
		handler = &taskDeferredDeleteHandler{t: t}
	}
	isLastLevel := rg.compactPriority == len(rg.slices)
	wi := NewWriteIterator(t.cmpDef, lsm.IsPrimary(), isLastLevel,
		s.readViews.Snapshot(), handler)

	// Feed the first compactPriority slices, newest first, and
	// remember the span: a concurrent dump may prepend more slices
	// while the task runs and those must survive untouched.
	n := rg.compactPriority
	for _, sl := range rg.slices[:n] {
		wi.AddSlice(sl, lsm.env)
		if sl.run.dumpLSN > run.dumpLSN {
			run.dumpLSN = sl.run.dumpLSN
		}
		if t.firstSlice == nil {
			t.firstSlice = sl
		}
		t.lastSlice = sl
	}

	rg.needsCompaction = false

	t.rng = rg
	t.newRun = run
	t.wi = wi

	// Take the range off its heap so it can't be selected twice.
	rangeHeapDelete(&lsm.rangeHeap, rg)
	s.updateLsm(lsm)

	s.logger.Info("compaction started", "lsm", lsm.name, "range", rg.String(),
		"runs", rg.compactPriority, "of", len(rg.slices))
	return t, nil
}

// complete swaps the compacted slices for the new one. Runs on the
// coordinator.
func (compactOps) complete(t *task) error {
	s := t.scheduler
	lsm := t.lsm
	rg := t.rng
	run := t.newRun

	// The compacted span [firstSlice..lastSlice] as it sits in the
	// range now; slices prepended by a concurrent dump come before
	// it.
	i1 := rg.sliceIndex(t.firstSlice)
	i2 := rg.sliceIndex(t.lastSlice)
	if i1 < 0 || i2 < i1 {
		panic("compacted slices missing from range")
	}
	span := append([]*Slice(nil), rg.slices[i1:i2+1]...)

	// An empty result still deletes the sources; it just inserts
	// nothing.
	var newSl *Slice
	if !run.IsEmpty() {
		newSl = newSlice(s.log.NextID(), run, nil, nil)
	}

	// Runs whose every slice is in the span become unused.
	var unused []*Run
	for _, sl := range span {
		sl.run.compactedSliceCount++
	}
	for _, sl := range span {
		r := sl.run
		if r.compactedSliceCount == r.sliceCount {
			unused = append(unused, r)
		}
		r.compactedSliceCount = 0
	}

	s.log.TxBegin()
	for _, sl := range span {
		s.log.DeleteSlice(sl.id)
	}
	gcLSN := s.log.Signature()
	for _, r := range unused {
		s.log.DropRun(r.id, gcLSN)
	}
	if newSl != nil {
		s.log.CreateRun(lsm.id, run.id, run.dumpLSN)
		s.log.InsertSlice(rg.id, run.id, newSl.id, nil, nil)
	}
	if err := s.log.TxCommit(); err != nil {
		if newSl != nil {
			deleteSlice(newSl)
		}
		return err
	}

	// Compacted runs dumped after the last checkpoint are not
	// referenced by any snapshot: remove their files now to save
	// disk. Best-effort; recovery redoes it if the record is lost.
	s.log.TxBegin()
	for _, r := range unused {
		if r.dumpLSN > gcLSN {
			if err := runfile.RemoveFiles(lsm.env.Dir, r.id); err == nil {
				s.log.ForgetRun(r.id)
			}
		}
	}
	s.log.TxTryCommit()

	if newSl != nil {
		lsm.addRun(run)
	} else {
		discardRun(s.log, run)
	}

	// Swap the span for the new slice in place. No blocking calls
	// until the swap is done or a reader could see both the old and
	// the new statements.
	if newSl != nil {
		rg.addSliceBefore(newSl, t.firstSlice)
	}
	for _, sl := range span {
		rg.removeSlice(sl)
		lsm.stats.CompactedStmts += sl.count
	}
	rg.nCompactions++
	rg.version++
	rg.updateCompactPriority(lsm.opts.RunCountPerLevel)
	lsm.stats.Compactions++

	for _, r := range unused {
		lsm.removeRun(r)
	}

	// Destroy the old slices once their readers drain.
	for _, sl := range span {
		sl.WaitPinned()
		deleteSlice(sl)
	}

	// The iterator was already stopped on the worker.
	t.wi.Close()

	if rg.heapPos != -1 {
		panic("compacted range still on heap")
	}
	rangeHeapInsert(&lsm.rangeHeap, rg)
	s.updateLsm(lsm)

	s.logger.Info("compaction completed", "lsm", lsm.name,
		"range", rg.String())
	return nil
}

// abort puts the range back on its heap and discards the prepared
// run. Runs on the coordinator.
func (compactOps) abort(t *task) {
	s := t.scheduler
	lsm := t.lsm
	rg := t.rng

	t.wi.Close()

	if !lsm.isDropped {
		s.logger.Error("compaction failed", "lsm", lsm.name,
			"range", rg.String(), "error", t.err)
	}

	discardRun(s.log, t.newRun)

	if rg.heapPos != -1 {
		panic("compacted range still on heap")
	}
	rangeHeapInsert(&lsm.rangeHeap, rg)
	s.updateLsm(lsm)
}
