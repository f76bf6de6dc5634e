package tern

import (
	"context"

	"github.com/terndb/tern/memtable"
)

type dumpOps struct{}

func (dumpOps) execute(ctx context.Context, t *task) error {
	return t.writeRun(ctx)
}

// newDumpTask builds a task dumping every sealed memtable of the
// current dump generation. Returns (nil, nil) when all eligible
// memtables turned out empty and were deleted without a worker.
// Runs on the coordinator.
func (s *Scheduler) newDumpTask(w *worker, lsm *LSM) (*task, error) {
	if lsm.isDropped || lsm.isDumping || lsm.pinCount != 0 ||
		lsm.generation() != s.dumpGeneration {
		panic("dump task preconditions violated")
	}

	// Rotate the active memtable if it holds data of the dumping
	// generation.
	if lsm.mem.Generation() == s.dumpGeneration {
		lsm.rotateMem(s.generation)
	}

	// Wait until all active writes to eligible memtables are over.
	dumpLSN := int64(-1)
	var eligible []*memtable.MemTable
	for _, mem := range append([]*memtable.MemTable(nil), lsm.sealed...) {
		if mem.Generation() > s.dumpGeneration {
			continue
		}
		mem.WaitPinned()
		if mem.Count() == 0 {
			// Empty tree, no worker needed.
			lsm.deleteMem(mem)
			continue
		}
		eligible = append(eligible, mem)
		if lsn := mem.DumpLSN(); lsn > dumpLSN {
			dumpLSN = lsn
		}
	}

	if dumpLSN < 0 {
		// Nothing to do, pick another LSM tree.
		s.updateLsm(lsm)
		s.completeDump()
		return nil, nil
	}

	t := newTask(s, w, lsm, dumpOps{})
	run, err := prepareRun(s.log, lsm)
	if err != nil {
		s.logger.Error("could not start dump", "lsm", lsm.name, "error", err)
		return nil, err
	}
	run.dumpLSN = dumpLSN

	// Deferred DELETEs only arise on compaction, when the
	// overwritten tuple is no longer in memory, so a dump write
	// iterator gets no handler.
	isLastLevel := lsm.runCount == 0
	wi := NewWriteIterator(t.cmpDef, lsm.IsPrimary(), isLastLevel,
		s.readViews.Snapshot(), nil)
	for _, mem := range eligible {
		wi.AddMem(mem)
	}

	t.newRun = run
	t.wi = wi

	lsm.isDumping = true
	s.updateLsm(lsm)

	if !lsm.IsPrimary() {
		// The primary must be dumped after every secondary of the
		// space; pinning takes it off the top of the dump heap
		// until this dump finishes.
		s.pinLsm(lsm.pk)
	}

	s.dumpTaskCount++
	s.logger.Info("dump started", "lsm", lsm.name, "generation", s.dumpGeneration)
	return t, nil
}

// complete attaches the dumped run to the LSM tree. Runs on the
// coordinator.
func (dumpOps) complete(t *task) error {
	s := t.scheduler
	lsm := t.lsm
	run := t.newRun
	dumpLSN := run.dumpLSN

	if !lsm.isDumping {
		panic("dump completion without dump in progress")
	}

	if run.IsEmpty() {
		// Discard the run and free the dumped memtables right away,
		// but the tree dump still has to be logged.
		s.log.TxBegin()
		s.log.DumpLSM(lsm.id, dumpLSN)
		if err := s.log.TxCommit(); err != nil {
			return err
		}
		discardRun(s.log, run)
	} else {
		// Allocate one slice of the new run per intersected range.
		lo, hi := lsm.rangesIntersecting(run.MinKey(), run.MaxKey())
		ranges := lsm.ranges[lo:hi]
		newSlices := make([]*Slice, len(ranges))
		for i, rg := range ranges {
			newSlices[i] = newSlice(s.log.NextID(), run, rg.begin, rg.end)
		}

		s.log.TxBegin()
		s.log.CreateRun(lsm.id, run.id, dumpLSN)
		for i, rg := range ranges {
			s.log.InsertSlice(rg.id, run.id, newSlices[i].id,
				newSlices[i].begin, newSlices[i].end)
		}
		s.log.DumpLSM(lsm.id, dumpLSN)
		if err := s.log.TxCommit(); err != nil {
			for _, sl := range newSlices {
				deleteSlice(sl)
			}
			return err
		}

		lsm.addRun(run)

		// Insert the new slices. No blocking calls from here until
		// the loop ends, or a concurrent reader could see the same
		// statement both in memory and on disk.
		for i, rg := range ranges {
			rg.addSlice(newSlices[i])
			rg.updateCompactPriority(lsm.opts.RunCountPerLevel)
			rangeHeapUpdate(&lsm.rangeHeap, rg)
			rg.version++
		}
	}

	// Delete dumped memtables and account the dump.
	for _, mem := range append([]*memtable.MemTable(nil), lsm.sealed...) {
		if mem.Generation() > s.dumpGeneration {
			continue
		}
		lsm.stats.DumpedStmts += int64(mem.Count())
		lsm.deleteMem(mem)
	}
	if dumpLSN > lsm.dumpLSN {
		lsm.dumpLSN = dumpLSN
	}
	lsm.stats.Dumps++

	// The iterator was already stopped on the worker.
	t.wi.Close()

	lsm.isDumping = false
	s.updateLsm(lsm)

	if !lsm.IsPrimary() {
		s.unpinLsm(lsm.pk)
	}

	if s.dumpTaskCount <= 0 {
		panic("dump task count underflow")
	}
	s.dumpTaskCount--

	s.logger.Info("dump completed", "lsm", lsm.name)

	s.completeDump()
	return nil
}

// abort returns the LSM tree to its pre-task state. Runs on the
// coordinator when execute or complete failed, or the tree was
// dropped.
func (dumpOps) abort(t *task) {
	s := t.scheduler
	lsm := t.lsm

	t.wi.Close()

	// No use alerting the user about a dropped tree.
	if !lsm.isDropped {
		s.logger.Error("dump failed", "lsm", lsm.name, "error", t.err)
	}

	discardRun(s.log, t.newRun)

	lsm.isDumping = false
	s.updateLsm(lsm)

	if !lsm.IsPrimary() {
		s.unpinLsm(lsm.pk)
	}

	if s.dumpTaskCount <= 0 {
		panic("dump task count underflow")
	}
	s.dumpTaskCount--

	// A dropped tree may have been the last of its generation; the
	// round must still be checked or the dump condition would never
	// fire and memory never released.
	if lsm.isDropped {
		s.completeDump()
	}
}
