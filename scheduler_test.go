package tern

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terndb/tern/runfile"
)

func TestDumpCreatesRunAndFreesMemtables(t *testing.T) {
	h := newHarness(t, nil)
	lsm := h.newLSM(1, 0, nil)

	for i := 0; i < 20; i++ {
		h.put(lsm, fmt.Sprintf("k%03d", i), "v", int64(i+1))
	}
	require.NoError(t, h.sched.Dump())

	h.locked(func() {
		assert.Equal(t, 1, lsm.runCount)
		assert.Empty(t, lsm.sealed)
		assert.False(t, lsm.isDumping)
		assert.Equal(t, h.sched.generation, h.sched.dumpGeneration)
		assert.Len(t, lsm.ranges[0].slices, 1)
		assert.Equal(t, int64(20), lsm.dumpLSN)
	})

	top := h.topology()
	var created int
	for id, r := range top.Runs {
		if r.Created && !r.Dropped {
			created++
			assert.Equal(t, int64(20), r.DumpLSN)
			_, err := os.Stat(runfile.Path(h.opts.Dir, id))
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 1, created)
	assert.Len(t, top.Slices, 1)
	assert.Equal(t, int64(20), top.DumpLSN[lsm.id])
}

func TestDumpRoundWithNoData(t *testing.T) {
	h := newHarness(t, nil)
	lsm := h.newLSM(1, 0, nil)

	require.NoError(t, h.sched.Dump())
	h.locked(func() {
		assert.Equal(t, 0, lsm.runCount)
		assert.Equal(t, int64(1), h.sched.dumpGeneration)
	})
}

func TestEmptyDumpDiscardsRunAndFreesMemory(t *testing.T) {
	// A replace immediately shadowed by a delete merges to nothing
	// at the last level: the prepared run is discarded but the
	// memtables are still freed and the round advances.
	h := newHarness(t, nil)
	lsm := h.newLSM(1, 0, nil)

	h.put(lsm, "k1", "v", 1)
	h.del(lsm, "k1", "v", 2)
	require.NoError(t, h.sched.Dump())

	h.locked(func() {
		assert.Equal(t, 0, lsm.runCount)
		assert.Empty(t, lsm.sealed)
	})

	top := h.topology()
	assert.Empty(t, top.Slices)
	assert.Equal(t, int64(2), top.DumpLSN[lsm.id])
	for _, r := range top.Runs {
		assert.True(t, r.Dropped || !r.Created, "empty dump must not leave a live run")
	}
}

func TestDumpThenCompact(t *testing.T) {
	h := newHarness(t, nil) // RunCountPerLevel = 1: two runs trigger compaction
	lsm := h.newLSM(1, 0, nil)

	for i := 0; i < 10; i++ {
		h.put(lsm, fmt.Sprintf("k%03d", i), "v1", int64(i+1))
	}
	require.NoError(t, h.sched.Dump())

	for i := 0; i < 10; i++ {
		h.put(lsm, fmt.Sprintf("k%03d", i), "v2", int64(i+11))
	}
	require.NoError(t, h.sched.Dump())

	h.waitUntil("compaction to one run", func() bool {
		return lsm.runCount == 1 && len(lsm.ranges[0].slices) == 1
	})

	h.locked(func() {
		assert.Equal(t, int64(1), lsm.stats.Compactions)
		assert.EqualValues(t, 1, lsm.ranges[0].nCompactions)
	})

	// Both source runs are gone from the log; exactly one live run
	// (with one slice) remains.
	top := h.topology()
	live := 0
	for _, r := range top.Runs {
		if r.Created && !r.Dropped {
			live++
			// Newest versions only survived the merge.
			assert.Equal(t, int64(20), r.DumpLSN)
		}
	}
	assert.Equal(t, 1, live)
	assert.Len(t, top.Slices, 1)
}

func TestForceCompaction(t *testing.T) {
	h := newHarness(t, func(opts *Options, cfg *SchedulerConfig) {
		opts.RunCountPerLevel = 8 // keep auto compaction out of the way
	})
	lsm := h.newLSM(1, 0, nil)

	h.put(lsm, "a", "v1", 1)
	require.NoError(t, h.sched.Dump())
	h.put(lsm, "a", "v2", 2)
	require.NoError(t, h.sched.Dump())

	h.locked(func() {
		require.Equal(t, 2, lsm.runCount)
	})

	h.sched.ForceCompaction(lsm)
	h.waitUntil("forced compaction", func() bool { return lsm.runCount == 1 })
}

func TestCheckpointCoalescesTriggerDump(t *testing.T) {
	h := newHarness(t, nil)
	lsm := h.newLSM(1, 0, nil)
	h.put(lsm, "a", "v", 1)

	require.NoError(t, h.sched.BeginCheckpoint())
	require.NoError(t, h.sched.WaitCheckpoint())

	// The checkpoint's round is over but the checkpoint hasn't
	// ended: a dump request now must be deferred, not started.
	h.sched.TriggerDump()
	h.locked(func() {
		assert.Equal(t, int64(1), h.sched.generation)
		assert.True(t, h.sched.dumpPending)
	})

	h.sched.EndCheckpoint()
	h.locked(func() {
		assert.Equal(t, int64(2), h.sched.generation)
		assert.False(t, h.sched.dumpPending)
		assert.False(t, h.sched.checkpointInProgress)
	})
	h.waitUntil("deferred dump round", func() bool {
		return h.sched.dumpGeneration == 2
	})
}

func TestBeginEndCheckpointWithoutWait(t *testing.T) {
	h := newHarness(t, nil)
	h.newLSM(1, 0, nil)

	require.NoError(t, h.sched.BeginCheckpoint())
	h.sched.EndCheckpoint()

	h.locked(func() {
		assert.False(t, h.sched.checkpointInProgress)
		assert.False(t, h.sched.dumpPending)
	})
	h.waitUntil("round to finish", func() bool {
		return h.sched.dumpGeneration == h.sched.generation
	})
}

func TestTriggerDumpIdempotentWhileRoundInProgress(t *testing.T) {
	h := newHarness(t, nil)
	lsm := h.newLSM(1, 0, nil)
	h.put(lsm, "a", "v", 1)

	release := make(chan struct{})
	started := make(chan struct{})
	h.env.runWriteHook = func() error {
		select {
		case <-started:
		default:
			close(started)
		}
		<-release
		return nil
	}

	h.sched.TriggerDump()
	<-started
	h.sched.TriggerDump() // round in progress: must be a no-op
	h.locked(func() {
		assert.Equal(t, int64(1), h.sched.generation)
	})
	close(release)
	h.waitUntil("round completion", func() bool {
		return h.sched.dumpGeneration == 1
	})
}

func TestThrottleDoublesAndResets(t *testing.T) {
	var recorded []time.Duration
	h := newHarness(t, nil)
	h.sched.throttleHook = func(d time.Duration) time.Duration {
		recorded = append(recorded, d)
		return time.Millisecond // don't actually sleep for seconds
	}

	lsm := h.newLSM(1, 0, nil)
	h.put(lsm, "a", "v", 1)

	fails := 2
	h.env.runWriteHook = func() error {
		if fails > 0 {
			fails--
			return ErrInjected
		}
		return nil
	}

	h.sched.TriggerDump()
	h.waitUntil("dump success after two failures", func() bool {
		return lsm.runCount == 1 && h.sched.timeout == 0
	})

	require.Len(t, recorded, 2)
	assert.Equal(t, 1*time.Second, recorded[0])
	assert.Equal(t, 2*time.Second, recorded[1])
}

func TestCheckpointFailsFastWhileThrottled(t *testing.T) {
	h := newHarness(t, nil)
	throttled := make(chan struct{})
	h.sched.throttleHook = func(d time.Duration) time.Duration {
		select {
		case <-throttled:
		default:
			close(throttled)
		}
		// Park the scheduler in the throttle sleep; Close interrupts it.
		return time.Hour
	}

	lsm := h.newLSM(1, 0, nil)
	h.put(lsm, "a", "v", 1)
	h.env.runWriteHook = func() error { return ErrInjected }

	h.sched.TriggerDump()
	<-throttled

	err := h.sched.BeginCheckpoint()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrThrottled)
}

func TestSecondaryIndexDumpedBeforePrimary(t *testing.T) {
	h := newHarness(t, nil)
	pk := h.newLSM(1, 0, nil)
	sec := h.newLSM(1, 1, pk)

	// The transactional engine writes every index of the space.
	h.put(pk, "row1", "s1", 1)
	h.put(sec, "row1", "s1", 1)

	require.NoError(t, h.sched.Dump())

	h.locked(func() {
		assert.Equal(t, 1, pk.runCount)
		assert.Equal(t, 1, sec.runCount)
		assert.Equal(t, 0, pk.pinCount)
	})

	// Run ids come from one monotone sequence, so the dump order is
	// visible in the log: the secondary's run must precede the
	// primary's.
	top := h.topology()
	var secRun, pkRun int64 = -1, -1
	for id, r := range top.Runs {
		if !r.Created || r.Dropped {
			continue
		}
		switch r.LsmID {
		case sec.id:
			secRun = id
		case pk.id:
			pkRun = id
		}
	}
	require.NotEqual(t, int64(-1), secRun)
	require.NotEqual(t, int64(-1), pkRun)
	assert.Less(t, secRun, pkRun)
}

func TestDeferredDeleteRoutedToExecutor(t *testing.T) {
	h := newHarness(t, func(opts *Options, cfg *SchedulerConfig) {
		opts.RunCountPerLevel = 8
	})
	pk := h.newLSM(7, 0, nil)

	h.put(pk, "p1", "old-payload", 1)
	require.NoError(t, h.sched.Dump())
	h.put(pk, "p1", "new-payload", 42)
	require.NoError(t, h.sched.Dump())

	h.sched.ForceCompaction(pk)
	h.waitUntil("primary compaction", func() bool { return pk.runCount == 1 })

	calls := h.ddExec.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, uint32(7), calls[0].spaceID)
	assert.Equal(t, int64(42), calls[0].lsn)

	// The tuple is a surrogate delete of the old statement: key
	// field kept, payload wiped.
	fields, err := pk.format.DecodeTuple(calls[0].tuple)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, []byte("p1"), fields[0])
	assert.Empty(t, fields[1])
}

func TestDeferredDeleteFailureAbortsTask(t *testing.T) {
	h := newHarness(t, func(opts *Options, cfg *SchedulerConfig) {
		opts.RunCountPerLevel = 8
	})
	h.sched.throttleHook = func(d time.Duration) time.Duration { return time.Millisecond }

	pk := h.newLSM(3, 0, nil)
	h.put(pk, "p1", "old", 1)
	require.NoError(t, h.sched.Dump())
	h.put(pk, "p1", "new", 2)
	require.NoError(t, h.sched.Dump())

	h.ddExec.setFailNext()
	h.sched.ForceCompaction(pk)

	// The failed batch cancels the task; the retry after the
	// throttle goes through.
	h.waitUntil("compaction retry after batch failure", func() bool {
		return pk.runCount == 1
	})
	h.locked(func() {
		assert.ErrorIs(t, h.sched.lastErr, ErrDeferredDeleteFailed)
	})
	assert.Len(t, h.ddExec.recorded(), 1)
}

func TestDropDuringCompactionAbortsSilently(t *testing.T) {
	h := newHarness(t, func(opts *Options, cfg *SchedulerConfig) {
		opts.RunCountPerLevel = 8
	})
	var throttles int
	h.sched.throttleHook = func(d time.Duration) time.Duration {
		throttles++
		return time.Millisecond
	}

	lsm := h.newLSM(1, 0, nil)
	h.put(lsm, "a", "v1", 1)
	require.NoError(t, h.sched.Dump())
	h.put(lsm, "a", "v2", 2)
	require.NoError(t, h.sched.Dump())

	started := make(chan struct{})
	release := make(chan struct{})
	h.env.runWriteHook = func() error {
		close(started)
		<-release
		return nil
	}

	h.sched.ForceCompaction(lsm)
	<-started

	// Drop the tree while the worker is mid-write.
	h.sched.DropLSM(lsm)
	close(release)

	h.waitUntil("compaction worker back in pool", func() bool {
		p := h.sched.compactPool
		return p.workers != nil && len(p.idle) == len(p.workers)
	})

	h.locked(func() {
		assert.NoError(t, h.sched.lastErr)
	})
	assert.Zero(t, throttles, "a dropped tree must not throttle the scheduler")

	// The compaction's prepared run was discarded, never created.
	top := h.topology()
	for _, r := range top.Runs {
		if r.Prepared && !r.Created {
			assert.True(t, r.Dropped)
		}
	}
}

func TestSchedulerStoppedDump(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sched.Close())
	assert.ErrorIs(t, h.sched.Dump(), ErrSchedulerStopped)
}

func TestCleanupOrphanRuns(t *testing.T) {
	h := newHarness(t, nil)

	// A run that was prepared but never created, as a crashed dump
	// leaves behind.
	orphanID := h.log.NextID()
	h.log.TxBegin()
	h.log.PrepareRun(99, orphanID)
	require.NoError(t, h.log.TxCommit())
	w, err := runfile.NewWriter(runfile.WriterOpts{
		Dir: h.opts.Dir, RunID: orphanID, BloomFPR: 0.01, PageSize: 256,
		Compression: h.opts.Compression,
	})
	require.NoError(t, err)
	require.NoError(t, w.AppendStmt(stmtForTest("x", 1)))
	_, err = w.Commit()
	require.NoError(t, err)

	require.NoError(t, CleanupOrphanRuns(h.log, h.env))

	_, err = os.Stat(runfile.Path(h.opts.Dir, orphanID))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	top := h.topology()
	assert.Empty(t, top.Orphans())
}
