package tern

import (
	"context"
	"runtime"

	"github.com/terndb/tern/keys"
	"github.com/terndb/tern/runfile"
)

// yieldLoops is how many appended statements a worker processes
// between cooperative yields. Cancellation is checked after every
// statement.
const yieldLoops = 32

// taskOps is the lifecycle of one background task. execute runs on
// a worker and does the heavy I/O; complete and abort run on the
// coordinator and apply or undo the in-memory state changes.
type taskOps interface {
	execute(ctx context.Context, t *task) error
	complete(t *task) error
	abort(t *task)
}

// task is a unit of background work, either a dump or a compaction
// of one LSM tree.
type task struct {
	ops       taskOps
	scheduler *Scheduler
	worker    *worker

	lsm *LSM

	// cmpDef and keyDef are deep copies so a concurrent alter on
	// the coordinator can't race the worker.
	cmpDef *keys.Def
	keyDef *keys.Def

	// rng and the slice markers are compaction-only.
	rng        *Range
	firstSlice *Slice
	lastSlice  *Slice

	newRun *Run
	wi     *WriteIterator

	// Policy snapshot; index options may change mid-task.
	bloomFPR float64
	pageSize int64

	isFailed bool
	err      error

	// ctx/cancel cover the task body on the worker; freeBatch uses
	// cancel to stop a task whose deferred DELETEs failed.
	ctx    context.Context
	cancel context.CancelFunc

	// Deferred DELETE state, primary-index compaction only.
	deferredBatch *deferredDeleteBatch
	ddInProgress  int
	batchReturn   chan *deferredDeleteBatch
}

// newTask pins the LSM tree into a task and snapshots its
// definitions. Must run before any suspension so the tree can't be
// altered from under the copies.
func newTask(s *Scheduler, w *worker, lsm *LSM, ops taskOps) *task {
	return &task{
		ops:         ops,
		scheduler:   s,
		worker:      w,
		lsm:         lsm,
		cmpDef:      lsm.cmpDef.Clone(),
		keyDef:      lsm.keyDef.Clone(),
		bloomFPR:    lsm.opts.BloomFPR,
		pageSize:    lsm.opts.PageSize,
		batchReturn: make(chan *deferredDeleteBatch, deferredDeleteMaxInProgress+1),
	}
}

// writeRun is the shared worker body of dump and compaction: stream
// the write iterator into a new run file, yielding every yieldLoops
// statements and checking for cancellation.
func (t *task) writeRun(ctx context.Context) error {
	env := t.lsm.env
	if hook := env.runWriteHook; hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t.ctx = taskCtx
	t.cancel = cancel
	defer cancel()

	w, err := runfile.NewWriter(runfile.WriterOpts{
		Dir:         env.Dir,
		RunID:       t.newRun.id,
		BloomFPR:    t.bloomFPR,
		PageSize:    t.pageSize,
		Compression: env.Compression,
		Logger:      env.Logger,
	})
	if err != nil {
		t.wi.Stop()
		return err
	}

	if err := t.wi.Start(); err != nil {
		t.wi.Stop()
		w.Abort()
		return err
	}

	loops := 0
	appended := int64(0)
	for {
		stmt, err := t.wi.Next()
		if err != nil {
			t.wi.Stop()
			w.Abort()
			return err
		}
		if stmt == nil {
			break
		}
		if err := w.AppendStmt(stmt); err != nil {
			t.wi.Stop()
			w.Abort()
			return err
		}
		appended++
		loops++
		if loops%yieldLoops == 0 {
			runtime.Gosched()
		}
		select {
		case <-taskCtx.Done():
			t.wi.Stop()
			w.Abort()
			if t.isFailed {
				return t.err
			}
			return ErrCancelled
		default:
		}
	}
	// Stop flushes deferred DELETEs and waits for them; it must run
	// before commit so a batch failure still fails the task.
	t.wi.Stop()
	if t.isFailed {
		w.Abort()
		return t.err
	}

	if appended == 0 {
		// Nothing survived the merge. No file is left behind; the
		// coordinator discards the prepared run.
		w.Abort()
		return nil
	}

	info, err := w.Commit()
	if err != nil {
		return err
	}
	t.newRun.info = info
	t.newRun.committed = true
	return nil
}
