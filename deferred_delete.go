package tern

import (
	"fmt"

	"github.com/terndb/tern/keys"
)

// Deferred DELETE limits: a batch holds at most
// DeferredDeleteBatchMax pairs, and a worker keeps at most
// deferredDeleteMaxInProgress batches in flight before it blocks.
const (
	DeferredDeleteBatchMax      = 100
	deferredDeleteMaxInProgress = 10
)

// DeferredDelete is one overwritten-tuple record: the shadowed
// statement and the statement that shadowed it.
type DeferredDelete struct {
	Old *keys.Statement
	New *keys.Statement
}

// deferredDeleteBatch carries deferred DELETEs from a worker
// compacting a primary index to the coordinator, and the failure
// diagnostic back.
type deferredDeleteBatch struct {
	task     *task
	stmts    []DeferredDelete
	isFailed bool
	err      error
}

// DeferredDeleteTx is one transaction against the system table that
// fans deletes out to secondary indexes.
type DeferredDeleteTx interface {
	// Replace writes one (space_id, lsn, delete_tuple) row. The
	// host's replace trigger propagates the delete.
	Replace(spaceID uint32, lsn int64, deleteTuple []byte) error
	Commit() error
	Rollback()
}

// DeferredDeleteExecutor is the host DML engine entry point for
// deferred DELETE batches. Hosts without a trigger-bearing system
// table may instead apply the delete to each secondary index
// directly inside Replace.
type DeferredDeleteExecutor interface {
	Begin() (DeferredDeleteTx, error)
}

// taskDeferredDeleteHandler is the write-iterator handler installed
// on primary-index compaction tasks. It runs on the worker.
type taskDeferredDeleteHandler struct {
	t *task
}

// Process adds a pair to the current batch, shipping the batch to
// the coordinator when it fills up. Blocks while too many batches
// are in flight; cancellation wakes it.
func (h *taskDeferredDeleteHandler) Process(old, new *keys.Statement) error {
	t := h.t
	for t.ddInProgress >= deferredDeleteMaxInProgress {
		select {
		case b := <-t.batchReturn:
			t.freeBatch(b)
		case <-t.ctx.Done():
			return ErrCancelled
		}
	}
	if t.isFailed {
		return t.err
	}
	if t.deferredBatch == nil {
		t.deferredBatch = &deferredDeleteBatch{
			task:  t,
			stmts: make([]DeferredDelete, 0, DeferredDeleteBatchMax),
		}
	}
	b := t.deferredBatch
	b.stmts = append(b.stmts, DeferredDelete{Old: old, New: new})
	if len(b.stmts) == DeferredDeleteBatchMax {
		t.flushDeferredBatch()
	}
	return nil
}

// Destroy flushes the partial batch and waits for every in-flight
// batch to come home. Cancellation interrupts the wait; the batches
// drain into the buffered return pipe regardless.
func (h *taskDeferredDeleteHandler) Destroy() {
	t := h.t
	t.flushDeferredBatch()
	for t.ddInProgress > 0 {
		select {
		case b := <-t.batchReturn:
			t.freeBatch(b)
		case <-t.ctx.Done():
			return
		}
	}
}

// flushDeferredBatch ships the current batch to the coordinator.
// Runs on the worker.
func (t *task) flushDeferredBatch() {
	b := t.deferredBatch
	if b == nil {
		return
	}
	t.deferredBatch = nil
	t.ddInProgress++
	t.scheduler.enqueueDeferredBatch(b)
}

// freeBatch is the second hop of the deferred-delete route: the
// originating worker releases the batch's statement references and
// picks up a coordinator failure if there was one.
func (t *task) freeBatch(b *deferredDeleteBatch) {
	b.stmts = nil
	if b.isFailed && !t.isFailed {
		t.isFailed = true
		t.err = b.err
		// Stop the rest of the task body; the error is already on
		// the task.
		t.cancel()
	}
	t.ddInProgress--
}

// processDeferredBatch applies one batch on the coordinator: one
// transaction, one surrogate-delete replace per pair. Failures ride
// back on the batch.
func (s *Scheduler) processDeferredBatch(b *deferredDeleteBatch) {
	t := b.task
	pk := t.lsm
	// The space may be dropped while the compaction is in flight.
	if pk.isDropped {
		return
	}
	if err := s.applyDeferredBatch(pk, t, b); err != nil {
		b.isFailed = true
		b.err = fmt.Errorf("%w: %v", ErrDeferredDeleteFailed, err)
	}
}

func (s *Scheduler) applyDeferredBatch(pk *LSM, t *task, b *deferredDeleteBatch) error {
	tx, err := s.ddExec.Begin()
	if err != nil {
		return err
	}
	for _, dd := range b.stmts {
		surrogate, err := pk.format.SurrogateDelete(t.keyDef, dd.Old)
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Replace(pk.spaceID, dd.New.LSN, surrogate.Tuple); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
