package tern

import (
	"github.com/terndb/tern/keys"
	"github.com/terndb/tern/metalog"
	"github.com/terndb/tern/runfile"
)

// Run is an immutable on-disk sorted file of statements. A run
// participates in reads only through slices; once no slice
// references it and no checkpoint retains it, its files go away.
type Run struct {
	id      int64
	dumpLSN int64

	// info is filled in when the worker commits the file.
	info      runfile.Info
	committed bool

	// sliceCount tracks live slices over this run across all
	// ranges. compactedSliceCount is scratch used while a
	// compaction completion decides which runs became unused.
	sliceCount          int
	compactedSliceCount int
}

// prepareRun allocates a run id and logs the allocation, so a crash
// between here and the run commit leaves a discoverable orphan
// instead of a leaked file. Called from task constructors.
func prepareRun(log *metalog.Log, lsm *LSM) (*Run, error) {
	run := &Run{id: log.NextID(), dumpLSN: -1}
	log.TxBegin()
	log.PrepareRun(lsm.id, run.id)
	if err := log.TxCommit(); err != nil {
		return nil, err
	}
	return run, nil
}

// discardRun logs that an unused run can be dropped. The commit is
// best-effort: if it never reaches disk, recovery finds the orphan
// file and deletes it.
func discardRun(log *metalog.Log, run *Run) {
	log.TxBegin()
	// The run was never referenced, so gc-LSN 0 lets it go right away.
	log.DropRun(run.id, 0)
	log.TxTryCommit()
}

// ID returns the run's metadata-log id.
func (r *Run) ID() int64 {
	return r.id
}

// DumpLSN returns the max LSN covered by the run.
func (r *Run) DumpLSN() int64 {
	return r.dumpLSN
}

// IsEmpty reports whether the run holds no statements. An empty run
// has no file: its writer is aborted rather than committed.
func (r *Run) IsEmpty() bool {
	return !r.committed || r.info.Count == 0
}

// Count returns the number of statements in the run.
func (r *Run) Count() int64 {
	return r.info.Count
}

// MinKey returns the smallest key in the run.
func (r *Run) MinKey() keys.UserKey {
	return r.info.MinKey
}

// MaxKey returns the largest key in the run.
func (r *Run) MaxKey() keys.UserKey {
	return r.info.MaxKey
}
