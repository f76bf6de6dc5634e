package tern

import (
	"math"

	"github.com/terndb/tern/keys"
	"github.com/terndb/tern/memtable"
)

// DeferredDeleteHandler receives (old, new) statement pairs when a
// primary-index merge shadows an older tuple, so the delete can be
// propagated to secondary indexes whose ordering differs.
type DeferredDeleteHandler interface {
	// Process is called on the worker for every shadowed tuple.
	Process(old, new *keys.Statement) error
	// Destroy flushes pending pairs and waits for them to be
	// applied. Called when the iterator stops.
	Destroy()
}

// wiSource is one sorted statement stream feeding the merge.
// Sources are registered on the coordinator but opened on the
// worker, inside Start, so file I/O stays off the transactional
// thread.
type wiSource interface {
	open() error
	next() (*keys.Statement, error)
	close()
}

type memSource struct {
	mem *memtable.MemTable
	it  *memtable.Iterator
}

func (ms *memSource) open() error {
	ms.it = ms.mem.NewIterator()
	return nil
}

func (ms *memSource) next() (*keys.Statement, error) { return ms.it.Next(), nil }
func (ms *memSource) close()                         {}

// sliceSource pins its slice at registration time so the run can't
// be destroyed before the worker reads it; the file opens lazily.
type sliceSource struct {
	slice *Slice
	env   *RunEnv
	it    *sliceIterator
}

func (ss *sliceSource) open() error {
	it, err := ss.slice.openIterator(ss.env)
	if err != nil {
		return err
	}
	ss.it = it
	return nil
}

func (ss *sliceSource) next() (*keys.Statement, error) {
	return ss.it.next()
}

func (ss *sliceSource) close() {
	if ss.it != nil {
		ss.it.close()
		ss.it = nil
	}
	ss.slice.UnpinReader()
}

// WriteIterator merges an ordered set of sources into a single
// sorted, read-view-respecting statement stream: the input of the
// run writer for both dumps and compactions.
//
// For every key the newest version is always emitted, plus the
// newest version at or below each active read view. Everything else
// is shadowed and dropped; a tombstone left as the oldest survivor
// is dropped too when the merge covers the last level.
type WriteIterator struct {
	cmpDef      *keys.Def
	isPrimary   bool
	isLastLevel bool
	readViews   []int64
	handler     DeferredDeleteHandler

	srcs  []wiSource
	heads []*keys.Statement

	out     []*keys.Statement
	started bool
	stopped bool
}

// NewWriteIterator creates an empty merge. Sources are added with
// AddMem (dump) or AddSlice (compaction) before Start.
func NewWriteIterator(cmpDef *keys.Def, isPrimary, isLastLevel bool,
	readViews []int64, handler DeferredDeleteHandler) *WriteIterator {
	return &WriteIterator{
		cmpDef:      cmpDef,
		isPrimary:   isPrimary,
		isLastLevel: isLastLevel,
		readViews:   readViews,
		handler:     handler,
	}
}

// AddMem adds a sealed memtable as a source.
func (wi *WriteIterator) AddMem(mem *memtable.MemTable) {
	wi.srcs = append(wi.srcs, &memSource{mem: mem})
}

// AddSlice adds a range slice as a source. The slice stays
// reader-pinned until the iterator is stopped.
func (wi *WriteIterator) AddSlice(s *Slice, env *RunEnv) {
	s.PinReader()
	wi.srcs = append(wi.srcs, &sliceSource{slice: s, env: env})
}

// Start opens and primes all sources. Runs on the worker.
func (wi *WriteIterator) Start() error {
	if wi.started {
		return nil
	}
	wi.started = true
	wi.heads = make([]*keys.Statement, len(wi.srcs))
	for i, src := range wi.srcs {
		if err := src.open(); err != nil {
			return err
		}
		stmt, err := src.next()
		if err != nil {
			return err
		}
		wi.heads[i] = stmt
	}
	return nil
}

// Next returns the next output statement or nil when the stream is
// exhausted.
func (wi *WriteIterator) Next() (*keys.Statement, error) {
	for len(wi.out) == 0 {
		group, err := wi.nextGroup()
		if err != nil {
			return nil, err
		}
		if group == nil {
			return nil, nil
		}
		if err := wi.processGroup(group); err != nil {
			return nil, err
		}
	}
	stmt := wi.out[0]
	wi.out = wi.out[1:]
	return stmt, nil
}

// nextGroup gathers all versions of the smallest pending key,
// ordered newest first.
func (wi *WriteIterator) nextGroup() ([]*keys.Statement, error) {
	var minKey keys.UserKey
	for _, h := range wi.heads {
		if h == nil {
			continue
		}
		if minKey == nil || wi.cmpDef.Compare(h.Key, minKey) < 0 {
			minKey = h.Key
		}
	}
	if minKey == nil {
		return nil, nil
	}
	var group []*keys.Statement
	for i, h := range wi.heads {
		for h != nil && wi.cmpDef.Compare(h.Key, minKey) == 0 {
			group = append(group, h)
			var err error
			h, err = wi.srcs[i].next()
			if err != nil {
				return nil, err
			}
			wi.heads[i] = h
		}
	}
	// Newest version first. Sources rarely interleave LSNs of one
	// key, so a simple insertion pass is enough.
	for i := 1; i < len(group); i++ {
		for j := i; j > 0 && group[j].Compare(group[j-1]) < 0; j-- {
			group[j], group[j-1] = group[j-1], group[j]
		}
	}
	return group, nil
}

// processGroup applies read-view slicing to one key's version chain
// and queues the survivors.
func (wi *WriteIterator) processGroup(group []*keys.Statement) error {
	keep := make([]bool, len(group))

	// The current read view is implicit at +inf; each explicit view
	// additionally retains the newest version it can see.
	views := append([]int64{math.MaxInt64}, wi.readViews...)
	for _, v := range views {
		for i, stmt := range group {
			if stmt.LSN <= v {
				keep[i] = true
				break
			}
		}
	}

	// A tombstone that ends up the oldest survivor carries no
	// information at the last level: there is nothing below it to
	// shadow.
	if wi.isLastLevel {
		oldest := -1
		for i := range group {
			if keep[i] {
				oldest = i
			}
		}
		if oldest >= 0 && group[oldest].Kind == keys.KindDelete {
			keep[oldest] = false
		}
	}

	for i, stmt := range group {
		if keep[i] {
			wi.out = append(wi.out, stmt)
			continue
		}
		// Shadowed version: on a primary-index merge, forward the
		// delete to secondary indexes.
		if wi.handler != nil && stmt.Kind == keys.KindReplace && i > 0 {
			if err := wi.handler.Process(stmt, group[i-1]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop closes all sources and flushes the deferred-delete handler.
// Runs on the worker after the run writer is done with the stream.
func (wi *WriteIterator) Stop() {
	if wi.stopped {
		return
	}
	wi.stopped = true
	for _, src := range wi.srcs {
		src.close()
	}
	if wi.handler != nil {
		wi.handler.Destroy()
	}
}

// Close releases whatever Stop didn't. Runs on the coordinator when
// the task completes or aborts; Stop may not have run if the worker
// died early.
func (wi *WriteIterator) Close() {
	wi.Stop()
	wi.srcs = nil
	wi.heads = nil
	wi.out = nil
}
