package tern

import (
	"github.com/terndb/tern/keys"
	"github.com/terndb/tern/pin"
	"github.com/terndb/tern/runfile"
)

// Slice is the only way a run participates in reads: a reference to
// the sub-interval [begin, end) of a run within one range. A nil
// bound is unbounded on that side.
type Slice struct {
	id    int64
	run   *Run
	begin keys.UserKey
	end   keys.UserKey

	// count estimates the statements covered by the slice. A new
	// slice takes the run count, which is exact for a slice spanning
	// the whole run and an upper bound otherwise; a range split
	// gives each half of a slice half of its estimate.
	count int64

	// readers are iterators currently positioned in the slice.
	// Compaction completion waits for them before destruction.
	readers pin.Pins
}

// newSlice creates a slice of run bounded to [begin, end) and
// accounts it on the run.
func newSlice(id int64, run *Run, begin, end keys.UserKey) *Slice {
	s := &Slice{
		id:    id,
		run:   run,
		begin: cloneKey(begin),
		end:   cloneKey(end),
		count: run.info.Count,
	}
	run.sliceCount++
	return s
}

// deleteSlice unaccounts the slice from its run.
func deleteSlice(s *Slice) {
	s.run.sliceCount--
}

// ID returns the slice's metadata-log id.
func (s *Slice) ID() int64 {
	return s.id
}

// Run returns the run the slice references.
func (s *Slice) Run() *Run {
	return s.run
}

// PinReader marks an iterator inside the slice.
func (s *Slice) PinReader() {
	s.readers.Acquire()
}

// UnpinReader releases an iterator reservation.
func (s *Slice) UnpinReader() {
	s.readers.Release()
}

// WaitPinned blocks until no readers remain in the slice.
func (s *Slice) WaitPinned() {
	s.readers.Wait()
}

// contains reports whether a key falls inside the slice bounds.
func (s *Slice) contains(key keys.UserKey) bool {
	if s.begin != nil && key.Compare(s.begin) < 0 {
		return false
	}
	if s.end != nil && key.Compare(s.end) >= 0 {
		return false
	}
	return true
}

// openIterator streams the slice's statements in order, skipping
// run statements outside the slice bounds. The caller is
// responsible for pinning the slice across the iterator's lifetime.
func (s *Slice) openIterator(env *RunEnv) (*sliceIterator, error) {
	reader, err := runfile.OpenReader(env.Dir, s.run.id, env.Compression)
	if err != nil {
		return nil, err
	}
	return &sliceIterator{
		slice:  s,
		reader: reader,
		it:     reader.NewIterator(),
	}, nil
}

type sliceIterator struct {
	slice  *Slice
	reader *runfile.Reader
	it     *runfile.Iterator
	closed bool
}

// next returns the next in-bounds statement or nil at the end.
func (si *sliceIterator) next() (*keys.Statement, error) {
	for {
		stmt := si.it.Next()
		if stmt == nil {
			return nil, si.it.Err()
		}
		if si.slice.contains(stmt.Key) {
			return stmt, nil
		}
		if si.slice.end != nil && stmt.Key.Compare(si.slice.end) >= 0 {
			// Statements are sorted; nothing in bounds remains.
			return nil, nil
		}
	}
}

func (si *sliceIterator) close() {
	if si.closed {
		return
	}
	si.closed = true
	si.reader.Close()
}

func cloneKey(k keys.UserKey) keys.UserKey {
	if k == nil {
		return nil
	}
	return append(keys.UserKey(nil), k...)
}
