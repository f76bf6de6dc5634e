// Package memtable holds the in-memory sorted statement maps of an
// LSM tree. A memtable is tagged with the dump generation it was
// created at; sealed memtables are immutable and queue up until a
// dump of their generation writes them to disk.
package memtable

import (
	"sync"

	"github.com/huandu/skiplist"

	"github.com/terndb/tern/keys"
	"github.com/terndb/tern/pin"
)

// MemTable is a sorted in-memory map of statements backed by a
// skiplist. Statements insert on the transactional goroutine; once
// sealed the table is read-only and safe to hand to a worker.
type MemTable struct {
	mu   sync.RWMutex
	list *skiplist.SkipList

	generation int64
	sealed     bool

	count   int
	sizeB   int64
	dumpLSN int64

	// writers tracks transactions still appending to this table. A
	// dump must wait for them to drain before reading the list.
	writers pin.Pins
}

// New creates an empty memtable at the given generation.
func New(generation int64) *MemTable {
	return &MemTable{
		list: skiplist.New(skiplist.GreaterThanFunc(func(a, b interface{}) int {
			return a.(*keys.Statement).Compare(b.(*keys.Statement))
		})),
		generation: generation,
		dumpLSN:    -1,
	}
}

// Insert adds a statement. The caller must hold a writer pin taken
// before any rotation: a write that began against the active table
// may still land after it seals, which is why a dump waits for
// writer pins to drain before reading.
func (mt *MemTable) Insert(stmt *keys.Statement) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.list.Set(stmt, struct{}{})
	mt.count++
	mt.sizeB += int64(len(stmt.Key) + len(stmt.Tuple))
	if stmt.LSN > mt.dumpLSN {
		mt.dumpLSN = stmt.LSN
	}
}

// Generation returns the dump generation this table belongs to.
func (mt *MemTable) Generation() int64 {
	return mt.generation
}

// Count returns the number of statements in the table.
func (mt *MemTable) Count() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.count
}

// SizeBytes returns the approximate memory footprint of the table.
func (mt *MemTable) SizeBytes() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.sizeB
}

// DumpLSN returns the max LSN stored in the table, or -1 if empty.
func (mt *MemTable) DumpLSN() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.dumpLSN
}

// Seal marks the table immutable. Called by the coordinator when the
// active table rotates.
func (mt *MemTable) Seal() {
	mt.mu.Lock()
	mt.sealed = true
	mt.mu.Unlock()
}

// IsSealed reports whether the table has been rotated out.
func (mt *MemTable) IsSealed() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.sealed
}

// PinWriter reserves the table for an in-flight write.
func (mt *MemTable) PinWriter() {
	mt.writers.Acquire()
}

// UnpinWriter releases an in-flight write reservation.
func (mt *MemTable) UnpinWriter() {
	mt.writers.Release()
}

// WaitPinned blocks until all in-flight writers have drained. A dump
// task calls this on each eligible sealed table before building its
// write iterator.
func (mt *MemTable) WaitPinned() {
	mt.writers.Wait()
}

// Iterator walks the table in statement order.
type Iterator struct {
	elem *skiplist.Element
}

// NewIterator returns an iterator positioned before the first
// statement. Only valid on sealed tables or under external
// serialization with writers.
func (mt *MemTable) NewIterator() *Iterator {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return &Iterator{elem: mt.list.Front()}
}

// Next returns the next statement or nil when exhausted.
func (it *Iterator) Next() *keys.Statement {
	if it.elem == nil {
		return nil
	}
	stmt := it.elem.Key().(*keys.Statement)
	it.elem = it.elem.Next()
	return stmt
}
