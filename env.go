package tern

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/terndb/tern/compression"
)

// RunEnv bundles what run writers and readers need: the engine
// directory, the page codec and the logger. One env is shared by the
// scheduler and every LSM tree it maintains.
type RunEnv struct {
	Dir         string
	Compression compression.Type
	Logger      *slog.Logger

	// runWriteHook, when set, fires before every run write so tests
	// can inject I/O failures.
	runWriteHook func() error
}

// NewRunEnv builds a run environment from options.
func NewRunEnv(opts *Options) *RunEnv {
	logger := opts.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	return &RunEnv{
		Dir:         opts.Dir,
		Compression: opts.Compression,
		Logger:      logger,
	}
}

// ReadView is an open snapshot boundary: statement versions visible
// at LSN must survive merges until the view closes.
type ReadView struct {
	LSN int64
}

// ReadViewSet tracks the read views of open transactions. The
// transactional engine opens one per snapshot; the write iterator
// takes a sorted snapshot of the set when a task is built.
type ReadViewSet struct {
	mu    sync.Mutex
	views map[*ReadView]struct{}
}

// NewReadViewSet returns an empty set.
func NewReadViewSet() *ReadViewSet {
	return &ReadViewSet{views: make(map[*ReadView]struct{})}
}

// Open registers a read view at the given LSN.
func (s *ReadViewSet) Open(lsn int64) *ReadView {
	rv := &ReadView{LSN: lsn}
	s.mu.Lock()
	s.views[rv] = struct{}{}
	s.mu.Unlock()
	return rv
}

// Close removes a read view from the set.
func (s *ReadViewSet) Close(rv *ReadView) {
	s.mu.Lock()
	delete(s.views, rv)
	s.mu.Unlock()
}

// Snapshot returns the current view LSNs sorted ascending.
func (s *ReadViewSet) Snapshot() []int64 {
	s.mu.Lock()
	lsns := make([]int64, 0, len(s.views))
	for rv := range s.views {
		lsns = append(lsns, rv.LSN)
	}
	s.mu.Unlock()
	sort.Slice(lsns, func(i, j int) bool { return lsns[i] < lsns[j] })
	return lsns
}
