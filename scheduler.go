package tern

import (
	"container/heap"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/terndb/tern/metalog"
)

// DumpCompleteCallback is invoked at the end of every dump round
// with the generation whose memory was released and how long the
// round took.
type DumpCompleteCallback func(generation int64, duration time.Duration)

// SchedulerConfig wires the scheduler to its host.
type SchedulerConfig struct {
	// WriteThreads is the worker thread budget, split between the
	// dump and compaction pools. Must be greater than 1.
	WriteThreads int

	// DumpCompleteCallback fires when a dump round finishes.
	DumpCompleteCallback DumpCompleteCallback

	// Env is the shared run environment.
	Env *RunEnv

	// MetaLog is the metadata log all structural changes commit to.
	MetaLog *metalog.Log

	// ReadViews is the set of open transaction read views.
	ReadViews *ReadViewSet

	// DeferredDeletes executes deferred DELETE batches. Nil
	// disables deferred-delete generation.
	DeferredDeletes DeferredDeleteExecutor

	// Logger defaults to the env logger.
	Logger *slog.Logger
}

// Scheduler orchestrates background maintenance of a set of LSM
// trees: it picks dump and compaction work off two priority heaps,
// ships tasks to worker pools and applies the results under its
// single coordinator goroutine.
type Scheduler struct {
	mu sync.Mutex

	// cond wakes the coordinator when work or completions arrive;
	// dumpCond wakes dump and checkpoint waiters.
	cond     *sync.Cond
	dumpCond *sync.Cond

	logger    *slog.Logger
	log       *metalog.Log
	env       *RunEnv
	readViews *ReadViewSet
	ddExec    DeferredDeleteExecutor

	dumpPool    *workerPool
	compactPool *workerPool

	dumpHeap    dumpHeap
	compactHeap compactHeap

	// processed and deferredBatches are the worker-to-coordinator
	// pipes; workers append under mu and signal cond.
	processed       []*task
	deferredBatches []*deferredDeleteBatch

	// generation counts dump rounds requested; dumpGeneration is
	// the round currently being dumped. dumpGeneration ==
	// generation means no dump is in progress.
	generation     int64
	dumpGeneration int64
	dumpStart      time.Time
	dumpTaskCount  int

	checkpointInProgress bool
	dumpPending          bool

	isThrottled bool
	timeout     time.Duration
	lastErr     error

	dumpCompleteCb DumpCompleteCallback

	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Test hooks mirroring the error-injection points of the
	// production deployment: fail task completion, shorten the
	// throttle sleep.
	completeHook func() error
	throttleHook func(time.Duration) time.Duration
}

// NewScheduler creates a stopped scheduler. Worker threads start
// lazily once tasks are scheduled.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.WriteThreads <= 1 {
		return nil, ErrInvalidWriteThreads
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Env.Logger
	}
	s := &Scheduler{
		logger:         logger,
		log:            cfg.MetaLog,
		env:            cfg.Env,
		readViews:      cfg.ReadViews,
		ddExec:         cfg.DeferredDeletes,
		dumpCompleteCb: cfg.DumpCompleteCallback,
		stopCh:         make(chan struct{}),
	}
	if s.readViews == nil {
		s.readViews = NewReadViewSet()
	}
	s.cond = sync.NewCond(&s.mu)
	s.dumpCond = sync.NewCond(&s.mu)

	// Dumps must schedule as fast as possible or transactions stall
	// on memory quota, so they get their own (smaller) pool: LSM
	// write amplification means most threads belong to compaction.
	dumpThreads := cfg.WriteThreads / 4
	if dumpThreads < 1 {
		dumpThreads = 1
	}
	s.dumpPool = newWorkerPool(s, "dump", dumpThreads)
	s.compactPool = newWorkerPool(s, "compact", cfg.WriteThreads-dumpThreads)
	return s, nil
}

// Start launches the coordinator goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.dumpStart = time.Now()
	s.wg.Add(1)
	go s.run()
}

// Close stops the coordinator, cancels running tasks and joins the
// worker pools. Tasks that already finished but were not completed
// are aborted.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.cond.Broadcast()
	s.dumpCond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
	s.dumpPool.stop()
	s.compactPool.stop()

	s.mu.Lock()
	// Tasks that came back after the loop exited, plus any a worker
	// never picked up before cancellation, are aborted here.
	for _, w := range append(s.dumpPool.drain(), s.compactPool.drain()...) {
		s.processed = append(s.processed, w)
	}
	for _, t := range s.processed {
		t.ops.abort(t)
	}
	s.processed = nil
	s.deferredBatches = nil
	s.mu.Unlock()
	return nil
}

// AddLSM registers an LSM tree with both heaps.
func (s *Scheduler) AddLSM(lsm *LSM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lsm.dumpPos != -1 || lsm.compactPos != -1 {
		panic("lsm tree already registered")
	}
	// A tree registered mid-round would otherwise look older than
	// the generation being dumped and stall the round forever.
	lsm.adoptGeneration(s.generation)
	heap.Push(&s.dumpHeap, lsm)
	heap.Push(&s.compactHeap, lsm)
	s.cond.Signal()
}

// RemoveLSM unregisters an LSM tree from both heaps.
func (s *Scheduler) RemoveLSM(lsm *LSM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLsmLocked(lsm)
}

// DropLSM marks the tree dropped and unregisters it. In-flight
// tasks for it abort silently on completion.
func (s *Scheduler) DropLSM(lsm *LSM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lsm.isDropped = true
	s.removeLsmLocked(lsm)
}

func (s *Scheduler) removeLsmLocked(lsm *LSM) {
	if lsm.dumpPos != -1 {
		heap.Remove(&s.dumpHeap, lsm.dumpPos)
	}
	if lsm.compactPos != -1 {
		heap.Remove(&s.compactHeap, lsm.compactPos)
	}
}

// updateLsm re-sorts a tree in both heaps after its state changed.
func (s *Scheduler) updateLsm(lsm *LSM) {
	if lsm.isDropped {
		// Dropped trees are exempt from scheduling.
		if lsm.dumpPos != -1 || lsm.compactPos != -1 {
			panic("dropped lsm tree still registered")
		}
		return
	}
	if lsm.dumpPos != -1 {
		heap.Fix(&s.dumpHeap, lsm.dumpPos)
	}
	if lsm.compactPos != -1 {
		heap.Fix(&s.compactHeap, lsm.compactPos)
	}
}

// pinLsm keeps a tree off the top of the dump heap while another
// index of its space dumps first.
func (s *Scheduler) pinLsm(lsm *LSM) {
	if lsm.isDumping {
		panic("pinning a dumping lsm tree")
	}
	lsm.pinCount++
	if lsm.pinCount == 1 {
		s.updateLsm(lsm)
	}
}

func (s *Scheduler) unpinLsm(lsm *LSM) {
	if lsm.pinCount <= 0 {
		panic("unpinning an unpinned lsm tree")
	}
	lsm.pinCount--
	if lsm.pinCount == 0 {
		s.updateLsm(lsm)
	}
}

// dumpInProgress reports whether a dump round is running.
func (s *Scheduler) dumpInProgress() bool {
	return s.dumpGeneration < s.generation
}

// TriggerDump requests a new dump round to release memory. A no-op
// while a round is running; deferred while a checkpoint is in
// progress so statements landed after WAL rotation stay out of the
// snapshot.
func (s *Scheduler) TriggerDump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dumpInProgress() {
		return
	}
	if s.checkpointInProgress {
		s.dumpPending = true
		return
	}
	s.dumpStart = time.Now()
	s.generation++
	s.dumpPending = false
	s.cond.Signal()
}

// Dump triggers a dump round and waits for it to complete.
func (s *Scheduler) Dump() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A dump must not start while a checkpoint is running.
	for s.checkpointInProgress {
		if s.stopped {
			return ErrSchedulerStopped
		}
		s.dumpCond.Wait()
	}

	if !s.dumpInProgress() {
		s.dumpStart = time.Now()
	}
	s.generation++
	s.cond.Signal()

	for s.dumpInProgress() {
		if s.stopped {
			return ErrSchedulerStopped
		}
		if s.isThrottled {
			return fmt.Errorf("%w: %v", ErrThrottled, s.lastErr)
		}
		s.dumpCond.Wait()
	}
	return nil
}

// ForceCompaction makes every range of the tree eligible for
// compaction regardless of shape.
func (s *Scheduler) ForceCompaction(lsm *LSM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lsm.forceCompaction()
	s.updateLsm(lsm)
	s.cond.Signal()
}

// BeginCheckpoint starts a checkpoint by bumping the generation.
// Fails fast with the last scheduler error while throttled: waiting
// out the backoff could take a minute.
func (s *Scheduler) BeginCheckpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpointInProgress {
		panic("nested checkpoint")
	}
	if s.isThrottled {
		err := fmt.Errorf("%w: %v", ErrThrottled, s.lastErr)
		s.logger.Error("cannot checkpoint, scheduler is throttled", "error", s.lastErr)
		return err
	}
	if !s.dumpInProgress() {
		s.dumpStart = time.Now()
	}
	s.generation++
	s.checkpointInProgress = true
	s.cond.Signal()
	s.logger.Info("checkpoint started")
	return nil
}

// WaitCheckpoint blocks until every memtable created before the
// checkpoint began has been dumped.
func (s *Scheduler) WaitCheckpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkpointInProgress {
		return nil
	}
	for s.dumpInProgress() {
		if s.stopped {
			return ErrSchedulerStopped
		}
		if s.isThrottled {
			err := fmt.Errorf("%w: %v", ErrThrottled, s.lastErr)
			s.logger.Error("checkpoint failed", "error", s.lastErr)
			return err
		}
		s.dumpCond.Wait()
	}
	s.logger.Info("checkpoint completed")
	return nil
}

// EndCheckpoint finishes the checkpoint and fires a dump that was
// requested while it ran.
func (s *Scheduler) EndCheckpoint() {
	s.mu.Lock()
	pending := false
	if s.checkpointInProgress {
		s.checkpointInProgress = false
		pending = s.dumpPending
	}
	s.mu.Unlock()
	if pending {
		s.TriggerDump()
	}
}

// enqueueProcessed is the worker-to-coordinator return pipe.
func (s *Scheduler) enqueueProcessed(t *task) {
	s.mu.Lock()
	s.processed = append(s.processed, t)
	s.cond.Signal()
	s.mu.Unlock()
}

// enqueueDeferredBatch is the first hop of the deferred DELETE
// route.
func (s *Scheduler) enqueueDeferredBatch(b *deferredDeleteBatch) {
	s.mu.Lock()
	s.deferredBatches = append(s.deferredBatches, b)
	s.cond.Signal()
	s.mu.Unlock()
}

// run is the coordinator loop.
func (s *Scheduler) run() {
	defer s.wg.Done()
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.stopped {
		// Apply deferred DELETE batches first and route each back
		// to its originating worker for the free hop.
		if len(s.deferredBatches) > 0 {
			batches := s.deferredBatches
			s.deferredBatches = nil
			for _, b := range batches {
				s.processDeferredBatch(b)
				b.task.batchReturn <- b
			}
		}

		tasksDone, tasksFailed := 0, 0
		if len(s.processed) > 0 {
			tasks := s.processed
			s.processed = nil
			for _, t := range tasks {
				if s.completeTask(t) {
					tasksDone++
				} else {
					tasksFailed++
				}
				t.worker.pool.put(t.worker)
			}
		}
		if tasksDone > 0 {
			// Completion callbacks can block, opening a window for
			// more workers to report; recheck before sleeping so no
			// wakeup is lost.
			s.timeout = 0
			continue
		}
		if tasksFailed > 0 {
			s.throttleLocked()
			continue
		}

		t, err := s.schedule()
		if err != nil {
			s.throttleLocked()
			continue
		}
		if t == nil {
			if len(s.processed) > 0 || len(s.deferredBatches) > 0 || s.stopped {
				continue
			}
			s.cond.Wait()
			continue
		}

		// Hand the task to its worker and reschedule cooperatively
		// so user transactions get a slot.
		t.worker.tasks <- t
		s.mu.Unlock()
		runtime.Gosched()
		s.mu.Lock()
	}
}

// completeTask finishes one returned task: complete on success,
// abort on failure or drop. Returns false if the task counts as
// failed for throttling.
func (s *Scheduler) completeTask(t *task) bool {
	if t.lsm.isDropped {
		// The user doesn't need an error for a dropped tree.
		t.ops.abort(t)
		return true
	}
	if !t.isFailed {
		var err error
		if s.completeHook != nil {
			err = s.completeHook()
		}
		if err == nil {
			err = t.ops.complete(t)
		}
		if err == nil {
			return true
		}
		t.isFailed = true
		t.err = err
	}
	t.ops.abort(t)
	s.lastErr = t.err
	return false
}

// throttleLocked backs off after a failure: doubling timeout within
// [ThrottleTimeoutMin, ThrottleTimeoutMax], reset by the next
// successful completion. A task failing due to lack of memory or a
// sick disk would just fail again immediately.
func (s *Scheduler) throttleLocked() {
	// A dump error aborts any pending checkpoint wait.
	s.dumpCond.Broadcast()

	s.timeout *= 2
	if s.timeout < ThrottleTimeoutMin {
		s.timeout = ThrottleTimeoutMin
	}
	if s.timeout > ThrottleTimeoutMax {
		s.timeout = ThrottleTimeoutMax
	}
	sleep := s.timeout
	if s.throttleHook != nil {
		sleep = s.throttleHook(s.timeout)
	}
	s.logger.Warn("throttling scheduler", "timeout", s.timeout, "error", s.lastErr)
	s.isThrottled = true
	s.mu.Unlock()
	select {
	case <-time.After(sleep):
	case <-s.stopCh:
	}
	s.mu.Lock()
	s.isThrottled = false
}

// schedule builds the next task: dumps take priority over
// compactions.
func (s *Scheduler) schedule() (*task, error) {
	t, err := s.peekDump()
	if err != nil || t != nil {
		return t, err
	}
	return s.peekCompact()
}

// peekDump tries to build a dump task for the oldest eligible LSM
// tree. Returns (nil, nil) when there is nothing to dump or all
// dump workers are busy.
func (s *Scheduler) peekDump() (*task, error) {
	var w *worker
	release := func() {
		if w != nil {
			s.dumpPool.put(w)
		}
	}
	for {
		if !s.dumpInProgress() {
			// All memory of past generations is on disk already.
			release()
			return nil, nil
		}
		lsm := s.dumpHeap.top()
		if lsm == nil {
			// No LSM trees at all; the round is trivially over.
			s.completeDump()
			release()
			return nil, nil
		}
		if lsm.isDumping || lsm.pinCount != 0 ||
			lsm.generation() != s.dumpGeneration {
			// Everything eligible is already being dumped; wait for
			// the round to finish.
			release()
			return nil, nil
		}
		if w == nil {
			if w = s.dumpPool.get(); w == nil {
				return nil, nil // all dump workers are busy
			}
		}
		t, err := s.newDumpTask(w, lsm)
		if err != nil {
			release()
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		// Every eligible memtable was empty and deleted in place;
		// try the next tree.
	}
}

// peekCompact tries to build a compaction task for the range with
// the highest compaction priority. Returns (nil, nil) when no range
// is worth compacting or all compaction workers are busy.
func (s *Scheduler) peekCompact() (*task, error) {
	var w *worker
	release := func() {
		if w != nil {
			s.compactPool.put(w)
		}
	}
	for {
		lsm := s.compactHeap.top()
		if lsm == nil || lsm.compactPriority() <= 1 {
			release()
			return nil, nil
		}
		if w == nil {
			if w = s.compactPool.get(); w == nil {
				return nil, nil // all compact workers are busy
			}
		}
		t, err := s.newCompactTask(w, lsm)
		if err != nil {
			release()
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		// The range split or coalesced; reselect.
	}
}

// completeDump checks whether the current dump round is over: no
// dump task in flight and the oldest in-memory generation past
// dumpGeneration. Advances the round and notifies waiters.
func (s *Scheduler) completeDump() {
	if !s.dumpInProgress() {
		panic("dump round completion without a round")
	}
	if s.dumpTaskCount > 0 {
		// Still dumping.
		return
	}
	minGeneration := s.generation
	if lsm := s.dumpHeap.top(); lsm != nil {
		minGeneration = lsm.generation()
	}
	if minGeneration == s.dumpGeneration {
		// Some tree still holds data of the current round.
		return
	}

	now := time.Now()
	duration := now.Sub(s.dumpStart)
	s.dumpStart = now
	s.dumpGeneration = minGeneration
	if s.dumpCompleteCb != nil {
		s.dumpCompleteCb(minGeneration-1, duration)
	}
	s.dumpCond.Broadcast()
}

// Generation returns the current target generation. Exposed for
// stats.
func (s *Scheduler) Generation() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// DumpGeneration returns the generation currently being dumped.
func (s *Scheduler) DumpGeneration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dumpGeneration
}
