package tern

import (
	"fmt"
	"sort"
	"sync"

	"github.com/terndb/tern/keys"
	"github.com/terndb/tern/memtable"
	"github.com/terndb/tern/metalog"
)

// LSMConfig describes one index to maintain.
type LSMConfig struct {
	SpaceID uint32
	IndexID uint32
	Name    string

	// KeyParts are the tuple fields forming the index key.
	KeyParts []int

	// Format is the tuple layout of the space.
	Format *keys.Format

	// PK is the primary index LSM tree of the same space. Nil for
	// the primary itself.
	PK *LSM

	// Per-index policy knobs; zero values fall back to the engine
	// defaults.
	BloomFPR         float64
	PageSize         int64
	RunCountPerLevel int
	RangeSplitCount  int64
}

// LsmOpts are the resolved policy knobs of one LSM tree.
type LsmOpts struct {
	BloomFPR         float64
	PageSize         int64
	RunCountPerLevel int
	RangeSplitCount  int64
}

// LSM is the logical tree of one index: an active memtable, sealed
// memtables awaiting dump, on-disk runs and the ranges partitioning
// the key space. All structural mutation happens on the coordinator
// goroutine; workers only see immutable pieces handed to their task.
type LSM struct {
	id      int64
	spaceID uint32
	indexID uint32
	name    string

	pk     *LSM
	cmpDef *keys.Def
	keyDef *keys.Def
	format *keys.Format
	opts   LsmOpts
	env    *RunEnv
	log    *metalog.Log

	// memMu serializes the active-memtable pointer between the
	// transactional writers and coordinator rotation.
	memMu sync.Mutex
	mem   *memtable.MemTable

	// sealed holds rotated memtables, oldest first, until the dump
	// covering their generation completes.
	sealed []*memtable.MemTable

	// ranges is sorted by begin key and always partitions the key
	// space without gaps.
	ranges    []*Range
	rangeHeap rangeHeap

	runs     map[int64]*Run
	runCount int

	dumpLSN int64

	isDropped bool
	isDumping bool
	pinCount  int

	// positions in the scheduler heaps, -1 when unregistered
	dumpPos    int
	compactPos int

	stats LsmStats
}

// LsmStats counts maintenance work done on a tree.
type LsmStats struct {
	Dumps          int64
	DumpedStmts    int64
	Compactions    int64
	CompactedStmts int64
}

// NewLSM creates an LSM tree with a single unbounded range. Ids for
// the tree and its first range come from the metadata log sequence.
func NewLSM(env *RunEnv, log *metalog.Log, opts *Options, cfg LSMConfig) *LSM {
	resolved := LsmOpts{
		BloomFPR:         cfg.BloomFPR,
		PageSize:         cfg.PageSize,
		RunCountPerLevel: cfg.RunCountPerLevel,
		RangeSplitCount:  cfg.RangeSplitCount,
	}
	if resolved.BloomFPR == 0 {
		resolved.BloomFPR = opts.BloomFPR
	}
	if resolved.PageSize == 0 {
		resolved.PageSize = opts.PageSize
	}
	if resolved.RunCountPerLevel == 0 {
		resolved.RunCountPerLevel = opts.RunCountPerLevel
	}
	if resolved.RangeSplitCount == 0 {
		resolved.RangeSplitCount = opts.RangeSplitCount
	}

	def := keys.NewDef(cfg.KeyParts...)
	lsm := &LSM{
		id:         log.NextID(),
		spaceID:    cfg.SpaceID,
		indexID:    cfg.IndexID,
		name:       cfg.Name,
		pk:         cfg.PK,
		cmpDef:     def,
		keyDef:     def.Clone(),
		format:     cfg.Format,
		opts:       resolved,
		env:        env,
		log:        log,
		mem:        memtable.New(0),
		runs:       make(map[int64]*Run),
		dumpLSN:    -1,
		dumpPos:    -1,
		compactPos: -1,
	}
	if lsm.name == "" {
		lsm.name = fmt.Sprintf("%d/%d", cfg.SpaceID, cfg.IndexID)
	}
	first := newRange(log.NextID(), nil, nil)
	lsm.ranges = []*Range{first}
	rangeHeapInsert(&lsm.rangeHeap, first)
	return lsm
}

// Name returns the index name used in log messages.
func (lsm *LSM) Name() string {
	return lsm.name
}

// IsPrimary reports whether this is the primary index of its space.
func (lsm *LSM) IsPrimary() bool {
	return lsm.indexID == 0
}

// generation returns the generation of the oldest in-memory data.
func (lsm *LSM) generation() int64 {
	if len(lsm.sealed) > 0 {
		return lsm.sealed[0].Generation()
	}
	return lsm.mem.Generation()
}

// Generation exposes the oldest in-memory generation.
func (lsm *LSM) Generation() int64 {
	return lsm.generation()
}

// Insert adds a statement to the active memtable. Called by the
// transactional engine after WAL write; safe against a concurrent
// rotation on the coordinator.
func (lsm *LSM) Insert(stmt *keys.Statement) {
	lsm.memMu.Lock()
	mem := lsm.mem
	mem.PinWriter()
	lsm.memMu.Unlock()
	mem.Insert(stmt)
	mem.UnpinWriter()
}

// adoptGeneration retags an empty, never-written tree to the current
// scheduler generation at registration time.
func (lsm *LSM) adoptGeneration(generation int64) {
	lsm.memMu.Lock()
	defer lsm.memMu.Unlock()
	if len(lsm.sealed) == 0 && lsm.mem.Count() == 0 {
		lsm.mem = memtable.New(generation)
	}
}

// rotateMem seals the active memtable and starts a fresh one at the
// given generation.
func (lsm *LSM) rotateMem(generation int64) {
	lsm.memMu.Lock()
	old := lsm.mem
	lsm.mem = memtable.New(generation)
	lsm.memMu.Unlock()
	old.Seal()
	lsm.sealed = append(lsm.sealed, old)
}

// deleteMem drops a sealed memtable.
func (lsm *LSM) deleteMem(mem *memtable.MemTable) {
	for i, m := range lsm.sealed {
		if m == mem {
			lsm.sealed = append(lsm.sealed[:i], lsm.sealed[i+1:]...)
			return
		}
	}
}

// addRun accounts a committed run.
func (lsm *LSM) addRun(run *Run) {
	lsm.runs[run.id] = run
	lsm.runCount++
}

// removeRun unaccounts a run that no slice references.
func (lsm *LSM) removeRun(run *Run) {
	delete(lsm.runs, run.id)
	lsm.runCount--
}

// compactPriority is the max over the tree's ranges, i.e. the heap
// top. Ranges owned by an in-flight compaction are off-heap and
// don't count.
func (lsm *LSM) compactPriority() int {
	top := lsm.rangeHeap.top()
	if top == nil {
		return 0
	}
	return top.compactPriority
}

// forceCompaction marks every range as needing compaction regardless
// of level shape.
func (lsm *LSM) forceCompaction() {
	for _, rg := range lsm.ranges {
		if len(rg.slices) == 0 {
			continue
		}
		rg.needsCompaction = true
		rg.updateCompactPriority(lsm.opts.RunCountPerLevel)
		rangeHeapUpdate(&lsm.rangeHeap, rg)
	}
}

// findRangeIdx returns the index of the range containing key.
func (lsm *LSM) findRangeIdx(key keys.UserKey) int {
	// Ranges partition the key space: the match is the last range
	// whose begin is <= key.
	i := sort.Search(len(lsm.ranges), func(i int) bool {
		rg := lsm.ranges[i]
		return rg.begin != nil && rg.begin.Compare(key) > 0
	})
	return i - 1
}

// rangesIntersecting returns the half-open index interval of ranges
// whose keys intersect [min, max].
func (lsm *LSM) rangesIntersecting(min, max keys.UserKey) (int, int) {
	lo := lsm.findRangeIdx(min)
	hi := lsm.findRangeIdx(max) + 1
	return lo, hi
}

// splitRange splits a range in two when it outgrew the split bound
// and a split key can be derived from its biggest slice. Returns true
// if the range set changed.
func (lsm *LSM) splitRange(rg *Range) bool {
	if rg.stmtCount() < lsm.opts.RangeSplitCount || len(rg.slices) == 0 {
		return false
	}
	splitKey := lsm.splitKeyFor(rg)
	if splitKey == nil {
		return false
	}

	left := newRange(lsm.log.NextID(), rg.begin, splitKey)
	right := newRange(lsm.log.NextID(), splitKey, rg.end)
	// Cut every slice at the split key, keeping the newest-first
	// order in both halves.
	for _, s := range rg.slices {
		ls := newSlice(lsm.log.NextID(), s.run, s.begin, splitKey)
		ls.count = s.count / 2
		rs := newSlice(lsm.log.NextID(), s.run, splitKey, s.end)
		rs.count = s.count - ls.count
		left.slices = append(left.slices, ls)
		right.slices = append(right.slices, rs)
		deleteSlice(s)
	}
	left.updateCompactPriority(lsm.opts.RunCountPerLevel)
	right.updateCompactPriority(lsm.opts.RunCountPerLevel)

	idx := lsm.rangeIndex(rg)
	rangeHeapDelete(&lsm.rangeHeap, rg)
	lsm.ranges = append(lsm.ranges[:idx],
		append([]*Range{left, right}, lsm.ranges[idx+1:]...)...)
	rangeHeapInsert(&lsm.rangeHeap, left)
	rangeHeapInsert(&lsm.rangeHeap, right)
	lsm.env.Logger.Info("range split", "lsm", lsm.name,
		"range", rg.String(), "at", string(splitKey))
	return true
}

// splitKeyFor picks the median key of the range's biggest slice by
// scanning the slice's statements. Returns nil when no key strictly inside
// the range can be found.
func (lsm *LSM) splitKeyFor(rg *Range) keys.UserKey {
	var biggest *Slice
	for _, s := range rg.slices {
		if biggest == nil || s.count > biggest.count {
			biggest = s
		}
	}
	if biggest == nil {
		return nil
	}
	it, err := biggest.openIterator(lsm.env)
	if err != nil {
		return nil
	}
	defer it.close()
	target := biggest.count / 2
	var n int64
	for {
		stmt, err := it.next()
		if stmt == nil || err != nil {
			return nil
		}
		n++
		if n >= target {
			key := cloneKey(stmt.Key)
			if rg.contains(key) && (rg.begin == nil || key.Compare(rg.begin) > 0) {
				return key
			}
			return nil
		}
	}
}

// coalesceRange merges a shrunken range with its right neighbour.
// Returns true if the range set changed.
func (lsm *LSM) coalesceRange(rg *Range) bool {
	idx := lsm.rangeIndex(rg)
	if idx < 0 || idx+1 >= len(lsm.ranges) {
		return false
	}
	next := lsm.ranges[idx+1]
	bound := lsm.opts.RangeSplitCount / 2
	if rg.stmtCount()+next.stmtCount() >= bound {
		return false
	}
	if next.heapPos < 0 {
		// Neighbour is being compacted; leave it alone.
		return false
	}

	merged := newRange(lsm.log.NextID(), rg.begin, next.end)
	merged.slices = append(append([]*Slice{}, rg.slices...), next.slices...)
	// Keep the newest-first order across both source lists.
	sort.SliceStable(merged.slices, func(i, j int) bool {
		return merged.slices[i].run.dumpLSN > merged.slices[j].run.dumpLSN
	})
	merged.updateCompactPriority(lsm.opts.RunCountPerLevel)

	rangeHeapDelete(&lsm.rangeHeap, rg)
	rangeHeapDelete(&lsm.rangeHeap, next)
	lsm.ranges = append(lsm.ranges[:idx],
		append([]*Range{merged}, lsm.ranges[idx+2:]...)...)
	rangeHeapInsert(&lsm.rangeHeap, merged)
	lsm.env.Logger.Info("ranges coalesced", "lsm", lsm.name,
		"result", merged.String())
	return true
}

func (lsm *LSM) rangeIndex(rg *Range) int {
	for i, r := range lsm.ranges {
		if r == rg {
			return i
		}
	}
	return -1
}
