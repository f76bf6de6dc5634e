package tern

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/terndb/tern/keys"
	"github.com/terndb/tern/metalog"
)

// harness wires a scheduler over a temp dir with small knobs so
// tests exercise multiple pages and levels quickly.
type harness struct {
	t      *testing.T
	opts   *Options
	env    *RunEnv
	log    *metalog.Log
	sched  *Scheduler
	ddExec *fakeDDExec
}

func newHarness(t *testing.T, edit func(*Options, *SchedulerConfig)) *harness {
	t.Helper()
	opts := DefaultOptions()
	opts.Dir = t.TempDir()
	opts.PageSize = 256
	opts.RunCountPerLevel = 1
	require.NoError(t, opts.Validate())

	log, err := metalog.Open(opts.Dir)
	require.NoError(t, err)

	env := NewRunEnv(opts)
	ddExec := &fakeDDExec{}
	cfg := SchedulerConfig{
		WriteThreads:    4,
		Env:             env,
		MetaLog:         log,
		ReadViews:       NewReadViewSet(),
		DeferredDeletes: ddExec,
	}
	if edit != nil {
		edit(opts, &cfg)
	}

	sched, err := NewScheduler(cfg)
	require.NoError(t, err)
	sched.Start()

	t.Cleanup(func() {
		sched.Close()
		log.Close()
	})
	return &harness{t: t, opts: opts, env: env, log: log, sched: sched, ddExec: ddExec}
}

// newLSM registers an index with the scheduler. The tuple format is
// [pk_field, payload_field]; the primary keys on field 0, a
// secondary on field 1.
func (h *harness) newLSM(spaceID, indexID uint32, pk *LSM) *LSM {
	lsm := NewLSM(h.env, h.log, h.opts, LSMConfig{
		SpaceID:  spaceID,
		IndexID:  indexID,
		KeyParts: []int{int(indexID)},
		Format:   keys.NewFormat(2),
		PK:       pk,
	})
	h.sched.AddLSM(lsm)
	return lsm
}

// put routes one tuple into an index, the way the transactional
// engine would after a WAL write.
func (h *harness) put(lsm *LSM, pkVal, payload string, lsn int64) {
	fields := [][]byte{[]byte(pkVal), []byte(payload)}
	key, err := lsm.cmpDef.ExtractKey(fields)
	require.NoError(h.t, err)
	lsm.Insert(&keys.Statement{
		Key:   key,
		Tuple: lsm.format.EncodeTuple(fields),
		LSN:   lsn,
		Kind:  keys.KindReplace,
	})
}

// del routes a tombstone into an index.
func (h *harness) del(lsm *LSM, pkVal, payload string, lsn int64) {
	fields := [][]byte{[]byte(pkVal), []byte(payload)}
	key, err := lsm.cmpDef.ExtractKey(fields)
	require.NoError(h.t, err)
	lsm.Insert(&keys.Statement{
		Key:  key,
		LSN:  lsn,
		Kind: keys.KindDelete,
	})
}

// locked runs fn under the scheduler lock for state inspection.
func (h *harness) locked(fn func()) {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	fn()
}

// waitUntil polls a condition under the scheduler lock.
func (h *harness) waitUntil(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.sched.mu.Lock()
		ok := cond()
		h.sched.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

// topology re-reads the metadata log.
func (h *harness) topology() *metalog.Topology {
	top, err := h.log.Replay()
	require.NoError(h.t, err)
	return top
}

// stmtForTest builds a bare replace statement for low-level tests.
func stmtForTest(key string, lsn int64) *keys.Statement {
	return &keys.Statement{
		Key:   keys.UserKey(key),
		Tuple: []byte("v-" + key),
		LSN:   lsn,
		Kind:  keys.KindReplace,
	}
}

// fakeDDExec records deferred DELETE DML the way the system-table
// executor would.
type ddCall struct {
	spaceID uint32
	lsn     int64
	tuple   []byte
}

type fakeDDExec struct {
	mu       sync.Mutex
	calls    []ddCall
	failNext bool
}

func (f *fakeDDExec) Begin() (DeferredDeleteTx, error) {
	return &fakeDDTx{exec: f}, nil
}

func (f *fakeDDExec) setFailNext() {
	f.mu.Lock()
	f.failNext = true
	f.mu.Unlock()
}

func (f *fakeDDExec) recorded() []ddCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ddCall(nil), f.calls...)
}

type fakeDDTx struct {
	exec    *fakeDDExec
	pending []ddCall
}

func (tx *fakeDDTx) Replace(spaceID uint32, lsn int64, tuple []byte) error {
	tx.exec.mu.Lock()
	fail := tx.exec.failNext
	tx.exec.failNext = false
	tx.exec.mu.Unlock()
	if fail {
		return ErrInjected
	}
	tx.pending = append(tx.pending, ddCall{spaceID: spaceID, lsn: lsn, tuple: tuple})
	return nil
}

func (tx *fakeDDTx) Commit() error {
	tx.exec.mu.Lock()
	tx.exec.calls = append(tx.exec.calls, tx.pending...)
	tx.exec.mu.Unlock()
	return nil
}

func (tx *fakeDDTx) Rollback() {
	tx.pending = nil
}
