package main

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopLocker grants every lock unconditionally, for tests that exercise
// replay dispatch without a real key-level lock manager.
type noopLocker struct {
	mu       sync.Mutex
	acquired []string
	released []string
}

func (l *noopLocker) Acquire(txnID uint64, key []byte, mode LockMode, timeoutMillis int64) BLTErr {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = append(l.acquired, string(key))
	return BLTErrOk
}
func (l *noopLocker) Release(txnID uint64, key []byte) BLTErr {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, string(key))
	return BLTErrOk
}
func (l *noopLocker) ReleaseAll(txnID uint64) {}

// memIndexOpener opens a single index backed by a real temp-file BufMgr, the
// same way the teacher's own bltree_test.go stands up a tree for tests
// rather than mocking the page layer.
type memIndexOpener struct {
	idx *Index
}

func (o *memIndexOpener) Open(id uint64) (*Index, BLTErr) {
	return o.idx, BLTErrOk
}

func newTestIndex(t *testing.T, name string) *Index {
	t.Helper()
	path := "data/replay_" + name + ".db"
	_ = os.Remove(path)
	mgr := NewBufMgr(path, Config{PageBits: 15, NodeMax: 20})
	require.NotNil(t, mgr)
	t.Cleanup(mgr.Close)
	return &Index{ID: 1, Name: name, Tree: NewBLTree(mgr)}
}

func newTestEngine(t *testing.T, idx *Index) (*ReplayEngine, *noopLocker) {
	t.Helper()
	locker := &noopLocker{}
	engine := NewReplayEngine(Config{WorkerCount: 2, WorkerQueueDepth: 8, WorkerIdleTimeoutMillis: 60_000}, locker, &memIndexOpener{idx: idx})
	t.Cleanup(engine.Close)
	return engine, locker
}

func TestIndexCacheOpensOnceAndReusesEntry(t *testing.T) {
	idx := &Index{ID: 7}
	opens := 0
	opener := &countingOpener{idx: idx, opens: &opens}
	c := NewIndexCache(opener, time.Hour)

	got, err := c.Get(7)
	require.Equal(t, BLTErrOk, err)
	assert.Same(t, idx, got)

	got2, err := c.Get(7)
	require.Equal(t, BLTErrOk, err)
	assert.Same(t, idx, got2)
	assert.Equal(t, 1, opens)
}

type countingOpener struct {
	idx   *Index
	opens *int
}

func (o *countingOpener) Open(id uint64) (*Index, BLTErr) {
	*o.opens++
	return o.idx, BLTErrOk
}

func TestIndexCacheInvalidateForcesReopen(t *testing.T) {
	idx := &Index{ID: 7}
	opens := 0
	opener := &countingOpener{idx: idx, opens: &opens}
	c := NewIndexCache(opener, time.Hour)

	_, _ = c.Get(7)
	c.Invalidate(7)
	_, _ = c.Get(7)
	assert.Equal(t, 2, opens)
}

func TestIndexCacheSweepDropsOnlyIdleEntries(t *testing.T) {
	idx := &Index{ID: 7}
	opens := 0
	opener := &countingOpener{idx: idx, opens: &opens}
	c := NewIndexCache(opener, -time.Millisecond) // already-expired TTL

	_, _ = c.Get(7)
	c.Sweep()
	_, _ = c.Get(7)
	assert.Equal(t, 2, opens, "sweep should have dropped the idle entry, forcing a reopen")
}

func TestReplayEngineAppliesStoreThroughToTree(t *testing.T) {
	idx := newTestIndex(t, "store")
	engine, locker := newTestEngine(t, idx)

	err := engine.Decode(RedoRecord{Op: OpStore, TxnID: 1, IndexID: 1, Key: []byte("k"), Value: []byte{0}})
	require.Equal(t, BLTErrOk, err)

	engine.Suspend() // drains workers, giving a synchronization point
	engine.Resume()

	found, _, _ := idx.Tree.findKey([]byte("k"), 8)
	assert.GreaterOrEqual(t, found, 0, "store record should have landed in the tree")
	assert.Contains(t, locker.acquired, "k")
}

func TestReplayEngineRollbackRestoresPriorValue(t *testing.T) {
	idx := newTestIndex(t, "rollback")
	engine, _ := newTestEngine(t, idx)

	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpTxnStoreCommitFinal, TxnID: 2, IndexID: 1, Key: []byte("k"), Value: []byte{0, 1}}))
	engine.Suspend()
	engine.Resume()

	ret, _, firstValue := idx.Tree.findKey([]byte("k"), 8)
	require.GreaterOrEqual(t, ret, 0)

	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpTxnStore, TxnID: 3, IndexID: 1, Key: []byte("k"), Value: []byte{0, 2}}))
	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpTxnRollbackFinal, TxnID: 3}))
	engine.Suspend()
	engine.Resume()

	ret, _, restored := idx.Tree.findKey([]byte("k"), 8)
	require.GreaterOrEqual(t, ret, 0)
	assert.Equal(t, firstValue, restored, "rollback should restore the value in place before the second store")
	assert.Nil(t, engine.txns.Get(3))
}

func TestReplayEngineRollbackOfFirstStoreRemovesKey(t *testing.T) {
	idx := newTestIndex(t, "rollback-create")
	engine, _ := newTestEngine(t, idx)

	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpTxnEnterStore, TxnID: 4, IndexID: 1, Key: []byte("new"), Value: []byte{9}}))
	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpTxnRollbackFinal, TxnID: 4}))
	engine.Suspend()
	engine.Resume()

	ret, _, _ := idx.Tree.findKey([]byte("new"), 8)
	assert.Equal(t, -1, ret, "rollback of a key's first store should remove it entirely")
}

func TestReplayEngineSameTransactionStaysOnOneWorker(t *testing.T) {
	idx := newTestIndex(t, "sticky")
	engine, _ := newTestEngine(t, idx)

	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpStore, TxnID: 5, IndexID: 1, Key: []byte("a"), Value: []byte{1}}))
	w1, ok := engine.boundWorker(5)
	require.True(t, ok)

	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpStore, TxnID: 5, IndexID: 1, Key: []byte("b"), Value: []byte{2}}))
	w2, ok := engine.boundWorker(5)
	require.True(t, ok)

	assert.Same(t, w1, w2)
}

func TestReplayEngineTxnCommitFinalRemovesTransaction(t *testing.T) {
	idx := newTestIndex(t, "commit")
	engine, _ := newTestEngine(t, idx)

	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpTxnLockExclusive, TxnID: 9, Key: []byte("x"), TimeoutMillis: -1}))
	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpTxnCommitFinal, TxnID: 9}))

	engine.Suspend()
	engine.Resume()

	assert.Nil(t, engine.txns.Get(9))
}

func TestReplayEngineCursorDispatchBindsAndRebinds(t *testing.T) {
	idx := newTestIndex(t, "cursor")
	engine, _ := newTestEngine(t, idx)

	cur := &fakeCursor{}
	engine.BindCursor(42, cur)

	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpCursorStore, TxnID: 1, CursorID: 42, Key: []byte("a"), Value: []byte{9}}))
	engine.Suspend()
	engine.Resume()

	assert.Contains(t, cur.calls, "Find:a")
}

func TestReplayEngineResetDrainsAndKeepsTwoPhaseOnly(t *testing.T) {
	idx := newTestIndex(t, "reset")
	engine, _ := newTestEngine(t, idx)

	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpTxnLockExclusive, TxnID: 1, Key: []byte("x"), TimeoutMillis: -1}))
	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpTxnPrepare, TxnID: 1}))

	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpTxnLockExclusive, TxnID: 2, Key: []byte("y"), TimeoutMillis: -1}))

	engine.Suspend()
	engine.Resume()

	survivors := engine.Reset()
	require.Len(t, survivors, 1)
	assert.Equal(t, uint64(1), survivors[0].ID)
}

func TestReplayEngineCursorRegisterUnregisterRoundTrip(t *testing.T) {
	idx := newTestIndex(t, "registry")
	engine, _ := newTestEngine(t, idx)

	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpCursorRegister, TxnID: 1, CursorID: 3}))
	engine.cursorMu.Lock()
	_, ok := engine.cursors[3]
	engine.cursorMu.Unlock()
	assert.True(t, ok)

	require.Equal(t, BLTErrOk, engine.Decode(RedoRecord{Op: OpCursorUnregister, TxnID: 1, CursorID: 3}))
	engine.Suspend()
	engine.Resume()

	engine.cursorMu.Lock()
	_, ok = engine.cursors[3]
	engine.cursorMu.Unlock()
	assert.False(t, ok)
}

func TestShouldCheckpointRespectsThresholdAndSuspension(t *testing.T) {
	idx := newTestIndex(t, "checkpoint")
	engine, _ := newTestEngine(t, idx)

	assert.False(t, engine.ShouldCheckpoint(10, 100))
	assert.True(t, engine.ShouldCheckpoint(200, 100))

	engine.Suspend()
	assert.False(t, engine.ShouldCheckpoint(200, 100), "suspended engine should never report checkpoint-safe")
	engine.Resume()
}

func TestLeaderNotifyFallsBackToReplicaOnFailure(t *testing.T) {
	idx := newTestIndex(t, "leader")
	engine, _ := newTestEngine(t, idx)

	ctrl := &failingController{becomeLeaderErr: BLTErrReplication}
	var wg sync.WaitGroup
	wg.Add(1)
	ctrl.onReplica = wg.Done
	engine.LeaderNotify(ctrl)
	wg.Wait()
	assert.True(t, ctrl.becameReplica)
}

type failingController struct {
	becomeLeaderErr BLTErr
	becameReplica   bool
	onReplica       func()
}

func (c *failingController) BecomeLeader() BLTErr      { return c.becomeLeaderErr }
func (c *failingController) WriteInitialTriple() BLTErr { return BLTErrOk }
func (c *failingController) InstallWriter() BLTErr      { return BLTErrOk }
func (c *failingController) BecomeReplica() {
	c.becameReplica = true
	if c.onReplica != nil {
		c.onReplica()
	}
}
