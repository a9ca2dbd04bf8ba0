package main

import (
	"math"
	"runtime"
	"sync"
	"time"
)

// Redo replay engine, spec.md §4.7: a single decoder feeding a bank of
// per-transaction workers, preserving transaction and cursor ordering
// while replaying in parallel across unrelated transactions. This file
// holds the decoder loop, worker pool, cursor table, index cache, reset
// protocol, leader handoff, and checkpoint coordination as one unit — the
// pieces are small enough individually, and tightly enough coupled through
// the worker-binding rules, that splitting them into separate files would
// just scatter one protocol across four.

// --- Index and its soft-referenced cache ---

// Index is a named tree, spec.md §3: "referenced by 64-bit identifier plus
// a name."
type Index struct {
	ID   uint64
	Name string
	Tree *BLTree
}

// IndexOpener is the external collaborator (spec.md §1: the database
// itself, out of scope here) that knows how to open or reopen an index by
// id.
type IndexOpener interface {
	Open(id uint64) (*Index, BLTErr)
}

type indexCacheEntry struct {
	index    *Index
	lastUsed time.Time
}

// IndexCache maps index id to *Index, reopening on miss. Go has no
// language-level soft reference; this substitutes an idle-time sweep (an
// entry unused past idleTTL is dropped) for "let idle indexes be
// reclaimed" — a deliberate, documented adaptation, not a literal
// translation of a GC soft-reference map.
type IndexCache struct {
	mu      sync.Mutex
	entries map[uint64]*indexCacheEntry
	opener  IndexOpener
	idleTTL time.Duration
}

func NewIndexCache(opener IndexOpener, idleTTL time.Duration) *IndexCache {
	if idleTTL == 0 {
		idleTTL = 5 * time.Minute
	}
	return &IndexCache{entries: make(map[uint64]*indexCacheEntry), opener: opener, idleTTL: idleTTL}
}

// Get returns the index for id, opening it if absent or if its cached
// entry was swept. Reopen on a closed index is the only recovery path
// spec.md §4.7 names; any other failure is returned as-is for the caller
// to treat as a replication panic (§7).
func (c *IndexCache) Get(id uint64) (*Index, BLTErr) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		e.lastUsed = time.Now()
		idx := e.index
		c.mu.Unlock()
		return idx, BLTErrOk
	}
	c.mu.Unlock()

	idx, err := c.opener.Open(id)
	if err != BLTErrOk {
		return nil, err
	}
	c.mu.Lock()
	c.entries[id] = &indexCacheEntry{index: idx, lastUsed: time.Now()}
	c.mu.Unlock()
	return idx, BLTErrOk
}

// Invalidate drops id's cached entry, forcing the next Get to reopen it —
// the path a BLTErrClosed result drives.
func (c *IndexCache) Invalidate(id uint64) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Sweep drops entries idle past idleTTL.
func (c *IndexCache) Sweep() {
	cutoff := time.Now().Add(-c.idleTTL)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if e.lastUsed.Before(cutoff) {
			delete(c.entries, id)
		}
	}
}

// --- worker pool ---

// replayTask is one unit of work dispatched to a worker.
type replayTask struct {
	record RedoRecord
	txn    *Transaction
	reply  chan struct{} // non-nil only for the internal drain sentinel
}

// worker is one single-consumer goroutine draining its own task queue, the
// "per-transaction single-consumer MPSC queue" spec.md §9 describes (MPSC
// from the decoder's point of view: many transactions' tasks, one
// consumer goroutine, one producer — the decoder).
type worker struct {
	id      int
	tasks   chan replayTask
	done    chan struct{}
	wg      sync.WaitGroup
	engine  *ReplayEngine
	idleDur time.Duration
}

func newWorker(id int, queueDepth int, idleDur time.Duration, engine *ReplayEngine) *worker {
	return &worker{
		id:      id,
		tasks:   make(chan replayTask, queueDepth),
		done:    make(chan struct{}),
		engine:  engine,
		idleDur: idleDur,
	}
}

func (w *worker) start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		timer := time.NewTimer(w.idleDur)
		defer timer.Stop()
		for {
			select {
			case task, ok := <-w.tasks:
				if !ok {
					return
				}
				w.engine.applyRecord(task)
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.idleDur)
			case <-timer.C:
				return // idle timeout, spec.md §4.7 "default 60s"
			case <-w.done:
				return
			}
		}
	}()
}

// drain blocks until every task enqueued on w before this call has been
// applied — the "old worker is drained (join) before switching" rule
// spec.md §4.7 requires for cursor reassignment and the reset protocol.
// Since tasks is a single FIFO channel served by one goroutine, a sentinel
// task enqueued now is only processed after everything ahead of it, so
// waiting for the sentinel's signal is equivalent to a join.
func (w *worker) drain() {
	reply := make(chan struct{})
	w.tasks <- replayTask{record: RedoRecord{Op: opDrainSentinel}, reply: reply}
	<-reply
}

func (w *worker) stop() {
	close(w.tasks)
	w.wg.Wait()
}

// opDrainSentinel is an internal pseudo-opcode, never decoded off the wire
// (DecodeRedoRecord rejects any opcode past OpCursorValueClear as
// corruption), used only to implement worker.drain's ordering fence.
const opDrainSentinel RedoOp = 0xF0

// --- transaction/cursor binding and the decoder ---

// cursorEntry tracks which worker a registered cursor is currently bound
// to, so operations on the same cursor never reorder across a transaction
// reassignment (spec.md §4.7).
type cursorEntry struct {
	cursor Cursor
	worker *worker
}

// ReplayEngine is the controller spec.md §4.7 describes: one decoder, a
// worker pool, the transaction and cursor tables, the index cache, and the
// checkpoint/reset/leader-handoff protocols.
type ReplayEngine struct {
	cfg     Config
	workers []*worker
	next    int // round-robin cursor for assigning a transaction's first worker

	txns    *TransactionTable
	locker  Locker
	indexes *IndexCache

	cursorMu sync.Mutex
	cursors  map[uint64]*cursorEntry

	decodeMu   sync.RWMutex // shared by decode; exclusive by the checkpointer
	decodePos  int64
	suspended  bool
	lastTxnID  uint64
	onReplayed func(RedoRecord) // test/observer hook; nil in production

	listener func(err *EngineError) // spec.md §7 "notifies the listener"

	bindMu   sync.Mutex
	bindings map[uint64]*worker // txnID -> worker, scoped to this engine instance only (spec.md §9: no process-wide state)
}

func NewReplayEngine(cfg Config, locker Locker, opener IndexOpener) *ReplayEngine {
	cfg = cfg.normalized()
	n := cfg.WorkerCount
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	idle := time.Duration(cfg.WorkerIdleTimeoutMillis) * time.Millisecond

	e := &ReplayEngine{
		cfg:     cfg,
		txns:     NewTransactionTable(),
		locker:   locker,
		indexes:  NewIndexCache(opener, 0),
		cursors:  make(map[uint64]*cursorEntry),
		bindings: make(map[uint64]*worker),
	}
	for i := 0; i < n; i++ {
		w := newWorker(i, cfg.WorkerQueueDepth, idle, e)
		w.start()
		e.workers = append(e.workers, w)
	}
	return e
}

// SetListener installs the callback notified on an unrecoverable replay
// error (spec.md §7: "panic that closes the database and notifies the
// listener").
func (e *ReplayEngine) SetListener(fn func(err *EngineError)) { e.listener = fn }

// pickWorker assigns a never-before-seen transaction to a worker
// round-robin, per spec.md §4.7 "bound on first task, remembered in the
// transaction-table entry."
func (e *ReplayEngine) pickWorker() *worker {
	w := e.workers[e.next%len(e.workers)]
	e.next++
	return w
}

// Decode feeds one already-parsed record into the engine — the decoder
// loop itself (reading bytes off a replication stream) is the file-I/O
// primitive spec.md §1 puts out of scope; callers hand this method records
// already produced by DecodeRedoRecord.
func (e *ReplayEngine) Decode(r RedoRecord) BLTErr {
	e.decodeMu.RLock()
	defer e.decodeMu.RUnlock()

	switch r.Op {
	case OpReset:
		return BLTErrOk // handled by Reset(), not dispatched to a worker
	case OpTimestamp, OpShutdown, OpClose, OpEndFile, OpControl:
		// control-plane records with no transaction affinity: apply
		// inline on the decoder thread.
		e.applyRecord(replayTask{record: r})
		return BLTErrOk
	}

	txnID := r.TxnID
	if r.Op == OpCursorRegister || r.Op == OpCursorUnregister || r.Op == OpCursorStore ||
		r.Op == OpCursorFind || r.Op == OpCursorValueSetLength || r.Op == OpCursorValueWrite ||
		r.Op == OpCursorValueClear {
		return e.dispatchCursor(r)
	}

	txn := e.txns.GetOrCreate(txnID, e.locker)

	// Locks are acquired on the decoder thread (spec.md §4.7). The worker
	// records nothing for them on the undo stack; Rollback and Commit
	// release every held lock through ReleaseAll.
	switch r.Op {
	case OpTxnLockShared, OpTxnLockUpgradable, OpTxnLockExclusive, OpTxnCustomLock:
		if err := txn.Lock(r.Key, r.LockMode, r.TimeoutMillis); err != BLTErrOk {
			return err
		}
	case OpStore, OpStoreNoLock:
		// spec.md §4.7: "acquire exclusive lock, enqueue a store task."
		if err := txn.Lock(r.Key, LockExclusive, e.cfg.LockTimeoutMillis); err != BLTErrOk {
			return err
		}
	}

	w := e.workerFor(txnID, txn)
	w.tasks <- replayTask{record: r, txn: txn}
	e.lastTxnID = txnID
	return BLTErrOk
}

func (e *ReplayEngine) workerFor(txnID uint64, txn *Transaction) *worker {
	if bound, ok := e.boundWorker(txnID); ok {
		return bound
	}
	w := e.pickWorker()
	e.bindWorker(txnID, w)
	return w
}

func (e *ReplayEngine) boundWorker(txnID uint64) (*worker, bool) {
	e.bindMu.Lock()
	defer e.bindMu.Unlock()
	w, ok := e.bindings[txnID]
	return w, ok
}

func (e *ReplayEngine) bindWorker(txnID uint64, w *worker) {
	e.bindMu.Lock()
	defer e.bindMu.Unlock()
	e.bindings[txnID] = w
}

// dispatchCursor implements spec.md §4.7's cursor-worker binding rule:
// inherit the transaction's worker, except when the cursor already belongs
// to a different worker, in which case the old worker is drained first.
func (e *ReplayEngine) dispatchCursor(r RedoRecord) BLTErr {
	e.cursorMu.Lock()
	ce, ok := e.cursors[r.CursorID]
	if !ok {
		ce = &cursorEntry{}
		e.cursors[r.CursorID] = ce
	}
	e.cursorMu.Unlock()

	txn := e.txns.GetOrCreate(r.TxnID, e.locker)
	target := e.workerFor(r.TxnID, txn)

	if ce.worker != nil && ce.worker != target {
		ce.worker.drain()
	}
	ce.worker = target

	target.tasks <- replayTask{record: r, txn: txn}
	return BLTErrOk
}

// applyRecord performs the actual replay of one record. It runs on the
// worker goroutine the record was dispatched to (or inline on the decoder
// for control-plane ops), per spec.md §4.7's ordering rules.
func (e *ReplayEngine) applyRecord(task replayTask) {
	r := task.record
	if r.Op == opDrainSentinel {
		close(task.reply)
		return
	}
	if e.onReplayed != nil {
		defer e.onReplayed(r)
	}

	var err BLTErr
	switch r.Op {
	case OpTimestamp, OpShutdown, OpClose, OpEndFile, OpControl:
		err = BLTErrOk
	case OpStore, OpStoreNoLock:
		err = e.applyStore(r, task.txn)
	case OpRenameIndex:
		err = e.applyRenameIndex(r)
	case OpDeleteIndex:
		err = e.applyDeleteIndex(r)
	case OpTxnEnter:
		err = BLTErrOk
	case OpTxnPrepare:
		task.txn.Prepare()
	case OpTxnRollback, OpTxnRollbackFinal:
		err = task.txn.Rollback(e.applyUndo)
		if r.Op == OpTxnRollbackFinal {
			e.txns.Remove(r.TxnID)
		}
	case OpTxnCommit, OpTxnCommitFinal:
		err = task.txn.Commit()
		if r.Op == OpTxnCommitFinal {
			e.txns.Remove(r.TxnID)
		}
	case OpTxnEnterStore, OpTxnStore, OpTxnStoreCommit, OpTxnStoreCommitFinal:
		err = e.applyStore(RedoRecord{IndexID: r.IndexID, Key: r.Key, Value: r.Value}, task.txn)
		if r.Op == OpTxnStoreCommit || r.Op == OpTxnStoreCommitFinal {
			if err == BLTErrOk {
				err = task.txn.Commit()
			}
		}
		if r.Op == OpTxnStoreCommitFinal {
			e.txns.Remove(r.TxnID)
		}
	case OpTxnLockShared, OpTxnLockUpgradable, OpTxnLockExclusive, OpTxnCustomLock, OpTxnCustom:
		// lock already acquired on the decoder thread; nothing to undo --
		// Transaction.Rollback releases every lock the txn holds via
		// ReleaseAll regardless of what's on the undo stack.
	case OpCursorRegister:
		err = e.applyCursorRegister(r)
	case OpCursorUnregister:
		e.applyCursorUnregister(r)
	case OpCursorStore:
		err = e.applyCursorStore(r, task.txn)
	case OpCursorFind:
		err = e.applyCursorFind(r)
	case OpCursorValueSetLength:
		err = e.applyCursorValueSetLength(r, task.txn)
	case OpCursorValueWrite:
		err = e.applyCursorValueWrite(r, task.txn)
	case OpCursorValueClear:
		err = e.applyCursorValueClear(r, task.txn)
	}

	e.handleReplayError(r, err)
}

// handleReplayError handles a non-Ok replay result. A recoverable result
// (BLTErrClosed) drops the index's cache entry, so the next Get reopens
// the index; the record that failed is not re-applied. Any other result
// notifies the listener and then panics with a BLTErrReplication
// EngineError; nothing is closed here.
func (e *ReplayEngine) handleReplayError(r RedoRecord, err BLTErr) {
	if err == BLTErrOk {
		return
	}
	if err.recoverable() {
		e.indexes.Invalidate(r.IndexID)
		return
	}
	ee := newEngineError("replay", BLTErrReplication, nil)
	if e.listener != nil {
		e.listener(ee)
	}
	panic(ee)
}

func (e *ReplayEngine) applyStore(r RedoRecord, txn *Transaction) BLTErr {
	idx, err := e.indexes.Get(r.IndexID)
	if err != BLTErrOk {
		return err
	}
	if txn != nil {
		ret, _, oldValue := idx.Tree.findKey(r.Key, math.MaxInt32)
		if ret < 0 {
			txn.PushUndo(UndoRecord{Kind: UndoUncreate, IndexID: r.IndexID, Key: r.Key})
		} else {
			txn.PushUndo(UndoRecord{Kind: UndoUnupdate, IndexID: r.IndexID, Key: r.Key, OldValue: oldValue})
		}
	}
	return idx.Tree.insertKey(r.Key, 0, r.Value, true)
}

func (e *ReplayEngine) applyRenameIndex(r RedoRecord) BLTErr {
	idx, err := e.indexes.Get(r.IndexID)
	if err != BLTErrOk {
		return err
	}
	idx.Name = r.NewName
	return BLTErrOk
}

func (e *ReplayEngine) applyDeleteIndex(r RedoRecord) BLTErr {
	e.indexes.Invalidate(r.IndexID)
	// only the cache entry is dropped: no background reclamation task is
	// enqueued and no pages are reclaimed here.
	return BLTErrOk
}

// applyUndo reverses one undo record against the index it was recorded
// against, per spec.md §3/§4.3's five undo shapes. UndoUnalloc is handled
// the same way as UndoUnwrite: this engine never pushes UndoUnalloc on
// its own (see leafvalue.go's fragWriteExtending), since restoring the
// overwritten bytes already returns a sparse range to its prior state,
// but the shape is honored here in case a future caller produces one.
func (e *ReplayEngine) applyUndo(rec UndoRecord) BLTErr {
	idx, err := e.indexes.Get(rec.IndexID)
	if err != BLTErrOk {
		return err
	}
	switch rec.Kind {
	case UndoUncreate:
		return idx.Tree.deleteKey(rec.Key, 0)
	case UndoUnupdate:
		return idx.Tree.insertKey(rec.Key, 0, rec.OldValue, true)
	case UndoUnextend:
		return idx.Tree.withLeafValue(rec.Key, func(lv *LeafValue) BLTErr {
			return lv.SetLength(rec.OldLength)
		})
	case UndoUnwrite, UndoUnalloc:
		return idx.Tree.withLeafValue(rec.Key, func(lv *LeafValue) BLTErr {
			return lv.Write(rec.Offset, rec.OldBytes, 0, len(rec.OldBytes))
		})
	}
	return BLTErrOk
}

func (e *ReplayEngine) applyCursorRegister(r RedoRecord) BLTErr {
	e.cursorMu.Lock()
	defer e.cursorMu.Unlock()
	if _, ok := e.cursors[r.CursorID]; !ok {
		e.cursors[r.CursorID] = &cursorEntry{}
	}
	return BLTErrOk
}

// BindCursor attaches the live Cursor a cursorRegister record stands for.
// The wire record only carries the cursor's id and owning transaction —
// which index it opens against is resolved by the database layer (out of
// scope per spec.md §1), which calls this once it has built the cursor.
func (e *ReplayEngine) BindCursor(cursorID uint64, cursor Cursor) {
	e.cursorMu.Lock()
	defer e.cursorMu.Unlock()
	ce, ok := e.cursors[cursorID]
	if !ok {
		ce = &cursorEntry{}
		e.cursors[cursorID] = ce
	}
	ce.cursor = cursor
}

func (e *ReplayEngine) applyCursorUnregister(r RedoRecord) {
	e.cursorMu.Lock()
	defer e.cursorMu.Unlock()
	delete(e.cursors, r.CursorID)
}

func (e *ReplayEngine) applyCursorStore(r RedoRecord, txn *Transaction) BLTErr {
	e.cursorMu.Lock()
	ce := e.cursors[r.CursorID]
	e.cursorMu.Unlock()
	if ce == nil || ce.cursor == nil {
		return BLTErrPosition
	}
	if err := ce.cursor.Find(r.Key); err != BLTErrOk {
		return err
	}
	lv, err := ce.cursor.Value()
	if err != BLTErrOk {
		return err
	}
	lv.Txn = txn
	return lv.Write(0, r.Value, 0, len(r.Value))
}

func (e *ReplayEngine) applyCursorFind(r RedoRecord) BLTErr {
	e.cursorMu.Lock()
	ce := e.cursors[r.CursorID]
	e.cursorMu.Unlock()
	if ce == nil || ce.cursor == nil {
		return BLTErrPosition
	}
	return ce.cursor.Find(r.Key)
}

func (e *ReplayEngine) applyCursorValueSetLength(r RedoRecord, txn *Transaction) BLTErr {
	e.cursorMu.Lock()
	ce := e.cursors[r.CursorID]
	e.cursorMu.Unlock()
	if ce == nil || ce.cursor == nil {
		return BLTErrPosition
	}
	lv, err := ce.cursor.Value()
	if err != BLTErrOk {
		return err
	}
	lv.Txn = txn
	return lv.SetLength(r.Length)
}

func (e *ReplayEngine) applyCursorValueWrite(r RedoRecord, txn *Transaction) BLTErr {
	e.cursorMu.Lock()
	ce := e.cursors[r.CursorID]
	e.cursorMu.Unlock()
	if ce == nil || ce.cursor == nil {
		return BLTErrPosition
	}
	lv, err := ce.cursor.Value()
	if err != BLTErrOk {
		return err
	}
	lv.Txn = txn
	return lv.Write(r.Pos, r.Value, 0, len(r.Value))
}

func (e *ReplayEngine) applyCursorValueClear(r RedoRecord, txn *Transaction) BLTErr {
	e.cursorMu.Lock()
	ce := e.cursors[r.CursorID]
	e.cursorMu.Unlock()
	if ce == nil || ce.cursor == nil {
		return BLTErrPosition
	}
	lv, err := ce.cursor.Value()
	if err != BLTErrOk {
		return err
	}
	lv.Txn = txn
	return lv.Clear(r.Pos, r.Length)
}

// --- reset protocol ---

// Reset implements spec.md §4.7's reset protocol: drain all workers,
// cancel non-two-phase transactions, close registered cursors
// (unregistering first so the close itself produces no redo record), and
// return the surviving two-phase transactions for recovery handling.
func (e *ReplayEngine) Reset() []*Transaction {
	for _, w := range e.workers {
		w.drain()
	}

	e.cursorMu.Lock()
	for id, ce := range e.cursors {
		delete(e.cursors, id) // unregister before close
		if ce.cursor != nil {
			ce.cursor.Close()
		}
	}
	e.cursorMu.Unlock()

	// Drain returns the transactions it removes; the kept two-phase ones
	// are collected by the keep callback.
	var survivors []*Transaction
	e.txns.Drain(func(t *Transaction) bool {
		if t.isTwoPhase() {
			survivors = append(survivors, t)
			return true
		}
		return false
	})
	return survivors
}

// --- leader handoff ---

// LeaderController is the collaborator spec.md §4.7 calls "the
// controller": it knows how to flip replication mode and install a writer.
// Out of scope per §1 ("file I/O primitives"); only the surface used here.
type LeaderController interface {
	BecomeLeader() BLTErr
	WriteInitialTriple() BLTErr
	InstallWriter() BLTErr
	BecomeReplica()
}

// LeaderNotify implements spec.md §4.7's leader handoff: on end-of-stream,
// attempt to flip to leader mode, write the initial reset-timestamp-nop
// triple, and install a writer; on any failure, fall back to replica mode
// on a fresh goroutine to avoid a latch-order deadlock with the caller.
func (e *ReplayEngine) LeaderNotify(ctrl LeaderController) {
	if err := ctrl.BecomeLeader(); err != BLTErrOk {
		go ctrl.BecomeReplica()
		return
	}
	if err := ctrl.WriteInitialTriple(); err != BLTErrOk {
		go ctrl.BecomeReplica()
		return
	}
	if err := ctrl.InstallWriter(); err != BLTErrOk {
		go ctrl.BecomeReplica()
		return
	}
}

// --- checkpoint coordination ---

// Suspend takes the decode latch exclusively (Decode holds it shared, so a
// concurrent Decode waits until Resume), drains workers, and returns a
// snapshot of the decode position and the last transaction id seen.
func (e *ReplayEngine) Suspend() (pos int64, lastTxnID uint64) {
	e.decodeMu.Lock()
	for _, w := range e.workers {
		w.drain()
	}
	e.suspended = true
	return e.decodePos, e.lastTxnID
}

// Resume releases the hold Suspend took.
func (e *ReplayEngine) Resume() {
	e.suspended = false
	e.decodeMu.Unlock()
}

// ShouldCheckpoint reports whether a checkpoint is due: true once
// bytesSinceLastCheckpoint has reached threshold, false below it (where
// skipping is safe) and always false while suspended.
func (e *ReplayEngine) ShouldCheckpoint(bytesSinceLastCheckpoint int64, threshold int64) bool {
	if e.suspended {
		// mCheckpointPos open question (DESIGN.md): an explicit flag,
		// not a sign-bit encoding, records suspension so a concurrent
		// caller never misreads the raw position as meaningful mid-swap.
		return false
	}
	return bytesSinceLastCheckpoint >= threshold
}

// Close stops every worker goroutine. Safe to call once, after Reset.
func (e *ReplayEngine) Close() {
	for _, w := range e.workers {
		w.stop()
	}
}
