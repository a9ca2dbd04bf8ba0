package main

import "sync"

// Transaction and lock surface, spec.md §3 "Transaction (as consumed by the
// core)" and §4.7's lock-acquisition-on-decoder / push-on-worker split. The
// lock manager's internals are out of scope (spec.md §1 "treated as an
// external collaborator"); only the surface the core calls against is
// defined here, as an interface a replica or a standalone lock manager can
// implement.

// LockMode is the granularity a Locker grants, per the Glossary's "Lock"
// entry: a transaction-scoped, key-level lock with shared/upgradable/
// exclusive modes.
type LockMode int

const (
	LockShared LockMode = iota
	LockUpgradable
	LockExclusive
)

// Locker is the lock manager surface the core depends on. timeoutMillis
// follows spec.md §5: -1 = infinite, 0 = never wait.
type Locker interface {
	Acquire(txnID uint64, key []byte, mode LockMode, timeoutMillis int64) BLTErr
	Release(txnID uint64, key []byte) BLTErr
	ReleaseAll(txnID uint64)
}

// UndoKind tags one of the five undo record shapes spec.md §3 and §4.3 name:
// uncreate, unupdate, unextend, unwrite, unalloc.
type UndoKind int

const (
	UndoUncreate UndoKind = iota
	UndoUnupdate
	UndoUnextend
	UndoUnwrite
	UndoUnalloc
)

// UndoRecord is one entry on a transaction's undo stack. Fields are
// populated according to Kind:
//   - Uncreate: Key identifies the created entry to remove on rollback.
//   - Unupdate: Key + OldValue restore the prior value.
//   - Unextend: OldLength restores the length before a setLength/write grew it.
//   - Unwrite:  Offset + OldBytes restore the exact bytes about to be
//     overwritten.
//   - Unalloc:  Offset records that the range had no storage (was sparse)
//     before this write.
type UndoRecord struct {
	Kind      UndoKind
	IndexID   uint64
	Key       []byte
	OldValue  []byte
	OldLength uint32
	Offset    uint32
	OldBytes  []byte
}

// Transaction is the lock-owner identity, undo log, and commit/rollback
// interface spec.md §3 describes as "as consumed by the core" — the core
// never constructs one of these; it is handed one by the caller (a
// user-facing write, or the redo replay engine's per-worker transaction
// entry) and only pushes onto its undo stack and reads its id/locker.
type Transaction struct {
	ID     uint64
	locker Locker

	mu      sync.Mutex
	undo    []UndoRecord
	state   txnState
	prepare bool // two-phase: held open across a reset, spec.md §4.7 reset protocol
}

type txnState int

const (
	txnActive txnState = iota
	txnCommitted
	txnRolledBack
)

func NewTransaction(id uint64, locker Locker) *Transaction {
	return &Transaction{ID: id, locker: locker}
}

// PushUndo appends a record to the undo stack. Per spec.md §7's propagation
// policy, "write operations push undo records before mutation so that
// rollback is always possible" — callers in the leaf value engine call this
// immediately before the destructive step it protects, in the order
// unextend, unalloc, unwrite (spec.md §4.3).
func (t *Transaction) PushUndo(rec UndoRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo = append(t.undo, rec)
}

// Lock acquires key at mode, honoring timeoutMillis (spec.md §5: -1 =
// infinite, 0 = never wait). On the replay path the acquisition itself
// happens on the decoder thread (spec.md §4.7); this method only performs
// the acquisition, leaving thread placement to the caller.
func (t *Transaction) Lock(key []byte, mode LockMode, timeoutMillis int64) BLTErr {
	if t.locker == nil {
		return BLTErrOk
	}
	return t.locker.Acquire(t.ID, key, mode, timeoutMillis)
}

// Rollback walks the undo stack back to front, per standard undo-log
// discipline, handing each record to apply for the caller to reverse, then
// releases all of this transaction's locks.
func (t *Transaction) Rollback(apply func(UndoRecord) BLTErr) BLTErr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnActive {
		return BLTErrOk
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		if err := apply(t.undo[i]); err != BLTErrOk {
			return err
		}
	}
	t.undo = nil
	t.state = txnRolledBack
	if t.locker != nil {
		t.locker.ReleaseAll(t.ID)
	}
	return BLTErrOk
}

// Commit discards the undo stack (nothing left to reverse) and releases
// locks.
func (t *Transaction) Commit() BLTErr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnActive {
		return BLTErrOk
	}
	t.undo = nil
	t.state = txnCommitted
	if t.locker != nil {
		t.locker.ReleaseAll(t.ID)
	}
	return BLTErrOk
}

// Prepare marks the transaction as two-phase, per spec.md §4.7's reset
// protocol ("cancel non-two-phase transactions ... return the set of
// surviving two-phase transactions for recovery handling").
func (t *Transaction) Prepare() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prepare = true
}

func (t *Transaction) isTwoPhase() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prepare
}

func (t *Transaction) isActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == txnActive
}

// TransactionTable maps transaction id to Transaction, one of the two
// long-keyed tables spec.md §5 names ("transaction/cursor tables on the
// replica are guarded by intrinsic locks on the tables; per-entry mutation
// is delegated to the worker"). Table-level operations (Get/GetOrCreate/Remove/Drain) take
// the table's own mutex; callers are responsible for confining further
// mutation of a fetched *Transaction to its owning worker.
type TransactionTable struct {
	mu    sync.Mutex
	table *LongHashTable
}

func NewTransactionTable() *TransactionTable {
	return &TransactionTable{table: NewLongHashTable()}
}

func (tt *TransactionTable) Get(id uint64) *Transaction {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if v := tt.table.Get(id); v != nil {
		return v.(*Transaction)
	}
	return nil
}

// GetOrCreate returns the existing entry for id, or registers and returns a
// new one bound to locker.
func (tt *TransactionTable) GetOrCreate(id uint64, locker Locker) *Transaction {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if v := tt.table.Get(id); v != nil {
		return v.(*Transaction)
	}
	txn := NewTransaction(id, locker)
	tt.table.Insert(id, txn)
	return txn
}

func (tt *TransactionTable) Remove(id uint64) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.table.Remove(id)
}

// Drain removes every entry for which keep returns false, used by the reset
// protocol to cancel non-two-phase transactions while retaining prepared
// ones.
func (tt *TransactionTable) Drain(keep func(*Transaction) bool) (removed []*Transaction) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.table.Traverse(func(_ uint64, value any) bool {
		txn := value.(*Transaction)
		if keep(txn) {
			return false
		}
		removed = append(removed, txn)
		return true
	})
	return removed
}
