package main

import (
	"sync"
	"time"
)

// Key-level lock manager, spec.md §1's "lock manager's internals are out of
// scope (only its surface is used)". This is a minimal, correct standalone
// implementation of the Locker surface txn.go defines — not the spec's
// domain focus, but something the transaction/replay machinery needs a real
// collaborator to call against. Modeled on the teacher's own BLTRWLock
// (latchmgr.go) shared/exclusive modes, generalized from one page-latch per
// node to one entry per locked key, plus an upgradable mode and timeout
// support. There is no ticket: a blocked Acquire polls, sleeping 1 ms
// between tries, so waiters are not granted in arrival order.

type keyLock struct {
	mu        sync.Mutex
	holders   map[uint64]LockMode // txnID -> mode currently granted
	upgraded  uint64              // txnID holding the upgradable slot, 0 if none
	hasExcl   bool
	exclOwner uint64
}

// compatible reports whether mode can be granted alongside the lock's
// current holders (ignoring txnID's own prior grant, so re-entrant upgrade
// requests from the same owner are evaluated against other holders only).
func (k *keyLock) compatible(txnID uint64, mode LockMode) bool {
	if k.hasExcl && k.exclOwner != txnID {
		return false
	}
	if mode == LockExclusive {
		for id := range k.holders {
			if id != txnID {
				return false
			}
		}
		return true
	}
	if mode == LockUpgradable {
		if k.upgraded != 0 && k.upgraded != txnID {
			return false
		}
	}
	return true
}

func (k *keyLock) grant(txnID uint64, mode LockMode) {
	if k.holders == nil {
		k.holders = make(map[uint64]LockMode)
	}
	k.holders[txnID] = mode
	if mode == LockExclusive {
		k.hasExcl = true
		k.exclOwner = txnID
	}
	if mode == LockUpgradable {
		k.upgraded = txnID
	}
}

func (k *keyLock) release(txnID uint64) {
	delete(k.holders, txnID)
	if k.exclOwner == txnID {
		k.hasExcl = false
		k.exclOwner = 0
	}
	if k.upgraded == txnID {
		k.upgraded = 0
	}
}

// LockManager is a straightforward in-process implementation of Locker.
// Deadlock detection is out of scope (spec.md §1); a timed-out acquisition
// simply returns BLTErrLockTimeout, matching the "Lock failure: timeout"
// category of §7 without attempting cycle detection.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	held  map[uint64]map[string]struct{} // txnID -> set of keys it holds, for ReleaseAll
}

func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*keyLock),
		held:  make(map[uint64]map[string]struct{}),
	}
}

func (m *LockManager) lockFor(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.locks[key]
	if k == nil {
		k = &keyLock{}
		m.locks[key] = k
	}
	return k
}

// Acquire implements Locker.Acquire. timeoutMillis follows spec.md §5:
// -1 = infinite, 0 = never wait (try-once).
func (m *LockManager) Acquire(txnID uint64, key []byte, mode LockMode, timeoutMillis int64) BLTErr {
	k := m.lockFor(string(key))
	deadline := time.Time{}
	if timeoutMillis > 0 {
		deadline = time.Now().Add(time.Duration(timeoutMillis) * time.Millisecond)
	}

	for {
		k.mu.Lock()
		if k.compatible(txnID, mode) {
			k.grant(txnID, mode)
			k.mu.Unlock()
			m.mu.Lock()
			if m.held[txnID] == nil {
				m.held[txnID] = make(map[string]struct{})
			}
			m.held[txnID][string(key)] = struct{}{}
			m.mu.Unlock()
			return BLTErrOk
		}
		k.mu.Unlock()

		if timeoutMillis == 0 {
			return BLTErrLockTimeout
		}
		if timeoutMillis > 0 && time.Now().After(deadline) {
			return BLTErrLockTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// Release implements Locker.Release.
func (m *LockManager) Release(txnID uint64, key []byte) BLTErr {
	k := m.lockFor(string(key))
	k.mu.Lock()
	k.release(txnID)
	k.mu.Unlock()

	m.mu.Lock()
	if set, ok := m.held[txnID]; ok {
		delete(set, string(key))
	}
	m.mu.Unlock()
	return BLTErrOk
}

// ReleaseAll implements Locker.ReleaseAll, called on commit/rollback.
func (m *LockManager) ReleaseAll(txnID uint64) {
	m.mu.Lock()
	keys := m.held[txnID]
	delete(m.held, txnID)
	m.mu.Unlock()

	for key := range keys {
		k := m.lockFor(key)
		k.mu.Lock()
		k.release(txnID)
		k.mu.Unlock()
	}
}
