package main

import (
	"runtime"
	"sync/atomic"
)

// Cursor frame graph, spec.md §4.4.
//
// Each node (LatchSet.frames) carries the tail of a linked list of frames
// bound to it. Frames link back-to-front via the plain `prev` field
// (walked by position-adjustment and rebind) and forward via the atomic
// `next` field (walked by lock-free observers); the tail is always its
// own self-sentinel (next == itself).
//
// spec.md's description of bind/unbind is a fully lock-free two-phase
// CAS dance guarded only by re-checking mLastCursorFrame. Without the
// original implementation to cross-check the exact memory-ordering
// argument against, this
// module takes the pragmatic, verifiably-correct route: list *mutation*
// (bind/unbind/rebind/position-adjustment) serializes on a per-node spin
// latch reused from the latch manager (LatchSet.mSplitMu), while list
// *traversal* by observers remains lock-free over the atomic `next`
// pointers and the REBIND_FRAME marker, matching spec.md §5's "cursor
// frames... require no latch for list traversal, only for the node they
// are bound to."

// rebindFrameMarker is the REBIND_FRAME sentinel: a frame's `next`
// pointer is temporarily set to this unique value while the frame is
// mid-transition, so a concurrent observer following `next` knows to
// wait/retry rather than dereference a frame that is being relocated.
var rebindFrameMarker = &CursorFrame{}

// CursorFrame is one level of a cursor's path: the node it is bound to,
// its position within that node's search vector, its parent frame one
// level up the tree, and (leaf frames only) a not-found key left behind
// by a concurrent delete.
type CursorFrame struct {
	next atomic.Pointer[CursorFrame] // lock-free forward link; self when tail
	prev *CursorFrame                // backward link; patched under the node's list latch

	node    *LatchSet // bound node, nil when unbound
	nodePos uint32    // 1-based slot index within node's search vector

	parent *CursorFrame

	leaf        bool // only leaf frames may carry a not-found key
	notFound    bool
	notFoundKey []byte
}

// spinLimit mirrors spec.md §4.4's SPIN_LIMIT: bounded spinning on
// multi-core machines, none on a single core (where spinning can only
// starve the one other runnable goroutine that would make progress).
func spinLimit() int {
	if runtime.NumCPU() > 1 {
		return 1024
	}
	return 0
}

// bind links frame into node's frame list at the tail, recording pos as
// mNodePos.
func (f *CursorFrame) bind(node *LatchSet, pos uint32) {
	node.mSplitMu.SpinWriteLock()
	defer node.mSplitMu.SpinReleaseWrite()

	f.node = node
	f.nodePos = pos
	f.notFound = false
	f.notFoundKey = nil

	last := node.frames.Load()
	f.prev = last
	f.next.Store(f) // new tail is its own self-sentinel
	if last != nil {
		last.next.Store(f)
	}
	node.frames.Store(f)
}

// unbind removes frame from its bound node's frame list.
func (f *CursorFrame) unbind() {
	node := f.node
	if node == nil {
		return
	}
	node.mSplitMu.SpinWriteLock()
	defer node.mSplitMu.SpinReleaseWrite()
	f.unbindLocked()
}

// unbindLocked is unbind's body, callable while already holding the
// node's list latch (rebind needs this to make unbind+bind atomic).
func (f *CursorFrame) unbindLocked() {
	node := f.node
	origNext := f.next.Load()
	isTail := origNext == f
	prev := f.prev

	f.next.Store(rebindFrameMarker)

	if isTail {
		if prev == nil {
			node.frames.Store(nil)
		} else {
			prev.next.Store(prev) // prev becomes the new self-sentinel tail
			node.frames.Store(prev)
		}
	} else {
		origNext.prev = prev
		if prev != nil {
			prev.next.Store(origNext)
		}
		// if prev == nil, frame was the head with successors; there is
		// no explicit head pointer (only the tail is tracked), so
		// nothing else needs patching.
	}

	f.node = nil
	f.prev = nil
}

// rebind is a logical atomic unbind-then-bind: the frame is detached
// from its current node (if any) and re-attached to newNode at newPos
// without ever being observably fully unbound, per spec.md §4.4.
func (f *CursorFrame) rebind(newNode *LatchSet, newPos uint32) {
	if old := f.node; old != nil {
		old.mSplitMu.SpinWriteLock()
		f.unbindLocked()
		old.mSplitMu.SpinReleaseWrite()
	}
	f.bind(newNode, newPos)
}

// lockNext freezes the shape of the list at this frame by swapping in a
// caller-provided sentinel for next, returning the real value observed.
// Used by traversals that must walk past a frame without racing a
// concurrent unbind of that exact frame.
func (f *CursorFrame) lockNext(sentinel *CursorFrame) *CursorFrame {
	for {
		n := f.next.Load()
		if n == rebindFrameMarker {
			runtime.Gosched()
			continue
		}
		if f.next.CompareAndSwap(n, sentinel) {
			return n
		}
	}
}

// unlockNext restores next after a lockNext freeze.
func (f *CursorFrame) unlockNext(next *CursorFrame) {
	f.next.Store(next)
}

// acquireLatch implements spec.md §4.4's "Acquire latch via frame": read
// mNode, latch it, re-check that mNode still equals the latched node;
// if not, release and retry. This handles the race where a rebind moved
// the frame between the read and the latch acquisition.
func acquireLatchViaFrame(mgr *BufMgr, f *CursorFrame, mode BLTLockMode) *LatchSet {
	for {
		node := f.node
		if node == nil {
			return nil
		}
		mgr.LockPage(mode, node)
		if f.node == node {
			return node
		}
		mgr.UnlockPage(mode, node)
	}
}

// forEachFrame visits every frame currently bound to node, walking the
// tail-to-head `prev` chain under the node's list latch. Used by
// position adjustment and by split/merge to relocate frames.
func forEachFrame(node *LatchSet, visit func(*CursorFrame)) {
	node.mSplitMu.SpinWriteLock()
	defer node.mSplitMu.SpinReleaseWrite()
	for fr := node.frames.Load(); fr != nil; fr = fr.prev {
		visit(fr)
	}
}

// adjustFramesOnInsert implements spec.md §4.4 position adjustment for
// an insertion at the given 1-based slot: every frame at or past that
// slot moves up by one slot. (The teacher's node layout uses fixed
// 6-byte slots rather than the original's 2-byte search-vector offsets,
// so frames here track slot *index*, not byte offset; the "+2 bytes"
// rule of spec.md becomes "+1 slot".)
func adjustFramesOnInsert(node *LatchSet, slot uint32) {
	forEachFrame(node, func(fr *CursorFrame) {
		if fr.nodePos >= slot {
			fr.nodePos++
		}
	})
}

// adjustFramesOnDelete implements the deletion counterpart: frames past
// the deleted slot move down by one; a frame exactly on the deleted slot
// transitions to the not-found state, carrying a copy of the deleted key
// (only meaningful, and only permitted, for leaf frames).
func adjustFramesOnDelete(node *LatchSet, slot uint32, deletedKey []byte) {
	forEachFrame(node, func(fr *CursorFrame) {
		switch {
		case fr.nodePos > slot:
			fr.nodePos--
		case fr.nodePos == slot && fr.leaf:
			fr.notFound = true
			fr.notFoundKey = append([]byte(nil), deletedKey...)
		}
	})
}
