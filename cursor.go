package main

import "bytes"

// Tree cursor, spec.md §4.5 and §9 "Inheritance" design note.
//
// A cursor owns a stack of CursorFrames top-down (root frame at index 0,
// leaf frame at the top); the node each frame is bound to only borrows a
// lock-free head pointer into its frame list (spec.md §9's "the cursor
// owns its frame chain top-down; the node borrows a head pointer into a
// lock-free list it does not own").

// Cursor is the capability set spec.md §9 names: positioning, reading,
// writing, locking, sub-view construction. Concrete views compose a
// BLTreeCursor and narrow or transform what it exposes, rather than
// re-implementing navigation.
type Cursor interface {
	First() BLTErr
	Last() BLTErr
	Next() BLTErr
	Prev() BLTErr
	Find(key []byte) BLTErr
	Key() []byte
	Value() (*LeafValue, BLTErr)
	Close()
}

// BLTreeCursor is the tree-backed cursor: the base implementation every
// other view in §9's Inheritance note wraps.
type BLTreeCursor struct {
	tree    *BLTree
	indexID uint64
	frames  []*CursorFrame // stack, root at [0], leaf at the top
	atEnd   bool
}

func NewBLTreeCursor(tree *BLTree, indexID uint64) *BLTreeCursor {
	return &BLTreeCursor{tree: tree, indexID: indexID}
}

func (c *BLTreeCursor) topFrame() *CursorFrame {
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func (c *BLTreeCursor) popAll() {
	for _, f := range c.frames {
		f.unbind()
	}
	c.frames = nil
}

// descendTo walks from the root to the leaf holding key (or where it
// would be), latch-coupling down (acquire child before releasing parent,
// per spec.md §4.2's latching discipline) and binding one leaf CursorFrame
// at the slot found; no frames are kept for the levels above the leaf.
func (c *BLTreeCursor) descendTo(key []byte) (slot uint32, set PageSet, err BLTErr) {
	c.popAll()
	slot = c.tree.mgr.LoadPage(&set, key, 0, LockRead, &c.tree.reads, &c.tree.writes)
	if slot == 0 {
		return 0, set, c.tree.err
	}
	frame := &CursorFrame{leaf: true}
	frame.bind(set.latch, slot)
	c.frames = append(c.frames, frame)
	return slot, set, BLTErrOk
}

// Find positions the cursor at key, or at the first key greater than it
// if key is absent (spec.md §4.5 "Find descends from the root under
// shared latches, coupling down until the leaf").
func (c *BLTreeCursor) Find(key []byte) BLTErr {
	slot, set, err := c.descendTo(key)
	if err != BLTErrOk {
		return err
	}
	c.atEnd = false
	c.tree.mgr.UnlockPage(LockRead, set.latch)
	return BLTErrOk
}

func (c *BLTreeCursor) First() BLTErr { return c.Find(nil) }

func (c *BLTreeCursor) Last() BLTErr {
	// descend the rightmost path: key greater than every real key sorts
	// at the trailing stopper entry of the rightmost leaf.
	return c.Find(bytes.Repeat([]byte{0xFF}, MaxKey))
}

// Next advances to the following key, sliding across a node boundary
// when the current node is exhausted (the teacher's nextKey, rehomed
// onto the frame-graph cursor instead of the single shared scratch page
// — see DESIGN.md).
func (c *BLTreeCursor) Next() BLTErr {
	f := c.topFrame()
	if f == nil || f.node == nil {
		return BLTErrStruct
	}
	node := acquireLatchViaFrame(c.tree.mgr, f, LockRead)
	if node == nil {
		c.atEnd = true
		return BLTErrOk
	}
	page := c.tree.mgr.MapPage(node)
	slot := f.nodePos
	for {
		if slot < page.Cnt {
			slot++
			if page.Dead(slot) {
				continue
			}
			f.rebind(node, slot)
			c.tree.mgr.UnlockPage(LockRead, node)
			return BLTErrOk
		}
		right := GetID(&page.Right)
		c.tree.mgr.UnlockPage(LockRead, node)
		if right == 0 {
			c.atEnd = true
			return BLTErrOk
		}
		next := c.tree.mgr.PinLatch(right, true, &c.tree.reads, &c.tree.writes)
		if next == nil {
			return c.tree.mgr.err
		}
		c.tree.mgr.LockPage(LockRead, next)
		node = next
		page = c.tree.mgr.MapPage(node)
		slot = 0
	}
}

// Prev moves to the preceding live slot within the current node. The node
// layout only links right (no left pointer), matching the teacher's
// original one-directional chaining, so Prev does not cross into a left
// sibling: it returns BLTErrPosition when no live slot precedes the cursor
// in its node.
func (c *BLTreeCursor) Prev() BLTErr {
	f := c.topFrame()
	if f == nil || f.node == nil {
		return BLTErrStruct
	}
	node := acquireLatchViaFrame(c.tree.mgr, f, LockRead)
	if node == nil {
		return BLTErrStruct
	}
	page := c.tree.mgr.MapPage(node)
	if f.nodePos > 1 {
		slot := f.nodePos - 1
		for slot > 0 && page.Dead(slot) {
			slot--
		}
		c.tree.mgr.UnlockPage(LockRead, node)
		if slot == 0 {
			return BLTErrPosition
		}
		f.rebind(node, slot)
		return BLTErrOk
	}
	c.tree.mgr.UnlockPage(LockRead, node)
	return BLTErrPosition
}

// Key returns the complete key at the cursor's current position.
func (c *BLTreeCursor) Key() []byte {
	f := c.topFrame()
	if f == nil {
		return nil
	}
	if f.notFound {
		return f.notFoundKey
	}
	node := acquireLatchViaFrame(c.tree.mgr, f, LockRead)
	if node == nil {
		return nil
	}
	defer c.tree.mgr.UnlockPage(LockRead, node)
	page := c.tree.mgr.MapPage(node)
	return page.Key(f.nodePos)
}

// Value returns a LeafValue engine bound to the cursor's current leaf
// slot; the caller is responsible for the write latch discipline spec.md
// §4.3 requires of its own callers.
func (c *BLTreeCursor) Value() (*LeafValue, BLTErr) {
	f := c.topFrame()
	if f == nil {
		return nil, BLTErrStruct
	}
	node := acquireLatchViaFrame(c.tree.mgr, f, LockRead)
	if node == nil {
		return nil, BLTErrStruct
	}
	page := c.tree.mgr.MapPage(node)
	return &LeafValue{tree: c.tree, set: &PageSet{page: page, latch: node}, slot: f.nodePos, IndexID: c.indexID}, BLTErrOk
}

func (c *BLTreeCursor) Close() { c.popAll() }

// --- capability-tagged views, spec.md §9 "Inheritance" ---
//
// Each view composes an underlying Cursor and narrows or transforms its
// capability set via tagged dispatch rather than a class hierarchy,
// matching the design note's "Implement with tagged dispatch over a view
// trait."

// viewKind tags which capability narrowing a wrapped cursor applies.
type viewKind int

const (
	viewTrimmed viewKind = iota
	viewReversed
	viewTransformed
	viewUnmodifiable
	viewKeyOnly
)

// TransformFunc maps a stored value to the value a transformed view
// exposes. Transformed stores it on the view, but View.Value does not
// apply it: it returns the underlying cursor's LeafValue unchanged.
type TransformFunc func([]byte) []byte

// View wraps a Cursor, narrowing its capability set per kind.
type View struct {
	kind      viewKind
	under     Cursor
	prefix    []byte // viewTrimmed: keys must share this prefix
	transform TransformFunc
}

func Trimmed(under Cursor, prefix []byte) *View {
	return &View{kind: viewTrimmed, under: under, prefix: prefix}
}

func Reversed(under Cursor) *View { return &View{kind: viewReversed, under: under} }

func Transformed(under Cursor, fn TransformFunc) *View {
	return &View{kind: viewTransformed, under: under, transform: fn}
}

func Unmodifiable(under Cursor) *View { return &View{kind: viewUnmodifiable, under: under} }

func KeyOnly(under Cursor) *View { return &View{kind: viewKeyOnly, under: under} }

func (v *View) First() BLTErr {
	if v.kind == viewReversed {
		return v.under.Last()
	}
	return v.under.First()
}

func (v *View) Last() BLTErr {
	if v.kind == viewReversed {
		return v.under.First()
	}
	return v.under.Last()
}

func (v *View) Next() BLTErr {
	if v.kind == viewReversed {
		return v.under.Prev()
	}
	return v.under.Next()
}

func (v *View) Prev() BLTErr {
	if v.kind == viewReversed {
		return v.under.Next()
	}
	return v.under.Prev()
}

func (v *View) Find(key []byte) BLTErr {
	if v.kind == viewTrimmed {
		full := append(append([]byte{}, v.prefix...), key...)
		return v.under.Find(full)
	}
	return v.under.Find(key)
}

func (v *View) Key() []byte {
	k := v.under.Key()
	if v.kind == viewTrimmed && bytes.HasPrefix(k, v.prefix) {
		return k[len(v.prefix):]
	}
	return k
}

func (v *View) Value() (*LeafValue, BLTErr) {
	if v.kind == viewUnmodifiable || v.kind == viewKeyOnly {
		return nil, BLTErrValueOnKeyView
	}
	return v.under.Value()
}

func (v *View) Close() { v.under.Close() }
