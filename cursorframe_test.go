package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// framesOf collects the frames currently bound to node, tail to head.
func framesOf(node *LatchSet) []*CursorFrame {
	var out []*CursorFrame
	forEachFrame(node, func(f *CursorFrame) { out = append(out, f) })
	return out
}

func TestCursorFrameBindAppendsAtTail(t *testing.T) {
	node := &LatchSet{}
	f1 := &CursorFrame{}
	f2 := &CursorFrame{}

	f1.bind(node, 3)
	f2.bind(node, 5)

	assert.Same(t, node, f1.node)
	assert.Same(t, node, f2.node)
	assert.Equal(t, uint32(3), f1.nodePos)
	assert.Equal(t, uint32(5), f2.nodePos)

	// f2 is the tail: self-sentinel.
	assert.Same(t, f2, f2.next.Load())
	assert.Same(t, f2, f1.next.Load())
	assert.Same(t, f2, node.frames.Load())

	assert.ElementsMatch(t, []*CursorFrame{f1, f2}, framesOf(node))
}

func TestCursorFrameUnbindHead(t *testing.T) {
	node := &LatchSet{}
	f1, f2, f3 := &CursorFrame{}, &CursorFrame{}, &CursorFrame{}
	f1.bind(node, 1)
	f2.bind(node, 2)
	f3.bind(node, 3)

	f1.unbind()
	assert.Nil(t, f1.node)
	assert.ElementsMatch(t, []*CursorFrame{f2, f3}, framesOf(node))
}

func TestCursorFrameUnbindTailRestoresSelfSentinel(t *testing.T) {
	node := &LatchSet{}
	f1, f2 := &CursorFrame{}, &CursorFrame{}
	f1.bind(node, 1)
	f2.bind(node, 2)

	f2.unbind()
	assert.Nil(t, f2.node)
	assert.Same(t, f1, f1.next.Load())
	assert.Same(t, f1, node.frames.Load())
}

func TestCursorFrameUnbindOnlyFrameEmptiesList(t *testing.T) {
	node := &LatchSet{}
	f := &CursorFrame{}
	f.bind(node, 1)
	f.unbind()
	assert.Nil(t, node.frames.Load())
}

func TestCursorFrameRebindMovesBetweenNodes(t *testing.T) {
	nodeA := &LatchSet{}
	nodeB := &LatchSet{}
	f := &CursorFrame{}
	f.bind(nodeA, 1)

	f.rebind(nodeB, 7)
	require.Same(t, nodeB, f.node)
	assert.Equal(t, uint32(7), f.nodePos)
	assert.Nil(t, nodeA.frames.Load())
	assert.Same(t, f, nodeB.frames.Load())
}

func TestAdjustFramesOnInsertShiftsAtOrPastSlot(t *testing.T) {
	node := &LatchSet{}
	before, at, after := &CursorFrame{}, &CursorFrame{}, &CursorFrame{}
	before.bind(node, 1)
	at.bind(node, 3)
	after.bind(node, 5)

	adjustFramesOnInsert(node, 3)

	assert.Equal(t, uint32(1), before.nodePos)
	assert.Equal(t, uint32(4), at.nodePos)
	assert.Equal(t, uint32(6), after.nodePos)
}

func TestAdjustFramesOnDeleteShiftsPastSlotAndMarksExact(t *testing.T) {
	node := &LatchSet{}
	before, at, after := &CursorFrame{leaf: true}, &CursorFrame{leaf: true}, &CursorFrame{leaf: true}
	before.bind(node, 1)
	at.bind(node, 3)
	after.bind(node, 5)

	adjustFramesOnDelete(node, 3, []byte("deleted-key"))

	assert.Equal(t, uint32(1), before.nodePos)
	assert.False(t, before.notFound)

	assert.Equal(t, uint32(3), at.nodePos)
	assert.True(t, at.notFound)
	assert.Equal(t, []byte("deleted-key"), at.notFoundKey)

	assert.Equal(t, uint32(4), after.nodePos)
	assert.False(t, after.notFound)
}

func TestAdjustFramesOnDeleteIgnoresNonLeafExactMatch(t *testing.T) {
	node := &LatchSet{}
	f := &CursorFrame{leaf: false}
	f.bind(node, 3)

	adjustFramesOnDelete(node, 3, []byte("k"))
	assert.False(t, f.notFound)
	assert.Equal(t, uint32(3), f.nodePos)
}

func TestLockNextFreezesAndRestoresShape(t *testing.T) {
	node := &LatchSet{}
	f1, f2 := &CursorFrame{}, &CursorFrame{}
	f1.bind(node, 1)
	f2.bind(node, 2)

	sentinel := &CursorFrame{}
	observed := f1.lockNext(sentinel)
	assert.Same(t, f2, observed)
	assert.Same(t, sentinel, f1.next.Load())

	f1.unlockNext(observed)
	assert.Same(t, f2, f1.next.Load())
}
