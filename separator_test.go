package main

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqCursor walks a fixed, sorted slice of keys; used to drive
// SeparatorWorker without standing up a real tree.
type seqCursor struct {
	keys []string
	pos  int
}

func (c *seqCursor) First() BLTErr { c.pos = 0; return BLTErrOk }
func (c *seqCursor) Last() BLTErr  { c.pos = len(c.keys) - 1; return BLTErrOk }
func (c *seqCursor) Next() BLTErr {
	c.pos++
	if c.pos >= len(c.keys) {
		return BLTErrOk
	}
	return BLTErrOk
}
func (c *seqCursor) Prev() BLTErr { c.pos--; return BLTErrOk }
func (c *seqCursor) Find(key []byte) BLTErr {
	c.pos = 0
	for c.pos < len(c.keys) && c.keys[c.pos] < string(key) {
		c.pos++
	}
	return BLTErrOk
}
func (c *seqCursor) Key() []byte {
	if c.pos < 0 || c.pos >= len(c.keys) {
		return nil
	}
	return []byte(c.keys[c.pos])
}
func (c *seqCursor) Value() (*LeafValue, BLTErr) { return &LeafValue{}, BLTErrOk }
func (c *seqCursor) Close()                      {}

func TestSeparatorWorkerInRangeHalfOpen(t *testing.T) {
	w := &SeparatorWorker{lowKey: []byte("b"), highKey: []byte("d")}
	assert.False(t, w.inRange([]byte("a")))
	assert.True(t, w.inRange([]byte("b")))
	assert.True(t, w.inRange([]byte("c")))
	assert.False(t, w.inRange([]byte("d")))
}

func TestSeparatorWorkerInRangeUnboundedEnds(t *testing.T) {
	w := &SeparatorWorker{}
	assert.True(t, w.inRange([]byte("anything")))
}

func TestSeparatorPrimeAndAdvanceSource(t *testing.T) {
	w := &SeparatorWorker{highKey: []byte("z")}
	src := &SeparatorSource{ID: 1, Cursor: &seqCursor{keys: []string{"a", "b", "c"}}}

	require.True(t, w.primeSource(src))
	assert.Equal(t, []byte("a"), src.key)

	require.True(t, w.advanceSource(src))
	assert.Equal(t, []byte("b"), src.key)

	require.True(t, w.advanceSource(src))
	assert.Equal(t, []byte("c"), src.key)

	assert.False(t, w.advanceSource(src))
	assert.True(t, src.done)
}

func TestSeparatorPrimeSourceOutOfRangeMarksDone(t *testing.T) {
	w := &SeparatorWorker{lowKey: []byte("m"), highKey: []byte("z")}
	src := &SeparatorSource{ID: 1, Cursor: &seqCursor{keys: []string{"a"}}}
	assert.False(t, w.primeSource(src))
	assert.True(t, src.done)
}

func TestSeparatorHeapOrdersByKeyThenHigherIDWinsTies(t *testing.T) {
	h := &separatorHeap{}
	heap.Init(h)
	low := &SeparatorSource{ID: 1, key: []byte("b")}
	tieOld := &SeparatorSource{ID: 2, key: []byte("a")}
	tieNew := &SeparatorSource{ID: 5, key: []byte("a")}

	heap.Push(h, &separatorHeapItem{src: low})
	heap.Push(h, &separatorHeapItem{src: tieOld})
	heap.Push(h, &separatorHeapItem{src: tieNew})

	first := heap.Pop(h).(*separatorHeapItem).src
	second := heap.Pop(h).(*separatorHeapItem).src
	third := heap.Pop(h).(*separatorHeapItem).src

	assert.Same(t, tieNew, first, "higher-numbered source wins the tie")
	assert.Same(t, tieOld, second)
	assert.Same(t, low, third)
}

func TestSeparatorRunWithNoEntriesReturnsImmediately(t *testing.T) {
	spawned := int32(0)
	w := &SeparatorWorker{
		highKey: []byte("z"),
		spawned: &spawned,
		sources: []*SeparatorSource{
			{ID: 1, Cursor: &seqCursor{keys: nil}},
		},
	}
	losers, err := w.Run()
	assert.Equal(t, BLTErrOk, err)
	assert.Nil(t, losers)
}

func TestSeparatorRunHonorsStopRequestBeforeEmitting(t *testing.T) {
	spawned := int32(0)
	requestStop(&spawned)
	w := &SeparatorWorker{
		highKey: []byte("z"),
		spawned: &spawned,
		sources: []*SeparatorSource{
			{ID: 1, Cursor: &seqCursor{keys: []string{"a", "b"}}},
		},
	}
	losers, err := w.Run()
	assert.Equal(t, BLTErrOk, err)
	assert.Nil(t, losers)
}

func TestRequestStopSetsSignBitOnce(t *testing.T) {
	var spawned int32 = 3
	requestStop(&spawned)
	assert.Less(t, spawned, int32(0))
	before := spawned
	requestStop(&spawned)
	assert.Equal(t, before, spawned, "requestStop is idempotent")
}

func TestSeparatorWorkerSplitNarrowsRangeAndSpawnsChild(t *testing.T) {
	spawned := int32(0)
	w := &SeparatorWorker{
		lowKey:     []byte("a"),
		highKey:    []byte("z"),
		spawned:    &spawned,
		spawnLimit: 4,
	}
	child := w.Split([]byte("m"))
	require.NotNil(t, child)
	assert.Equal(t, []byte("a"), w.lowKey)
	assert.Equal(t, []byte("m"), w.highKey)
	assert.Equal(t, []byte("m"), child.lowKey)
	assert.Equal(t, []byte("z"), child.highKey)
	assert.Equal(t, int32(1), spawned)
}

func TestSeparatorWorkerSplitRefusesPastLimit(t *testing.T) {
	spawned := int32(2)
	w := &SeparatorWorker{spawned: &spawned, spawnLimit: 2}
	assert.Nil(t, w.Split([]byte("m")))
	assert.Equal(t, int32(2), spawned)
}

func TestSeparatorHashTableRegisterAndGet(t *testing.T) {
	ht := NewSeparatorHashTable()
	spawned := int32(0)
	w := &SeparatorWorker{spawned: &spawned}
	id := ht.Register(w)
	assert.Same(t, w, ht.Get(id))
	assert.Nil(t, ht.Get(id+1))
}
