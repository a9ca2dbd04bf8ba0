package main

import (
	"container/heap"
	"sync"
	"sync/atomic"
)

// Parallel separator, spec.md §4.5: bulk compaction / key-range
// splitting. A fixed-size hashtable of workers, each owning a disjoint
// key range, merges entries from multiple source trees into new target
// trees via a min-heap over per-source cursors.

// SeparatorSource is one input tree's cursor, positioned at its next
// unmerged entry.
type SeparatorSource struct {
	ID     int // source ordinal; on duplicate keys the later-numbered wins
	Cursor Cursor
	key    []byte
	done   bool
}

// separatorHeapItem is one live source tracked by the merge heap.
type separatorHeapItem struct {
	src *SeparatorSource
}

type separatorHeap []*separatorHeapItem

func (h separatorHeap) Len() int { return len(h) }
func (h separatorHeap) Less(i, j int) bool {
	c := KeyCmp(h[i].src.key, h[j].src.key)
	if c != 0 {
		return c < 0
	}
	// duplicate keys: the later-numbered source sorts first so it is
	// popped (and kept) before the earlier one, which is then marked
	// for deletion by the caller (spec.md §4.5 "the later-numbered
	// source wins, and the loser is marked for deletion").
	return h[i].src.ID > h[j].src.ID
}
func (h separatorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *separatorHeap) Push(x any)        { *h = append(*h, x.(*separatorHeapItem)) }
func (h *separatorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// SeparatorWorker merges its assigned sources' entries, within its key
// range, into target, splitting its range to spawn a child worker when
// asked and the spawn budget allows.
type SeparatorWorker struct {
	lowKey, highKey []byte // half-open range [lowKey, highKey)
	sources         []*SeparatorSource
	target          *BLTree
	spawned         *int32 // shared spawn counter; sign bit is the stop flag
	spawnLimit      int32
}

// stopRequested reports whether the shared spawn counter's sign bit has
// been set, the cooperative-cancellation signal spec.md §4.5 and §5
// describe ("a shared stop bit (the sign bit of a spawn counter)
// propagates cancellation").
func (w *SeparatorWorker) stopRequested() bool {
	return atomic.LoadInt32(w.spawned) < 0
}

func requestStop(spawned *int32) {
	for {
		v := atomic.LoadInt32(spawned)
		if v < 0 {
			return
		}
		if atomic.CompareAndSwapInt32(spawned, v, -v-1) {
			return
		}
	}
}

// inRange reports whether key falls within the worker's half-open range.
func (w *SeparatorWorker) inRange(key []byte) bool {
	if w.lowKey != nil && KeyCmp(key, w.lowKey) < 0 {
		return false
	}
	if w.highKey != nil && KeyCmp(key, w.highKey) >= 0 {
		return false
	}
	return true
}

// Run drives the min-heap merge: pull the smallest key among all live
// sources, write it (or skip it, if superseded by a later-numbered
// source at the same key) to target, and advance. Returns the set of
// source keys that lost a duplicate race, for the caller to mark
// deleted in their origin tree.
func (w *SeparatorWorker) Run() (losers [][]byte, err BLTErr) {
	h := &separatorHeap{}
	heap.Init(h)
	for _, src := range w.sources {
		if w.primeSource(src) {
			heap.Push(h, &separatorHeapItem{src: src})
		}
	}

	var lastKey []byte
	for h.Len() > 0 {
		if w.stopRequested() {
			return losers, BLTErrOk
		}
		item := heap.Pop(h).(*separatorHeapItem)
		src := item.src

		if lastKey != nil && KeyCmp(src.key, lastKey) == 0 {
			// a higher-numbered source already won this key in a prior
			// iteration; this one loses.
			losers = append(losers, append([]byte{}, src.key...))
		} else {
			if err := w.emit(src); err != BLTErrOk {
				return losers, err
			}
			lastKey = append([]byte{}, src.key...)
		}

		if w.advanceSource(src) {
			heap.Push(h, item)
		}
	}
	return losers, BLTErrOk
}

func (w *SeparatorWorker) primeSource(src *SeparatorSource) bool {
	if err := src.Cursor.Find(w.lowKey); err != BLTErrOk {
		src.done = true
		return false
	}
	src.key = src.Cursor.Key()
	if src.key == nil || !w.inRange(src.key) {
		src.done = true
		return false
	}
	return true
}

func (w *SeparatorWorker) advanceSource(src *SeparatorSource) bool {
	if err := src.Cursor.Next(); err != BLTErrOk {
		src.done = true
		return false
	}
	src.key = src.Cursor.Key()
	if src.key == nil || !w.inRange(src.key) {
		src.done = true
		return false
	}
	return true
}

func (w *SeparatorWorker) emit(src *SeparatorSource) BLTErr {
	lv, err := src.Cursor.Value()
	if err != BLTErrOk {
		return err
	}
	length, err := lv.Length()
	if err != BLTErrOk {
		return err
	}
	buf := make([]byte, length)
	if _, err := lv.Read(0, buf, 0, int(length)); err != BLTErrOk {
		return err
	}
	// Re-encode with a fresh non-fragmented header sized to the current
	// logical content: a merge naturally compacts whatever fragmented or
	// stale-width form the source held, matching leafvalue.go's own
	// "rewrite to the narrowest form" rule.
	value := append(encodeValueHeader(length, false), buf...)
	return w.target.insertKey(src.key, 0, value, true)
}

// Split divides the worker's range at pivot into two workers (this one
// narrowed to [lowKey, pivot), a new one for [pivot, highKey)),
// incrementing the shared spawn counter if the configured limit allows;
// returns nil if the limit was reached or a stop was requested.
func (w *SeparatorWorker) Split(pivot []byte) *SeparatorWorker {
	for {
		if w.stopRequested() {
			return nil
		}
		cur := atomic.LoadInt32(w.spawned)
		if cur >= w.spawnLimit {
			return nil
		}
		if atomic.CompareAndSwapInt32(w.spawned, cur, cur+1) {
			break
		}
	}
	child := &SeparatorWorker{
		lowKey:     pivot,
		highKey:    w.highKey,
		target:     w.target,
		spawned:    w.spawned,
		spawnLimit: w.spawnLimit,
	}
	w.highKey = pivot
	return child
}

// SeparatorHashTable maps worker id to worker, the "fixed-size hashtable
// of workers, each with a disjoint key range" of spec.md §4.5.
type SeparatorHashTable struct {
	mu      sync.Mutex
	workers map[int]*SeparatorWorker
	nextID  int
}

func NewSeparatorHashTable() *SeparatorHashTable {
	return &SeparatorHashTable{workers: make(map[int]*SeparatorWorker)}
}

func (t *SeparatorHashTable) Register(w *SeparatorWorker) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.workers[id] = w
	return id
}

func (t *SeparatorHashTable) Get(id int) *SeparatorWorker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.workers[id]
}
