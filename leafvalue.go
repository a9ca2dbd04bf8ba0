package main

// Leaf value engine, spec.md §4.3 — the hardest part. Operates on the raw
// byte string a leaf slot stores as its value (the bytes returned by
// Page.Value / written by Page.SetValue). The teacher's slot mechanism
// caps that raw string at 255 bytes (a single length-prefix byte); this
// engine's on-entry physical footprint — value header plus, for
// fragmented values, the fragmented header/length/inline/pointer section
// — is kept within that budget by design (pointers are 6 bytes each, and
// fragEntryFits caps the encoded entry at MaxKey bytes), while the logical
// value length the header describes can run far larger via the
// fragmented pointer indirection. The header bit layout is the one
// decodeValueHeader/encodeValueHeader below implement; the spec leaves it
// only partially worked (no literal byte
// examples are given for it, unlike the varint and midKey sections).

const (
	ghostHeader = 0xFF

	shortMax  = 127
	mediumMax = 8192
	largeMax  = 1 << 20 // 1,048,576
)

// TouchValue is a marker value; callers that want to force storage
// traversal without writing bytes call (*LeafValue).Touch directly
// rather than threading a sentinel through Write.
var TouchValue = []byte{}

type valueForm int

const (
	formShort valueForm = iota
	formMedium
	formLarge
	formGhost
)

// decodeValueHeader parses the leading header bytes of a leaf value,
// returning the form, the logical length the header encodes (the
// physical length of non-fragmented content, or the physical length of
// the fragmented descriptor for fragmented content), whether the
// fragmented bit is set, and the header's own byte width.
func decodeValueHeader(v []byte) (form valueForm, length uint32, fragmented bool, headerLen int) {
	if len(v) == 0 || v[0] == ghostHeader {
		return formGhost, 0, false, 1
	}
	b0 := v[0]
	switch {
	case b0&0x80 == 0:
		return formShort, uint32(b0 & 0x7F), false, 1
	case b0&0xC0 == 0x80:
		frag := b0&0x20 != 0
		length = 1 + (uint32(b0&0x1F)<<8 | uint32(v[1]))
		return formMedium, length, frag, 2
	default:
		frag := v[1]&0x20 != 0
		// v[1]'s bit 0x20 is reserved for the fragmented flag, so the 7 data
		// bits it carries skip that position: bits 6-5 of the 7-bit group sit
		// in v[1]'s bits 7-6, the low 5 bits sit in v[1]'s bits 4-0.
		mid := uint32(v[1]>>6)<<5 | uint32(v[1]&0x1F)
		length = 1 + (uint32(b0&0x3F)<<15 | mid<<8 | uint32(v[2]))
		return formLarge, length, frag, 3
	}
}

// encodeValueHeader picks the narrowest form that can hold length and
// fragmented, per spec.md §4.2's truncate rule ("rewrite the header to
// the narrowest form whose range still covers the new length").
func encodeValueHeader(length uint32, fragmented bool) []byte {
	if !fragmented && length <= shortMax {
		return []byte{byte(length)}
	}
	if length >= 1 && length <= mediumMax {
		rel := length - 1
		b0 := 0x80 | byte((rel>>8)&0x1F)
		if fragmented {
			b0 |= 0x20
		}
		return []byte{b0, byte(rel)}
	}
	rel := length - 1
	if length == 0 {
		rel = 0
	}
	b0 := 0xC0 | byte((rel>>15)&0x3F)
	mid := byte((rel >> 8) & 0x7F)
	b1 := (mid&0x60)<<1 | (mid & 0x1F)
	if fragmented {
		b1 |= 0x20
	}
	b2 := byte(rel)
	return []byte{b0, b1, b2}
}

func encodeGhost() []byte { return []byte{ghostHeader} }

// --- fragmented body ---

const (
	fragIndirect = 0x01
	fragInline   = 0x02
	fragWidthSel = 0x0C
)

type fragHeader struct {
	indirect   bool
	hasInline  bool
	fieldWidth int // 2, 4, 6 or 8 bytes for fLen
}

var fieldWidths = [4]int{2, 4, 6, 8}

func decodeFragHeader(b byte) fragHeader {
	return fragHeader{
		indirect:   b&fragIndirect != 0,
		hasInline:  b&fragInline != 0,
		fieldWidth: fieldWidths[(b&fragWidthSel)>>2],
	}
}

func (h fragHeader) encode() byte {
	var b byte
	if h.indirect {
		b |= fragIndirect
	}
	if h.hasInline {
		b |= fragInline
	}
	for sel, w := range fieldWidths {
		if w == h.fieldWidth {
			b |= byte(sel) << 2
		}
	}
	return b
}

// widthForLength returns the narrowest fLen field width (2/4/6/8 bytes)
// that can hold length, per spec.md §8's boundary rule: 2→4 at 2^16,
// 4→6 at 2^32, 6→8 at 2^48.
func widthForLength(length uint64) int {
	switch {
	case length < 1<<16:
		return 2
	case length < 1<<32:
		return 4
	case length < 1<<48:
		return 6
	default:
		return 8
	}
}

// readFLen/writeFLen and readUid48/putUid48 below all go through page.go's
// PageBytes codec (spec.md §4.1) rather than touching binary.LittleEndian
// directly, so the fragmented value engine's on-disk widths are read and
// written through the same typed accessors the page layer itself uses.

func readFLen(v []byte, width int) uint64 {
	pb := newHeapPageBytes(v)
	switch width {
	case 2:
		return uint64(pageReadU16(pb, 0))
	case 4:
		return uint64(pageReadU32(pb, 0))
	case 6:
		return pageReadU48(pb, 0)
	default:
		return pageReadU64(pb, 0)
	}
}

func writeFLen(v []byte, width int, length uint64) {
	pb := newHeapPageBytes(v)
	switch width {
	case 2:
		pageWriteU16(pb, 0, uint16(length))
	case 4:
		pageWriteU32(pb, 0, uint32(length))
	case 6:
		pageWriteU48(pb, 0, length)
	default:
		pageWriteU64(pb, 0, length)
	}
}

func readUid48(b []byte) uint64 {
	return pageReadU48(newHeapPageBytes(b), 0)
}

func putUid48(b []byte, v uint64) {
	pageWriteU48(newHeapPageBytes(b), 0, v)
}

// fragBody is a parsed fragmented value descriptor.
type fragBody struct {
	header   fragHeader
	fLen     uint64 // logical total length of the value
	inline   []byte
	pointers []uid // direct slices, or a single root inode id when indirect
}

func parseFragBody(v []byte) fragBody {
	h := decodeFragHeader(v[0])
	off := 1
	fLen := readFLen(v[off:], h.fieldWidth)
	off += h.fieldWidth
	var inline []byte
	if h.hasInline {
		inlineLen := int(pageReadU16(newHeapPageBytes(v[off:]), 0))
		off += 2
		inline = v[off : off+inlineLen]
		off += inlineLen
	}
	rest := v[off:]
	n := len(rest) / BtId
	pointers := make([]uid, n)
	for i := 0; i < n; i++ {
		pointers[i] = uid(readUid48(rest[i*BtId:]))
	}
	return fragBody{header: h, fLen: fLen, inline: inline, pointers: pointers}
}

func (fb fragBody) encode() []byte {
	out := make([]byte, 0, 1+fb.header.fieldWidth+2+len(fb.inline)+len(fb.pointers)*BtId)
	out = append(out, fb.header.encode())
	lenBuf := make([]byte, fb.header.fieldWidth)
	writeFLen(lenBuf, fb.header.fieldWidth, fb.fLen)
	out = append(out, lenBuf...)
	if fb.header.hasInline {
		il := make([]byte, 2)
		pageWriteU16(newHeapPageBytes(il), 0, uint16(len(fb.inline)))
		out = append(out, il...)
		out = append(out, fb.inline...)
	}
	for _, p := range fb.pointers {
		var pb [BtId]byte
		putUid48(pb[:], uint64(p))
		out = append(out, pb[:]...)
	}
	return out
}

// --- fragment data page I/O ---

// fragAllocPage allocates a fresh, zero-filled page used as raw fragment
// storage (not a B-tree node: its full Data buffer is the payload).
func (tree *BLTree) fragAllocPage() (uid, BLTErr) {
	var set PageSet
	template := &Page{Data: make([]byte, tree.mgr.pageDataSize)}
	if err := tree.mgr.NewPage(&set, template, &tree.reads, &tree.writes); err != BLTErrOk {
		return 0, err
	}
	pageNo := set.latch.pageNo
	tree.mgr.UnpinLatch(set.latch)
	return pageNo, BLTErrOk
}

func (tree *BLTree) fragFreePage(id uid) BLTErr {
	latch := tree.mgr.PinLatch(id, true, &tree.reads, &tree.writes)
	if latch == nil {
		return tree.mgr.err
	}
	page := tree.mgr.MapPage(latch)
	tree.mgr.LockPage(LockWrite, latch)
	tree.mgr.LockPage(LockDelete, latch)
	tree.mgr.FreePage(&PageSet{page: page, latch: latch})
	return BLTErrOk
}

// fragReadPage copies length bytes starting at off from fragment page id
// into dst. A zero id is a sparse slice: dst is left zeroed.
func (tree *BLTree) fragReadPage(id uid, off uint32, dst []byte) BLTErr {
	if id == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return BLTErrOk
	}
	latch := tree.mgr.PinLatch(id, true, &tree.reads, &tree.writes)
	if latch == nil {
		return tree.mgr.err
	}
	page := tree.mgr.MapPage(latch)
	tree.mgr.LockPage(LockRead, latch)
	copy(dst, page.Data[off:off+uint32(len(dst))])
	tree.mgr.UnlockPage(LockRead, latch)
	tree.mgr.UnpinLatch(latch)
	return BLTErrOk
}

// fragWritePage writes src at off into fragment page id, allocating a new
// page first if id is zero (sparse), and returns the (possibly new) id.
func (tree *BLTree) fragWritePage(id uid, off uint32, src []byte) (uid, BLTErr) {
	if id == 0 {
		newID, err := tree.fragAllocPage()
		if err != BLTErrOk {
			return 0, err
		}
		id = newID
	}
	latch := tree.mgr.PinLatch(id, true, &tree.reads, &tree.writes)
	if latch == nil {
		return 0, tree.mgr.err
	}
	page := tree.mgr.MapPage(latch)
	tree.mgr.LockPage(LockWrite, latch)
	copy(page.Data[off:], src)
	latch.dirty = true
	tree.mgr.UnlockPage(LockWrite, latch)
	tree.mgr.UnpinLatch(latch)
	return id, BLTErrOk
}

// --- indirect pointer tree ---

func pointersPerPage(pageDataSize uint32) int { return int(pageDataSize) / BtId }

// indirectLevels returns how many inode levels are needed to address
// dataPages leaf data pages at ppp pointers per inode page.
func indirectLevels(dataPages int, ppp int) int {
	levels := 0
	cap := 1
	for cap < dataPages {
		cap *= ppp
		levels++
	}
	if levels == 0 {
		levels = 1
	}
	return levels
}

// indirectRead reads length bytes at logical fragment-relative offset off
// by walking the inode tree rooted at root, levels deep.
func (tree *BLTree) indirectRead(root uid, levels int, ppp int, off uint64, dst []byte) BLTErr {
	if root == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return BLTErrOk
	}
	if levels == 1 {
		idx := off / uint64(tree.mgr.pageDataSize)
		within := uint32(off % uint64(tree.mgr.pageDataSize))
		ptrs, err := tree.readInodePointers(root)
		if err != BLTErrOk {
			return err
		}
		if idx >= uint64(len(ptrs)) {
			for i := range dst {
				dst[i] = 0
			}
			return BLTErrOk
		}
		return tree.fragReadPage(ptrs[idx], within, dst)
	}
	childSpan := uint64(1)
	for i := 0; i < levels-1; i++ {
		childSpan *= uint64(ppp)
	}
	pageSpan := childSpan * uint64(tree.mgr.pageDataSize)
	idx := off / pageSpan
	within := off % pageSpan
	ptrs, err := tree.readInodePointers(root)
	if err != BLTErrOk {
		return err
	}
	if idx >= uint64(len(ptrs)) {
		for i := range dst {
			dst[i] = 0
		}
		return BLTErrOk
	}
	return tree.indirectRead(ptrs[idx], levels-1, ppp, within, dst)
}

// indirectWrite writes length bytes at logical fragment-relative offset
// off by walking (and, where sparse, allocating) the inode tree rooted
// at root, returning the (possibly newly-allocated) root id.
func (tree *BLTree) indirectWrite(root uid, levels int, ppp int, off uint64, src []byte) (uid, BLTErr) {
	var ptrs []uid
	if root != 0 {
		var err BLTErr
		ptrs, err = tree.readInodePointers(root)
		if err != BLTErrOk {
			return 0, err
		}
	} else {
		ptrs = make([]uid, ppp)
	}

	if levels == 1 {
		idx := off / uint64(tree.mgr.pageDataSize)
		within := uint32(off % uint64(tree.mgr.pageDataSize))
		for int(idx) >= len(ptrs) {
			ptrs = append(ptrs, 0)
		}
		newID, err := tree.fragWritePage(ptrs[idx], within, src)
		if err != BLTErrOk {
			return 0, err
		}
		ptrs[idx] = newID
		return tree.writeInodePointers(root, ptrs)
	}

	childSpan := uint64(1)
	for i := 0; i < levels-1; i++ {
		childSpan *= uint64(ppp)
	}
	pageSpan := childSpan * uint64(tree.mgr.pageDataSize)
	idx := off / pageSpan
	within := off % pageSpan
	for int(idx) >= len(ptrs) {
		ptrs = append(ptrs, 0)
	}
	newChild, err := tree.indirectWrite(ptrs[idx], levels-1, ppp, within, src)
	if err != BLTErrOk {
		return 0, err
	}
	ptrs[idx] = newChild
	return tree.writeInodePointers(root, ptrs)
}

// writeInodePointers serializes ptrs back to inode page id, allocating a
// fresh inode page if id is zero.
func (tree *BLTree) writeInodePointers(id uid, ptrs []uid) (uid, BLTErr) {
	buf := make([]byte, len(ptrs)*BtId)
	for i, p := range ptrs {
		putUid48(buf[i*BtId:], uint64(p))
	}
	return tree.fragWritePage(id, 0, buf)
}

func (tree *BLTree) readInodePointers(id uid) ([]uid, BLTErr) {
	latch := tree.mgr.PinLatch(id, true, &tree.reads, &tree.writes)
	if latch == nil {
		return nil, tree.mgr.err
	}
	page := tree.mgr.MapPage(latch)
	tree.mgr.LockPage(LockRead, latch)
	n := len(page.Data) / BtId
	out := make([]uid, n)
	for i := 0; i < n; i++ {
		out[i] = uid(readUid48(page.Data[i*BtId:]))
	}
	tree.mgr.UnlockPage(LockRead, latch)
	tree.mgr.UnpinLatch(latch)
	return out, BLTErrOk
}

// --- non-fragmented path ---

// nonFragLength returns the logical length of a non-fragmented value.
func nonFragLength(v []byte) uint32 {
	_, length, _, _ := decodeValueHeader(v)
	return length
}

// nonFragRead reads a range of a non-fragmented value, clamped to the
// value region, and reports the number of bytes actually copied.
func nonFragRead(v []byte, pos uint32, dst []byte) int {
	_, length, _, headerLen := decodeValueHeader(v)
	if pos >= length {
		return 0
	}
	n := len(dst)
	if uint32(n) > length-pos {
		n = int(length - pos)
	}
	copy(dst[:n], v[headerLen+int(pos):])
	return n
}

// nonFragClear zeroes a range of a non-fragmented value in place.
func nonFragClear(v []byte, pos, length uint32) {
	_, total, _, headerLen := decodeValueHeader(v)
	if pos >= total {
		return
	}
	n := length
	if pos+n > total {
		n = total - pos
	}
	region := v[headerLen+int(pos) : headerLen+int(pos)+int(n)]
	for i := range region {
		region[i] = 0
	}
}

// --- LeafValue: the entry point bound to a latched leaf slot ---

// LeafValue implements spec.md §4.3's operations against one leaf entry.
// Every operation assumes the caller already holds the leaf's write
// latch for mutations (read latch suffices for length/read/compactCheck).
// No operation releases that latch, on success or on error; releasing it
// is left to the caller.
type LeafValue struct {
	tree *BLTree
	set  *PageSet
	slot uint32

	// IndexID identifies which index this entry belongs to, stamped onto
	// every undo record pushed through pushUndo so a later rollback can
	// find its way back to the right tree without holding this LeafValue
	// open across the transaction's lifetime.
	IndexID uint64

	// Txn, when non-nil, receives undo records before destructive steps
	// in the fragmented write-extending path (spec.md §4.3's closing
	// paragraph). Left nil for read-only cursors and for call sites (like
	// the parallel separator's bulk rebuild) that have no rollback need.
	Txn *Transaction
}

// pushUndo is a no-op when the value has no attached transaction, which is
// the common case for replay workers and read-only views. The key and
// index id are stamped on here, from the still-latched page, rather than
// asked of the caller at every push site.
func (lv *LeafValue) pushUndo(rec UndoRecord) {
	if lv.Txn != nil {
		rec.Key = append([]byte(nil), lv.set.page.Key(lv.slot)...)
		rec.IndexID = lv.IndexID
		lv.Txn.PushUndo(rec)
	}
}

func (lv *LeafValue) rawValue() []byte { return *lv.set.page.Value(lv.slot) }

func (lv *LeafValue) setRawValue(raw []byte) {
	lv.set.page.SetValue(raw, lv.slot)
	lv.set.latch.dirty = true
}

// Length returns the logical length of the value (spec.md §4.3 length()).
func (lv *LeafValue) Length() (uint32, BLTErr) {
	v := lv.rawValue()
	form, length, frag, headerLen := decodeValueHeader(v)
	if form == formGhost {
		return 0, BLTErrOk
	}
	if !frag {
		return length, BLTErrOk
	}
	fb := parseFragBody(v[headerLen:])
	return uint32(fb.fLen), BLTErrOk
}

// Read implements spec.md §4.3 read(pos, buf, off, len): reads into
// buf[off:off+len] from logical position pos, returning the number of
// bytes actually read (short on a read past the end).
func (lv *LeafValue) Read(pos uint32, buf []byte, off, length int) (int, BLTErr) {
	v := lv.rawValue()
	form, valLen, frag, headerLen := decodeValueHeader(v)
	if form == formGhost {
		return -1, BLTErrOk
	}
	dst := buf[off : off+length]
	if !frag {
		return nonFragRead(v, pos, dst), BLTErrOk
	}
	fb := parseFragBody(v[headerLen:])
	return lv.fragRead(fb, pos, dst)
}

func (lv *LeafValue) fragRead(fb fragBody, pos uint32, dst []byte) (int, BLTErr) {
	if uint64(pos) >= fb.fLen {
		return 0, BLTErrOk
	}
	n := len(dst)
	if uint64(n) > fb.fLen-uint64(pos) {
		n = int(fb.fLen - uint64(pos))
	}
	read := 0
	remaining := dst[:n]
	p := uint64(pos)

	if len(fb.inline) > 0 && p < uint64(len(fb.inline)) {
		k := len(fb.inline) - int(p)
		if k > len(remaining) {
			k = len(remaining)
		}
		copy(remaining[:k], fb.inline[int(p):int(p)+k])
		remaining = remaining[k:]
		read += k
		p += uint64(k)
	}

	inlineLen := uint64(len(fb.inline))
	pageSize := uint64(lv.tree.mgr.pageDataSize)
	for len(remaining) > 0 {
		dataOff := p - inlineLen
		pageIdx := dataOff / pageSize
		within := uint32(dataOff % pageSize)
		chunk := remaining
		if uint64(len(chunk)) > pageSize-uint64(within) {
			chunk = chunk[:pageSize-uint64(within)]
		}
		var err BLTErr
		if fb.header.indirect {
			root := uid(0)
			if len(fb.pointers) > 0 {
				root = fb.pointers[0]
			}
			ppp := pointersPerPage(lv.tree.mgr.pageDataSize)
			totalDataPages := (int(fb.fLen-inlineLen) + int(pageSize) - 1) / int(pageSize)
			levels := indirectLevels(totalDataPages, ppp)
			err = lv.tree.indirectRead(root, levels, ppp, pageIdx*pageSize+uint64(within), chunk)
		} else {
			var ptr uid
			if int(pageIdx) < len(fb.pointers) {
				ptr = fb.pointers[pageIdx]
			}
			err = lv.tree.fragReadPage(ptr, within, chunk)
		}
		if err != BLTErrOk {
			return read, err
		}
		read += len(chunk)
		remaining = remaining[len(chunk):]
		p += uint64(len(chunk))
	}
	return read, BLTErrOk
}

// Clear implements spec.md §4.3 clear(pos, len): zero a range without
// changing the logical length.
func (lv *LeafValue) Clear(pos, length uint32) BLTErr {
	v := lv.rawValue()
	form, _, frag, headerLen := decodeValueHeader(v)
	if form == formGhost {
		return BLTErrOk
	}
	if !frag {
		nonFragClear(v, pos, length)
		lv.setRawValue(v)
		return BLTErrOk
	}
	fb := parseFragBody(v[headerLen:])
	zero := make([]byte, length)
	nfb, err := lv.fragWriteRegion(fb, pos, zero, true)
	if err != BLTErrOk {
		return err
	}
	lv.setRawValue(lv.encodeFragEntry(nfb))
	return BLTErrOk
}

// fragWriteRegion writes src at logical pos into a fragmented value
// already covering that range (write-within), allocating sparse slices
// that gain nonzero bytes as it goes. clearing marks a Clear() call: for
// direct pointers an all-zero chunk over a sparse slice is skipped without
// allocating a page, while an allocated page is overwritten with the
// zeros; an indirect value's chunks always go through indirectWrite.
func (lv *LeafValue) fragWriteRegion(fb fragBody, pos uint32, src []byte, clearing bool) (fragBody, BLTErr) {
	p := uint64(pos)
	remaining := src
	inlineLen := uint64(len(fb.inline))

	if p < inlineLen {
		k := int(inlineLen) - int(p)
		if k > len(remaining) {
			k = len(remaining)
		}
		copy(fb.inline[int(p):int(p)+k], remaining[:k])
		remaining = remaining[k:]
		p += uint64(k)
	}

	pageSize := uint64(lv.tree.mgr.pageDataSize)
	for len(remaining) > 0 {
		dataOff := p - inlineLen
		pageIdx := dataOff / pageSize
		within := uint32(dataOff % pageSize)
		chunk := remaining
		if uint64(len(chunk)) > pageSize-uint64(within) {
			chunk = chunk[:pageSize-uint64(within)]
		}
		allZero := clearing
		if allZero {
			for _, b := range chunk {
				if b != 0 {
					allZero = false
					break
				}
			}
		}
		if fb.header.indirect {
			// Indirect write-within: descend the inode tree rooted at
			// the single stored pointer, allocating leaf data pages for
			// sparse slices on the way (clears included, so a cleared
			// sparse slice gets a zeroed page).
			root := uid(0)
			if len(fb.pointers) > 0 {
				root = fb.pointers[0]
			}
			ppp := pointersPerPage(lv.tree.mgr.pageDataSize)
			totalDataPages := (int(fb.fLen-inlineLen) + int(pageSize) - 1) / int(pageSize)
			levels := indirectLevels(totalDataPages, ppp)
			newRoot, err := lv.tree.indirectWrite(root, levels, ppp, dataOff, chunk)
			if err != BLTErrOk {
				return fb, err
			}
			if len(fb.pointers) == 0 {
				fb.pointers = []uid{newRoot}
			} else {
				fb.pointers[0] = newRoot
			}
		} else {
			if int(pageIdx) >= len(fb.pointers) {
				return fb, BLTErrFragRange
			}
			if !allZero {
				newID, err := lv.tree.fragWritePage(fb.pointers[pageIdx], within, chunk)
				if err != BLTErrOk {
					return fb, err
				}
				fb.pointers[pageIdx] = newID
			} else if fb.pointers[pageIdx] != 0 {
				lv.tree.fragWritePage(fb.pointers[pageIdx], within, chunk)
			}
		}
		remaining = remaining[len(chunk):]
		p += uint64(len(chunk))
	}
	return fb, BLTErrOk
}

// SetLength implements spec.md §4.3 setLength(newLen): truncate or
// extend (extension behaves as writing zeros at the tail).
func (lv *LeafValue) SetLength(newLen uint32) BLTErr {
	v := lv.rawValue()
	form, curLen, frag, headerLen := decodeValueHeader(v)
	if form == formGhost {
		lv.setRawValue(encodeValueHeader(0, false))
		return lv.SetLength(newLen)
	}
	if !frag {
		if newLen <= curLen {
			if newLen < curLen {
				old := make([]byte, curLen-newLen)
				nonFragRead(v, newLen, old)
				lv.pushUndo(UndoRecord{Kind: UndoUnextend, OldLength: curLen})
				lv.pushUndo(UndoRecord{Kind: UndoUnwrite, Offset: newLen, OldBytes: old})
			}
			return lv.nonFragTruncate(v, newLen)
		}
		pad := make([]byte, newLen-curLen)
		return lv.Write(curLen, pad, 0, len(pad))
	}
	fb := parseFragBody(v[headerLen:])
	if uint64(newLen) <= fb.fLen {
		if uint64(newLen) < fb.fLen {
			old := make([]byte, fb.fLen-uint64(newLen))
			if _, err := lv.fragRead(fb, newLen, old); err != BLTErrOk {
				return err
			}
			lv.pushUndo(UndoRecord{Kind: UndoUnextend, OldLength: uint32(fb.fLen)})
			lv.pushUndo(UndoRecord{Kind: UndoUnwrite, Offset: newLen, OldBytes: old})
		}
		fb.fLen = uint64(newLen)
		lv.setRawValue(lv.encodeFragEntry(fb))
		return BLTErrOk
	}
	pad := make([]byte, uint64(newLen)-fb.fLen)
	return lv.Write(uint32(fb.fLen), pad, 0, len(pad))
}

// nonFragTruncate shrinks a non-fragmented value's header to the
// narrowest form covering newLen, shifting bytes left and crediting the
// header shrinkage to garbage (spec.md §4.3 point 2, "Truncate").
func (lv *LeafValue) nonFragTruncate(v []byte, newLen uint32) BLTErr {
	_, _, _, oldHeaderLen := decodeValueHeader(v)
	newHeader := encodeValueHeader(newLen, false)
	body := v[oldHeaderLen : oldHeaderLen+int(newLen)]
	out := append(append([]byte{}, newHeader...), body...)
	if len(out) < len(v) {
		lv.set.page.Garbage += uint32(len(v) - len(out))
	}
	lv.setRawValue(out)
	return BLTErrOk
}

// encodeFragEntry re-serializes a fragBody into an entry-sized header,
// promoting the outer value header form as needed for its new physical
// size.
func (lv *LeafValue) encodeFragEntry(fb fragBody) []byte {
	body := fb.encode()
	header := encodeValueHeader(uint32(len(body)), true)
	return append(header, body...)
}

// fitsNonFragmented reports whether a value of the given logical length
// still fits the slot's single length-prefix byte once serialized as a
// plain non-fragmented header plus content (page.go's SetValue, whose
// uint8 length prefix caps any raw slot value at MaxKey bytes).
func fitsNonFragmented(length uint32) bool {
	return len(encodeValueHeader(length, false))+int(length) <= MaxKey
}

// promoteToFragmented converts a non-fragmented value's existing content
// into the narrowest fragBody that can hold it, per spec.md §4.3's
// non-fragmented -> fragmented conversion: the content starts out inline,
// falling back to compactDirectFormat's page-pointer layout when even the
// fragmented header plus inline content would not fit the entry budget.
func (lv *LeafValue) promoteToFragmented(content []byte, length uint32) (fragBody, BLTErr) {
	fb := fragBody{header: fragHeader{fieldWidth: widthForLength(uint64(length))}, fLen: uint64(length)}
	if length > 0 {
		fb.header.hasInline = true
		fb.inline = append([]byte(nil), content...)
	}
	if lv.fragEntryFits(fb) {
		return fb, BLTErrOk
	}
	return lv.compactDirectFormat(fb)
}

// Write implements spec.md §4.3 write(pos, buf, off, len), which may
// extend the value.
func (lv *LeafValue) Write(pos uint32, buf []byte, off, length int) BLTErr {
	src := buf[off : off+length]
	v := lv.rawValue()
	form, curLen, frag, headerLen := decodeValueHeader(v)

	if form == formGhost {
		lv.setRawValue(encodeValueHeader(0, false))
		v = lv.rawValue()
		form, curLen, frag, headerLen = decodeValueHeader(v)
	}

	end := pos + uint32(len(src))

	if !frag {
		if end <= curLen {
			// full replace (pos==0, len==curLen) or write-within: both
			// are in-place copies at headerLen+pos, per spec.md §4.3
			// point 2 ("Full replace: delegate to node update" collapses
			// to the same in-place copy here since the physical footprint
			// doesn't change).
			copy(v[headerLen+int(pos):], src)
			lv.setRawValue(v)
			return BLTErrOk
		}
		// write past end / append: rebuild the value at the new length
		// (old bytes, zero gap, then src) and store it over the slot — as
		// long as the grown value
		// still fits the slot's single length-prefix byte (page.go's
		// SetValue, spec.md §4.1). Once it wouldn't, the value must
		// convert to fragmented form first (spec.md §4.3's headline
		// non-fragmented <-> fragmented conversion) before the write can
		// proceed.
		old := make([]byte, curLen)
		nonFragRead(v, 0, old)
		if fitsNonFragmented(end) {
			lv.pushUndo(UndoRecord{Kind: UndoUnextend, OldLength: curLen})
			if pos < curLen {
				oldOverlap := make([]byte, curLen-pos)
				nonFragRead(v, pos, oldOverlap)
				lv.pushUndo(UndoRecord{Kind: UndoUnwrite, Offset: pos, OldBytes: oldOverlap})
			}
			blank := make([]byte, end)
			copy(blank, old)
			full := append(encodeValueHeader(end, false), blank...)
			copy(full[len(full)-len(blank)+int(pos):], src)
			lv.setRawValue(full)
			return BLTErrOk
		}
		fb, err := lv.promoteToFragmented(old, curLen)
		if err != BLTErrOk {
			return err
		}
		return lv.fragWriteExtending(fb, pos, src)
	}

	fb := parseFragBody(v[headerLen:])
	if uint64(end) <= fb.fLen {
		nfb, err := lv.fragWriteRegion(fb, pos, src, false)
		if err != BLTErrOk {
			return err
		}
		lv.setRawValue(lv.encodeFragEntry(nfb))
		return BLTErrOk
	}
	return lv.fragWriteExtending(fb, pos, src)
}

// fragWriteExtending implements spec.md §4.3's four ordered sub-cases
// for a write that grows fLen.
func (lv *LeafValue) fragWriteExtending(fb fragBody, pos uint32, src []byte) BLTErr {
	newLen := uint64(pos) + uint64(len(src))
	oldLen := fb.fLen

	// Undo, in the order spec.md §4.3 names: unextend records the old
	// length before it grows; unwrite (standing in for unalloc on sparse
	// ranges too — rolling a sparse range back to zero bytes behaves the
	// same as restoring "no storage" for this engine's purposes) records
	// the bytes about to be overwritten in the portion of [pos, end) that
	// already existed. The newly-extended remainder needs no push: it is
	// already covered by unextend.
	lv.pushUndo(UndoRecord{Kind: UndoUnextend, OldLength: uint32(oldLen)})
	if uint64(pos) < oldLen {
		overlap := oldLen - uint64(pos)
		if overlap > uint64(len(src)) {
			overlap = uint64(len(src))
		}
		oldBytes := make([]byte, overlap)
		if _, err := lv.fragRead(fb, pos, oldBytes); err != BLTErrOk {
			return err
		}
		lv.pushUndo(UndoRecord{Kind: UndoUnwrite, Offset: pos, OldBytes: oldBytes})
	}

	// (a) length-field promotion
	if widthForLength(newLen) > fb.header.fieldWidth {
		fb.header.fieldWidth = widthForLength(newLen)
	}

	pageSize := uint64(lv.tree.mgr.pageDataSize)
	inlineLen := uint64(len(fb.inline))

	if fb.header.indirect {
		// (b) allocate additional inode levels as needed: each new level
		// is a fresh inode whose first slot holds the previous root.
		ppp := pointersPerPage(lv.tree.mgr.pageDataSize)
		pages := func(l uint64) int { return int((l - inlineLen + pageSize - 1) / pageSize) }
		for lvl := indirectLevels(pages(oldLen), ppp); lvl < indirectLevels(pages(newLen), ppp); lvl++ {
			if len(fb.pointers) == 0 || fb.pointers[0] == 0 {
				break // sparse root: indirectWrite builds the tree at full depth
			}
			root, err := lv.tree.writeInodePointers(0, []uid{fb.pointers[0]})
			if err != BLTErrOk {
				return err
			}
			fb.pointers[0] = root
		}
	} else {
		oldPages := 0
		if curLen := fb.fLen; curLen > inlineLen {
			oldPages = int((curLen - inlineLen + pageSize - 1) / pageSize)
		}
		newPages := 0
		if newLen > inlineLen {
			newPages = int((newLen - inlineLen + pageSize - 1) / pageSize)
		}
		if newPages > oldPages {
			// (c) direct-extension
			grown, err := lv.directExtend(fb, newPages-oldPages)
			if err != BLTErrOk {
				return err
			}
			fb = grown
		}
	}

	// (d) update the fragmented length field, then write as write-within.
	fb.fLen = newLen
	nfb, err := lv.fragWriteRegion(fb, pos, src, false)
	if err != BLTErrOk {
		return err
	}
	lv.setRawValue(lv.encodeFragEntry(nfb))
	return BLTErrOk
}

// directExtend implements spec.md §4.3.2: grow the direct pointer array
// by extra slots, falling back to direct-format compaction (inline-push
// or indirect conversion) when the grown entry would not fit.
func (lv *LeafValue) directExtend(fb fragBody, extra int) (fragBody, BLTErr) {
	grown := fb
	grown.pointers = append(append([]uid{}, fb.pointers...), make([]uid, extra)...)
	if lv.fragEntryFits(grown) {
		return grown, BLTErrOk
	}
	return lv.compactDirectFormat(fb)
}

// fragEntryFits reports whether fb's encoded entry (plus its outer value
// header) would still fit the physical per-entry budget.
func (lv *LeafValue) fragEntryFits(fb fragBody) bool {
	body := fb.encode()
	return len(body)+3 <= MaxKey
}

// compactDirectFormat implements spec.md §4.3.3's direct-format
// compaction: push inline content into leading fragment pages if
// present, else convert to a single-level indirect layout.
func (lv *LeafValue) compactDirectFormat(fb fragBody) (fragBody, BLTErr) {
	pageSize := uint64(lv.tree.mgr.pageDataSize)
	if fb.header.hasInline && len(fb.inline) > 0 {
		need := (uint64(len(fb.inline)) + pageSize - 1) / pageSize
		newPointers := make([]uid, need)
		remaining := fb.inline
		for i := uint64(0); i < need; i++ {
			chunk := remaining
			if uint64(len(chunk)) > pageSize {
				chunk = chunk[:pageSize]
			}
			id, err := lv.tree.fragWritePage(0, 0, chunk)
			if err != BLTErrOk {
				return fb, err
			}
			newPointers[i] = id
			remaining = remaining[len(chunk):]
		}
		fb.pointers = append(newPointers, fb.pointers...)
		fb.header.hasInline = false
		fb.inline = nil
		return fb, BLTErrOk
	}

	// convert to indirect: allocate an inode, copy existing direct
	// pointers into it, store its id as the sole root pointer.
	inodeID, err := lv.tree.fragAllocPage()
	if err != BLTErrOk {
		return fb, err
	}
	buf := make([]byte, len(fb.pointers)*BtId)
	for i, p := range fb.pointers {
		putUid48(buf[i*BtId:], uint64(p))
	}
	if _, err := lv.tree.fragWritePage(inodeID, 0, buf); err != BLTErrOk {
		return fb, err
	}
	fb.header.indirect = true
	fb.pointers = []uid{inodeID}
	return fb, BLTErrOk
}

// CompactCheck implements spec.md §4.3.3: does the byte at pos live (in
// any part) on a page above highestNodeId? For an indirect value only the
// root inode id is compared; the inode pages below it and the data page
// holding pos are not read.
func (lv *LeafValue) CompactCheck(pos uint32, highestNodeId uid) (int, BLTErr) {
	v := lv.rawValue()
	form, valLen, frag, headerLen := decodeValueHeader(v)
	if form == formGhost {
		return -1, BLTErrOk
	}
	if !frag {
		if pos >= valLen {
			return -1, BLTErrOk
		}
		return 0, BLTErrOk
	}
	fb := parseFragBody(v[headerLen:])
	if uint64(pos) >= fb.fLen {
		return -1, BLTErrOk
	}
	inlineLen := uint64(len(fb.inline))
	if uint64(pos) < inlineLen {
		return 0, BLTErrOk
	}
	pageSize := uint64(lv.tree.mgr.pageDataSize)
	idx := (uint64(pos) - inlineLen) / pageSize
	if fb.header.indirect {
		if len(fb.pointers) > 0 && fb.pointers[0] > highestNodeId {
			return 1, BLTErrOk
		}
		return 0, BLTErrOk
	}
	if int(idx) < len(fb.pointers) && fb.pointers[idx] > highestNodeId {
		return 1, BLTErrOk
	}
	return 0, BLTErrOk
}

// Touch implements spec.md §4.3 point 4: traverse storage for compaction
// without changing bytes, forcing dirty marking of underlying pages. For
// an indirect value this descends the whole inode tree, not just the
// single root pointer the entry stores, so every data page the value
// spans gets marked dirty.
func (lv *LeafValue) Touch() BLTErr {
	v := lv.rawValue()
	form, _, frag, headerLen := decodeValueHeader(v)
	if form == formGhost || !frag {
		return BLTErrOk
	}
	fb := parseFragBody(v[headerLen:])
	if !fb.header.indirect {
		for _, p := range fb.pointers {
			if p == 0 {
				continue
			}
			if err := lv.touchPage(p); err != BLTErrOk {
				return err
			}
		}
		return BLTErrOk
	}
	if len(fb.pointers) == 0 || fb.pointers[0] == 0 {
		return BLTErrOk
	}
	inlineLen := uint64(len(fb.inline))
	pageSize := uint64(lv.tree.mgr.pageDataSize)
	dataPages := 0
	if fb.fLen > inlineLen {
		dataPages = int((fb.fLen - inlineLen + pageSize - 1) / pageSize)
	}
	ppp := pointersPerPage(lv.tree.mgr.pageDataSize)
	return lv.touchIndirect(fb.pointers[0], indirectLevels(dataPages, ppp))
}

// touchPage pins, write-latches, dirties and releases a single fragment
// data or inode page.
func (lv *LeafValue) touchPage(id uid) BLTErr {
	latch := lv.tree.mgr.PinLatch(id, true, &lv.tree.reads, &lv.tree.writes)
	if latch == nil {
		return lv.tree.mgr.err
	}
	lv.tree.mgr.MapPage(latch)
	lv.tree.mgr.LockPage(LockWrite, latch)
	latch.dirty = true
	lv.tree.mgr.UnlockPage(LockWrite, latch)
	lv.tree.mgr.UnpinLatch(latch)
	return BLTErrOk
}

// touchIndirect recursively touches every inode page and, at the bottom
// level, every data page reachable from root. levels counts the inode
// levels at and below root, so a root at levels 0 is a data page.
func (lv *LeafValue) touchIndirect(root uid, levels int) BLTErr {
	if root == 0 {
		return BLTErrOk
	}
	if err := lv.touchPage(root); err != BLTErrOk {
		return err
	}
	if levels <= 0 {
		return BLTErrOk
	}
	ptrs, err := lv.tree.readInodePointers(root)
	if err != BLTErrOk {
		return err
	}
	for _, p := range ptrs {
		if p == 0 {
			continue
		}
		if err := lv.touchIndirect(p, levels-1); err != BLTErrOk {
			return err
		}
	}
	return BLTErrOk
}
