package main

import (
	"bytes"
	"encoding/binary"
)

// SlotType
/*
 *  In addition to the Unique keys that occupy slots there are
 *  Librarian and Duplicate key slots occupying the key slot array.
 *  The Librarian slots are dead keys that serve as filler, available
 *  to add new Unique or Dup slots that are inserted into the B-tree.
 *
 *  The Duplicate slots have had their key bytes extended by 6 bytes
 *  to contain a binary duplicate key uniqueifier.
 */
type SlotType uint8

const (
	Unique SlotType = iota
	Librarian
	Duplicate
	Delete
)

const (
	MaxKey   = 255
	KeyArray = MaxKey + 1 // 1 is key length

	PageHeaderSize = 26 // size of page header in bytes
	SlotSize       = 6  // size of slot in bytes
)

type (
	// Slot is page key slot definition
	Slot struct {
		Off  uint32   // key offset
		Typ  SlotType // type of slot
		Dead bool     // Keys are marked dead, but remain on the page until
		// cleanup is called. The fence key (highest key) for
		// a leaf page is always present, even after cleanup
	}

	BLTVal struct {
		len   uint8
		value []byte
	}

	// PageHeader is the first part of index page. It is immediately followed by the Slot array of keys
	//
	// Note: its encoded size is PageHeaderSize (26) bytes
	//
	// Field names follow the teacher's original layout; spec.md §3 names
	// the same quantities differently (searchVecStart/searchVecEnd for
	// the bounds of the sorted slot vector, leftSegTail/rightSegTail for
	// the two ends of the free region). See the SearchVecStart /
	// SearchVecEnd / LeftSegTail / RightSegTail accessors below for the
	// mapping between the two vocabularies.
	PageHeader struct {
		Cnt     uint32      // count of keys in page
		Act     uint32      // count of active keys
		Min     uint32      // next key offset
		Garbage uint32      // page garbage in bytes
		Bits    uint8       // page size in bits
		Free    bool        // page is on free chain
		Lvl     uint8       // level of page
		Kill    bool        // page is being deleted
		Right   [BtId]uint8 // page number to right
	}
	Page struct {
		PageHeader
		Data []byte // key and value slots
	}
	PageSet struct {
		page  *Page
		latch *LatchSet
	}
)

func NewPage(pageDataSize uint32) *Page {
	return &Page{
		Data: make([]byte, pageDataSize),
	}
}

// SearchVecStart is the lower bound (always slot 1, 1-indexed) of the
// sorted slot vector, per spec.md §3.
func (p *Page) SearchVecStart() uint32 { return 1 }

// SearchVecEnd is the upper bound (inclusive) of the sorted slot vector.
func (p *Page) SearchVecEnd() uint32 { return p.Cnt }

// LeftSegTail is the end of the slot array / start of the free region.
func (p *Page) LeftSegTail() uint32 { return p.Cnt * SlotSize }

// RightSegTail is the start of the value area / end of the free region.
func (p *Page) RightSegTail() uint32 { return p.Min }

func (p *Page) slotBytes(i uint32) []byte {
	off := SlotSize * (i - 1)
	return p.Data[off : off+SlotSize]
}

func (p *Page) ClearSlot(slot uint32) {
	slotBytes := p.slotBytes(slot)
	copy(slotBytes, make([]byte, SlotSize))
}

func (p *Page) SetKeyOffset(slot uint32, offset uint32) {
	if offset > 32767 {
		panic("offset is too big")
	}
	slotBytes := p.slotBytes(slot)
	binary.LittleEndian.PutUint32(slotBytes, offset)
}

func (p *Page) KeyOffset(slot uint32) uint32 {
	slotBytes := p.slotBytes(slot)
	return binary.LittleEndian.Uint32(slotBytes)
}

func (p *Page) SetTyp(slot uint32, typ SlotType) {
	slotBytes := p.slotBytes(slot)
	slotBytes[4] = byte(typ)
}
func (p *Page) Typ(slot uint32) SlotType {
	slotBytes := p.slotBytes(slot)
	return SlotType(slotBytes[4])
}

func (p *Page) SetDead(slot uint32, b bool) {
	slotBytes := p.slotBytes(slot)
	if b {
		slotBytes[5] = 1
	} else {
		slotBytes[5] = 0
	}
}

func (p *Page) Dead(slot uint32) bool {
	slotBytes := p.slotBytes(slot)
	return slotBytes[5] == 1
}

func (p *Page) SetKey(bytes []byte, slot uint32) {
	off := p.KeyOffset(slot)
	keyLen := uint8(len(bytes))
	copy(p.Data[off:], append([]byte{keyLen}, bytes...))
}

func (p *Page) Key(slot uint32) []byte {
	off := p.KeyOffset(slot)
	keyLen := uint32(p.Data[off])
	res := make([]byte, keyLen)
	copy(res, p.Data[off+1:off+1+keyLen])
	return res
}

func (p *Page) ValueOffset(slot uint32) uint32 {
	off := p.KeyOffset(slot)
	keyLen := p.Data[off]
	return off + uint32(1+keyLen)
}

func (p *Page) SetValue(bytes []byte, slot uint32) {
	if len(bytes) > MaxKey {
		panic("value is too big")
	}
	off := p.ValueOffset(slot)
	valLen := uint8(len(bytes))
	copy(p.Data[off:], append([]byte{valLen}, bytes...))
}

func (p *Page) Value(slot uint32) *[]byte {
	off := p.ValueOffset(slot)
	valLen := uint32(p.Data[off])
	res := make([]byte, valLen)
	copy(res, p.Data[off+1:off+1+valLen])
	return &res
}

// FindSlot find slot in page for given key at a given level
func (p *Page) FindSlot(key []byte) uint32 {
	higher := p.Cnt
	low := uint32(1)
	var slot uint32
	good := uint32(0)

	if GetID(&p.Right) > 0 {
		higher++
	} else {
		good++
	}

	// low is the lowest candidate. loop ends when they meet.
	// higher is already tested as >= the passed key
	diff := higher - low
	for diff > 0 {
		slot = low + diff>>1
		if KeyCmp(p.Key(slot), key) < 0 {
			low = slot + 1
		} else {
			higher = slot
			good++
		}

		diff = higher - low
	}

	if good > 0 {
		return higher
	} else {
		return 0
	}
}

func PutID(dest *[BtId]uint8, id uid) {
	for i := range dest {
		dest[BtId-i-1] = uint8(id >> (8 * i))
	}
}

func GetIDFromValue(src *[]uint8) uid {
	if len(*src) < BtId {
		return 0
	}

	var ret = [BtId]uint8((*src)[:BtId])
	return GetID(&ret)
}

func GetID(src *[BtId]uint8) uid {
	var id uid = 0
	for i := range src {
		id <<= 8
		id |= uid(src[i])
	}
	return id
}

// KeyCmp compares two byte strings as unsigned bytes, per spec.md §3's
// "Ordering is unsigned-lexicographic" — bytes.Compare already treats its
// operands as unsigned byte slices, so this is a direct wrapper, kept as a
// named function so every cross-module comparison goes through one place
// (spec.md §6 "all cross-module comparisons must agree").
func KeyCmp(a, b []byte) int {
	return bytes.Compare(a, b)
}

func MemCpyPage(dest, src *Page) {
	dest.PageHeader = src.PageHeader
	copy(dest.Data, src.Data)
}

// --- page codec: typed accessors at byte offsets (spec.md §4.1) ---
//
// PageBytes abstracts the page's backing storage so accessors don't
// assume a representation; heapPageBytes (a plain []byte) and
// mmapPageBytes (bytes borrowed from the buffer manager's memory-mapped
// region) are interchangeable back-ends, matching spec.md §4.1 "Two
// back-ends must be interchangeable: a heap-array back-end and a
// raw-pointer back-end; the caller never assumes representation."
type PageBytes interface {
	Len() int
	Byte(off uint32) byte
	SetByte(off uint32, v byte)
	Slice(off, length uint32) []byte
	Copy(dstOff uint32, src []byte)
	Clear(off, length uint32)
}

// heapPageBytes is the ordinary []byte-backed accessor.
type heapPageBytes struct{ buf []byte }

func newHeapPageBytes(buf []byte) PageBytes { return &heapPageBytes{buf: buf} }

func (h *heapPageBytes) Len() int                        { return len(h.buf) }
func (h *heapPageBytes) Byte(off uint32) byte             { return h.buf[off] }
func (h *heapPageBytes) SetByte(off uint32, v byte)       { h.buf[off] = v }
func (h *heapPageBytes) Slice(off, length uint32) []byte  { return h.buf[off : off+length] }
func (h *heapPageBytes) Copy(dstOff uint32, src []byte)   { copy(h.buf[dstOff:], src) }
func (h *heapPageBytes) Clear(off, length uint32) {
	for i := uint32(0); i < length; i++ {
		h.buf[off+i] = 0
	}
}

// mmapPageBytes wraps a slice carved out of the buffer manager's mapped
// region. Structurally identical to heapPageBytes today (the teacher maps
// pages with syscall.Mmap into ordinary Go byte slices rather than
// unsafe.Pointer arithmetic) but kept as a distinct type so call sites
// that must not assume a heap allocation (e.g. code that wants to avoid
// copying a borrowed mmap region) can be grep'd and swapped independently
// of heapPageBytes.
type mmapPageBytes struct{ heapPageBytes }

func newMmapPageBytes(buf []byte) PageBytes { return &mmapPageBytes{heapPageBytes{buf: buf}} }

// Byte/U16/U32/U48/U64 (little-endian) and U64BE (big-endian) are the
// typed accessors named in spec.md §4.1 and §6 ("All lengths and header
// fields are little-endian except where explicitly big-endian for key
// comparison compatibility").

func pageReadByte(b PageBytes, off uint32) byte { return b.Byte(off) }

func pageWriteByte(b PageBytes, off uint32, v byte) { b.SetByte(off, v) }

func pageReadU16(b PageBytes, off uint32) uint16 {
	s := b.Slice(off, 2)
	return binary.LittleEndian.Uint16(s)
}

func pageWriteU16(b PageBytes, off uint32, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.Copy(off, tmp[:])
}

func pageReadU32(b PageBytes, off uint32) uint32 {
	s := b.Slice(off, 4)
	return binary.LittleEndian.Uint32(s)
}

func pageWriteU32(b PageBytes, off uint32, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Copy(off, tmp[:])
}

// pageReadU48 / pageWriteU48 handle the 48-bit page/pointer ids used
// throughout the fragmented value format (spec.md §6).
func pageReadU48(b PageBytes, off uint32) uint64 {
	s := b.Slice(off, 6)
	var v uint64
	for i := 0; i < 6; i++ {
		v |= uint64(s[i]) << uint(8*i)
	}
	return v
}

func pageWriteU48(b PageBytes, off uint32, v uint64) {
	var tmp [6]byte
	for i := 0; i < 6; i++ {
		tmp[i] = byte(v >> uint(8*i))
	}
	b.Copy(off, tmp[:])
}

func pageReadU64(b PageBytes, off uint32) uint64 {
	s := b.Slice(off, 8)
	return binary.LittleEndian.Uint64(s)
}

func pageWriteU64(b PageBytes, off uint32, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.Copy(off, tmp[:])
}

func pageReadU64BE(b PageBytes, off uint32) uint64 {
	s := b.Slice(off, 8)
	return binary.BigEndian.Uint64(s)
}

func pageWriteU64BE(b PageBytes, off uint32, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.Copy(off, tmp[:])
}

// pageMemCpy copies length bytes from src (at srcOff) to dst (at dstOff),
// possibly across two different PageBytes (e.g. copying a fragment from
// one cached page into another). It is the in-page memcpy of spec.md
// §4.1.
func pageMemCpy(dst PageBytes, dstOff uint32, src PageBytes, srcOff, length uint32) {
	dst.Copy(dstOff, src.Slice(srcOff, length))
}

// pageClearRange zeroes length bytes starting at off, the range-clear
// primitive of spec.md §4.1.
func pageClearRange(b PageBytes, off, length uint32) {
	b.Clear(off, length)
}

// pageCompare performs the unsigned byte-string compare of spec.md §4.1.
func pageCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}
