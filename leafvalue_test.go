package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueHeaderShortFormRoundTrip(t *testing.T) {
	for _, length := range []uint32{0, 1, 64, 127} {
		h := encodeValueHeader(length, false)
		require.Len(t, h, 1)
		form, got, frag, hl := decodeValueHeader(h)
		assert.Equal(t, formShort, form)
		assert.Equal(t, length, got)
		assert.False(t, frag)
		assert.Equal(t, 1, hl)
	}
}

func TestValueHeaderMediumFormRoundTrip(t *testing.T) {
	for _, length := range []uint32{128, 200, 4096, 8192} {
		for _, frag := range []bool{false, true} {
			h := encodeValueHeader(length, frag)
			require.Len(t, h, 2)
			form, got, gotFrag, hl := decodeValueHeader(h)
			assert.Equal(t, formMedium, form)
			assert.Equal(t, length, got)
			assert.Equal(t, frag, gotFrag)
			assert.Equal(t, 2, hl)
		}
	}
}

func TestValueHeaderLargeFormRoundTrip(t *testing.T) {
	for _, length := range []uint32{8193, 100000, 1 << 20} {
		for _, frag := range []bool{false, true} {
			h := encodeValueHeader(length, frag)
			require.Len(t, h, 3)
			form, got, gotFrag, hl := decodeValueHeader(h)
			assert.Equal(t, formLarge, form)
			assert.Equal(t, length, got)
			assert.Equal(t, frag, gotFrag)
			assert.Equal(t, 3, hl)
		}
	}
}

func TestValueHeaderGhost(t *testing.T) {
	form, length, frag, hl := decodeValueHeader(encodeGhost())
	assert.Equal(t, formGhost, form)
	assert.Equal(t, uint32(0), length)
	assert.False(t, frag)
	assert.Equal(t, 1, hl)
}

func TestFragHeaderRoundTrip(t *testing.T) {
	for _, h := range []fragHeader{
		{indirect: false, hasInline: false, fieldWidth: 2},
		{indirect: true, hasInline: false, fieldWidth: 4},
		{indirect: false, hasInline: true, fieldWidth: 6},
		{indirect: true, hasInline: true, fieldWidth: 8},
	} {
		got := decodeFragHeader(h.encode())
		assert.Equal(t, h, got)
	}
}

func TestWidthForLengthBoundaries(t *testing.T) {
	assert.Equal(t, 2, widthForLength(0))
	assert.Equal(t, 2, widthForLength((1<<16)-1))
	assert.Equal(t, 4, widthForLength(1<<16))
	assert.Equal(t, 4, widthForLength((1<<32)-1))
	assert.Equal(t, 6, widthForLength(1<<32))
	assert.Equal(t, 6, widthForLength((1<<48)-1))
	assert.Equal(t, 8, widthForLength(1<<48))
}

func TestFragBodyEncodeDecodeRoundTrip(t *testing.T) {
	fb := fragBody{
		header:   fragHeader{indirect: false, hasInline: true, fieldWidth: 4},
		fLen:     12345,
		inline:   []byte("hello"),
		pointers: []uid{1, 0, 42},
	}
	encoded := fb.encode()
	got := parseFragBody(encoded)
	assert.Equal(t, fb.header, got.header)
	assert.Equal(t, fb.fLen, got.fLen)
	assert.Equal(t, fb.inline, got.inline)
	assert.Equal(t, fb.pointers, got.pointers)
}

// --- end-to-end LeafValue tests against a real leaf ---
//
// These drive Write/Read/SetLength through withLeafValue against a
// temp-file-backed BufMgr/BLTree, the same stand-up replay_test.go uses
// (newTestIndex), rather than exercising the header/frag-body codecs in
// isolation.

func TestLeafValueWriteExtendPastNonFragmentedBudgetConvertsToFragmented(t *testing.T) {
	idx := newTestIndex(t, "value-promote-write")
	tree := idx.Tree

	key := []byte("k1")
	require.Equal(t, BLTErrOk, tree.insertKey(key, 0, encodeValueHeader(0, false), true))

	content := make([]byte, 2000)
	for i := range content {
		content[i] = byte(i)
	}

	require.Equal(t, BLTErrOk, tree.withLeafValue(key, func(lv *LeafValue) BLTErr {
		return lv.Write(0, content, 0, len(content))
	}))

	ret, _, raw := tree.findKey(key, 1<<20)
	require.GreaterOrEqual(t, ret, 0)
	_, _, frag, headerLen := decodeValueHeader(raw)
	require.True(t, frag, "value should convert to fragmented form once it outgrows the non-fragmented byte budget")
	fb := parseFragBody(raw[headerLen:])
	assert.Equal(t, uint64(len(content)), fb.fLen)

	got := make([]byte, len(content))
	require.Equal(t, BLTErrOk, tree.withLeafValue(key, func(lv *LeafValue) BLTErr {
		n, err := lv.Read(0, got, 0, len(got))
		assert.Equal(t, len(content), n)
		return err
	}))
	assert.Equal(t, content, got)
}

func TestLeafValueSetLengthGrowPastBudgetConvertsToFragmented(t *testing.T) {
	idx := newTestIndex(t, "value-promote-setlength")
	tree := idx.Tree

	key := []byte("k2")
	require.Equal(t, BLTErrOk, tree.insertKey(key, 0, append(encodeValueHeader(2, false), []byte("hi")...), true))

	require.Equal(t, BLTErrOk, tree.withLeafValue(key, func(lv *LeafValue) BLTErr {
		return lv.SetLength(65000)
	}))

	ret, _, raw := tree.findKey(key, 1<<20)
	require.GreaterOrEqual(t, ret, 0)
	_, _, frag, headerLen := decodeValueHeader(raw)
	require.True(t, frag)
	fb := parseFragBody(raw[headerLen:])
	assert.Equal(t, uint64(65000), fb.fLen, "fLen should match scenario #4's 65000-byte fragmented value")

	var length uint32
	require.Equal(t, BLTErrOk, tree.withLeafValue(key, func(lv *LeafValue) BLTErr {
		var err BLTErr
		length, err = lv.Length()
		return err
	}))
	assert.Equal(t, uint32(65000), length)

	head := make([]byte, 2)
	require.Equal(t, BLTErrOk, tree.withLeafValue(key, func(lv *LeafValue) BLTErr {
		n, err := lv.Read(0, head, 0, len(head))
		assert.Equal(t, 2, n)
		return err
	}))
	assert.Equal(t, []byte("hi"), head)
}

func TestLeafValueSparseFragmentedReadReturnsZerosForUnwrittenRange(t *testing.T) {
	idx := newTestIndex(t, "value-sparse")
	tree := idx.Tree

	key := []byte("k3")
	require.Equal(t, BLTErrOk, tree.insertKey(key, 0, encodeValueHeader(0, false), true))

	// Write far past the current (empty) end in one call: the gap between
	// 0 and writeAt is never touched, so the data page backing it should
	// stay unallocated (pointer id 0) rather than be materialized.
	chunk := []byte("the-only-bytes-actually-written")
	writeAt := uint32(40000)
	require.Equal(t, BLTErrOk, tree.withLeafValue(key, func(lv *LeafValue) BLTErr {
		return lv.Write(writeAt, chunk, 0, len(chunk))
	}))

	ret, _, raw := tree.findKey(key, 1<<20)
	require.GreaterOrEqual(t, ret, 0)
	_, _, frag, headerLen := decodeValueHeader(raw)
	require.True(t, frag)
	fb := parseFragBody(raw[headerLen:])
	require.False(t, fb.header.indirect)
	assert.Equal(t, uid(0), fb.pointers[0], "the untouched leading data page must stay sparse")

	sparse := make([]byte, 128)
	for i := range sparse {
		sparse[i] = 0xAA
	}
	require.Equal(t, BLTErrOk, tree.withLeafValue(key, func(lv *LeafValue) BLTErr {
		n, err := lv.Read(1000, sparse, 0, len(sparse))
		assert.Equal(t, len(sparse), n)
		return err
	}))
	assert.Equal(t, make([]byte, 128), sparse, "an untouched slice of a sparse fragmented value must read back as zeros")

	got := make([]byte, len(chunk))
	require.Equal(t, BLTErrOk, tree.withLeafValue(key, func(lv *LeafValue) BLTErr {
		n, err := lv.Read(writeAt, got, 0, len(got))
		assert.Equal(t, len(chunk), n)
		return err
	}))
	assert.Equal(t, chunk, got)
}
