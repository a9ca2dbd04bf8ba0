package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCursor is a bare-bones Cursor double used to exercise View's capability
// narrowing without standing up a full tree/buffer-pool stack.
type fakeCursor struct {
	calls []string
	key   []byte
	value *LeafValue
	err   BLTErr
}

func (f *fakeCursor) First() BLTErr        { f.calls = append(f.calls, "First"); return f.err }
func (f *fakeCursor) Last() BLTErr         { f.calls = append(f.calls, "Last"); return f.err }
func (f *fakeCursor) Next() BLTErr         { f.calls = append(f.calls, "Next"); return f.err }
func (f *fakeCursor) Prev() BLTErr         { f.calls = append(f.calls, "Prev"); return f.err }
func (f *fakeCursor) Find(k []byte) BLTErr { f.calls = append(f.calls, "Find:"+string(k)); return f.err }
func (f *fakeCursor) Key() []byte          { return f.key }
func (f *fakeCursor) Value() (*LeafValue, BLTErr) { return f.value, f.err }
func (f *fakeCursor) Close()               { f.calls = append(f.calls, "Close") }

func TestViewReversedSwapsDirections(t *testing.T) {
	under := &fakeCursor{}
	v := Reversed(under)

	require.Equal(t, BLTErrOk, v.First())
	require.Equal(t, BLTErrOk, v.Last())
	require.Equal(t, BLTErrOk, v.Next())
	require.Equal(t, BLTErrOk, v.Prev())

	assert.Equal(t, []string{"Last", "First", "Prev", "Next"}, under.calls)
}

func TestViewTrimmedPrependsPrefixOnFindAndStripsOnKey(t *testing.T) {
	under := &fakeCursor{key: []byte("usersalice")}
	v := Trimmed(under, []byte("users"))

	require.Equal(t, BLTErrOk, v.Find([]byte("alice")))
	assert.Equal(t, []string{"Find:usersalice"}, under.calls)
	assert.Equal(t, []byte("alice"), v.Key())
}

func TestViewTrimmedKeyWithoutPrefixPassesThrough(t *testing.T) {
	under := &fakeCursor{key: []byte("other")}
	v := Trimmed(under, []byte("users"))
	assert.Equal(t, []byte("other"), v.Key())
}

func TestViewUnmodifiableAndKeyOnlyRejectValue(t *testing.T) {
	lv := &LeafValue{}
	for _, v := range []*View{
		Unmodifiable(&fakeCursor{value: lv}),
		KeyOnly(&fakeCursor{value: lv}),
	} {
		got, err := v.Value()
		assert.Nil(t, got)
		assert.Equal(t, BLTErrValueOnKeyView, err)
	}
}

func TestViewTransformedDelegatesValue(t *testing.T) {
	lv := &LeafValue{}
	under := &fakeCursor{value: lv}
	v := Transformed(under, func(b []byte) []byte { return b })
	got, err := v.Value()
	assert.Same(t, lv, got)
	assert.Equal(t, BLTErrOk, err)
}

func TestViewCloseDelegates(t *testing.T) {
	under := &fakeCursor{}
	v := Unmodifiable(under)
	v.Close()
	assert.Equal(t, []string{"Close"}, under.calls)
}
