package faultlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultReadOnceAfterReset(t *testing.T) {
	scratch := &MemScratch{}
	resets := 0
	before := New(scratch, func() { resets++ }, nil)

	require.NoError(t, before.Fault(KindSDKError, 0x42, 3, 117))
	assert.Equal(t, 1, resets)

	// Next boot: a fresh log over the same retained memory.
	after := New(scratch, nil, nil)
	rec, ok, err := after.Boot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindSDKError, rec.Kind)
	assert.Equal(t, uint32(0x42), rec.Code)
	assert.Equal(t, uint16(3), rec.FileID)
	assert.Equal(t, uint16(117), rec.Line)

	last, ok := after.Last()
	require.True(t, ok)
	assert.Equal(t, rec, last)

	_, ok, err = after.Boot()
	require.NoError(t, err)
	assert.False(t, ok, "second read must report no error")
}

func TestBootWithEmptySlot(t *testing.T) {
	l := New(&MemScratch{}, nil, nil)
	_, ok, err := l.Boot()
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok = l.Last()
	assert.False(t, ok)
}

func TestBootDiscardsCorruptSlot(t *testing.T) {
	scratch := &MemScratch{}
	require.NoError(t, scratch.Store([]byte{0xDE, 0xAD}))

	l := New(scratch, nil, nil)
	_, ok, err := l.Boot()
	require.NoError(t, err)
	assert.False(t, ok)

	data, _ := scratch.Load()
	assert.Empty(t, data, "corrupt slot should be cleared")
}

func TestFaultOverwritesSlot(t *testing.T) {
	scratch := &MemScratch{}
	l := New(scratch, nil, nil)
	require.NoError(t, l.Fault(KindSDAssert, 1, 1, 1))
	require.NoError(t, l.Fault(KindAppMemAccess, 2, 2, 2))

	rec, ok, err := New(scratch, nil, nil).Boot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindAppMemAccess, rec.Kind)
	assert.Equal(t, uint32(2), rec.Code)
}

func TestRecordLayout(t *testing.T) {
	rec := Record{Kind: KindSoftReset, Code: 0x01020304, FileID: 0x0A0B, Line: 0x0C0D, ID: 0xBEEF}
	data, err := rec.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, RecordSize)
	assert.Equal(t, []byte{0xDE, 0xC0, 0xE5, 0xB1}, data[:4])
	assert.Equal(t, byte(KindSoftReset), data[4])
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, data[6:10])

	var out Record
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, rec, out)
}

func TestFileScratch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retained", "fault.bin")
	s := NewFileScratch(path)

	data, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.Store([]byte{1, 2, 3}))
	data, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	require.NoError(t, s.Clear())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, s.Clear(), "clearing twice is fine")
}

func TestFaultThroughFileScratch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fault.bin")
	require.NoError(t, New(NewFileScratch(path), nil, nil).Fault(KindHardReset, 7, 9, 11))

	rec, ok, err := New(NewFileScratch(path), nil, nil).Boot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(7), rec.Code)
}
