package lfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImapPacking(t *testing.T) {
	entry := encodeImap(4096, 200, 9)
	block, version, slot := decodeImap(entry)
	assert.Equal(t, uint32(4096), block)
	assert.Equal(t, uint8(200), version)
	assert.Equal(t, uint8(9), slot)
}

func TestImapSlotMasked(t *testing.T) {
	// Only the low 4 bits of slot are ever packed; a caller passing a
	// value outside 0-15 must not corrupt the adjacent version field.
	entry := encodeImap(1, 1, 0xFF)
	block, version, slot := decodeImap(entry)
	assert.Equal(t, uint32(1), block)
	assert.Equal(t, uint8(1), version)
	assert.Equal(t, uint8(0xF), slot)
}

func TestImapSentinelsDistinctFromRealEntries(t *testing.T) {
	real := encodeImap(1, 0, 0)
	assert.NotEqual(t, ImapFree, real, "block 1 slot 0 version 0 must not collide with the free sentinel")
	assert.NotEqual(t, ImapDirty, real)
}

func TestDinodeRoundTrip(t *testing.T) {
	d := Dinode{
		Type:    TypeFile,
		Nlink:   3,
		Major:   0,
		Minor:   0,
		Size:    123456,
		Version: 7,
	}
	for i := range d.Addrs {
		d.Addrs[i] = uint32(1000 + i)
	}

	raw := encodeDinode(d)
	require.Len(t, raw, dinodeEncodedSize)

	got, err := decodeDinode(raw)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestDinodeAtSlotsDoNotOverlap(t *testing.T) {
	block := make([]byte, 4*dinodeEncodedSize)
	d0 := Dinode{Type: TypeFile, Nlink: 1, Version: 1}
	d1 := Dinode{Type: TypeDir, Nlink: 2, Version: 5}

	encodeDinodeAt(block, 0, d0)
	encodeDinodeAt(block, 1, d1)

	got0, err := decodeDinodeAt(block, 0)
	require.NoError(t, err)
	got1, err := decodeDinodeAt(block, 1)
	require.NoError(t, err)

	assert.Equal(t, d0, got0)
	assert.Equal(t, d1, got1)
}

func TestDecodeDinodeAtOutOfRange(t *testing.T) {
	block := make([]byte, dinodeEncodedSize)
	_, err := decodeDinodeAt(block, 1)
	assert.Error(t, err)
}

func TestIndirectBlockRoundTrip(t *testing.T) {
	blockSize := 256
	n := indirectEntriesPerBlock(blockSize)
	entries := make([]uint32, n)
	for i := range entries {
		entries[i] = uint32(i * 7)
	}

	raw := make([]byte, blockSize)
	encodeIndirectBlock(raw, entries)

	got := decodeIndirectBlock(raw, n)
	assert.Equal(t, entries, got)
}

func TestIndirectBlockDecodeTruncatedInput(t *testing.T) {
	// Fewer bytes than n*4 must not panic - the remaining slots read
	// as zero.
	raw := make([]byte, 8)
	got := decodeIndirectBlock(raw, 4)
	assert.Len(t, got, 4)
	assert.Equal(t, uint32(0), got[2])
	assert.Equal(t, uint32(0), got[3])
}
