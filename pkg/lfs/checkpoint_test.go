package lfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	c := &Checkpoint{
		HeaderTS:      100,
		Seq:           7,
		LogTail:       42,
		CurSeg:        3,
		NextVirginSeg: 4,
		ImapAddrs:     []uint32{10, 11, 12},
		SUTAddrs:      []uint32{20, 21},
		Valid:         true,
		FooterTS:      100,
	}

	data, err := c.Encode(256)
	require.NoError(t, err)
	assert.Len(t, data, 256)

	got, err := DecodeCheckpoint(data)
	require.NoError(t, err)
	assert.Equal(t, c.HeaderTS, got.HeaderTS)
	assert.Equal(t, c.Seq, got.Seq)
	assert.Equal(t, c.LogTail, got.LogTail)
	assert.Equal(t, c.CurSeg, got.CurSeg)
	assert.Equal(t, c.NextVirginSeg, got.NextVirginSeg)
	assert.Equal(t, c.ImapAddrs, got.ImapAddrs)
	assert.Equal(t, c.SUTAddrs, got.SUTAddrs)
	assert.Equal(t, c.Valid, got.Valid)
	assert.Equal(t, c.FooterTS, got.FooterTS)
	assert.True(t, got.IsValid())
}

func TestCheckpointTornWriteIsInvalid(t *testing.T) {
	c := &Checkpoint{HeaderTS: 5, Valid: true, FooterTS: 5}
	data, err := c.Encode(64)
	require.NoError(t, err)

	// Simulate a crash mid-write: the footer slot never got its update.
	data[63] = 0xFF

	got, err := DecodeCheckpoint(data)
	require.NoError(t, err)
	assert.False(t, got.IsValid())
}

func TestCheckpointZeroBlockIsInvalid(t *testing.T) {
	// An unwritten slot on a freshly formatted device.
	got, err := DecodeCheckpoint(make([]byte, 64))
	require.NoError(t, err)
	assert.False(t, got.IsValid())
}

func TestCheckpointEncodeTooLargeForBlock(t *testing.T) {
	c := &Checkpoint{ImapAddrs: make([]uint32, 100)}
	_, err := c.Encode(32)
	assert.Error(t, err)
}
