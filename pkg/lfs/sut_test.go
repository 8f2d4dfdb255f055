package lfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSuperblock() *Superblock {
	return &Superblock{
		BlockSize: 512,
		SegSize:   8,
		NSegs:     4,
		LogStart:  3,
	}
}

func TestSUTUpdateSaturatesAtZero(t *testing.T) {
	sb := testSuperblock()
	s := newSUT(int(sb.NSegs))

	s.update(sb, sb.SegmentStart(1), 512)
	live, _ := s.read(1)
	assert.Equal(t, uint32(512), live)

	s.update(sb, sb.SegmentStart(1), -2048)
	live, _ = s.read(1)
	assert.Equal(t, uint32(0), live, "live bytes never go negative")
}

func TestSUTFreeSentinelBlocksUpdates(t *testing.T) {
	sb := testSuperblock()
	s := newSUT(int(sb.NSegs))

	s.markFree(2)
	live, _ := s.read(2)
	assert.Equal(t, SUTFree, live)

	// A straggling update against a freed segment must not clear the
	// sentinel out from under the free ring.
	s.update(sb, sb.SegmentStart(2), 512)
	live, _ = s.read(2)
	assert.Equal(t, SUTFree, live)

	s.markInUse(2)
	live, _ = s.read(2)
	assert.Equal(t, uint32(0), live)
}

func TestSUTAgeTracksTick(t *testing.T) {
	sb := testSuperblock()
	s := newSUT(int(sb.NSegs))

	s.update(sb, sb.SegmentStart(0), 512)
	s.bumpTick()
	s.bumpTick()
	s.update(sb, sb.SegmentStart(1), 512)

	_, age0 := s.read(0)
	_, age1 := s.read(1)
	assert.Equal(t, uint32(0), age0)
	assert.Equal(t, uint32(2), age1)
	assert.Equal(t, uint32(2), s.clock())
}

func TestSUTPackUnpackRoundTrip(t *testing.T) {
	sb := testSuperblock()
	s := newSUT(int(sb.NSegs))
	s.update(sb, sb.SegmentStart(0), 1024)
	s.markFree(3)

	blocks := s.packBlocks(int(sb.BlockSize))
	require.Len(t, blocks, 1)

	entries := unpackSUTBlock(blocks[0], int(sb.NSegs))
	require.Len(t, entries, int(sb.NSegs))
	assert.Equal(t, uint32(1024), entries[0].LiveBytes)
	assert.Equal(t, SUTFree, entries[3].LiveBytes)

	restored := newSUTFrom(entries, int(sb.NSegs))
	live, _ := restored.read(0)
	assert.Equal(t, uint32(1024), live)
}
