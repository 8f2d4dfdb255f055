package lfs

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spritefs/lfscore/pkg/elog"
	"github.com/spritefs/lfscore/pkg/lfs/bufcache"
	"github.com/spritefs/lfscore/pkg/lfs/icache"
	"github.com/spritefs/lfscore/pkg/lfs/lfserr"
)

// testLog keeps test output quiet; debug lines only surface under -v
// with the flag flipped by hand.
var testLog elog.View = &elog.CLI{DisableTTY: true}

const (
	testBlockSize = 512
	testSegSize   = 8 // 7 payload blocks + 1 reserved summary slot
	testNSegs     = 6
	testNInodes   = 64
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	total := reservedBlocks + testSegSize*testNSegs
	dev := bufcache.NewMemDevice(testBlockSize, uint32(total))
	fs, err := Format(testLog, dev, DefaultConfig, t.TempDir(), testSegSize, testNInodes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

// createFile allocates an inode, stamps Nlink=1 (normally the syscall
// layer's job - tests play that role directly), links it into the root
// directory, and returns an open handle the caller must Iclose.
func createFile(t *testing.T, fs *FS, name string) (uint32, *icache.Inode) {
	t.Helper()
	ctx := context.Background()

	inum, err := fs.Ialloc(ctx, TypeFile)
	require.NoError(t, err)

	ip := fs.Iopen(inum)
	require.NoError(t, fs.SetNlink(ctx, ip, 1))

	root := fs.Iopen(RootInum)
	defer fs.Iclose(root)
	require.NoError(t, fs.Link(ctx, root, name, inum))

	return inum, ip
}

func TestCreateWriteRead(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	inum, ip := createFile(t, fs, "hello")
	defer fs.Iclose(ip)
	require.Equal(t, uint32(2), inum, "root consumes inum 1; the first file gets inum 2")

	n, err := fs.Writei(ctx, ip, []byte("HELLO"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = fs.Readi(ctx, ip, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "HELLO", string(buf))

	root := fs.Iopen(RootInum)
	defer fs.Iclose(root)
	looked, err := fs.Lookup(ctx, root, "hello")
	require.NoError(t, err)
	assert.Equal(t, inum, looked)
}

// Overwriting a logical block writes a fresh copy and retires the old
// one: the pointer moves and the old segment's live count drops.
func TestOverwriteKillsOldBlock(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	inum, ip := createFile(t, fs, "a")
	defer fs.Iclose(ip)

	data := bytes.Repeat([]byte{0xAA}, testBlockSize)
	_, err := fs.Writei(ctx, ip, data, 0)
	require.NoError(t, err)

	oldAddr, err := fs.Bmap(ctx, inum, 0)
	require.NoError(t, err)
	require.NotZero(t, oldAddr)
	oldSeg := fs.sb.SegmentOf(oldAddr)
	liveBefore, _ := fs.sutT.read(int(oldSeg))

	data2 := bytes.Repeat([]byte{0xBB}, testBlockSize)
	_, err = fs.Writei(ctx, ip, data2, 0)
	require.NoError(t, err)

	newAddr, err := fs.Bmap(ctx, inum, 0)
	require.NoError(t, err)
	assert.NotEqual(t, oldAddr, newAddr)

	liveAfter, _ := fs.sutT.read(int(oldSeg))
	if fs.sb.SegmentOf(newAddr) != oldSeg {
		assert.Less(t, liveAfter, liveBefore, "the overwritten block's segment must lose its live-byte credit")
	}

	buf := make([]byte, testBlockSize)
	_, err = fs.Readi(ctx, ip, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, data2, buf)
}

// A partial overwrite in the middle of a block must carry the untouched
// head and tail of the old content into the fresh copy.
func TestPartialWritePreservesBlockTail(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	_, ip := createFile(t, fs, "partial")
	defer fs.Iclose(ip)

	base := bytes.Repeat([]byte{0xCC}, testBlockSize)
	_, err := fs.Writei(ctx, ip, base, 0)
	require.NoError(t, err)

	_, err = fs.Writei(ctx, ip, []byte("xyz"), 100)
	require.NoError(t, err)

	got := make([]byte, testBlockSize)
	_, err = fs.Readi(ctx, ip, got, 0)
	require.NoError(t, err)

	want := append([]byte(nil), base...)
	copy(want[100:], "xyz")
	assert.Equal(t, want, got)
}

// Truncating a file bumps its version, and deleting it scrubs the imap,
// so a later allocation that recycles the inum can never surface the old
// data.
func TestFreedInumNeverLeaksOldData(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	inum, ip := createFile(t, fs, "big")
	data := bytes.Repeat([]byte{0x11}, 3*testBlockSize)
	_, err := fs.Writei(ctx, ip, data, 0)
	require.NoError(t, err)

	before, err := fs.Stat(ip)
	require.NoError(t, err)

	require.NoError(t, fs.Itrunc(ctx, ip, 0))

	after, err := fs.Stat(ip)
	require.NoError(t, err)
	assert.Greater(t, after.Version, before.Version)
	assert.Zero(t, after.Size)

	root := fs.Iopen(RootInum)
	require.NoError(t, fs.Unlink(ctx, root, "big"))
	fs.Iclose(root)

	require.NoError(t, fs.SetNlink(ctx, ip, 0))
	require.NoError(t, fs.Iclose(ip)) // last ref, Nlink==0: frees the inode

	inum2, err := fs.Ialloc(ctx, TypeFile)
	require.NoError(t, err)
	assert.Equal(t, inum, inum2, "the freed inum should be recycled")

	ip2 := fs.Iopen(inum2)
	defer fs.Iclose(ip2)
	d2, err := fs.Stat(ip2)
	require.NoError(t, err)
	assert.Zero(t, d2.Size, "a reused inum must never expose the previous tenant's data")
}

// Writing past the direct pointers forces the single-indirect block into
// use; after a cleaner pass, the data it maps must still read back
// intact.
func TestIndirectBlockSurvivesGC(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	inum, ip := createFile(t, fs, "indirect")
	defer fs.Iclose(ip)

	for blk := 0; blk < NDirect+2; blk++ {
		payload := bytes.Repeat([]byte{byte(blk + 1)}, testBlockSize)
		_, err := fs.Writei(ctx, ip, payload, int64(blk)*testBlockSize)
		require.NoError(t, err)
	}

	indirectAddr, err := fs.IndirectBlockAddr(ctx, inum)
	require.NoError(t, err)
	require.NotZero(t, indirectAddr)

	n, err := fs.runCleaner(ctx)
	require.NoError(t, err)
	t.Logf("cleaner reclaimed %d segment(s)", n)

	buf := make([]byte, testBlockSize)
	_, err = fs.Readi(ctx, ip, buf, int64(NDirect+1)*testBlockSize)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{byte(NDirect + 2)}, testBlockSize), buf)
}

// Fill every virgin segment with files, delete every other one so half
// the log is dead, then run the cleaner until the free ring holds the
// target again - with no user-visible data loss along the way.
func TestGCUnderPressureReclaimsSegments(t *testing.T) {
	// One segment is always the append target and never counts as free,
	// so with only testNSegs segments total, DefaultConfig's target (6)
	// could never be satisfied here - use one the fixture can reach.
	cfg := DefaultConfig
	cfg.GCTargetSegs = 3

	total := reservedBlocks + testSegSize*testNSegs
	dev := bufcache.NewMemDevice(testBlockSize, uint32(total))
	fs, err := Format(testLog, dev, cfg, t.TempDir(), testSegSize, testNInodes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })

	ctx := context.Background()

	const nfiles = testNSegs * 2
	keep := make(map[uint32][]byte, nfiles/2)

	for i := 0; i < nfiles; i++ {
		inum, ip := createFile(t, fs, fileName(i))
		data := bytes.Repeat([]byte{byte(i + 1)}, testBlockSize)
		_, err := fs.Writei(ctx, ip, data, 0)
		require.NoError(t, err)

		if i%2 == 0 {
			keep[inum] = data
			fs.Iclose(ip)
			continue
		}

		root := fs.Iopen(RootInum)
		require.NoError(t, fs.Unlink(ctx, root, fileName(i)))
		fs.Iclose(root)

		require.NoError(t, fs.SetNlink(ctx, ip, 0))
		require.NoError(t, fs.Iclose(ip)) // last ref, Nlink==0: truncates and frees
	}

	for i := 0; i < 3 && fs.FreeSegments() < uint64(fs.cfg.GCTargetSegs); i++ {
		_, err := fs.runCleaner(ctx)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, fs.FreeSegments(), uint64(fs.cfg.GCTargetSegs),
		"cleaner must reclaim enough segments to satisfy the target under pressure")

	for inum, want := range keep {
		ip := fs.Iopen(inum)
		buf := make([]byte, testBlockSize)
		_, err := fs.Readi(ctx, ip, buf, 0)
		require.NoError(t, err)
		assert.Equal(t, want, buf, "surviving file %d must read back unchanged after GC", inum)
		fs.Iclose(ip)
	}
}

func fileName(i int) string {
	return "f" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

// After a Sync, a fresh Mount recovers the same checkpoint state - log
// tail, imap, directory contents.
func TestCheckpointRecovery(t *testing.T) {
	total := reservedBlocks + testSegSize*testNSegs
	dev := bufcache.NewMemDevice(testBlockSize, uint32(total))

	fs, err := Format(testLog, dev, DefaultConfig, t.TempDir(), testSegSize, testNInodes)
	require.NoError(t, err)

	ctx := context.Background()
	inum, ip := createFile(t, fs, "durable")
	_, err = fs.Writei(ctx, ip, []byte("persisted"), 0)
	require.NoError(t, err)
	fs.Iclose(ip)

	require.NoError(t, fs.Sync(ctx))
	wantTail := fs.LogTail()
	require.NoError(t, fs.Close())

	fs2, err := Mount(testLog, dev, DefaultConfig, t.TempDir())
	require.NoError(t, err)
	defer fs2.Close()

	assert.Equal(t, wantTail, fs2.LogTail())

	root := fs2.Iopen(RootInum)
	defer fs2.Iclose(root)
	looked, err := fs2.Lookup(ctx, root, "durable")
	require.NoError(t, err)
	assert.Equal(t, inum, looked)

	ip2 := fs2.Iopen(looked)
	defer fs2.Iclose(ip2)
	buf := make([]byte, len("persisted"))
	_, err = fs2.Readi(ctx, ip2, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(buf))
}

// Writes after the recovered checkpoint must be invisible on the next
// mount: recovery trusts only what the checkpoint recorded.
func TestUnsyncedWritesLostOnRemount(t *testing.T) {
	total := reservedBlocks + testSegSize*testNSegs
	dev := bufcache.NewMemDevice(testBlockSize, uint32(total))

	fs, err := Format(testLog, dev, DefaultConfig, t.TempDir(), testSegSize, testNInodes)
	require.NoError(t, err)

	ctx := context.Background()
	_, ip := createFile(t, fs, "synced")
	_, err = fs.Writei(ctx, ip, []byte("kept"), 0)
	require.NoError(t, err)
	fs.Iclose(ip)
	require.NoError(t, fs.Sync(ctx))

	// Crash simulation: write another file but never sync, then mount
	// the raw device from scratch.
	_, ip2 := createFile(t, fs, "lost")
	_, err = fs.Writei(ctx, ip2, []byte("gone"), 0)
	require.NoError(t, err)
	fs.Iclose(ip2)
	require.NoError(t, fs.Close())

	fs2, err := Mount(testLog, dev, DefaultConfig, t.TempDir())
	require.NoError(t, err)
	defer fs2.Close()

	root := fs2.Iopen(RootInum)
	defer fs2.Iclose(root)
	_, err = fs2.Lookup(ctx, root, "synced")
	assert.NoError(t, err)
	_, err = fs2.Lookup(ctx, root, "lost")
	assert.Error(t, err, "an unsynced file must not survive a remount")
}

// Successive allocations consume the log tail in order; a segment
// switch starts exactly at the next segment's first block.
func TestAllocationsAppendInOrder(t *testing.T) {
	// Keep the cleaner out of the way: a mid-test cleaner run would
	// interleave its own relocation writes with the allocations whose
	// ordering is being observed.
	cfg := DefaultConfig
	cfg.GCThreshold = 100

	total := reservedBlocks + testSegSize*testNSegs
	dev := bufcache.NewMemDevice(testBlockSize, uint32(total))
	fs, err := Format(testLog, dev, cfg, t.TempDir(), testSegSize, testNInodes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	ctx := context.Background()

	prev, err := fs.AllocateInternal(ctx)
	require.NoError(t, err)
	for i := 0; i < 2*int(fs.sb.SegSize); i++ {
		block, err := fs.AllocateInternal(ctx)
		require.NoError(t, err)
		if block != prev+1 {
			seg := fs.sb.SegmentOf(block)
			assert.Equal(t, fs.sb.SegmentStart(seg), block,
				"a non-consecutive allocation must begin a fresh segment")
		}
		assert.NotEqual(t, fs.sb.SegmentSSBBlock(fs.sb.SegmentOf(block)), block,
			"the reserved summary slot must never be handed out as payload")
		prev = block
	}
}

// Every completed segment that carried payload holds at least one valid
// summary block describing it.
func TestCompletedSegmentsCarrySummaries(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	for i := 0; fs.NextVirginSeg() < 3; i++ {
		_, ip := createFile(t, fs, fileName(i))
		data := bytes.Repeat([]byte{byte(i + 1)}, testBlockSize)
		_, err := fs.Writei(ctx, ip, data, 0)
		require.NoError(t, err)
		fs.Iclose(ip)
	}

	for seg := uint32(0); seg < 2; seg++ {
		start := fs.sb.SegmentStart(seg)
		found := false
		for i := uint32(0); i < fs.sb.SegSize; i++ {
			buf, err := fs.dev.Bread(start + i)
			require.NoError(t, err)
			_, ok, err := decodeSSBBlock(buf.Data)
			fs.dev.Brelse(buf)
			require.NoError(t, err)
			if ok {
				found = true
				break
			}
		}
		assert.True(t, found, "completed segment %d should carry a summary block", seg)
	}
}

// With nothing deleted, the cleaner can reclaim at most the superseded
// copies of rewritten indirect and inode blocks: filling the disk must
// end in a clean out-of-space failure, not a panic or a corrupted log.
func TestFillDiskSurfacesOutOfSpace(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	_, ip := createFile(t, fs, "filler")
	defer fs.Iclose(ip)

	var wrote int64
	chunk := bytes.Repeat([]byte{0x5A}, testBlockSize)
	var err error
	for blk := 0; blk < testSegSize*testNSegs; blk++ {
		_, err = fs.Writei(ctx, ip, chunk, wrote)
		if err != nil {
			break
		}
		wrote += testBlockSize
	}
	require.Error(t, err, "a full disk must eventually refuse writes")
	assert.True(t, lfserr.Is(err, lfserr.ErrOutOfSpace), "got: %v", err)

	// Everything written before the failure stays readable.
	buf := make([]byte, testBlockSize)
	_, rerr := fs.Readi(ctx, ip, buf, 0)
	require.NoError(t, rerr)
	assert.Equal(t, chunk, buf)
}
