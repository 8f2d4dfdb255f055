package fsck_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spritefs/lfscore/pkg/elog"
	"github.com/spritefs/lfscore/pkg/lfs"
	"github.com/spritefs/lfscore/pkg/lfs/bufcache"
	"github.com/spritefs/lfscore/pkg/lfs/fsck"
)

var testLog elog.View = &elog.CLI{DisableTTY: true}

const (
	blockSize = 512
	segSize   = 8
	nsegs     = 6
)

func newFS(t *testing.T) *lfs.FS {
	t.Helper()
	dev := bufcache.NewMemDevice(blockSize, uint32(3+segSize*nsegs))
	fs, err := lfs.Format(testLog, dev, lfs.DefaultConfig, t.TempDir(), segSize, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

// The usage table is incremental bookkeeping; the walk is ground truth.
// After a mixed create/write/delete workload and a sync, they must
// agree on every settled segment.
func TestCheckAgreesAfterWorkload(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	root := fs.Iopen(lfs.RootInum)
	defer fs.Iclose(root)

	var victim uint32
	for i, name := range []string{"one", "two", "three"} {
		inum, err := fs.Ialloc(ctx, lfs.TypeFile)
		require.NoError(t, err)
		ip := fs.Iopen(inum)
		require.NoError(t, fs.SetNlink(ctx, ip, 1))
		require.NoError(t, fs.Link(ctx, root, name, inum))
		_, err = fs.Writei(ctx, ip, bytes.Repeat([]byte{byte(i + 1)}, 2*blockSize), 0)
		require.NoError(t, err)
		fs.Iclose(ip)
		if name == "two" {
			victim = inum
		}
	}

	require.NoError(t, fs.Unlink(ctx, root, "two"))
	dip := fs.Iopen(victim)
	require.NoError(t, fs.SetNlink(ctx, dip, 0))
	require.NoError(t, fs.Iclose(dip))

	require.NoError(t, fs.Sync(ctx))

	report, err := fsck.Check(ctx, fs)
	require.NoError(t, err)
	for _, s := range report.Segments {
		if s.Mismatch {
			t.Errorf("segment %d: recorded=%d derived=%d", s.Segment, s.Recorded, s.Derived)
		}
	}
	assert.True(t, report.Clean())
}

// A freshly formatted image has nothing but the root directory; the
// walk and the table must already agree.
func TestCheckCleanOnFreshImage(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, fs.Sync(context.Background()))

	report, err := fsck.Check(context.Background(), fs)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}
