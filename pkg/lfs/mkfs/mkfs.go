// Package mkfs builds a fresh log-structured filesystem image. It is a
// thin geometry layer over lfs.Format: work out segment size and inode
// count defaults, then let the ordinary mount/allocate/sync path do the
// actual writing.
package mkfs

import (
	"github.com/spritefs/lfscore/pkg/elog"
	"github.com/spritefs/lfscore/pkg/lfs"
	"github.com/spritefs/lfscore/pkg/lfs/bufcache"
)

// Options configures a device's on-disk geometry at format time.
type Options struct {
	SegSize uint32 // blocks per segment, including the trailing SSB slot
	NInodes uint32
}

// DefaultOptions is a small-image geometry: 64-block segments, 1024
// inodes.
var DefaultOptions = Options{SegSize: 64, NInodes: 1024}

// Build formats dev and returns it already mounted, with a root
// directory in place.
func Build(log elog.View, dev bufcache.Device, cfg lfs.Config, ringDir string, opts Options) (*lfs.FS, error) {
	if opts.SegSize == 0 {
		opts.SegSize = DefaultOptions.SegSize
	}
	if opts.NInodes == 0 {
		opts.NInodes = DefaultOptions.NInodes
	}
	return lfs.Format(log, dev, cfg, ringDir, opts.SegSize, opts.NInodes)
}
