package lfs

import (
	"context"

	"github.com/spritefs/lfscore/pkg/elog"
	"github.com/spritefs/lfscore/pkg/lfs/bufcache"
	"github.com/spritefs/lfscore/pkg/lfs/lfserr"
)

// reservedBlocks is how many blocks at the start of the device mkfs
// reserves before the log region begins: the superblock and the two
// checkpoint slots.
const reservedBlocks = 3

// Format lays down a fresh superblock over dev, leaves both checkpoint
// slots zeroed (so the first Mount treats the device as unformatted),
// then mounts it and creates the root directory - inode RootInum,
// linking "." and ".." to itself. Everything past the superblock write
// goes through the ordinary mount/allocate/sync path, so a freshly
// formatted image is indistinguishable from one the runtime produced.
func Format(log elog.View, dev bufcache.Device, cfg Config, ringDir string, segSize, ninodes uint32) (*FS, error) {
	blockSize := dev.BlockSize()
	total := dev.NumBlocks()
	if total <= reservedBlocks {
		return nil, lfserr.Corruption("mkfs: device has only %d blocks, need more than %d", total, reservedBlocks)
	}
	if segSize < 2 {
		return nil, lfserr.Corruption("mkfs: segment size %d leaves no payload blocks", segSize)
	}
	if int(segSize-1) > maxSSBEntries(blockSize) {
		return nil, lfserr.Corruption("mkfs: %d-block segments cannot be summarized in one %d-byte block", segSize, blockSize)
	}

	logStart := uint32(reservedBlocks)
	nsegs := (total - logStart) / segSize
	if nsegs == 0 {
		return nil, lfserr.Corruption("mkfs: device too small for a single %d-block segment", segSize)
	}

	sb := &Superblock{
		Magic:       Signature,
		BlockSize:   uint32(blockSize),
		Size:        total,
		NSegs:       nsegs,
		SegSize:     segSize,
		LogStart:    logStart,
		NInodes:     ninodes,
		Checkpoint0: 1,
		Checkpoint1: 2,
		UUID:        NewUUID(),
	}

	cache := bufcache.New(dev)
	sbBuf, err := cache.BreadZero(0)
	if err != nil {
		return nil, err
	}
	copy(sbBuf.Data, sb.Encode())
	if err := cache.Bwrite(sbBuf); err != nil {
		cache.Brelse(sbBuf)
		return nil, err
	}
	cache.Brelse(sbBuf)

	for _, blk := range []uint32{sb.Checkpoint0, sb.Checkpoint1} {
		b, err := cache.BreadZero(blk)
		if err != nil {
			return nil, err
		}
		if err := cache.Bwrite(b); err != nil {
			cache.Brelse(b)
			return nil, err
		}
		cache.Brelse(b)
	}

	fs, err := Mount(log, dev, cfg, ringDir)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	rootInum, err := fs.Ialloc(ctx, TypeDir)
	if err != nil {
		return nil, err
	}
	if rootInum != RootInum {
		return nil, lfserr.Corruption("mkfs: root allocated as inode %d, expected %d", rootInum, RootInum)
	}

	// Stamp the link count before taking any reference that could drop
	// to zero: a directory carries two links, its own "." and its
	// parent's entry (the root is its own parent).
	root := fs.Iopen(rootInum)
	d, err := fs.Stat(root)
	if err != nil {
		fs.Iclose(root)
		return nil, err
	}
	d.Nlink = 2
	if err := fs.Iupdate(ctx, rootInum, d); err != nil {
		fs.Iclose(root)
		return nil, err
	}
	root.SetState(inodeState{Inum: rootInum, Dinode: d})

	if err := fs.Link(ctx, root, ".", rootInum); err != nil {
		fs.Iclose(root)
		return nil, err
	}
	if err := fs.Link(ctx, root, "..", rootInum); err != nil {
		fs.Iclose(root)
		return nil, err
	}
	fs.Iclose(root)

	if err := fs.Sync(ctx); err != nil {
		return nil, err
	}
	return fs, nil
}
