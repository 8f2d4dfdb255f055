package lfs

import (
	"context"

	"github.com/spritefs/lfscore/pkg/lfs/icache"
	"github.com/spritefs/lfscore/pkg/lfs/lfserr"
)

// Iopen returns the cached handle for inum, bumping its reference
// count. Callers must eventually pass it to Iclose.
func (fs *FS) Iopen(inum uint32) *icache.Inode {
	return fs.icache.Iget(inum)
}

// Iclose drops a reference, freeing the inode if it was the last link
// and the last reference.
func (fs *FS) Iclose(ip *icache.Inode) error {
	return fs.icache.Iput(ip)
}

// Stat returns ip's current on-disk image, loading it if this is the
// first lock since it entered the cache.
func (fs *FS) Stat(ip *icache.Inode) (Dinode, error) {
	st, err := fs.icache.IlockLoad(ip)
	if err != nil {
		return Dinode{}, err
	}
	defer ip.Iunlock()
	return st.(inodeState).Dinode, nil
}

// SetNlink stamps ip's link count, staging the change and keeping the
// cached image coherent. Link-count bookkeeping otherwise belongs to the
// path-resolution layer above this package; this is the hook it uses.
func (fs *FS) SetNlink(ctx context.Context, ip *icache.Inode, nlink uint16) error {
	st, err := fs.icache.IlockLoad(ip)
	if err != nil {
		return err
	}
	d := st.(inodeState).Dinode
	d.Nlink = nlink
	inum := st.(inodeState).Inum
	ip.SetState(inodeState{Inum: inum, Dinode: d})
	ip.Iunlock()
	return fs.Iupdate(ctx, inum, d)
}

// Readi copies up to len(dst) bytes starting at offset into dst,
// zero-filling any hole left by a prior sparse write. It returns the
// number of bytes actually read, capped at the inode's current size.
func (fs *FS) Readi(ctx context.Context, ip *icache.Inode, dst []byte, offset int64) (int, error) {
	st, err := fs.icache.IlockLoad(ip)
	if err != nil {
		return 0, err
	}
	defer ip.Iunlock()
	d := st.(inodeState).Dinode

	if offset < 0 || offset >= int64(d.Size) {
		return 0, nil
	}
	want := len(dst)
	if offset+int64(want) > int64(d.Size) {
		want = int(int64(d.Size) - offset)
	}

	read := 0
	blockSize := int64(fs.sb.BlockSize)
	for read < want {
		blk := uint32((offset + int64(read)) / blockSize)
		off := (offset + int64(read)) % blockSize

		addr, err := fs.bmapRead(&d, blk)
		if err != nil {
			return read, err
		}

		n := want - read
		if int64(off)+int64(n) > blockSize {
			n = int(blockSize - off)
		}

		if addr == 0 {
			for i := 0; i < n; i++ {
				dst[read+i] = 0
			}
			read += n
			continue
		}

		buf, err := fs.dev.Bread(addr)
		if err != nil {
			return read, err
		}
		copy(dst[read:read+n], buf.Data[off:int(off)+n])
		fs.dev.Brelse(buf)
		read += n
	}
	return read, nil
}

// Writei writes src at offset, allocating fresh blocks for every touched
// position (the log never overwrites in place) and extending the inode's
// size if the write reaches past it. The updated inode is staged through
// Iupdate before this returns.
func (fs *FS) Writei(ctx context.Context, ip *icache.Inode, src []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, lfserr.Corruption("writei: negative offset")
	}

	st, err := fs.icache.IlockLoad(ip)
	if err != nil {
		return 0, err
	}
	d := st.(inodeState).Dinode

	written := 0
	blockSize := int64(fs.sb.BlockSize)
	for written < len(src) {
		blk := uint32((offset + int64(written)) / blockSize)
		off := (offset + int64(written)) % blockSize

		n := len(src) - written
		if int64(off)+int64(n) > blockSize {
			n = int(blockSize - off)
		}

		// A partial-block write must preserve the untouched bytes of
		// whatever block previously held this offset - the new block is
		// a fresh copy, not an in-place patch, so a short write doesn't
		// leave the unmodified tail zeroed.
		var buf []byte
		if n < int(blockSize) {
			old, err := fs.readBlockForCOW(&d, blk)
			if err != nil {
				ip.Iunlock()
				return written, err
			}
			buf = old
		} else {
			buf = make([]byte, blockSize)
		}
		copy(buf[off:int(off)+n], src[written:written+n])

		addr, err := fs.bmapAlloc(ctx, &d, blk, st.(inodeState).Inum)
		if err != nil {
			ip.Iunlock()
			return written, err
		}

		devBuf, err := fs.dev.BreadZero(addr)
		if err != nil {
			ip.Iunlock()
			return written, err
		}
		copy(devBuf.Data, buf)
		if err := fs.dev.Bwrite(devBuf); err != nil {
			fs.dev.Brelse(devBuf)
			ip.Iunlock()
			return written, err
		}
		fs.dev.Brelse(devBuf)

		written += n
	}

	if offset+int64(written) > int64(d.Size) {
		d.Size = uint64(offset + int64(written))
	}

	inum := st.(inodeState).Inum
	ip.SetState(inodeState{Inum: inum, Dinode: d})
	ip.Iunlock()

	return written, fs.Iupdate(ctx, inum, d)
}

// readBlockForCOW returns the current content addressed by (d, blk), or
// a zeroed block for a hole, as the base image a partial Writei merges
// its change into before writing a fresh copy.
func (fs *FS) readBlockForCOW(d *Dinode, blk uint32) ([]byte, error) {
	addr, err := fs.bmapRead(d, blk)
	if err != nil {
		return nil, err
	}
	out := make([]byte, fs.sb.BlockSize)
	if addr == 0 {
		return out, nil
	}
	buf, err := fs.dev.Bread(addr)
	if err != nil {
		return nil, err
	}
	copy(out, buf.Data)
	fs.dev.Brelse(buf)
	return out, nil
}

// bmapRead resolves blk to its current block address without allocating,
// returning 0 for an unwritten hole.
func (fs *FS) bmapRead(d *Dinode, blk uint32) (uint32, error) {
	if blk < NDirect {
		return d.Addrs[blk], nil
	}
	idx := blk - NDirect
	perBlock := uint32(indirectEntriesPerBlock(int(fs.sb.BlockSize)))
	if idx >= perBlock {
		return 0, lfserr.Corruption("bmap: offset block %d exceeds single-indirect capacity", blk)
	}
	if d.Addrs[NDirect] == 0 {
		return 0, nil
	}
	buf, err := fs.dev.Bread(d.Addrs[NDirect])
	if err != nil {
		return 0, err
	}
	defer fs.dev.Brelse(buf)
	entries := decodeIndirectBlock(buf.Data, int(perBlock))
	return entries[idx], nil
}

// bmapAlloc resolves blk to a freshly allocated block address, rewriting
// the single-indirect block itself when blk falls outside the direct
// pointers: the old indirect block's contents are read, the one changed
// entry is applied to an in-memory copy, and that copy is written to a
// brand new indirect block, since the log never updates either a data
// block or an indirect block in place. Any address this replaces is
// reported to the usage table as no longer live.
func (fs *FS) bmapAlloc(ctx context.Context, d *Dinode, blk uint32, inum uint32) (uint32, error) {
	if blk < NDirect {
		dataAddr, err := fs.Allocate(ctx, KindData, inum, blk, d.Version)
		if err != nil {
			return 0, err
		}
		if d.Addrs[blk] != 0 {
			fs.sutT.update(fs.sb, d.Addrs[blk], -int64(fs.sb.BlockSize))
		}
		d.Addrs[blk] = dataAddr
		return dataAddr, nil
	}

	idx := blk - NDirect
	perBlock := uint32(indirectEntriesPerBlock(int(fs.sb.BlockSize)))
	if idx >= perBlock {
		return 0, lfserr.Corruption("bmap: offset block %d exceeds single-indirect capacity", blk)
	}

	var entries []uint32
	if d.Addrs[NDirect] != 0 {
		buf, err := fs.dev.Bread(d.Addrs[NDirect])
		if err != nil {
			return 0, err
		}
		entries = decodeIndirectBlock(buf.Data, int(perBlock))
		fs.dev.Brelse(buf)
	} else {
		entries = make([]uint32, perBlock)
	}

	dataAddr, err := fs.Allocate(ctx, KindData, inum, blk, d.Version)
	if err != nil {
		return 0, err
	}
	if entries[idx] != 0 {
		fs.sutT.update(fs.sb, entries[idx], -int64(fs.sb.BlockSize))
	}
	entries[idx] = dataAddr

	newIndirectAddr, err := fs.Allocate(ctx, KindIndirect, inum, 0, d.Version)
	if err != nil {
		return 0, err
	}
	ibuf, err := fs.dev.BreadZero(newIndirectAddr)
	if err != nil {
		return 0, err
	}
	encodeIndirectBlock(ibuf.Data, entries)
	if err := fs.dev.Bwrite(ibuf); err != nil {
		fs.dev.Brelse(ibuf)
		return 0, err
	}
	fs.dev.Brelse(ibuf)

	if d.Addrs[NDirect] != 0 {
		fs.sutT.update(fs.sb, d.Addrs[NDirect], -int64(fs.sb.BlockSize))
	}
	d.Addrs[NDirect] = newIndirectAddr
	return dataAddr, nil
}

// freeBlocksBeyond marks dead, in the usage-table sense, every block of
// d beyond keepBlocks and zeros the corresponding address slots - the
// truncate-to-keepBlocks step shared by Itrunc (keepBlocks derived from
// the new size) and ifree (keepBlocks=0; a delete truncates to nothing).
func (fs *FS) freeBlocksBeyond(d *Dinode, keepBlocks uint32) error {
	for i := keepBlocks; i < NDirect; i++ {
		if d.Addrs[i] != 0 {
			fs.sutT.update(fs.sb, d.Addrs[i], -int64(fs.sb.BlockSize))
			d.Addrs[i] = 0
		}
	}

	if d.Addrs[NDirect] == 0 {
		return nil
	}

	perBlock := uint32(indirectEntriesPerBlock(int(fs.sb.BlockSize)))
	buf, err := fs.dev.Bread(d.Addrs[NDirect])
	if err != nil {
		return err
	}
	entries := decodeIndirectBlock(buf.Data, int(perBlock))
	fs.dev.Brelse(buf)

	from := uint32(0)
	if keepBlocks > NDirect {
		from = keepBlocks - NDirect
	}
	for i := from; i < perBlock; i++ {
		if entries[i] != 0 {
			fs.sutT.update(fs.sb, entries[i], -int64(fs.sb.BlockSize))
		}
	}

	// The indirect block itself dies with its last kept entry.
	if keepBlocks <= NDirect {
		fs.sutT.update(fs.sb, d.Addrs[NDirect], -int64(fs.sb.BlockSize))
		d.Addrs[NDirect] = 0
	}
	return nil
}

// Itrunc shortens ip to newSize, freeing every block beyond the new last
// block and bumping the version so a cleaner holding an old summary
// entry for one of ip's former blocks can tell it is no longer live.
// Growing a file is handled by Writei extending Size past a hole
// instead.
func (fs *FS) Itrunc(ctx context.Context, ip *icache.Inode, newSize uint64) error {
	st, err := fs.icache.IlockLoad(ip)
	if err != nil {
		return err
	}
	d := st.(inodeState).Dinode
	blockSize := uint64(fs.sb.BlockSize)

	keepBlocks := uint32(0)
	if newSize > 0 {
		keepBlocks = uint32((newSize + blockSize - 1) / blockSize)
	}

	if err := fs.freeBlocksBeyond(&d, keepBlocks); err != nil {
		ip.Iunlock()
		return err
	}

	d.Size = newSize
	d.Version++
	inum := st.(inodeState).Inum
	ip.SetState(inodeState{Inum: inum, Dinode: d})
	ip.Iunlock()

	return fs.Iupdate(ctx, inum, d)
}
