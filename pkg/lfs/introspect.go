package lfs

import (
	"context"

	"github.com/spritefs/lfscore/pkg/lfs/bufcache"
)

// The accessors below expose just enough read-only state for fsck and
// the CLI to report on a mounted filesystem without reaching into
// unexported fields from another package.

// Device returns the underlying buffer cache, e.g. for fsck's own
// direct block reads.
func (fs *FS) Device() *bufcache.Cache { return fs.dev }

// SUTSnapshot returns a defensive copy of the segment usage table.
func (fs *FS) SUTSnapshot() []SUTEntry { return fs.sutT.snapshot() }

// LogTail returns the current log-tail block.
func (fs *FS) LogTail() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.logTail
}

// CurSeg returns the segment currently being appended to.
func (fs *FS) CurSeg() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.curSeg
}

// NextVirginSeg returns the lowest segment index never yet handed out
// sequentially.
func (fs *FS) NextVirginSeg() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.nextVirginSeg
}

// FreeSegments returns how many segments currently sit on the free ring
// awaiting reuse.
func (fs *FS) FreeSegments() uint64 {
	return fs.ring.length()
}

// DecodeSSBBlock exposes the summary-block decoder for read-only tools
// that walk segments without going through the cleaner's mutating
// relocation path.
func DecodeSSBBlock(p []byte) ([]SSBEntry, bool, error) {
	return decodeSSBBlock(p)
}

// ImapRef is one allocated, on-disk imap entry: where inode Inum's most
// recent image currently lives.
type ImapRef struct {
	Inum    uint32
	Block   uint32
	Version uint8
	Slot    uint8
}

// ImapRefs snapshots every imap entry that points at a block on disk.
// Inodes resident only in the dirty buffer are excluded - they have no
// on-disk location yet.
func (fs *FS) ImapRefs() []ImapRef {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []ImapRef
	for inum := uint32(1); inum < uint32(len(fs.imapT)); inum++ {
		entry := fs.imapT[inum]
		if entry == ImapFree || entry == ImapDirty {
			continue
		}
		block, version, slot := decodeImap(entry)
		out = append(out, ImapRef{Inum: inum, Block: block, Version: version, Slot: slot})
	}
	return out
}

// FileBlockRefs returns every log block inum currently references: its
// direct data blocks, its single-indirect block (if any), and the data
// blocks that indirect block lists.
func (fs *FS) FileBlockRefs(ctx context.Context, inum uint32) ([]uint32, error) {
	d, err := fs.iread(ctx, inum)
	if err != nil {
		return nil, err
	}

	var out []uint32
	for i := 0; i < NDirect; i++ {
		if d.Addrs[i] != 0 {
			out = append(out, d.Addrs[i])
		}
	}
	if d.Addrs[NDirect] == 0 {
		return out, nil
	}
	out = append(out, d.Addrs[NDirect])

	buf, err := fs.dev.Bread(d.Addrs[NDirect])
	if err != nil {
		return nil, err
	}
	entries := decodeIndirectBlock(buf.Data, indirectEntriesPerBlock(int(fs.sb.BlockSize)))
	fs.dev.Brelse(buf)
	for _, a := range entries {
		if a != 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

// Bmap resolves inum's logical block blk to its current physical
// address, or 0 for an unwritten hole, without reading its content.
func (fs *FS) Bmap(ctx context.Context, inum uint32, blk uint32) (uint32, error) {
	d, err := fs.iread(ctx, inum)
	if err != nil {
		return 0, err
	}
	return fs.bmapRead(&d, blk)
}

// IndirectBlockAddr returns inum's current single-indirect block
// address, or 0 if it has none.
func (fs *FS) IndirectBlockAddr(ctx context.Context, inum uint32) (uint32, error) {
	d, err := fs.iread(ctx, inum)
	if err != nil {
		return 0, err
	}
	return d.Addrs[NDirect], nil
}
