package lfs

import (
	"context"

	"github.com/spritefs/lfscore/pkg/lfs/lfserr"
)

// Ialloc finds a free inum, stamps it with type typ and version 1, and
// stages it in the dirty-inode buffer. It never touches the device
// directly except to make room in the buffer first, if it's already
// full.
func (fs *FS) Ialloc(ctx context.Context, typ InodeType) (uint32, error) {
	for {
		fs.mu.Lock()
		if !fs.dirty.isFull() {
			break
		}
		fs.mu.Unlock()
		if err := fs.FlushDirty(ctx); err != nil {
			return 0, err
		}
	}
	defer fs.mu.Unlock()

	var inum uint32
	for i := uint32(1); i < uint32(len(fs.imapT)); i++ {
		if fs.imapT[i] == ImapFree {
			inum = i
			break
		}
	}
	if inum == 0 {
		return 0, lfserr.Corruption("imap: no free inodes")
	}

	fs.imapT[inum] = ImapDirty
	fs.dirty.put(inum, 1, Dinode{Type: typ, Version: 1})
	return inum, nil
}

// Iupdate stages a new on-disk image for inum. The version travels with
// d unchanged: only Itrunc and ifree ever advance an inode's version,
// since that is what keeps the stored version meaningful as a liveness
// check - an ordinary write restages the same version.
func (fs *FS) Iupdate(ctx context.Context, inum uint32, d Dinode) error {
	for {
		fs.mu.Lock()
		if !fs.dirty.isFull() {
			break
		}
		fs.mu.Unlock()
		if err := fs.FlushDirty(ctx); err != nil {
			return err
		}
	}
	defer fs.mu.Unlock()

	fs.dropInodeBlockRefLocked(fs.imapT[inum])
	fs.imapT[inum] = ImapDirty
	fs.dirty.put(inum, d.Version, d)
	return nil
}

// dropInodeBlockRefLocked releases inum's claim on the inode block its
// old imap entry pointed at; the block's live-byte credit falls only
// when its last resident inode moves out. Caller holds fs.mu.
func (fs *FS) dropInodeBlockRefLocked(entry uint32) {
	if entry == ImapFree || entry == ImapDirty {
		return
	}
	block, _, _ := decodeImap(entry)
	fs.inodeRefs[block]--
	if fs.inodeRefs[block] <= 0 {
		delete(fs.inodeRefs, block)
		fs.sutT.update(fs.sb, block, -int64(fs.sb.BlockSize))
	}
}

// iread returns inum's current image. It checks the dirty buffer first,
// since a just-allocated or just-updated inode may not have reached disk
// yet.
func (fs *FS) iread(ctx context.Context, inum uint32) (Dinode, error) {
	if d, _, ok := fs.dirty.lookup(inum); ok {
		return d, nil
	}

	fs.mu.Lock()
	if inum == 0 || inum >= uint32(len(fs.imapT)) {
		fs.mu.Unlock()
		return Dinode{}, lfserr.Corruption("imap: inum %d out of range", inum)
	}
	entry := fs.imapT[inum]
	fs.mu.Unlock()

	switch entry {
	case ImapFree:
		return Dinode{}, lfserr.Corruption("imap: inode %d not allocated", inum)
	case ImapDirty:
		if d, _, ok := fs.dirty.lookup(inum); ok {
			return d, nil
		}
		return Dinode{}, lfserr.Corruption("imap: inode %d marked dirty but not staged", inum)
	}

	block, _, slot := decodeImap(entry)
	buf, err := fs.dev.Bread(block)
	if err != nil {
		return Dinode{}, err
	}
	defer fs.dev.Brelse(buf)
	return decodeDinodeAt(buf.Data, int(slot))
}

// ifree runs when an inode's last reference drops with no links left. It
// truncates every block the inode still holds so the usage table counts
// them dead immediately rather than waiting for a cleaner scan to notice
// a stale summary version, frees the imap slot directly - not via
// Iupdate, which would only restage it - and drops the staged image (or
// scrubs it, if a flush has it in flight) so nothing can resurrect the
// freed inum, then syncs so the free is durable. The version bump below
// applies only to the discarded local copy: Ialloc stamps a recycled
// inum with version 1 again.
func (fs *FS) ifree(inum uint32) error {
	ctx := context.Background()

	d, err := fs.iread(ctx, inum)
	if err != nil {
		return err
	}
	if err := fs.freeBlocksBeyond(&d, 0); err != nil {
		return err
	}
	d.Version++

	fs.mu.Lock()
	fs.dropInodeBlockRefLocked(fs.imapT[inum])
	fs.imapT[inum] = ImapFree
	fs.mu.Unlock()

	fs.dirty.remove(inum)

	return fs.Sync(ctx)
}

// FlushDirty drains the dirty-inode buffer: stage the live entries, pack
// them into one freshly allocated inode block (the buffer's capacity
// never exceeds one block's worth of slots), write it through, update
// the imap to point at the new locations, then release the staging
// buffer.
func (fs *FS) FlushDirty(ctx context.Context) error {
	entries := fs.dirty.beginFlush()
	if entries == nil {
		return nil
	}

	block, err := fs.Allocate(ctx, KindInode, entries[0].Inum, 0, entries[0].Version)
	if err != nil {
		fs.dirty.abortFlush()
		return err
	}

	buf, err := fs.dev.BreadZero(block)
	if err != nil {
		fs.dirty.abortFlush()
		return err
	}
	for slot, e := range entries {
		encodeDinodeAt(buf.Data, slot, e.Inode)
	}
	if err := fs.dev.Bwrite(buf); err != nil {
		fs.dev.Brelse(buf)
		fs.dirty.abortFlush()
		return err
	}
	fs.dev.Brelse(buf)

	fs.mu.Lock()
	for slot, e := range entries {
		if e.Inode.Type == 0 {
			// Freed while in flight: imap[inum] must stay whatever ifree
			// already set it to, not be resurrected with a pointer to
			// this block's slot.
			continue
		}
		// Usually the old entry is the dirty sentinel; it can also be an
		// older on-disk location if the inode was restaged again while
		// this batch was in flight, in which case that block loses a
		// resident.
		fs.dropInodeBlockRefLocked(fs.imapT[e.Inum])
		fs.imapT[e.Inum] = encodeImap(block, uint8(e.Version), uint8(slot))
		fs.inodeRefs[block]++
	}
	fs.mu.Unlock()

	fs.dirty.endFlush()
	return nil
}
