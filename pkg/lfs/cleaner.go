package lfs

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/spritefs/lfscore/pkg/lfs/icache"
	"github.com/spritefs/lfscore/pkg/lfs/lfserr"
)

// errInodeBusy aborts a victim whose live blocks belong to an inode
// someone is mutating right now. The victim keeps its blocks and stays
// off the free ring; a later run picks it up again.
var errInodeBusy = errors.New("lfs: inode busy")

// runCleaner is the segment cleaner's entry point. It selects victim
// segments by cost-benefit score, relocates every block a victim's
// summary entries (or, for inode blocks, the imap) still report live,
// frees each fully-cleaned victim, then seals the summary entries the
// relocations produced and writes a checkpoint so the new block
// locations are durable.
//
// At most one cleaner run is ever in flight; a concurrent caller simply
// observes gcRunning and returns immediately.
//
// Victims are returned to the free ring as soon as their own cleaning
// completes, before the closing checkpoint: the cleaner must be able to
// make progress on a nearly-full disk, and the checkpoint itself needs
// tail space that may only exist because a victim was just recycled. A
// crash inside that window can lose relocations the checkpoint never
// recorded, which is the same single-checkpoint crash window every other
// unsynced write already lives with.
func (fs *FS) runCleaner(ctx context.Context) (cleaned int, err error) {
	fs.mu.Lock()
	if fs.gcRunning {
		fs.mu.Unlock()
		return 0, nil
	}
	fs.gcRunning = true
	fs.gcState = gcSelecting
	fs.mu.Unlock()

	defer func() {
		fs.mu.Lock()
		fs.gcRunning = false
		fs.gcState = gcIdle
		fs.mu.Unlock()
	}()

	victims := fs.selectVictims()
	if len(victims) == 0 {
		fs.log.Debugf("lfs: cleaner found no victim segments")
		fs.setGCFailed(true)
		return 0, nil
	}
	fs.log.Debugf("lfs: cleaner selected %d victim segment(s): %v", len(victims), victims)

	fs.setCleanerState(gcCleaning)
	var cleanErr error
	for _, seg := range victims {
		err := fs.cleanSegment(ctx, seg)
		if errors.Cause(err) == errInodeBusy {
			fs.log.Debugf("lfs: cleaner skipping segment %d: %v", seg, err)
			continue
		}
		if err != nil {
			// The victim keeps its live blocks and stays off the free
			// ring; whatever was already cleaned stands.
			fs.log.Warnf("lfs: cleaner aborted on segment %d: %v", seg, err)
			cleanErr = err
			break
		}
		cleaned++
	}
	if cleaned == 0 {
		fs.setGCFailed(true)
		return 0, cleanErr
	}

	fs.setCleanerState(gcSealing)
	if _, _, err := fs.FlushSSBNow(ctx); err != nil {
		return cleaned, err
	}

	fs.setCleanerState(gcSyncing)
	if err := fs.doSync(ctx); err != nil {
		return cleaned, err
	}

	fs.setGCFailed(fs.progressStalled())
	return cleaned, nil
}

func (fs *FS) setCleanerState(s cleanerState) {
	fs.mu.Lock()
	fs.gcState = s
	fs.mu.Unlock()
}

func (fs *FS) setGCFailed(v bool) {
	fs.mu.Lock()
	fs.gcFailed = v
	fs.mu.Unlock()
}

// progressStalled is the cleaner's progress guard: a run that still
// leaves the free ring empty with no sequential space latches gc_failed,
// so the allocator stops hammering the cleaner on every call until
// something frees real space.
func (fs *FS) progressStalled() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.nextVirginSeg >= fs.sb.NSegs && fs.ring.length() == 0
}

// segmentCandidate is one segment's cost-benefit score.
type segmentCandidate struct {
	seg   uint32
	score float64
}

// selectVictims ranks every non-current, non-free, non-virgin segment by
// the classic cost-benefit formula - free space gained weighted by age,
// divided by the cost of copying the live bytes out - and returns up to
// GCTargetSegs of them. Segments over GCUtilThreshold are excluded
// unless nothing else qualifies, so the cleaner never idles while every
// segment sits just above the cutoff.
func (fs *FS) selectVictims() []uint32 {
	snapshot := fs.sutT.snapshot()
	now := fs.sutT.clock()
	fs.mu.Lock()
	cur := fs.curSeg
	virgin := fs.nextVirginSeg
	fs.mu.Unlock()

	segBytes := float64(fs.sb.SegSize) * float64(fs.sb.BlockSize)

	var within, over []segmentCandidate
	for i, e := range snapshot {
		if uint32(i) == cur || uint32(i) >= virgin || e.LiveBytes == SUTFree {
			continue
		}
		util := float64(e.LiveBytes) / segBytes
		score := (1 - util) * float64(now-e.Age) / (1 + util)
		c := segmentCandidate{seg: uint32(i), score: score}
		if int(util*100) <= fs.cfg.GCUtilThreshold {
			within = append(within, c)
		} else {
			over = append(over, c)
		}
	}

	pool := within
	if len(pool) == 0 {
		pool = over
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].score > pool[j].score })

	n := fs.cfg.GCTargetSegs
	if n > len(pool) {
		n = len(pool)
	}
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = pool[i].seg
	}
	return out
}

// cleanSegment relocates everything still live in seg and returns it to
// the free ring. Liveness is resolved through the imap, never by a
// block's position: a summary entry names (kind, inum, offset, version),
// and the block it described is live only if following the owning
// inode's pointers still lands inside the victim with a matching
// version. That makes the scan robust to mid-segment summary flushes - a
// segment can hold several summary blocks, and stale or superseded
// entries simply resolve elsewhere and are skipped.
func (fs *FS) cleanSegment(ctx context.Context, seg uint32) error {
	start := fs.sb.SegmentStart(seg)

	var entries []SSBEntry
	foundSSB := false
	for i := uint32(0); i < fs.sb.SegSize; i++ {
		buf, err := fs.dev.Bread(start + i)
		if err != nil {
			return err
		}
		es, ok, err := decodeSSBBlock(buf.Data)
		fs.dev.Brelse(buf)
		if err != nil {
			return err
		}
		if ok {
			foundSSB = true
			entries = append(entries, es...)
		}
	}

	if !foundSSB {
		// No summary block at all - a crash before the segment was
		// sealed, or a segment written outside the normal append path.
		// Fall back to walking the imap and every allocated inode for
		// references into the victim.
		fs.log.Warnf("lfs: segment %d has no summary block, running safety scan", seg)
		if err := fs.safetyScan(ctx, seg); err != nil {
			return err
		}
	} else {
		relocatedInodeBlocks := make(map[uint32]bool)
		for _, e := range entries {
			var err error
			switch e.Kind {
			case KindNone:
				// Internal metadata never moves forward.
			case KindData:
				err = fs.relocateDataBlock(ctx, seg, e)
			case KindInode:
				// One entry stands in for a whole packed inode block;
				// the imap is the authority on which inode blocks in
				// this segment still matter, so scan it once per
				// distinct block rather than trusting the entry's inum.
				err = fs.relocateInodeBlocks(ctx, seg, relocatedInodeBlocks)
			case KindIndirect:
				err = fs.relocateIndirectBlock(ctx, seg, e)
			}
			if err != nil {
				return err
			}
		}
	}

	fs.sutT.markFree(int(seg))
	if err := fs.ring.push(seg); err != nil {
		return err
	}
	fs.log.Debugf("lfs: segment %d cleaned and returned to free ring", seg)
	return nil
}

// withInode runs fn holding inum's sleep-lock, or reports errInodeBusy
// if someone else (possibly the very caller the cleaner is running
// inside of) holds it. Blocking here instead would deadlock when the
// allocator triggers the cleaner from under a writer's own lock.
func (fs *FS) withInode(inum uint32, fn func(ip *icache.Inode) error) error {
	ip := fs.icache.Iget(inum)
	if !ip.TryIlock() {
		fs.icache.Iput(ip)
		return errors.Wrapf(errInodeBusy, "inode %d", inum)
	}
	err := fn(ip)
	ip.Iunlock()
	if perr := fs.icache.Iput(ip); err == nil {
		err = perr
	}
	return err
}

// safetyScan relocates every block in seg that the imap or any allocated
// inode still references, synthesizing the summary entries a sealed
// segment would have provided.
func (fs *FS) safetyScan(ctx context.Context, seg uint32) error {
	if err := fs.relocateInodeBlocks(ctx, seg, make(map[uint32]bool)); err != nil {
		return err
	}

	fs.mu.Lock()
	var inums []uint32
	for inum := uint32(1); inum < uint32(len(fs.imapT)); inum++ {
		if fs.imapT[inum] != ImapFree {
			inums = append(inums, inum)
		}
	}
	fs.mu.Unlock()

	perBlock := uint32(indirectEntriesPerBlock(int(fs.sb.BlockSize)))
	for _, inum := range inums {
		d, err := fs.iread(ctx, inum)
		if err != nil {
			continue
		}
		for off := uint32(0); off < NDirect; off++ {
			if d.Addrs[off] == 0 || fs.sb.SegmentOf(d.Addrs[off]) != seg {
				continue
			}
			e := SSBEntry{Kind: KindData, Inum: inum, Offset: off, Version: d.Version}
			if err := fs.relocateDataBlock(ctx, seg, e); err != nil {
				return err
			}
		}
		if d.Addrs[NDirect] == 0 {
			continue
		}
		if fs.sb.SegmentOf(d.Addrs[NDirect]) == seg {
			e := SSBEntry{Kind: KindIndirect, Inum: inum, Version: d.Version}
			if err := fs.relocateIndirectBlock(ctx, seg, e); err != nil {
				return err
			}
		}
		// The indirect block may have just moved; re-read the inode so
		// the entry walk below follows the current pointer.
		d, err = fs.iread(ctx, inum)
		if err != nil || d.Addrs[NDirect] == 0 {
			continue
		}
		buf, err := fs.dev.Bread(d.Addrs[NDirect])
		if err != nil {
			return err
		}
		addrs := decodeIndirectBlock(buf.Data, int(perBlock))
		fs.dev.Brelse(buf)
		for idx, addr := range addrs {
			if addr == 0 || fs.sb.SegmentOf(addr) != seg {
				continue
			}
			e := SSBEntry{Kind: KindData, Inum: inum, Offset: NDirect + uint32(idx), Version: d.Version}
			if err := fs.relocateDataBlock(ctx, seg, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// relocateDataBlock copies the live data block a summary entry describes
// out of the victim segment and fixes up whichever pointer - a direct
// inode slot or a single-indirect entry - referenced it. An entry whose
// owning inode is gone, whose version no longer matches, or whose offset
// now resolves outside the victim is stale; there is nothing to copy.
func (fs *FS) relocateDataBlock(ctx context.Context, seg uint32, e SSBEntry) error {
	return fs.withInode(e.Inum, func(ip *icache.Inode) error {
		d, err := fs.iread(ctx, e.Inum)
		if err != nil {
			return nil
		}
		if uint8(d.Version) != uint8(e.Version) {
			return nil
		}
		oldAddr, err := fs.bmapRead(&d, e.Offset)
		if err != nil || oldAddr == 0 || fs.sb.SegmentOf(oldAddr) != seg {
			return nil
		}

		// The new summary entry carries the inode's current version, so
		// the copy stays recognizable as live even if the entry that led
		// us here was written several generations ago.
		newAddr, err := fs.relocateBlockBytes(ctx, oldAddr, KindData, e.Inum, e.Offset, d.Version)
		if err != nil {
			return err
		}

		if e.Offset < NDirect {
			d.Addrs[e.Offset] = newAddr
			if err := fs.Iupdate(ctx, e.Inum, d); err != nil {
				return err
			}
			ip.SetState(inodeState{Inum: e.Inum, Dinode: d})
			return nil
		}

		idx := e.Offset - NDirect
		perBlock := uint32(indirectEntriesPerBlock(int(fs.sb.BlockSize)))
		if d.Addrs[NDirect] == 0 || idx >= perBlock {
			return lfserr.Corruption("cleaner: relocated data block %d has no indirect parent", oldAddr)
		}

		// The indirect block is itself log data: patching its slot means
		// writing a fresh copy of it at the tail, never editing in place.
		ibuf, err := fs.dev.Bread(d.Addrs[NDirect])
		if err != nil {
			return err
		}
		addrs := decodeIndirectBlock(ibuf.Data, int(perBlock))
		fs.dev.Brelse(ibuf)

		oldIndirectAddr := d.Addrs[NDirect]
		addrs[idx] = newAddr

		newIndirectAddr, err := fs.Allocate(ctx, KindIndirect, e.Inum, 0, d.Version)
		if err != nil {
			return err
		}
		nibuf, err := fs.dev.BreadZero(newIndirectAddr)
		if err != nil {
			return err
		}
		encodeIndirectBlock(nibuf.Data, addrs)
		if err := fs.dev.Bwrite(nibuf); err != nil {
			fs.dev.Brelse(nibuf)
			return err
		}
		fs.dev.Brelse(nibuf)

		fs.sutT.update(fs.sb, oldIndirectAddr, -int64(fs.sb.BlockSize))
		d.Addrs[NDirect] = newIndirectAddr
		if err := fs.Iupdate(ctx, e.Inum, d); err != nil {
			return err
		}
		ip.SetState(inodeState{Inum: e.Inum, Dinode: d})
		return nil
	})
}

// relocateIndirectBlock copies a live single-indirect block forward
// verbatim - its entries still describe valid addresses elsewhere on the
// log regardless of where the block itself sits - and repoints the
// owning inode at the new location.
func (fs *FS) relocateIndirectBlock(ctx context.Context, seg uint32, e SSBEntry) error {
	return fs.withInode(e.Inum, func(ip *icache.Inode) error {
		d, err := fs.iread(ctx, e.Inum)
		if err != nil {
			return nil
		}
		if uint8(d.Version) != uint8(e.Version) {
			return nil
		}
		oldAddr := d.Addrs[NDirect]
		if oldAddr == 0 || fs.sb.SegmentOf(oldAddr) != seg {
			return nil
		}

		newAddr, err := fs.relocateBlockBytes(ctx, oldAddr, KindIndirect, e.Inum, 0, d.Version)
		if err != nil {
			return err
		}
		d.Addrs[NDirect] = newAddr
		if err := fs.Iupdate(ctx, e.Inum, d); err != nil {
			return err
		}
		ip.SetState(inodeState{Inum: e.Inum, Dinode: d})
		return nil
	})
}

// relocateInodeBlocks finds every packed inode block inside seg the imap
// still points at and restages each surviving inode through the
// dirty-inode buffer: the next flush writes them to a fresh block and
// rewrites their imap entries, at their existing versions - relocation
// moves an inode, it never frees one. done dedups blocks across the
// several summary entries that can name the same segment.
func (fs *FS) relocateInodeBlocks(ctx context.Context, seg uint32, done map[uint32]bool) error {
	type survivor struct {
		inum uint32
		slot uint8
	}

	fs.mu.Lock()
	byBlock := make(map[uint32][]survivor)
	for inum := uint32(1); inum < uint32(len(fs.imapT)); inum++ {
		entry := fs.imapT[inum]
		if entry == ImapFree || entry == ImapDirty {
			continue
		}
		block, _, slot := decodeImap(entry)
		if fs.sb.SegmentOf(block) == seg && !done[block] {
			byBlock[block] = append(byBlock[block], survivor{inum: inum, slot: slot})
		}
	}
	fs.mu.Unlock()

	for block, survivors := range byBlock {
		done[block] = true

		buf, err := fs.dev.Bread(block)
		if err != nil {
			return err
		}
		raw := make([]byte, len(buf.Data))
		copy(raw, buf.Data)
		fs.dev.Brelse(buf)

		for _, s := range survivors {
			s := s
			err := fs.withInode(s.inum, func(*icache.Inode) error {
				// Re-check under the sleep-lock: an update that slipped
				// in since the scan has already restaged the inode, and
				// overwriting that with the old disk image would roll it
				// back.
				fs.mu.Lock()
				entry := fs.imapT[s.inum]
				fs.mu.Unlock()
				if entry == ImapFree || entry == ImapDirty {
					return nil
				}
				if b, _, _ := decodeImap(entry); b != block {
					return nil
				}
				d, err := decodeDinodeAt(raw, int(s.slot))
				if err != nil {
					fs.log.Errorf("lfs: cleaner: inode %d slot %d in block %d unreadable: %v", s.inum, s.slot, block, err)
					return nil
				}
				return fs.Iupdate(ctx, s.inum, d)
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// relocateBlockBytes is the shared primitive behind data/indirect
// relocation: read the old block, allocate a fresh one of the same kind
// under the same owner, copy the bytes across unchanged, and move the
// live-byte credit from the old segment to the new.
func (fs *FS) relocateBlockBytes(ctx context.Context, oldAddr uint32, kind Kind, inum, offset, version uint32) (uint32, error) {
	buf, err := fs.dev.Bread(oldAddr)
	if err != nil {
		return 0, err
	}
	raw := make([]byte, len(buf.Data))
	copy(raw, buf.Data)
	fs.dev.Brelse(buf)

	newAddr, err := fs.Allocate(ctx, kind, inum, offset, version)
	if err != nil {
		return 0, err
	}
	nbuf, err := fs.dev.BreadZero(newAddr)
	if err != nil {
		return 0, err
	}
	copy(nbuf.Data, raw)
	if err := fs.dev.Bwrite(nbuf); err != nil {
		fs.dev.Brelse(nbuf)
		return 0, err
	}
	fs.dev.Brelse(nbuf)

	fs.sutT.update(fs.sb, oldAddr, -int64(fs.sb.BlockSize))
	return newAddr, nil
}
