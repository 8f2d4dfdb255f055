package lfs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/spritefs/lfscore/pkg/lfs/lfserr"
)

// errRingEmpty signals that the sequential log is exhausted and the free
// ring had nothing to offer. Allocate retries once after an emergency
// cleaner run before surfacing OutOfSpace.
var errRingEmpty = errors.New("lfs: free ring empty")

// Allocate reserves the next log-tail block and, for payload kinds,
// appends a matching summary entry under the same lock as the tail
// advance, so the entry and the block always land in the same segment.
// Apart from any cleaner run it triggers, the only device I/O it performs
// is writing out a completed segment's summary block if crossing the
// boundary just sealed one; that write happens with the lfs lock
// released, so Allocate can be called
// while holding an inode sleep-lock without inverting the lock order.
//
// KindNone marks internal metadata (imap, usage-table, checkpoint-owned
// blocks): those consume a tail slot but get no summary entry and no
// live-byte credit - the cleaner never copies them forward, so counting
// them live would only inflate the copy cost of every victim.
func (fs *FS) Allocate(ctx context.Context, kind Kind, inum, offset, version uint32) (uint32, error) {
	fs.maybeTriggerGC(ctx)

	for attempt := 0; ; attempt++ {
		fs.mu.Lock()
		block, err := fs.allocateLocked(kind, inum, offset, version)
		var pendingBlock uint32
		var pendingEntries []SSBEntry
		var hasPending bool
		if err == nil {
			pendingBlock, pendingEntries, hasPending = fs.ssb.takePendingForWriteLocked()
		}
		fs.mu.Unlock()

		if errors.Cause(err) == errRingEmpty {
			if attempt > 0 {
				fs.log.Warnf("lfs: out of space after emergency cleaner run")
				return 0, lfserr.OutOfSpace("no free segment available after emergency GC")
			}
			// One more synchronous cleaner attempt; gcRunning makes this a
			// no-op when the cleaner itself is the caller, in which case
			// the retry finds the ring still empty and the failure
			// propagates up to abort the current victim.
			fs.log.Debugf("lfs: free ring empty, running emergency cleaner")
			if _, gcErr := fs.runCleaner(ctx); gcErr != nil {
				return 0, gcErr
			}
			continue
		}
		if err != nil {
			return 0, err
		}

		if hasPending {
			werr := fs.writeSSBBlock(pendingBlock, pendingEntries)
			// The staged entries belong to the segment just completed
			// either way: re-staging them would seal them into some
			// later segment, where the cleaner would never look. On a
			// failed write the segment simply has no summary, and the
			// cleaner's safety scan re-derives its contents the hard
			// way.
			fs.mu.Lock()
			fs.ssb.endFlushLocked()
			fs.mu.Unlock()
			if werr != nil {
				fs.log.Errorf("lfs: summary write for block %d failed: %v", pendingBlock, werr)
				return 0, werr
			}
		}

		return block, nil
	}
}

// AllocateInternal is the KindNone convenience form used only by the
// imap/SUT/checkpoint writers.
func (fs *FS) AllocateInternal(ctx context.Context) (uint32, error) {
	return fs.Allocate(ctx, KindNone, 0, 0, 0)
}

// maybeTriggerGC runs the cleaner synchronously when free space is low,
// no cleaner run is already in flight, and the gc_failed latch hasn't
// been set (or deletes since the last failure have made it worth
// re-checking). This trigger is opportunistic - a cleaner failure here
// doesn't fail the allocation, which may well still have tail space;
// only the emergency retry in Allocate surfaces OutOfSpace.
func (fs *FS) maybeTriggerGC(ctx context.Context) {
	fs.mu.Lock()
	low := fs.freeSpaceLowLocked()
	running := fs.gcRunning
	failed := fs.gcFailed
	fs.mu.Unlock()

	if !low || running {
		return
	}
	if failed && !fs.spaceReclaimableSinceFailure() {
		return
	}

	if _, err := fs.runCleaner(ctx); err != nil {
		fs.log.Warnf("lfs: background cleaner run failed: %v", err)
	}
}

// freeSpaceLowLocked is the trigger condition: either the sequential log
// is exhausted and the ring is below target, or overall disk usage has
// crossed the configured threshold with nothing banked on the ring at
// all. The second arm starts cleaning early, before the log runs dry;
// requiring an empty ring for it keeps the cleaner from re-firing on
// every allocation once it has banked some headroom. Caller holds fs.mu.
func (fs *FS) freeSpaceLowLocked() bool {
	ringLen := int(fs.ring.length())
	if ringLen >= fs.cfg.GCTargetSegs {
		return false
	}
	if fs.nextVirginSeg >= fs.sb.NSegs {
		return true
	}
	if ringLen > 0 {
		return false
	}
	usedSegs := int(fs.nextVirginSeg)
	return usedSegs*100 >= fs.cfg.GCThreshold*int(fs.sb.NSegs)
}

// spaceReclaimableSinceFailure is a conservative check: any segment
// whose live-byte count is below full utilization is a candidate the
// next cleaner run might make progress on.
func (fs *FS) spaceReclaimableSinceFailure() bool {
	fs.mu.Lock()
	cur := fs.curSeg
	fs.mu.Unlock()
	for i, e := range fs.sutT.snapshot() {
		if uint32(i) == cur || e.LiveBytes == SUTFree {
			continue
		}
		if e.LiveBytes < fs.sb.SegSize*fs.sb.BlockSize {
			return true
		}
	}
	return false
}

func (fs *FS) ssbBlockOfLocked() uint32 {
	return fs.sb.SegmentSSBBlock(fs.curSeg)
}

// allocateLocked advances the tail by one block. Caller holds fs.mu.
func (fs *FS) allocateLocked(kind Kind, inum, offset, version uint32) (uint32, error) {
	ssbBlock := fs.ssbBlockOfLocked()

	// Crossing into the reserved slot means the segment just completed.
	// Seal its summary exactly once here, covering every entry appended
	// since the last flush - the reserved block is never handed out for
	// payload, so this is the one place a segment's trailing summary
	// gets reserved.
	if fs.logTail == ssbBlock {
		if fs.ssb.lenLocked() > 0 {
			fs.ssb.reserveEndOfSegmentLocked(ssbBlock)
		}

		next, err := fs.nextSegmentLocked()
		if err != nil {
			return 0, err
		}
		fs.curSeg = next
		fs.logTail = fs.sb.SegmentStart(next)
	}

	block := fs.logTail
	fs.logTail++

	if kind != KindNone {
		if fs.ssb.lenLocked() >= maxSSBEntries(int(fs.sb.BlockSize)) {
			lfserr.InvariantViolation("allocator: summary buffer overflow at block %d", block)
		}
		fs.ssb.addLocked(SSBEntry{Kind: kind, Inum: inum, Offset: offset, Version: version})
		fs.sutT.update(fs.sb, block, int64(fs.sb.BlockSize))
	}

	return block, nil
}

// nextSegmentLocked resolves the next segment to write into: sequential
// if virgin space remains, otherwise the head of the free ring.
func (fs *FS) nextSegmentLocked() (uint32, error) {
	if fs.nextVirginSeg < fs.sb.NSegs {
		seg := fs.nextVirginSeg
		fs.nextVirginSeg++
		fs.log.Debugf("lfs: advancing to virgin segment %d", seg)
		return seg, nil
	}

	seg, ok, err := fs.ring.pop()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errRingEmpty
	}
	fs.sutT.markInUse(int(seg))
	fs.log.Debugf("lfs: reusing free segment %d from ring", seg)
	return seg, nil
}
