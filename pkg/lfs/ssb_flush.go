package lfs

import (
	"context"
	"time"
)

// writeSSBBlock persists entries into block through the buffer cache.
// Callers must not hold fs.mu.
func (fs *FS) writeSSBBlock(block uint32, entries []SSBEntry) error {
	buf, err := fs.dev.BreadZero(block)
	if err != nil {
		return err
	}
	defer fs.dev.Brelse(buf)

	encoded, err := encodeSSBBlock(entries, uint32(time.Now().Unix()), fs.dev.Device().BlockSize())
	if err != nil {
		return err
	}
	copy(buf.Data, encoded)
	return fs.dev.Bwrite(buf)
}

// FlushSSBNow seals the live summary buffer: if it has entries and no
// flush is already in progress, stage them and write them into the next
// tail slot of the current segment - never a different segment, since
// the cleaner's per-segment scan must find every entry alongside the
// blocks it describes. The cleaner uses this to seal a victim's
// relocations, and Sync to drain the buffer before writing a
// checkpoint.
//
// When the tail already sits on the segment's reserved trailing slot,
// the flush declines: the very next allocation seals these entries into
// that slot anyway, and writing it here would race that seal.
//
// Returns ok=false, not an error, when nothing was flushed.
func (fs *FS) FlushSSBNow(ctx context.Context) (block uint32, ok bool, err error) {
	fs.mu.Lock()
	if fs.ssb.flushInFlight || fs.ssb.lenLocked() == 0 || fs.logTail == fs.ssbBlockOfLocked() {
		fs.mu.Unlock()
		return 0, false, nil
	}

	entries := fs.ssb.beginFlushLocked()
	// Consume one tail slot for the summary itself. Internal metadata
	// gets no entry and no live-byte credit, so this is the whole of its
	// bookkeeping.
	b := fs.logTail
	fs.logTail++
	fs.mu.Unlock()

	if err := fs.writeSSBBlock(b, entries); err != nil {
		fs.mu.Lock()
		fs.ssb.abortFlushLocked()
		fs.mu.Unlock()
		return 0, false, err
	}

	fs.mu.Lock()
	fs.ssb.endFlushLocked()
	fs.mu.Unlock()
	return b, true, nil
}
