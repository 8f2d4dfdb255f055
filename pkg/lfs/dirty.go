package lfs

import "sync"

// dirtyEntry is one inode staged in memory awaiting a batched flush.
type dirtyEntry struct {
	Inum    uint32
	Version uint32
	Inode   Dinode
}

// dirtyBuffer stages modified inodes until a flush packs them, several
// per block, into a single freshly allocated inode block. A parallel
// "flushing" buffer holds the batch currently being written so a flush
// in progress never races a concurrent iupdate/ialloc.
type dirtyBuffer struct {
	mu       sync.Mutex
	capacity int
	entries  []dirtyEntry

	flushing      []dirtyEntry
	flushInFlight bool
}

func newDirtyBuffer(capacity int) *dirtyBuffer {
	return &dirtyBuffer{capacity: capacity}
}

// lookup scans the live half first (it holds the more recent state),
// then the flushing half, and reports the inode's current staged image,
// if any.
func (d *dirtyBuffer) lookup(inum uint32) (Dinode, uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.entries) - 1; i >= 0; i-- {
		if d.entries[i].Inum == inum {
			return d.entries[i].Inode, d.entries[i].Version, true
		}
	}
	for i := len(d.flushing) - 1; i >= 0; i-- {
		if d.flushing[i].Inum == inum {
			return d.flushing[i].Inode, d.flushing[i].Version, true
		}
	}
	return Dinode{}, 0, false
}

// isFull reports whether another put would overflow the buffer's
// capacity. Callers serialize the check against competing puts with the
// lfs lock; this method's own lock only keeps the read coherent against
// a concurrent flush.
func (d *dirtyBuffer) isFull() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries) >= d.capacity
}

// drained reports an empty buffer with no flush in flight - the state a
// checkpoint needs before it can trust the imap to cover every inode.
func (d *dirtyBuffer) drained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries) == 0 && !d.flushInFlight
}

// put appends or overwrites inum's staged entry. The caller must have
// already confirmed there's room (flushing the buffer first if not).
func (d *dirtyBuffer) put(inum uint32, version uint32, inode Dinode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.entries {
		if d.entries[i].Inum == inum {
			d.entries[i].Version = version
			d.entries[i].Inode = inode
			return
		}
	}
	d.entries = append(d.entries, dirtyEntry{Inum: inum, Version: version, Inode: inode})
}

// remove drops inum's staged entry from the live buffer outright. If
// inum is instead caught mid-flush in the flushing half, its slot can't
// be removed without shifting every other entry's slot index out from
// under the in-flight inode-block write, so it is scrubbed in place
// (Type=0) - FlushDirty's imap-write loop skips those, leaving
// imap[inum] untouched rather than resurrecting it.
func (d *dirtyBuffer) remove(inum uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.entries {
		if d.entries[i].Inum == inum {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return
		}
	}
	for i := range d.flushing {
		if d.flushing[i].Inum == inum {
			d.flushing[i].Inode.Type = 0
			return
		}
	}
}

// beginFlush moves the live buffer into the flushing buffer and empties
// the live buffer, so staging can continue while the batch is written.
// Returns nil if the buffer is empty or another flush is in flight.
func (d *dirtyBuffer) beginFlush() []dirtyEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.flushInFlight || len(d.entries) == 0 {
		return nil
	}
	d.flushing = d.entries
	d.entries = nil
	d.flushInFlight = true
	return d.flushing
}

// endFlush clears the flushing buffer once its block is durable and the
// imap points at the new locations.
func (d *dirtyBuffer) endFlush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushing = nil
	d.flushInFlight = false
}

// abortFlush restores a staged batch the flush could not write (e.g. the
// allocator returned out-of-space), ahead of anything staged meanwhile.
func (d *dirtyBuffer) abortFlush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.flushing, d.entries...)
	d.flushing = nil
	d.flushInFlight = false
}
