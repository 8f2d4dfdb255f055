package lfs

import (
	"context"
	"encoding/binary"
	"time"
)

// Sync writes a checkpoint: drain the dirty-inode buffer, flush whatever
// is left in the summary buffer, persist the usage table and the imap as
// fresh log blocks, and write a checkpoint record into whichever slot is
// currently the stale one, so a crash mid-write never corrupts the slot
// a later mount would otherwise select.
//
// While the cleaner is running, Sync is a no-op - the cleaner writes its
// own checkpoint when it finishes, and a concurrent one would race the
// relocations in flight.
func (fs *FS) Sync(ctx context.Context) error {
	fs.mu.Lock()
	running := fs.gcRunning
	fs.mu.Unlock()
	if running {
		return nil
	}
	return fs.doSync(ctx)
}

// doSync is the checkpoint protocol body. Only one instance runs at a
// time; a concurrent caller observes the syncing latch and returns
// immediately rather than racing the one in flight.
func (fs *FS) doSync(ctx context.Context) error {
	fs.mu.Lock()
	if fs.syncing {
		fs.mu.Unlock()
		return nil
	}
	fs.syncing = true
	fs.mu.Unlock()
	defer func() {
		fs.mu.Lock()
		fs.syncing = false
		fs.mu.Unlock()
	}()

	for {
		if fs.dirty.drained() {
			break
		}
		if err := fs.FlushDirty(ctx); err != nil {
			return err
		}
	}

	if _, _, err := fs.FlushSSBNow(ctx); err != nil {
		return err
	}

	sutAddrs, err := fs.persistSUT(ctx)
	if err != nil {
		return err
	}
	imapAddrs, err := fs.persistImap(ctx)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	slot := fs.nextCheckpointSlot
	nextSeq := fs.checkpointSeq + 1
	cp := &Checkpoint{
		Seq:           nextSeq,
		LogTail:       fs.logTail,
		CurSeg:        fs.curSeg,
		NextVirginSeg: fs.nextVirginSeg,
		ImapAddrs:     imapAddrs,
		SUTAddrs:      sutAddrs,
		Valid:         true,
	}
	fs.mu.Unlock()

	ts := uint32(time.Now().Unix())
	cp.HeaderTS = ts
	cp.FooterTS = ts

	data, err := cp.Encode(int(fs.sb.BlockSize))
	if err != nil {
		return err
	}

	target := fs.sb.Checkpoint0
	if slot == 1 {
		target = fs.sb.Checkpoint1
	}
	buf, err := fs.dev.BreadZero(target)
	if err != nil {
		return err
	}
	copy(buf.Data, data)
	if err := fs.dev.Bwrite(buf); err != nil {
		fs.dev.Brelse(buf)
		return err
	}
	fs.dev.Brelse(buf)

	fs.mu.Lock()
	fs.nextCheckpointSlot = 1 - slot
	fs.checkpointSeq = nextSeq
	fs.mu.Unlock()

	// Each checkpoint advances the age clock, so "age" in victim
	// selection means syncs since a segment was last written.
	fs.sutT.bumpTick()

	fs.log.Debugf("lfs: checkpoint written to slot %d (seq=%d, log_tail=%d, cur_seg=%d)", slot, nextSeq, cp.LogTail, cp.CurSeg)
	return nil
}

// persistSUT writes the whole segment usage table as fresh log blocks.
// A partial-update scheme that reused a prior sync's block addresses for
// unchanged chunks would only be safe if the cleaner were taught never
// to recycle a still-referenced metadata block - it isn't; an internal
// block is dead weight to cleanSegment like any other, so reusing a
// stale address risks a checkpoint pointing at a since-freed block. The
// table is rewritten in full instead, trading write amplification for
// not needing that extra bookkeeping.
func (fs *FS) persistSUT(ctx context.Context) ([]uint32, error) {
	blocks := fs.sutT.packBlocks(int(fs.sb.BlockSize))
	addrs := make([]uint32, len(blocks))
	for i, b := range blocks {
		addr, err := fs.AllocateInternal(ctx)
		if err != nil {
			return nil, err
		}
		buf, err := fs.dev.BreadZero(addr)
		if err != nil {
			return nil, err
		}
		copy(buf.Data, b)
		if err := fs.dev.Bwrite(buf); err != nil {
			fs.dev.Brelse(buf)
			return nil, err
		}
		fs.dev.Brelse(buf)
		addrs[i] = addr
	}
	return addrs, nil
}

// persistImap writes the whole inode-location map as fresh log blocks,
// four bytes per packed (block, version, slot) entry.
func (fs *FS) persistImap(ctx context.Context) ([]uint32, error) {
	fs.mu.Lock()
	imap := make([]uint32, len(fs.imapT))
	copy(imap, fs.imapT)
	fs.mu.Unlock()

	perBlock := int(fs.sb.BlockSize) / 4
	if perBlock == 0 {
		perBlock = 1
	}

	var addrs []uint32
	for i := 0; i < len(imap); i += perBlock {
		end := i + perBlock
		if end > len(imap) {
			end = len(imap)
		}
		addr, err := fs.AllocateInternal(ctx)
		if err != nil {
			return nil, err
		}
		buf, err := fs.dev.BreadZero(addr)
		if err != nil {
			return nil, err
		}
		for j, v := range imap[i:end] {
			binary.LittleEndian.PutUint32(buf.Data[j*4:j*4+4], v)
		}
		if err := fs.dev.Bwrite(buf); err != nil {
			fs.dev.Brelse(buf)
			return nil, err
		}
		fs.dev.Brelse(buf)
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
