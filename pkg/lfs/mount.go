package lfs

import (
	"encoding/binary"

	"github.com/spritefs/lfscore/pkg/elog"
	"github.com/spritefs/lfscore/pkg/lfs/bufcache"
	"github.com/spritefs/lfscore/pkg/lfs/lfserr"
)

// Mount reads the superblock and the newer of the two checkpoint slots
// and rebuilds an FS ready to serve requests. A device that has never
// been synced - both checkpoint slots still all-zero - mounts as freshly
// formatted instead of failing: IsValid() is false on both, and that is
// indistinguishable from (and handled the same way as) a first-ever
// mount straight off mkfs.
//
// The free-segment ring is runtime-only scratch state and is always
// rebuilt here from the recovered usage table's free sentinels, rather
// than persisted itself.
func Mount(log elog.View, dev bufcache.Device, cfg Config, ringDir string) (*FS, error) {
	cache := bufcache.New(dev)

	sbBuf, err := cache.Bread(0)
	if err != nil {
		return nil, err
	}
	sb, err := DecodeSuperblock(sbBuf.Data)
	cache.Brelse(sbBuf)
	if err != nil {
		return nil, err
	}

	cp0, err := readCheckpoint(cache, sb.Checkpoint0)
	if err != nil {
		return nil, err
	}
	cp1, err := readCheckpoint(cache, sb.Checkpoint1)
	if err != nil {
		return nil, err
	}

	chosen, slot := selectCheckpoint(cp0, cp1)
	if chosen == nil {
		log.Debugf("lfs: mount: no valid checkpoint, treating device as freshly formatted")
	} else {
		log.Debugf("lfs: mount: recovered checkpoint slot %d (log_tail=%d, cur_seg=%d)", slot, chosen.LogTail, chosen.CurSeg)
	}

	var (
		logTail, curSeg, nextVirginSeg, seq uint32
		imapT                               []uint32
		sutT                                []SUTEntry
	)
	if chosen == nil {
		logTail = sb.LogStart
		curSeg = 0
		// Segment 0 is already the append target; handing it out again
		// at the first boundary crossing would wrap the tail back over
		// its own log.
		nextVirginSeg = 1
	} else {
		logTail = chosen.LogTail
		curSeg = chosen.CurSeg
		nextVirginSeg = chosen.NextVirginSeg
		seq = chosen.Seq

		imapT, err = readImap(cache, chosen.ImapAddrs, int(sb.NInodes)+1)
		if err != nil {
			return nil, err
		}
		sutT, err = readSUT(cache, chosen.SUTAddrs, int(sb.NSegs))
		if err != nil {
			return nil, err
		}
	}

	fs, err := New(log, cache, sb, cfg, ringDir, logTail, curSeg, nextVirginSeg, imapT, sutT, 1-slot, seq)
	if err != nil {
		return nil, err
	}

	for seg, e := range fs.sutT.snapshot() {
		if e.LiveBytes != SUTFree {
			continue
		}
		if uint32(seg) == fs.curSeg {
			// A checkpoint written between a segment being freed and it
			// being reused can record the active segment as free; trust
			// the checkpoint's cur_seg over the stale sentinel.
			fs.sutT.markInUse(seg)
			continue
		}
		if err := fs.ring.push(uint32(seg)); err != nil {
			return nil, err
		}
	}

	return fs, nil
}

func readCheckpoint(cache *bufcache.Cache, block uint32) (*Checkpoint, error) {
	buf, err := cache.Bread(block)
	if err != nil {
		return nil, err
	}
	defer cache.Brelse(buf)
	return DecodeCheckpoint(buf.Data)
}

// selectCheckpoint prefers the valid slot with the higher Seq (the
// monotonic counter Sync bumps on every write - a second-resolution
// HeaderTS tie between two syncs in the same second would otherwise risk
// picking the older slot); if neither is valid, it reports an
// unformatted device (nil, 0).
func selectCheckpoint(cp0, cp1 *Checkpoint) (*Checkpoint, int) {
	v0, v1 := cp0.IsValid(), cp1.IsValid()
	switch {
	case v0 && v1:
		if cp1.Seq > cp0.Seq {
			return cp1, 1
		}
		return cp0, 0
	case v0:
		return cp0, 0
	case v1:
		return cp1, 1
	default:
		return nil, 0
	}
}

func readImap(cache *bufcache.Cache, addrs []uint32, size int) ([]uint32, error) {
	out := make([]uint32, size)
	i := 0
	for _, addr := range addrs {
		buf, err := cache.Bread(addr)
		if err != nil {
			return nil, err
		}
		perBlock := len(buf.Data) / 4
		for j := 0; j < perBlock && i < size; j++ {
			out[i] = binary.LittleEndian.Uint32(buf.Data[j*4 : j*4+4])
			i++
		}
		cache.Brelse(buf)
	}
	return out, nil
}

func readSUT(cache *bufcache.Cache, addrs []uint32, nsegs int) ([]SUTEntry, error) {
	out := make([]SUTEntry, 0, nsegs)
	for _, addr := range addrs {
		buf, err := cache.Bread(addr)
		if err != nil {
			return nil, err
		}
		perBlock := len(buf.Data) / sutEntryEncodedSize
		remaining := nsegs - len(out)
		if perBlock > remaining {
			perBlock = remaining
		}
		out = append(out, unpackSUTBlock(buf.Data, perBlock)...)
		cache.Brelse(buf)
	}
	if len(out) != nsegs {
		return nil, lfserr.Corruption("mount: recovered SUT has %d entries, expected %d", len(out), nsegs)
	}
	return out, nil
}
