package lfs

import (
	"context"
	"sync"

	"github.com/spritefs/lfscore/pkg/elog"
	"github.com/spritefs/lfscore/pkg/lfs/bufcache"
	"github.com/spritefs/lfscore/pkg/lfs/icache"
)

// Config holds the cleaner/allocator tunables.
type Config struct {
	GCThreshold     int // percent disk usage that triggers a cleaner run
	GCTargetSegs    int // victims selected per cleaner run
	GCUtilThreshold int // percent; segments above this are excluded unless no other candidate exists
}

// DefaultConfig is a middle-of-the-road tuning for small images.
var DefaultConfig = Config{
	GCThreshold:     40,
	GCTargetSegs:    6,
	GCUtilThreshold: 90,
}

// cleanerState tracks where a cleaner run currently is, for logging and
// debugging.
type cleanerState int

const (
	gcIdle cleanerState = iota
	gcSelecting
	gcCleaning
	gcSealing
	gcSyncing
)

// FS is the log-structured file system core: the allocator, the imap,
// the dirty-inode buffer, the segment usage table, and the cleaner, all
// guarded by the single non-blocking "lfs" lock. Buffer-cache I/O and
// inode sleep-locks are always taken with this lock released.
type FS struct {
	log elog.View
	cfg Config
	dev *bufcache.Cache
	sb  *Superblock

	mu sync.Mutex // the "lfs" lock

	logTail       uint32
	curSeg        uint32
	nextVirginSeg uint32 // lowest segment index never yet handed out sequentially

	ssb   *ssbBuffer
	sutT  *sut
	imapT []uint32
	dirty *dirtyBuffer
	ring  *freeRing

	// inodeRefs counts, per inode block, how many imap entries still
	// point into it. Inode blocks are shared - several inodes pack into
	// one - so the block's live-byte credit can only be dropped when the
	// last resident moves out. Rebuilt from the imap on mount, never
	// persisted.
	inodeRefs map[uint32]int

	gcState   cleanerState
	gcRunning bool
	gcFailed  bool
	syncing   bool

	// nextCheckpointSlot alternates 0/1 so Sync always writes the slot
	// that is currently the older (or invalid) one - a crash mid-write
	// leaves the other slot intact.
	nextCheckpointSlot int

	// checkpointSeq is the monotonic counter Sync stamps into the next
	// checkpoint record, seeded from whichever slot Mount recovered (or 0
	// for a fresh format) so recovery can order the two slots without
	// relying on second-resolution timestamps.
	checkpointSeq uint32

	icache *icache.Cache
}

// inodeState is what the icache stores per cached inode: the on-disk
// image plus the inum it was read under.
type inodeState struct {
	Inum uint32
	Dinode
}

func (s inodeState) Nlink() int { return int(s.Dinode.Nlink) }

// New wires together a fresh FS over dev given sb (typically the
// checkpoint-selected superblock from Mount) and cfg. imapT and sutT, if
// non-nil, seed the in-memory tables from a recovered checkpoint;
// otherwise the FS starts as freshly formatted (every inode and segment
// free).
func New(log elog.View, dev *bufcache.Cache, sb *Superblock, cfg Config, ringDir string, logTail, curSeg, nextVirginSeg uint32, imapT []uint32, sutT []SUTEntry, nextCheckpointSlot int, checkpointSeq uint32) (*FS, error) {
	ring, err := openFreeRing(ringDir)
	if err != nil {
		return nil, err
	}

	if imapT == nil {
		imapT = make([]uint32, sb.NInodes+1)
	}

	// The imap's slot field is 4 bits wide, so an inode block never
	// carries more than maxInodeSlots inodes even when the block size
	// could fit more.
	dirtyCap := sb.InodesPerBlock()
	if dirtyCap > maxInodeSlots {
		dirtyCap = maxInodeSlots
	}

	fs := &FS{
		log:                log,
		cfg:                cfg,
		dev:                dev,
		sb:                 sb,
		logTail:            logTail,
		curSeg:             curSeg,
		nextVirginSeg:      nextVirginSeg,
		ssb:                newSSBBuffer(),
		sutT:               newSUTFrom(sutT, int(sb.NSegs)),
		imapT:              imapT,
		dirty:              newDirtyBuffer(dirtyCap),
		ring:               ring,
		nextCheckpointSlot: nextCheckpointSlot,
		checkpointSeq:      checkpointSeq,
		inodeRefs:          make(map[uint32]int),
	}
	for inum := uint32(1); inum < uint32(len(imapT)); inum++ {
		entry := imapT[inum]
		if entry == ImapFree || entry == ImapDirty {
			continue
		}
		block, _, _ := decodeImap(entry)
		fs.inodeRefs[block]++
	}
	fs.icache = icache.New(fs.loadInode, fs.ifree)
	return fs, nil
}

// Close releases the free-segment ring's backing store. Callers that
// want durability call Sync first; Close itself writes nothing, so a
// mount-inspect-close sequence leaves the image byte-identical.
func (fs *FS) Close() error {
	return fs.ring.close()
}

// loadInode adapts iread to the icache's loader callback.
func (fs *FS) loadInode(inum uint32) (interface{}, error) {
	st, err := fs.iread(context.Background(), inum)
	if err != nil {
		return nil, err
	}
	return inodeState{Inum: inum, Dinode: st}, nil
}

// Superblock exposes the mounted superblock, e.g. for fsck and the CLI.
func (fs *FS) Superblock() *Superblock { return fs.sb }
