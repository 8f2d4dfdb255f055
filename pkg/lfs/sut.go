package lfs

import (
	"bytes"
	"encoding/binary"
	"sync"
)

// sut is the segment usage table: one SUTEntry per segment, tracking
// live-byte counts and a last-modified age tick. It is the cleaner's
// sole source of victim-selection data and is persisted via the
// checkpoint. Age is measured in sync ticks rather than wall-clock time
// so it survives a remount unchanged.
type sut struct {
	mu      sync.Mutex
	entries []SUTEntry
	tick    uint32
}

func newSUT(nsegs int) *sut {
	return &sut{
		entries: make([]SUTEntry, nsegs),
	}
}

// newSUTFrom seeds a table from a recovered checkpoint's persisted
// entries, falling back to a fresh all-zero table (mkfs's initial state)
// when entries is nil.
func newSUTFrom(entries []SUTEntry, nsegs int) *sut {
	s := newSUT(nsegs)
	if entries == nil {
		return s
	}
	copy(s.entries, entries)
	for _, e := range s.entries {
		if e.LiveBytes != SUTFree && e.Age > s.tick {
			s.tick = e.Age
		}
	}
	return s
}

// update resolves block to its segment and saturating-adjusts its live
// byte count by delta (positive on append/relocate-in, negative on
// overwrite/truncate/relocate-out), stamping the segment's age with the
// current tick. Updates against a free-marked segment are dropped; the
// allocator clears the marker first when it reuses one.
func (s *sut) update(sb *Superblock, block uint32, delta int64) {
	seg := int(sb.SegmentOf(block))
	s.mu.Lock()
	defer s.mu.Unlock()
	if seg < 0 || seg >= len(s.entries) {
		return
	}
	e := &s.entries[seg]
	if e.LiveBytes == SUTFree {
		return
	}
	v := int64(e.LiveBytes) + delta
	if v < 0 {
		v = 0
	}
	e.LiveBytes = uint32(v)
	e.Age = s.tick
}

// read returns the current (liveBytes, age) for seg.
func (s *sut) read(seg int) (uint32, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seg < 0 || seg >= len(s.entries) {
		return 0, 0
	}
	return s.entries[seg].LiveBytes, s.entries[seg].Age
}

// markFree sets seg's live-byte count to the free sentinel, the signal
// that lets victim selection skip it without a separate free bit.
func (s *sut) markFree(seg int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[seg] = SUTEntry{LiveBytes: SUTFree, Age: s.tick}
}

// markInUse clears the free sentinel when the allocator pops seg off the
// free ring.
func (s *sut) markInUse(seg int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[seg] = SUTEntry{LiveBytes: 0, Age: s.tick}
}

// bumpTick advances the age clock; called once per checkpoint, so "age"
// means syncs-since-last-touch.
func (s *sut) bumpTick() {
	s.mu.Lock()
	s.tick++
	s.mu.Unlock()
}

// clock returns the current tick for age arithmetic.
func (s *sut) clock() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// snapshot returns a defensive copy of the table for the cleaner's
// victim-selection pass and for read-only inspection, neither of which
// may hold the table's lock while consulting other state.
func (s *sut) snapshot() []SUTEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SUTEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// packBlocks serializes the whole table into blockSize-sized blocks of
// packed SUTEntry records.
func (s *sut) packBlocks(blockSize int) [][]byte {
	perBlock := blockSize / sutEntryEncodedSize
	if perBlock == 0 {
		perBlock = 1
	}
	entries := s.snapshot()

	var blocks [][]byte
	for i := 0; i < len(entries); i += perBlock {
		end := i + perBlock
		if end > len(entries) {
			end = len(entries)
		}
		buf := bytes.NewBuffer(make([]byte, 0, blockSize))
		for _, e := range entries[i:end] {
			_ = binary.Write(buf, binary.LittleEndian, e.LiveBytes)
			_ = binary.Write(buf, binary.LittleEndian, e.Age)
		}
		out := make([]byte, blockSize)
		copy(out, buf.Bytes())
		blocks = append(blocks, out)
	}
	return blocks
}

func unpackSUTBlock(p []byte, n int) []SUTEntry {
	out := make([]SUTEntry, 0, n)
	r := bytes.NewReader(p)
	for i := 0; i < n; i++ {
		var e SUTEntry
		if binary.Read(r, binary.LittleEndian, &e.LiveBytes) != nil {
			break
		}
		if binary.Read(r, binary.LittleEndian, &e.Age) != nil {
			break
		}
		out = append(out, e)
	}
	return out
}
