package lfs

import (
	"bytes"
	"encoding/binary"

	"github.com/spritefs/lfscore/pkg/lfs/lfserr"
)

// ssbBuffer is the in-memory segment summary buffer: it collects one
// entry per payload block appended to the current segment, in append
// order, and on flush persists them as a single self-describing block
// shaped {magic, nblocks, checksum, timestamp, next_seg_addr, entries}.
//
// Reserving the final block of every segment for this buffer's output is
// what lets the cleaner always find out what a completed segment holds
// without consulting anything outside the segment.
type ssbBuffer struct {
	entries []SSBEntry

	flushing      []SSBEntry
	flushInFlight bool

	pendingBlock uint32
	pendingValid bool
}

func newSSBBuffer() *ssbBuffer {
	return &ssbBuffer{}
}

// addLocked enqueues one entry. Caller holds the lfs lock, which guards
// all of this buffer's state.
func (b *ssbBuffer) addLocked(e SSBEntry) {
	b.entries = append(b.entries, e)
}

func (b *ssbBuffer) lenLocked() int {
	return len(b.entries)
}

// reserveEndOfSegmentLocked moves the live entries into the flush buffer
// and records that the segment's trailing block has been reserved for
// them. The actual write happens after the allocator releases the lfs
// lock; takePendingForWriteLocked hands the reservation out exactly once.
func (b *ssbBuffer) reserveEndOfSegmentLocked(block uint32) {
	if b.flushInFlight {
		lfserr.InvariantViolation("ssb: flushing buffer already in use")
	}
	b.flushing = b.entries
	b.entries = nil
	b.flushInFlight = true
	b.pendingBlock = block
	b.pendingValid = true
}

// takePendingForWriteLocked returns the reserved end-of-segment block
// number and the entries staged for it, if a reservation is still
// outstanding, clearing the pending flag so the write happens at most
// once.
func (b *ssbBuffer) takePendingForWriteLocked() (block uint32, entries []SSBEntry, ok bool) {
	if !b.pendingValid {
		return 0, nil, false
	}
	b.pendingValid = false
	return b.pendingBlock, b.flushing, true
}

// beginFlushLocked stages the live entries for an explicit mid-segment
// flush - the cleaner sealing its relocations, or Sync draining the
// buffer before a checkpoint. The caller takes the destination block
// (the next tail slot) while still holding the lfs lock and writes it
// once the lock is released.
func (b *ssbBuffer) beginFlushLocked() []SSBEntry {
	if b.flushInFlight {
		lfserr.InvariantViolation("ssb: flushing buffer already in use")
	}
	entries := b.entries
	b.flushing = entries
	b.entries = nil
	b.flushInFlight = true
	return entries
}

// abortFlushLocked restores entries a flush staged but could not write
// (e.g. the allocator reported out-of-space), preserving them ahead of
// anything appended meanwhile.
func (b *ssbBuffer) abortFlushLocked() {
	b.entries = append(b.flushing, b.entries...)
	b.flushing = nil
	b.flushInFlight = false
}

// endFlushLocked clears the flushing buffer once its block has been
// written through the device, the last step of both the pending and the
// explicit flush paths.
func (b *ssbBuffer) endFlushLocked() {
	b.flushing = nil
	b.flushInFlight = false
}

// encodeSSBBlock packs entries into a blockSize-byte summary block.
func encodeSSBBlock(entries []SSBEntry, timestamp uint32, blockSize int) ([]byte, error) {
	need := ssbHeaderEncodedSize + len(entries)*ssbEntryEncodedSize
	if need > blockSize {
		return nil, lfserr.Corruption("ssb: %d entries do not fit in a %d-byte block", len(entries), blockSize)
	}

	body := new(bytes.Buffer)
	for _, e := range entries {
		body.WriteByte(byte(e.Kind))
		_ = binary.Write(body, binary.LittleEndian, e.Inum)
		_ = binary.Write(body, binary.LittleEndian, e.Offset)
		_ = binary.Write(body, binary.LittleEndian, e.Version)
	}

	checksum := ssbChecksum(body.Bytes())

	out := bytes.NewBuffer(make([]byte, 0, blockSize))
	_ = binary.Write(out, binary.LittleEndian, SSBMagic)
	_ = binary.Write(out, binary.LittleEndian, uint32(len(entries)))
	_ = binary.Write(out, binary.LittleEndian, checksum)
	_ = binary.Write(out, binary.LittleEndian, timestamp)
	_ = binary.Write(out, binary.LittleEndian, uint32(0)) // next_seg_addr: reserved for roll-forward recovery
	out.Write(body.Bytes())

	buf := make([]byte, blockSize)
	copy(buf, out.Bytes())
	return buf, nil
}

// ssbChecksum is the XOR of 32-bit words across the entry bytes. Entries
// are 13 bytes wide (not a multiple of 4); the trailing partial word is
// zero-padded before XOR.
func ssbChecksum(body []byte) uint32 {
	var sum uint32
	for i := 0; i < len(body); i += 4 {
		var word [4]byte
		copy(word[:], body[i:min(i+4, len(body))])
		sum ^= binary.LittleEndian.Uint32(word[:])
	}
	return sum
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// decodeSSBBlock validates magic+checksum and parses entries. Returns
// (nil, false, nil) - not an error - for a block that simply isn't a
// summary block, since the cleaner probes every block in a victim
// segment looking for one.
func decodeSSBBlock(p []byte) (entries []SSBEntry, ok bool, err error) {
	if len(p) < ssbHeaderEncodedSize {
		return nil, false, nil
	}
	magic := binary.LittleEndian.Uint32(p[0:4])
	if magic != SSBMagic {
		return nil, false, nil
	}
	n := binary.LittleEndian.Uint32(p[4:8])
	checksum := binary.LittleEndian.Uint32(p[8:12])

	need := ssbHeaderEncodedSize + int(n)*ssbEntryEncodedSize
	if need > len(p) {
		return nil, false, nil
	}

	body := p[ssbHeaderEncodedSize:need]
	if ssbChecksum(body) != checksum {
		return nil, false, nil
	}

	out := make([]SSBEntry, n)
	r := bytes.NewReader(body)
	for i := range out {
		kb, err := r.ReadByte()
		if err != nil {
			return nil, false, nil
		}
		out[i].Kind = Kind(kb)
		if err := binary.Read(r, binary.LittleEndian, &out[i].Inum); err != nil {
			return nil, false, nil
		}
		if err := binary.Read(r, binary.LittleEndian, &out[i].Offset); err != nil {
			return nil, false, nil
		}
		if err := binary.Read(r, binary.LittleEndian, &out[i].Version); err != nil {
			return nil, false, nil
		}
	}
	return out, true, nil
}
