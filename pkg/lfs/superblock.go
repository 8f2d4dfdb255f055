package lfs

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/spritefs/lfscore/pkg/lfs/lfserr"
)

// Signature identifies a formatted device.
const Signature uint32 = 0x4C465321 // "LFS!"

// Superblock is written once by mkfs and is read-only at runtime. Its
// wire layout is exactly SuperblockEncodedSize bytes.
type Superblock struct {
	Magic       uint32
	BlockSize   uint32
	Size        uint32 // total blocks on the device
	NSegs       uint32
	SegSize     uint32 // blocks per segment, including the trailing SSB slot
	LogStart    uint32 // first block of the log region
	NInodes     uint32
	Checkpoint0 uint32
	Checkpoint1 uint32
	UUID        [16]byte
}

// SuperblockEncodedSize is the on-disk size of a Superblock.
const SuperblockEncodedSize = 4*9 + 16

// NewUUID stamps a fresh random filesystem identifier, used only by mkfs.
func NewUUID() [16]byte {
	var out [16]byte
	id := uuid.New()
	copy(out[:], id[:])
	return out
}

// Encode serializes the superblock into exactly SuperblockEncodedSize
// bytes.
func (s *Superblock) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(SuperblockEncodedSize)
	_ = binary.Write(buf, binary.LittleEndian, s.Magic)
	_ = binary.Write(buf, binary.LittleEndian, s.BlockSize)
	_ = binary.Write(buf, binary.LittleEndian, s.Size)
	_ = binary.Write(buf, binary.LittleEndian, s.NSegs)
	_ = binary.Write(buf, binary.LittleEndian, s.SegSize)
	_ = binary.Write(buf, binary.LittleEndian, s.LogStart)
	_ = binary.Write(buf, binary.LittleEndian, s.NInodes)
	_ = binary.Write(buf, binary.LittleEndian, s.Checkpoint0)
	_ = binary.Write(buf, binary.LittleEndian, s.Checkpoint1)
	_, _ = buf.Write(s.UUID[:])
	return buf.Bytes()
}

// DecodeSuperblock parses a Superblock from its on-disk bytes.
func DecodeSuperblock(p []byte) (*Superblock, error) {
	if len(p) < SuperblockEncodedSize {
		return nil, lfserr.Corruption("superblock: short read (%d bytes)", len(p))
	}
	r := bytes.NewReader(p)
	s := new(Superblock)
	for _, f := range []*uint32{&s.Magic, &s.BlockSize, &s.Size, &s.NSegs, &s.SegSize,
		&s.LogStart, &s.NInodes, &s.Checkpoint0, &s.Checkpoint1} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, lfserr.Corruption("superblock: %v", err)
		}
	}
	if _, err := r.Read(s.UUID[:]); err != nil {
		return nil, lfserr.Corruption("superblock: %v", err)
	}
	if s.Magic != Signature {
		return nil, lfserr.Corruption("superblock: bad magic %#x", s.Magic)
	}
	return s, nil
}

// InodesPerBlock is how many packed inodes fit in one block.
func (s *Superblock) InodesPerBlock() int {
	return int(s.BlockSize) / dinodeEncodedSize
}

// SegmentOf returns the segment index containing block.
func (s *Superblock) SegmentOf(block uint32) uint32 {
	if block < s.LogStart {
		return 0
	}
	return (block - s.LogStart) / s.SegSize
}

// SegmentStart returns the first block of segment seg.
func (s *Superblock) SegmentStart(seg uint32) uint32 {
	return s.LogStart + seg*s.SegSize
}

// SegmentSSBBlock returns the reserved last block of segment seg, the
// slot the segment's trailing summary is sealed into.
func (s *Superblock) SegmentSSBBlock(seg uint32) uint32 {
	return s.SegmentStart(seg) + s.SegSize - 1
}
