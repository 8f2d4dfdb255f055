package lfs

import (
	"bytes"
	"encoding/binary"

	"github.com/spritefs/lfscore/pkg/lfs/lfserr"
)

// Checkpoint is the persisted record a mount recovers from. Its header
// and footer timestamps are written identically on a valid checkpoint;
// recovery rejects any slot where they differ, since a crash mid-write
// leaves them unequal. Seq is a monotonic counter bumped
// on every Sync, used only to order the two slots during recovery -
// HeaderTS/FooterTS are second-resolution, so two syncs landing in the
// same wall-clock second would otherwise tie and risk selecting the
// older slot.
type Checkpoint struct {
	HeaderTS      uint32
	Seq           uint32
	LogTail       uint32
	CurSeg        uint32
	NextVirginSeg uint32 // lowest segment index never yet handed out sequentially
	ImapAddrs     []uint32
	SUTAddrs      []uint32
	Valid         bool
	FooterTS      uint32
}

// IsValid reports whether this slot finished its last write: the valid
// flag is set and the footer timestamp caught up with the header.
func (c *Checkpoint) IsValid() bool {
	return c.Valid && c.HeaderTS == c.FooterTS
}

// Encode packs the checkpoint into exactly blockSize bytes, padding the
// remainder with zeroes before the footer timestamp, which always
// occupies the last 4 bytes of the block.
func (c *Checkpoint) Encode(blockSize int) ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, c.HeaderTS)
	_ = binary.Write(buf, binary.LittleEndian, c.Seq)
	_ = binary.Write(buf, binary.LittleEndian, c.LogTail)
	_ = binary.Write(buf, binary.LittleEndian, c.CurSeg)
	_ = binary.Write(buf, binary.LittleEndian, c.NextVirginSeg)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(c.ImapAddrs)))
	for _, a := range c.ImapAddrs {
		_ = binary.Write(buf, binary.LittleEndian, a)
	}
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(c.SUTAddrs)))
	for _, a := range c.SUTAddrs {
		_ = binary.Write(buf, binary.LittleEndian, a)
	}
	valid := byte(0)
	if c.Valid {
		valid = 1
	}
	buf.WriteByte(valid)

	if buf.Len()+4 > blockSize {
		return nil, lfserr.Corruption("checkpoint: imap/SUT block lists too large for block size %d (need %d bytes)", blockSize, buf.Len()+4)
	}

	out := make([]byte, blockSize)
	copy(out, buf.Bytes())
	binary.LittleEndian.PutUint32(out[blockSize-4:], c.FooterTS)
	return out, nil
}

// DecodeCheckpoint parses a Checkpoint from a block. A zeroed slot that
// was never written decodes without error and reports IsValid()==false,
// since its valid flag is clear. A garbage block either decodes to a
// checkpoint that fails IsValid() or, when its block counts are
// implausible, returns a Corruption error.
func DecodeCheckpoint(p []byte) (*Checkpoint, error) {
	if len(p) < 4 {
		return nil, lfserr.Corruption("checkpoint: block too small")
	}
	r := bytes.NewReader(p)
	c := new(Checkpoint)
	fields := []*uint32{&c.HeaderTS, &c.Seq, &c.LogTail, &c.CurSeg, &c.NextVirginSeg}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, lfserr.Corruption("checkpoint: %v", err)
		}
	}

	var nImap uint32
	if err := binary.Read(r, binary.LittleEndian, &nImap); err != nil {
		return nil, lfserr.Corruption("checkpoint: %v", err)
	}
	if int(nImap) > len(p) {
		return nil, lfserr.Corruption("checkpoint: implausible imap block count %d", nImap)
	}
	c.ImapAddrs = make([]uint32, nImap)
	for i := range c.ImapAddrs {
		if err := binary.Read(r, binary.LittleEndian, &c.ImapAddrs[i]); err != nil {
			return nil, lfserr.Corruption("checkpoint: %v", err)
		}
	}

	var nSUT uint32
	if err := binary.Read(r, binary.LittleEndian, &nSUT); err != nil {
		return nil, lfserr.Corruption("checkpoint: %v", err)
	}
	if int(nSUT) > len(p) {
		return nil, lfserr.Corruption("checkpoint: implausible SUT block count %d", nSUT)
	}
	c.SUTAddrs = make([]uint32, nSUT)
	for i := range c.SUTAddrs {
		if err := binary.Read(r, binary.LittleEndian, &c.SUTAddrs[i]); err != nil {
			return nil, lfserr.Corruption("checkpoint: %v", err)
		}
	}

	validByte, err := r.ReadByte()
	if err != nil {
		return nil, lfserr.Corruption("checkpoint: %v", err)
	}
	c.Valid = validByte == 1

	c.FooterTS = binary.LittleEndian.Uint32(p[len(p)-4:])
	return c, nil
}
