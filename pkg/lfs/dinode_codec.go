package lfs

import (
	"bytes"
	"encoding/binary"

	"github.com/spritefs/lfscore/pkg/lfs/lfserr"
)

// encodeDinode serializes d into exactly dinodeEncodedSize bytes.
func encodeDinode(d Dinode) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, dinodeEncodedSize))
	_ = binary.Write(buf, binary.LittleEndian, d.Type)
	_ = binary.Write(buf, binary.LittleEndian, d.Nlink)
	_ = binary.Write(buf, binary.LittleEndian, d.Major)
	_ = binary.Write(buf, binary.LittleEndian, d.Minor)
	_ = binary.Write(buf, binary.LittleEndian, d.Size)
	_ = binary.Write(buf, binary.LittleEndian, d.Version)
	for _, a := range d.Addrs {
		_ = binary.Write(buf, binary.LittleEndian, a)
	}
	return buf.Bytes()
}

func decodeDinode(p []byte) (Dinode, error) {
	if len(p) < dinodeEncodedSize {
		return Dinode{}, lfserr.Corruption("dinode: short read (%d bytes)", len(p))
	}
	var d Dinode
	r := bytes.NewReader(p)
	for _, f := range []interface{}{&d.Type, &d.Nlink, &d.Major, &d.Minor, &d.Size, &d.Version} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Dinode{}, lfserr.Corruption("dinode: %v", err)
		}
	}
	for i := range d.Addrs {
		if err := binary.Read(r, binary.LittleEndian, &d.Addrs[i]); err != nil {
			return Dinode{}, lfserr.Corruption("dinode: %v", err)
		}
	}
	return d, nil
}

// encodeDinodeAt writes d into block at the given slot, leaving every
// other slot untouched.
func encodeDinodeAt(block []byte, slot int, d Dinode) {
	copy(block[slot*dinodeEncodedSize:], encodeDinode(d))
}

func decodeDinodeAt(block []byte, slot int) (Dinode, error) {
	start := slot * dinodeEncodedSize
	if start+dinodeEncodedSize > len(block) {
		return Dinode{}, lfserr.Corruption("dinode: slot %d out of range for block size %d", slot, len(block))
	}
	return decodeDinode(block[start : start+dinodeEncodedSize])
}
