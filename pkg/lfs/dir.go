package lfs

import (
	"context"
	"encoding/binary"

	"github.com/spritefs/lfscore/pkg/lfs/icache"
	"github.com/spritefs/lfscore/pkg/lfs/lfserr"
)

// DirNameMax is the longest name a directory entry can hold.
const DirNameMax = 28

// dirEntryEncodedSize is Inum (4) + Valid (1) + Name (DirNameMax).
const dirEntryEncodedSize = 4 + 1 + DirNameMax

// DirEntry is one slot of a directory's flat entry array. Valid is
// false for a free slot left behind by Unlink - directories never
// compact, they just reuse holes.
type DirEntry struct {
	Inum  uint32
	Valid bool
	Name  string
}

func encodeDirEntry(e DirEntry) []byte {
	out := make([]byte, dirEntryEncodedSize)
	binary.LittleEndian.PutUint32(out[0:4], e.Inum)
	if e.Valid {
		out[4] = 1
	}
	copy(out[5:], e.Name)
	return out
}

func decodeDirEntry(p []byte) DirEntry {
	return DirEntry{
		Inum:  binary.LittleEndian.Uint32(p[0:4]),
		Valid: p[4] == 1,
		Name:  cstring(p[5 : 5+DirNameMax]),
	}
}

func cstring(p []byte) string {
	for i, b := range p {
		if b == 0 {
			return string(p[:i])
		}
	}
	return string(p)
}

func entriesPerDirBlock(blockSize int) int {
	return blockSize / dirEntryEncodedSize
}

// Lookup scans dir's entries for name, returning its inum.
func (fs *FS) Lookup(ctx context.Context, dir *icache.Inode, name string) (uint32, error) {
	st, err := fs.icache.IlockLoad(dir)
	if err != nil {
		return 0, err
	}
	d := st.(inodeState).Dinode
	dir.Iunlock()

	if d.Type != TypeDir {
		return 0, lfserr.Corruption("lookup: inode is not a directory")
	}

	perBlock := entriesPerDirBlock(int(fs.sb.BlockSize))
	nEntries := int(d.Size) / dirEntryEncodedSize
	raw := make([]byte, dirEntryEncodedSize)
	for i := 0; i < nEntries; i++ {
		blk := uint32(i / perBlock)
		off := int64(i%perBlock) * dirEntryEncodedSize
		addr, err := fs.bmapRead(&d, blk)
		if err != nil {
			return 0, err
		}
		if addr == 0 {
			continue
		}
		buf, err := fs.dev.Bread(addr)
		if err != nil {
			return 0, err
		}
		copy(raw, buf.Data[off:off+dirEntryEncodedSize])
		fs.dev.Brelse(buf)

		e := decodeDirEntry(raw)
		if e.Valid && e.Name == name {
			return e.Inum, nil
		}
	}
	return 0, lfserr.Corruption("lookup: %q not found", name)
}

// Link appends a (name, inum) entry to dir, reusing the first free slot
// if one exists, otherwise extending the directory by one entry.
func (fs *FS) Link(ctx context.Context, dir *icache.Inode, name string, inum uint32) error {
	if len(name) > DirNameMax {
		return lfserr.Corruption("link: name %q exceeds %d bytes", name, DirNameMax)
	}

	st, err := fs.icache.IlockLoad(dir)
	if err != nil {
		return err
	}
	d := st.(inodeState).Dinode
	dir.Iunlock()

	perBlock := entriesPerDirBlock(int(fs.sb.BlockSize))
	nEntries := int(d.Size) / dirEntryEncodedSize

	slot := -1
	raw := make([]byte, dirEntryEncodedSize)
	for i := 0; i < nEntries; i++ {
		blk := uint32(i / perBlock)
		addr, err := fs.bmapRead(&d, blk)
		if err != nil {
			return err
		}
		if addr == 0 {
			continue
		}
		off := int64(i%perBlock) * dirEntryEncodedSize
		buf, err := fs.dev.Bread(addr)
		if err != nil {
			return err
		}
		copy(raw, buf.Data[off:off+dirEntryEncodedSize])
		fs.dev.Brelse(buf)
		if !decodeDirEntry(raw).Valid {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = nEntries
	}

	entryBytes := encodeDirEntry(DirEntry{Inum: inum, Valid: true, Name: name})
	_, err = fs.Writei(ctx, dir, entryBytes, int64(slot)*dirEntryEncodedSize)
	return err
}

// Unlink marks name's entry free without compacting the directory.
func (fs *FS) Unlink(ctx context.Context, dir *icache.Inode, name string) error {
	st, err := fs.icache.IlockLoad(dir)
	if err != nil {
		return err
	}
	d := st.(inodeState).Dinode
	dir.Iunlock()

	perBlock := entriesPerDirBlock(int(fs.sb.BlockSize))
	nEntries := int(d.Size) / dirEntryEncodedSize
	raw := make([]byte, dirEntryEncodedSize)

	for i := 0; i < nEntries; i++ {
		blk := uint32(i / perBlock)
		addr, err := fs.bmapRead(&d, blk)
		if err != nil {
			return err
		}
		if addr == 0 {
			continue
		}
		off := int64(i%perBlock) * dirEntryEncodedSize
		buf, err := fs.dev.Bread(addr)
		if err != nil {
			return err
		}
		copy(raw, buf.Data[off:off+dirEntryEncodedSize])
		fs.dev.Brelse(buf)

		e := decodeDirEntry(raw)
		if e.Valid && e.Name == name {
			freed := encodeDirEntry(DirEntry{})
			_, err := fs.Writei(ctx, dir, freed, int64(i)*dirEntryEncodedSize)
			return err
		}
	}
	return lfserr.Corruption("unlink: %q not found", name)
}

// ReadDir returns every valid entry in dir.
func (fs *FS) ReadDir(ctx context.Context, dir *icache.Inode) ([]DirEntry, error) {
	st, err := fs.icache.IlockLoad(dir)
	if err != nil {
		return nil, err
	}
	d := st.(inodeState).Dinode
	dir.Iunlock()

	perBlock := entriesPerDirBlock(int(fs.sb.BlockSize))
	nEntries := int(d.Size) / dirEntryEncodedSize
	raw := make([]byte, dirEntryEncodedSize)

	var out []DirEntry
	for i := 0; i < nEntries; i++ {
		blk := uint32(i / perBlock)
		addr, err := fs.bmapRead(&d, blk)
		if err != nil {
			return nil, err
		}
		if addr == 0 {
			continue
		}
		off := int64(i%perBlock) * dirEntryEncodedSize
		buf, err := fs.dev.Bread(addr)
		if err != nil {
			return nil, err
		}
		copy(raw, buf.Data[off:off+dirEntryEncodedSize])
		fs.dev.Brelse(buf)
		if e := decodeDirEntry(raw); e.Valid {
			out = append(out, e)
		}
	}
	return out, nil
}
