package bufcache

import (
	"io"
	"os"

	"github.com/spritefs/lfscore/pkg/vio"
)

// MemDevice is an in-memory Device, mainly for tests.
type MemDevice struct {
	blockSize int
	blocks    [][]byte
}

// NewMemDevice allocates a zero-filled in-memory device of nblocks
// blocks, each blockSize bytes.
func NewMemDevice(blockSize int, nblocks uint32) *MemDevice {
	d := &MemDevice{blockSize: blockSize, blocks: make([][]byte, nblocks)}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, blockSize)
	}
	return d
}

func (d *MemDevice) ReadBlock(block uint32, p []byte) error {
	copy(p, d.blocks[block])
	return nil
}

func (d *MemDevice) WriteBlock(block uint32, p []byte) error {
	copy(d.blocks[block], p)
	return nil
}

func (d *MemDevice) BlockSize() int    { return d.blockSize }
func (d *MemDevice) NumBlocks() uint32 { return uint32(len(d.blocks)) }

// FileDevice is a Device backed by an *os.File, the on-disk image a real
// mount would use.
type FileDevice struct {
	f         *os.File
	blockSize int
	nblocks   uint32
}

// OpenFileDevice opens an existing image file of exactly nblocks *
// blockSize bytes.
func OpenFileDevice(path string, blockSize int, nblocks uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileDevice{f: f, blockSize: blockSize, nblocks: nblocks}, nil
}

// CreateFileDevice creates and zero-fills a new image file of nblocks *
// blockSize bytes, streaming the fill from vio.Zeroes.
func CreateFileDevice(path string, blockSize int, nblocks uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(f, vio.Zeroes, int64(blockSize)*int64(nblocks)); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, blockSize: blockSize, nblocks: nblocks}, nil
}

func (d *FileDevice) ReadBlock(block uint32, p []byte) error {
	_, err := d.f.ReadAt(p, int64(block)*int64(d.blockSize))
	return err
}

func (d *FileDevice) WriteBlock(block uint32, p []byte) error {
	_, err := d.f.WriteAt(p, int64(block)*int64(d.blockSize))
	return err
}

func (d *FileDevice) BlockSize() int    { return d.blockSize }
func (d *FileDevice) NumBlocks() uint32 { return d.nblocks }
func (d *FileDevice) Close() error      { return d.f.Close() }
