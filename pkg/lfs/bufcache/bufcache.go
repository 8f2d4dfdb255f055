// Package bufcache is a block-device buffer cache with scoped pin/unpin
// semantics (bread/bwrite/brelse). The filesystem core never touches a
// device directly; it always goes through a *Cache so that every
// suspension point (every blocking read or write) is visible at the
// call site.
//
// Only a reference implementation lives here - the contract, not a
// production cache. It keeps at most one in-memory copy of any block and
// backs it directly onto the Device; there is no write-back delay and no
// LRU eviction, which is sufficient for the core to be exercised and
// tested without pretending to specify a real buffer-cache's internals.
package bufcache

import (
	"fmt"
	"sync"
)

// Device is the raw block device a Cache reads through. Block numbers are
// zero-based, fixed-size units of BlockSize() bytes.
type Device interface {
	ReadBlock(block uint32, p []byte) error
	WriteBlock(block uint32, p []byte) error
	BlockSize() int
	NumBlocks() uint32
}

// Buf is a pinned, possibly-dirty in-memory copy of one device block.
// Callers obtain a Buf from Bread, mutate Data in place, and must call
// Brelse exactly once to release the pin regardless of which return path
// they take - including error paths and panics recovered higher up.
type Buf struct {
	Block uint32
	Data  []byte

	cache  *Cache
	dirty  bool
	pinned int
}

// Cache is a pinned buffer cache over a single Device.
type Cache struct {
	mu   sync.Mutex
	dev  Device
	bufs map[uint32]*Buf
}

// New wraps dev in a buffer cache.
func New(dev Device) *Cache {
	return &Cache{
		dev:  dev,
		bufs: make(map[uint32]*Buf),
	}
}

// Device returns the underlying device, e.g. so mkfs can query geometry.
func (c *Cache) Device() Device {
	return c.dev
}

// Bread returns a pinned buffer for block, reading it from the device on
// first access. It may block on device I/O; callers must never hold a
// non-blocking lock (lfs/imap/SUT/SSB) across this call.
func (c *Cache) Bread(block uint32) (*Buf, error) {
	if block >= c.dev.NumBlocks() {
		return nil, fmt.Errorf("bufcache: block %d out of range (%d blocks)", block, c.dev.NumBlocks())
	}

	c.mu.Lock()
	if b, ok := c.bufs[block]; ok {
		b.pinned++
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	data := make([]byte, c.dev.BlockSize())
	if err := c.dev.ReadBlock(block, data); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bufs[block]; ok {
		// Lost a race with a concurrent Bread of the same block; use the
		// copy that is already cached and drop the one we just read.
		b.pinned++
		return b, nil
	}
	b := &Buf{Block: block, Data: data, cache: c, pinned: 1}
	c.bufs[block] = b
	return b, nil
}

// BreadZero returns a pinned buffer for block without reading the
// device, zero-filled. Used when a caller is about to overwrite the
// entire block (e.g. a freshly allocated log block).
func (c *Cache) BreadZero(block uint32) (*Buf, error) {
	if block >= c.dev.NumBlocks() {
		return nil, fmt.Errorf("bufcache: block %d out of range (%d blocks)", block, c.dev.NumBlocks())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bufs[block]; ok {
		b.pinned++
		return b, nil
	}
	b := &Buf{Block: block, Data: make([]byte, c.dev.BlockSize()), cache: c, pinned: 1}
	c.bufs[block] = b
	return b, nil
}

// Bwrite marks buf dirty and writes it through to the device immediately.
// buf must have come from Bread/BreadZero.
func (c *Cache) Bwrite(buf *Buf) error {
	buf.dirty = true
	return c.dev.WriteBlock(buf.Block, buf.Data)
}

// Brelse unpins buf. Once the pin count drops to zero the cache may
// evict the copy; the reference implementation evicts eagerly to keep
// memory bounded, since every write already went through to the device.
func (c *Cache) Brelse(buf *Buf) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf.pinned--
	if buf.pinned <= 0 {
		delete(c.bufs, buf.Block)
	}
}
