// Package icache is an in-memory inode cache with xv6-style sleep-lock
// discipline: iget/ilock/iunlock/iput. It knows nothing about on-disk
// inode layout - the filesystem core supplies a Loader (its own inode
// read path) and an Evictor (its inode free path) and the cache stores
// whatever state they hand back.
package icache

import (
	"sync"

	"golang.org/x/sync/syncmap"
)

// Loader reads the current image of inum, wherever it lives.
type Loader func(inum uint32) (interface{}, error)

// Evictor is invoked when an inode's reference count drops to zero and
// its cached state reports Nlink() == 0.
type Evictor func(inum uint32) error

// State is the minimal shape the cache needs from whatever the Loader
// returns, so Cache can decide when an evicted inode must also be freed.
type State interface {
	Nlink() int
}

// Inode is a cache slot: an inum, a reference count, the sleep-lock that
// serializes file reads/writes against this inode, and the cached state.
type Inode struct {
	Inum int

	refMu sync.Mutex
	ref   int

	sleep sync.Mutex // the "sleep lock", held across blocking I/O

	stateMu sync.Mutex
	loaded  bool
	state   interface{}
}

// Cache is the in-memory inode cache. Its own bookkeeping locks
// (guarding the table and ref counts) are short and non-blocking;
// IlockLoad's sleep-lock is the only thing ever held across I/O.
type Cache struct {
	table syncmap.Map // inum -> *Inode
	load  Loader
	evict Evictor
}

// New builds an inode cache against the given core callbacks.
func New(load Loader, evict Evictor) *Cache {
	return &Cache{load: load, evict: evict}
}

// Iget returns the cached Inode for inum, creating an entry if none
// exists yet, and bumps its reference count. It never blocks and never
// touches the device.
func (c *Cache) Iget(inum uint32) *Inode {
	v, _ := c.table.LoadOrStore(int(inum), &Inode{Inum: int(inum)})
	ip := v.(*Inode)
	ip.refMu.Lock()
	ip.ref++
	ip.refMu.Unlock()
	return ip
}

// IlockLoad acquires the inode's sleep-lock and, if this is the first
// lock since the inode entered the cache (or since it was last evicted),
// loads its state via the Loader. May block on device I/O.
func (c *Cache) IlockLoad(ip *Inode) (interface{}, error) {
	ip.sleep.Lock()
	ip.stateMu.Lock()
	defer ip.stateMu.Unlock()
	if ip.loaded {
		return ip.state, nil
	}
	state, err := c.load(uint32(ip.Inum))
	if err != nil {
		ip.sleep.Unlock()
		return nil, err
	}
	ip.state = state
	ip.loaded = true
	return state, nil
}

// TryIlock acquires the inode's sleep-lock only if it is immediately
// available. The segment cleaner uses this instead of IlockLoad: a
// writer mid-flight holds the sleep-lock with a private copy of the
// inode, and relocating underneath it would be clobbered when the
// writer stores that copy back. Better to skip the victim and come back
// than to block (the writer may be the very caller the cleaner is
// running inside of).
func (ip *Inode) TryIlock() bool {
	return ip.sleep.TryLock()
}

// Iunlock releases the inode's sleep-lock.
func (ip *Inode) Iunlock() {
	ip.sleep.Unlock()
}

// SetState overwrites the cached state, e.g. after a write or truncate
// mutation. Callers racing other writers hold the inode's sleep-lock
// across the load-mutate-set cycle; the internal lock here only keeps
// the swap itself atomic.
func (ip *Inode) SetState(state interface{}) {
	ip.stateMu.Lock()
	ip.state = state
	ip.stateMu.Unlock()
}

// Iput drops a reference. On the last reference, if the cached state's
// Nlink() is zero, it invokes the Evictor and drops the entry from the
// table so a future Iget reloads fresh state.
func (c *Cache) Iput(ip *Inode) error {
	ip.refMu.Lock()
	ip.ref--
	last := ip.ref == 0
	ip.refMu.Unlock()

	if !last {
		return nil
	}

	ip.stateMu.Lock()
	state, loaded := ip.state, ip.loaded
	ip.stateMu.Unlock()

	if loaded {
		if st, ok := state.(State); ok && st.Nlink() == 0 {
			if err := c.evict(uint32(ip.Inum)); err != nil {
				return err
			}
			c.table.Delete(ip.Inum)
			ip.stateMu.Lock()
			ip.loaded = false
			ip.state = nil
			ip.stateMu.Unlock()
		}
	}

	return nil
}
