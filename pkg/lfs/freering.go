package lfs

import (
	"strconv"
	"strings"
	"sync"

	"github.com/beeker1121/goque"
)

// freeRing is the free-segment ring: a FIFO of segment indices the
// cleaner produces and the allocator consumes when the sequential log
// reaches a boundary. It is runtime-only scratch state, not part of the
// checkpoint - Mount rebuilds it from the segments the usage table has
// recorded with the free sentinel.
//
// Backed by a goque disk queue opened at a scratch directory: open
// empty, then seed from the recovered usage table.
type freeRing struct {
	mu sync.Mutex
	q  *goque.Queue
}

func openFreeRing(dir string) (*freeRing, error) {
	q, err := goque.OpenQueue(dir)
	if err != nil {
		return nil, err
	}
	// Discard anything a previous run left in the directory: the ring's
	// contents come only from the seeding that follows.
	for {
		if _, err := q.Dequeue(); err != nil {
			if isQueueEmpty(err) {
				break
			}
			q.Close()
			return nil, err
		}
	}
	return &freeRing{q: q}, nil
}

func (r *freeRing) push(seg uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.q.EnqueueString(strconv.FormatUint(uint64(seg), 10))
	return err
}

// pop returns the next free segment, or ok=false if the ring is empty.
func (r *freeRing) pop() (seg uint32, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, err := r.q.Dequeue()
	if err != nil {
		if isQueueEmpty(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, err := strconv.ParseUint(item.ToString(), 10, 32)
	if err != nil {
		return 0, false, err
	}
	return uint32(v), true, nil
}

func (r *freeRing) length() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.Length()
}

func (r *freeRing) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.Close()
}

func isQueueEmpty(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Stack or queue is empty")
}
