package dma

import (
	"context"
	"fmt"
	"sync"
)

// TagPool hands out transaction tags round-robin, bounding the number of
// outstanding segments per tag. Acquire blocks while every tag is saturated.
type TagPool struct {
	mu        sync.Mutex
	inflight  []int
	maxPerTag int
	next      int           // round-robin cursor
	wake      chan struct{} // closed and replaced on every Release
}

// NewTagPool creates a pool of tags 0..tags-1 with perTag slots each.
func NewTagPool(tags, perTag int) (*TagPool, error) {
	if tags <= 0 || perTag <= 0 {
		return nil, fmt.Errorf("%w: tag pool %dx%d", ErrBadConfig, tags, perTag)
	}
	return &TagPool{
		inflight:  make([]int, tags),
		maxPerTag: perTag,
		wake:      make(chan struct{}),
	}, nil
}

// Tags returns the number of tags in the pool.
func (p *TagPool) Tags() int { return len(p.inflight) }

// PerTag returns the slot limit of each tag.
func (p *TagPool) PerTag() int { return p.maxPerTag }

// TryAcquire takes a slot on the next tag with capacity, starting at the
// round-robin cursor. It never blocks.
func (p *TagPool) TryAcquire() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tryAcquireLocked()
}

func (p *TagPool) tryAcquireLocked() (int, bool) {
	n := len(p.inflight)
	for i := 0; i < n; i++ {
		tag := (p.next + i) % n
		if p.inflight[tag] < p.maxPerTag {
			p.inflight[tag]++
			p.next = (tag + 1) % n
			return tag, true
		}
	}
	return -1, false
}

// Acquire takes a slot, blocking until one frees or ctx ends. The returned
// bool reports whether the caller had to wait.
func (p *TagPool) Acquire(ctx context.Context) (int, bool, error) {
	waited := false
	for {
		p.mu.Lock()
		if tag, ok := p.tryAcquireLocked(); ok {
			p.mu.Unlock()
			return tag, waited, nil
		}
		wake := p.wake
		p.mu.Unlock()

		waited = true
		select {
		case <-wake:
		case <-ctx.Done():
			return -1, waited, ctx.Err()
		}
	}
}

// Release returns a slot on tag and wakes blocked acquirers.
func (p *TagPool) Release(tag int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tag < 0 || tag >= len(p.inflight) || p.inflight[tag] == 0 {
		panic(fmt.Sprintf("dma: release of unheld tag %d", tag))
	}
	p.inflight[tag]--
	close(p.wake)
	p.wake = make(chan struct{})
}

// InFlight returns the outstanding slot count of tag.
func (p *TagPool) InFlight(tag int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[tag]
}

// Outstanding returns the total number of held slots.
func (p *TagPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.inflight {
		total += n
	}
	return total
}
