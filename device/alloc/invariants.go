package alloc

import (
	"fmt"
	"sort"
)

// InvariantError describes a bookkeeping inconsistency found by CheckInvariants.
type InvariantError struct {
	msg string
}

func (e *InvariantError) Error() string {
	return "alloc: invariant violated: " + e.msg
}

func invariantf(format string, args ...any) error {
	return &InvariantError{msg: fmt.Sprintf(format, args...)}
}

// CheckInvariants validates the bitmaps against the allocation records:
//  1. Every slab's used counter matches its bitmap population
//  2. Every live handle owns exactly its block range, inside one slab
//  3. Live block ranges never overlap
//  4. Every used block belongs to a live handle
//  5. Aggregate counters match the records
func (a *Allocator) CheckInvariants() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	totalUsed := 0
	for _, s := range a.slabs {
		if pc := s.popcount(); pc != s.nused {
			return invariantf("slab %d: bitmap has %d used blocks, counter says %d", s.index, pc, s.nused)
		}
		for blk := 0; blk < s.nblk; blk++ {
			owner := s.owners[blk]
			if s.isUsed(blk) != (owner != nil) {
				return invariantf("slab %d block %d: used bit and owner disagree", s.index, blk)
			}
			if owner != nil && (blk < owner.first || blk >= owner.first+owner.blocks || owner.slab != s) {
				return invariantf("slab %d block %d: owner 0x%X does not cover it", s.index, blk, owner.addr)
			}
			if owner != nil && a.live[owner.addr] != owner {
				return invariantf("slab %d block %d: owner 0x%X not live", s.index, blk, owner.addr)
			}
		}
		totalUsed += s.nused
	}

	handles := make([]*Handle, 0, len(a.live))
	var requested, reserved uint64
	liveBlocks := 0
	for addr, h := range a.live {
		if h.addr != addr || h.freed || h.refs <= 0 {
			return invariantf("record 0x%X is stale (freed=%v refs=%d)", addr, h.freed, h.refs)
		}
		if h.first+h.blocks > h.slab.nblk {
			return invariantf("record 0x%X spans past slab %d", addr, h.slab.index)
		}
		if h.addr%a.blockSize != 0 {
			return invariantf("record 0x%X is not block aligned", addr)
		}
		for blk := h.first; blk < h.first+h.blocks; blk++ {
			if h.slab.owners[blk] != h {
				return invariantf("record 0x%X does not own block %d", addr, blk)
			}
		}
		handles = append(handles, h)
		requested += h.requested
		reserved += h.Size()
		liveBlocks += h.blocks
	}

	sort.Slice(handles, func(i, j int) bool { return handles[i].addr < handles[j].addr })
	for i := 1; i < len(handles); i++ {
		if handles[i-1].End() > handles[i].addr {
			return invariantf("records 0x%X and 0x%X overlap", handles[i-1].addr, handles[i].addr)
		}
	}

	if liveBlocks != totalUsed || a.stats.BlocksUsed != totalUsed {
		return invariantf("used blocks: records %d, bitmaps %d, stats %d", liveBlocks, totalUsed, a.stats.BlocksUsed)
	}
	if a.stats.BytesRequested != requested || a.stats.BytesReserved != reserved {
		return invariantf("byte counters drifted: requested %d/%d reserved %d/%d",
			a.stats.BytesRequested, requested, a.stats.BytesReserved, reserved)
	}
	if a.stats.LiveAllocations != len(a.live) {
		return invariantf("live counter %d, records %d", a.stats.LiveAllocations, len(a.live))
	}
	return nil
}
