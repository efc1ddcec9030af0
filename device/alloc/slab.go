package alloc

import (
	"math/bits"

	"github.com/Composer-Team/beethoven-runtime/device"
)

// slab is one device region subdivided into equal blocks.
// A set bit in used means the block belongs to a live allocation.
type slab struct {
	index  int
	region device.Region
	nblk   int
	used   []uint64  // block bitmap, 1 = used
	owners []*Handle // owning handle per block, nil when free
	nused  int

	mirror []byte // host mirror of the whole slab, nil when disabled
	unmap  func() error
}

func newSlab(index int, region device.Region, nblk int) *slab {
	return &slab{
		index:  index,
		region: region,
		nblk:   nblk,
		used:   make([]uint64, (nblk+63)/64),
		owners: make([]*Handle, nblk),
	}
}

func (s *slab) isUsed(blk int) bool {
	return s.used[blk/64]&(1<<(uint(blk)%64)) != 0
}

func (s *slab) free() int { return s.nblk - s.nused }

// findRun returns the first index of n contiguous free blocks.
func (s *slab) findRun(n int) (int, bool) {
	if n > s.free() {
		return 0, false
	}
	run := 0
	for blk := 0; blk < s.nblk; {
		// Skip fully used words quickly.
		if blk%64 == 0 && s.used[blk/64] == ^uint64(0) && blk+64 <= s.nblk {
			run = 0
			blk += 64
			continue
		}
		if s.isUsed(blk) {
			run = 0
		} else {
			run++
			if run == n {
				return blk - n + 1, true
			}
		}
		blk++
	}
	return 0, false
}

// mark sets blocks [first, first+n) as used by h.
func (s *slab) mark(first, n int, h *Handle) {
	for blk := first; blk < first+n; blk++ {
		s.used[blk/64] |= 1 << (uint(blk) % 64)
		s.owners[blk] = h
	}
	s.nused += n
}

// clear frees blocks [first, first+n).
func (s *slab) clear(first, n int) {
	for blk := first; blk < first+n; blk++ {
		s.used[blk/64] &^= 1 << (uint(blk) % 64)
		s.owners[blk] = nil
	}
	s.nused -= n
}

// largestFreeRun returns the longest run of free blocks in the slab.
func (s *slab) largestFreeRun() int {
	best, run := 0, 0
	for blk := 0; blk < s.nblk; blk++ {
		if s.isUsed(blk) {
			run = 0
			continue
		}
		run++
		if run > best {
			best = run
		}
	}
	return best
}

// popcount returns the number of set bits in the bitmap.
func (s *slab) popcount() int {
	n := 0
	for _, w := range s.used {
		n += bits.OnesCount64(w)
	}
	return n
}
