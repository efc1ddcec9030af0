package dirty

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Composer-Team/beethoven-runtime/internal/format"
)

const (
	// defaultRangeCapacity is the pre-allocated capacity for dirty ranges.
	defaultRangeCapacity = 64
)

// ErrOutOfBounds indicates a range past the end of the tracked buffer.
var ErrOutOfBounds = errors.New("dirty: range out of bounds")

// Range is a dirty byte range, relative to the start of the tracked buffer.
type Range struct {
	Off uint64
	Len uint64
}

// End returns the first offset past the range.
func (r Range) End() uint64 { return r.Off + r.Len }

// FlushFunc writes one coalesced range to the device.
type FlushFunc func(ctx context.Context, r Range) error

// Tracker accumulates dirty ranges and flushes them page by page.
//
// NOT thread-safe. Only one goroutine should use it at a time.
type Tracker struct {
	size     uint64
	ranges   []Range // Raw ranges, coalesced at flush time
	pageSize uint64
}

// NewTracker creates a tracker for a buffer of size bytes.
func NewTracker(size uint64) *Tracker {
	return &Tracker{
		size:     size,
		ranges:   make([]Range, 0, defaultRangeCapacity),
		pageSize: format.PageSize,
	}
}

// Size returns the tracked buffer length.
func (t *Tracker) Size() uint64 { return t.size }

// Add records a dirty range. Zero-length ranges are ignored.
func (t *Tracker) Add(off, length uint64) error {
	if length == 0 {
		return nil
	}
	if off+length < off || off+length > t.size {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfBounds, off, off+length, t.size)
	}
	t.ranges = append(t.ranges, Range{Off: off, Len: length})
	return nil
}

// AddAll marks the whole buffer dirty.
func (t *Tracker) AddAll() {
	t.ranges = append(t.ranges[:0], Range{Off: 0, Len: t.size})
}

// Empty reports whether nothing is pending.
func (t *Tracker) Empty() bool { return len(t.ranges) == 0 }

// Pending returns a copy of the raw, uncoalesced ranges.
func (t *Tracker) Pending() []Range {
	result := make([]Range, len(t.ranges))
	copy(result, t.ranges)
	return result
}

// Ranges returns the page-aligned, sorted, merged ranges a flush would write.
func (t *Tracker) Ranges() []Range {
	return t.coalesce()
}

// DirtyBytes returns the number of bytes a flush would write.
func (t *Tracker) DirtyBytes() uint64 {
	var n uint64
	for _, r := range t.coalesce() {
		n += r.Len
	}
	return n
}

// Flush calls fn for every coalesced range in offset order.
//
// This method:
//  1. Coalesces all ranges into page-aligned, non-overlapping ranges
//  2. Calls fn for each range, stopping at the first error
//  3. Keeps the failed range and every later one pending
//
// The context is checked before each range. If cancelled mid-way, ranges
// already flushed are dropped from the pending set and the rest remain.
func (t *Tracker) Flush(ctx context.Context, fn FlushFunc) error {
	if len(t.ranges) == 0 {
		return nil
	}
	coalesced := t.coalesce()
	for i, r := range coalesced {
		if err := ctx.Err(); err != nil {
			t.ranges = append(t.ranges[:0], coalesced[i:]...)
			return err
		}
		if err := fn(ctx, r); err != nil {
			t.ranges = append(t.ranges[:0], coalesced[i:]...)
			return fmt.Errorf("dirty: flush [0x%X, 0x%X): %w", r.Off, r.End(), err)
		}
	}
	t.ranges = t.ranges[:0]
	return nil
}

// Reset clears all tracked ranges.
func (t *Tracker) Reset() {
	t.ranges = t.ranges[:0]
}

// coalesce page-aligns all ranges, sorts them, and merges overlapping/adjacent
// ranges. The last range is clamped to the buffer size.
func (t *Tracker) coalesce() []Range {
	if len(t.ranges) == 0 {
		return nil
	}

	aligned := make([]Range, len(t.ranges))
	for i, r := range t.ranges {
		start := format.AlignDown(r.Off, t.pageSize)
		end := min(format.AlignUp(r.End(), t.pageSize), t.size)
		aligned[i] = Range{Off: start, Len: end - start}
	}

	sort.Slice(aligned, func(i, j int) bool {
		return aligned[i].Off < aligned[j].Off
	})

	merged := make([]Range, 0, len(aligned))
	current := aligned[0]
	for _, next := range aligned[1:] {
		if next.Off <= current.End() {
			current.Len = max(current.End(), next.End()) - current.Off
			continue
		}
		merged = append(merged, current)
		current = next
	}
	return append(merged, current)
}
