package dma

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Channels
// ============================================================================

// memChannel backs segments with a flat byte slice starting at address 0 and
// completes each one after a random delay on its own goroutine.
type memChannel struct {
	mem      []byte
	maxDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand

	// fault, when set, is consulted before each segment is applied.
	fault func(Segment) error
}

func newMemChannel(size int, maxDelay time.Duration, seed int64) *memChannel {
	return &memChannel{
		mem:      make([]byte, size),
		maxDelay: maxDelay,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (c *memChannel) Issue(seg Segment, done func(error)) {
	c.mu.Lock()
	delay := time.Duration(c.rng.Int63n(int64(c.maxDelay) + 1))
	c.mu.Unlock()

	go func() {
		time.Sleep(delay)
		if c.fault != nil {
			if err := c.fault(seg); err != nil {
				done(err)
				return
			}
		}
		if seg.End() > uint64(len(c.mem)) {
			done(fmt.Errorf("address 0x%X out of range", seg.Addr))
			return
		}
		if seg.Data != nil {
			if seg.Dir == Write {
				copy(c.mem[seg.Addr:seg.End()], seg.Data)
			} else {
				copy(seg.Data, c.mem[seg.Addr:seg.End()])
			}
		}
		done(nil)
	}()
}

// manualChannel parks every issued segment until the test completes it.
type manualChannel struct {
	mu      sync.Mutex
	pending []pendingSegment
}

type pendingSegment struct {
	seg  Segment
	done func(error)
}

func (c *manualChannel) Issue(seg Segment, done func(error)) {
	c.mu.Lock()
	c.pending = append(c.pending, pendingSegment{seg, done})
	c.mu.Unlock()
}

func (c *manualChannel) issued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *manualChannel) segment(i int) Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[i].seg
}

func (c *manualChannel) complete(i int, err error) {
	c.mu.Lock()
	p := c.pending[i]
	c.mu.Unlock()
	p.done(err)
}

// waitIssued blocks until the channel has seen n segments.
func (c *manualChannel) waitIssued(t testing.TB, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.issued() >= n },
		time.Second, time.Millisecond, "waiting for %d issued segments", n)
}

// ============================================================================
// Test Helpers
// ============================================================================

// retirementLog records observer callbacks.
type retirementLog struct {
	mu   sync.Mutex
	byID map[uint64][]Retirement
	all  []Retirement
}

func newRetirementLog() *retirementLog {
	return &retirementLog{byID: make(map[uint64][]Retirement)}
}

func (l *retirementLog) observe(r Retirement) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, r)
	l.byID[r.RequestID] = append(l.byID[r.RequestID], r)
}

func (l *retirementLog) snapshot() []Retirement {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Retirement(nil), l.all...)
}

func newTestEngine(t testing.TB, ch Channel, cfg Config, obs func(Retirement)) *Engine {
	t.Helper()
	e, err := NewEngine(ch, cfg, &Options{Observer: obs})
	require.NoError(t, err)
	return e
}

func smallConfig(tags, perTag int) Config {
	cfg := DefaultConfig()
	cfg.MaxTags = tags
	cfg.MaxInFlightPerTag = perTag
	return cfg
}
