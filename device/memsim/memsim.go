// Package memsim simulates the device memory channel. Each segment completes
// on its own goroutine after a random latency, so completions arrive in
// arbitrary order across and within tags, the way a real interconnect
// returns responses.
package memsim

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Composer-Team/beethoven-runtime/device"
	"github.com/Composer-Team/beethoven-runtime/device/dma"
	"github.com/Composer-Team/beethoven-runtime/internal/logger"
)

var (
	// ErrOutOfRange indicates a segment outside mapped device memory.
	ErrOutOfRange = errors.New("memsim: segment outside mapped device memory")

	// ErrTimeout indicates a segment whose latency exceeded Config.Timeout.
	ErrTimeout = errors.New("memsim: segment timed out")

	// ErrClosed indicates the channel was closed.
	ErrClosed = errors.New("memsim: channel closed")

	// ErrBadConfig indicates an invalid latency configuration.
	ErrBadConfig = errors.New("memsim: bad config")
)

// Config controls simulated latency.
type Config struct {
	MinLatency time.Duration `yaml:"min_latency"`
	MaxLatency time.Duration `yaml:"max_latency"`

	// Timeout faults segments whose drawn latency exceeds it. Zero disables.
	Timeout time.Duration `yaml:"timeout"`

	// Seed makes latency draws reproducible.
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns a fast channel with up to 50µs of jitter.
func DefaultConfig() Config {
	return Config{
		MaxLatency: 50 * time.Microsecond,
		Seed:       1,
	}
}

// Validate checks the latency bounds.
func (c Config) Validate() error {
	if c.MinLatency < 0 || c.MaxLatency < c.MinLatency {
		return fmt.Errorf("%w: latency range [%s, %s]", ErrBadConfig, c.MinLatency, c.MaxLatency)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrBadConfig)
	}
	return nil
}

// FaultFunc is consulted before a segment touches memory. A non-nil error
// fails the segment.
type FaultFunc func(seg dma.Segment) error

// Stats is a snapshot of channel counters.
type Stats struct {
	Issued    int64
	Completed int64
	Faults    int64
	Timeouts  int64
}

// Channel implements dma.Channel over a device's memory.
type Channel struct {
	dev *device.Device
	cfg Config
	log *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	fault  atomic.Pointer[FaultFunc]
	closed atomic.Bool
	wg     sync.WaitGroup

	issued, completed, faults, timeouts atomic.Int64
}

// New creates a channel reading and writing dev.
func New(dev *device.Device, cfg Config) (*Channel, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrBadConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Channel{
		dev: dev,
		cfg: cfg,
		log: logger.With("memsim"),
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// SetFaultFunc installs fn as the fault hook. Nil removes it.
func (c *Channel) SetFaultFunc(fn FaultFunc) {
	if fn == nil {
		c.fault.Store(nil)
		return
	}
	c.fault.Store(&fn)
}

// Issue starts seg and calls done from a new goroutine after the simulated
// latency. A closed channel fails the segment synchronously.
func (c *Channel) Issue(seg dma.Segment, done func(error)) {
	if c.closed.Load() {
		done(ErrClosed)
		return
	}
	lat := c.latency()
	c.issued.Add(1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.run(seg, lat)
		if err != nil {
			c.faults.Add(1)
			c.log.Debug("segment failed", "tag", seg.Tag, "seq", seg.Seq, "addr", seg.Addr, "err", err)
		}
		c.completed.Add(1)
		done(err)
	}()
}

func (c *Channel) latency() time.Duration {
	span := c.cfg.MaxLatency - c.cfg.MinLatency
	if span <= 0 {
		return c.cfg.MinLatency
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.MinLatency + time.Duration(c.rng.Int63n(int64(span)+1))
}

func (c *Channel) run(seg dma.Segment, lat time.Duration) error {
	if c.cfg.Timeout > 0 && lat > c.cfg.Timeout {
		time.Sleep(c.cfg.Timeout)
		c.timeouts.Add(1)
		return fmt.Errorf("%w: tag %d addr 0x%X after %s", ErrTimeout, seg.Tag, seg.Addr, c.cfg.Timeout)
	}
	if lat > 0 {
		time.Sleep(lat)
	}

	if fn := c.fault.Load(); fn != nil {
		if err := (*fn)(seg); err != nil {
			return err
		}
	}

	if !c.dev.Covers(seg.Addr, seg.Len) {
		return fmt.Errorf("%w: 0x%X+%d", ErrOutOfRange, seg.Addr, seg.Len)
	}
	if seg.Data == nil {
		return nil
	}
	var err error
	if seg.Dir == dma.Write {
		err = c.dev.WriteAt(seg.Data, seg.Addr)
	} else {
		err = c.dev.ReadAt(seg.Data, seg.Addr)
	}
	if err != nil {
		return fmt.Errorf("memsim: %s 0x%X: %w", seg.Dir, seg.Addr, err)
	}
	return nil
}

// Wait blocks until every issued segment has completed.
func (c *Channel) Wait() { c.wg.Wait() }

// Close rejects further segments and waits for the ones in flight.
func (c *Channel) Close() error {
	c.closed.Store(true)
	c.wg.Wait()
	return nil
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Issued:    c.issued.Load(),
		Completed: c.completed.Load(),
		Faults:    c.faults.Load(),
		Timeouts:  c.timeouts.Load(),
	}
}
