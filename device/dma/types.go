package dma

import (
	"fmt"
	"time"

	"github.com/Composer-Team/beethoven-runtime/internal/format"
)

// Direction is the data direction of a request, seen from the device.
type Direction uint8

const (
	// Read moves data from device memory into a host buffer.
	Read Direction = iota
	// Write moves data from a host buffer into device memory.
	Write
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Descriptor is a logical request: one caller-visible transfer of arbitrary
// length at an arbitrary address.
type Descriptor struct {
	Dir  Direction
	Addr uint64
	Len  uint64

	// Data is the write payload or the read destination. When non-nil its
	// length must equal Len. Nil describes an address-only transfer.
	Data []byte
}

// End returns the first address past the request.
func (d Descriptor) End() uint64 { return d.Addr + d.Len }

// Segment is one physical transaction: never longer than a page, never
// crossing a page boundary.
type Segment struct {
	Tag  int    // transaction ID; -1 until issued
	Seq  uint64 // issue order within the tag
	Dir  Direction
	Addr uint64
	Len  uint64
	Data []byte // window of the request buffer, nil for address-only transfers
}

// End returns the first address past the segment.
func (s Segment) End() uint64 { return s.Addr + s.Len }

// Config holds the splitter and tag-pool tuning parameters.
type Config struct {
	// MaxBurstBytes caps each segment's length. Values above the page size are
	// clamped to it, since no segment may cross a page boundary anyway.
	MaxBurstBytes uint64 `yaml:"max_burst_bytes"`

	// MaxInFlightPerTag bounds outstanding segments per tag.
	MaxInFlightPerTag int `yaml:"max_in_flight_per_tag"`

	// MaxTags is the number of distinct tags in use simultaneously.
	MaxTags int `yaml:"max_tags"`

	// BusWidth is the data-bus width in bytes. Request address and length must
	// be multiples of it. 1 disables the check.
	BusWidth uint64 `yaml:"bus_width"`

	// AcquireTimeout bounds how long issuing waits for a tag slot. Zero waits
	// until a slot frees or the context ends.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// DefaultConfig returns page-sized bursts over 4 tags with 4 slots each.
func DefaultConfig() Config {
	return Config{
		MaxBurstBytes:     format.DefaultMaxBurstBytes,
		MaxInFlightPerTag: format.DefaultMaxInFlightPerTag,
		MaxTags:           format.DefaultMaxTags,
		BusWidth:          format.DefaultBusWidth,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxBurstBytes == 0 {
		return fmt.Errorf("%w: max burst must be positive", ErrBadConfig)
	}
	if c.MaxTags <= 0 {
		return fmt.Errorf("%w: max tags must be positive", ErrBadConfig)
	}
	if c.MaxInFlightPerTag <= 0 {
		return fmt.Errorf("%w: max in-flight per tag must be positive", ErrBadConfig)
	}
	if c.BusWidth == 0 || !format.IsPowerOfTwo(c.BusWidth) || c.BusWidth > format.PageSize {
		return fmt.Errorf("%w: bus width %d must be a power of two no larger than a page", ErrBadConfig, c.BusWidth)
	}
	if c.burst()%c.BusWidth != 0 {
		return fmt.Errorf("%w: max burst %d not a multiple of bus width %d", ErrBadConfig, c.MaxBurstBytes, c.BusWidth)
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("%w: negative acquire timeout", ErrBadConfig)
	}
	return nil
}

// burst returns the effective segment cap.
func (c Config) burst() uint64 {
	return min(c.MaxBurstBytes, format.PageSize)
}

// State is the lifecycle state of a logical request.
type State int32

const (
	Decomposing State = iota
	Issuing
	AwaitingCompletion
	Complete
	Faulted
)

func (s State) String() string {
	switch s {
	case Decomposing:
		return "decomposing"
	case Issuing:
		return "issuing"
	case AwaitingCompletion:
		return "awaiting-completion"
	case Complete:
		return "complete"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == Complete || s == Faulted }
