package dma

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyRequest indicates a zero-length logical request.
	ErrEmptyRequest = errors.New("dma: empty request")

	// ErrMisaligned indicates an address or length not aligned to the bus width.
	ErrMisaligned = errors.New("dma: request not aligned to bus width")

	// ErrAddressOverflow indicates a request whose range wraps the address space.
	ErrAddressOverflow = errors.New("dma: request wraps address space")

	// ErrRequestTooLarge indicates a request longer than MaxRequestLen.
	ErrRequestTooLarge = errors.New("dma: request too large")

	// ErrBufferSize indicates a payload or destination buffer whose length differs from the request length.
	ErrBufferSize = errors.New("dma: buffer length does not match request length")

	// ErrBadConfig indicates invalid splitter or engine parameters.
	ErrBadConfig = errors.New("dma: bad config")

	// ErrSegmentFault indicates the memory channel rejected or timed out a segment.
	ErrSegmentFault = errors.New("dma: segment fault")

	// ErrAcquireTimeout indicates no tag slot freed within Config.AcquireTimeout.
	ErrAcquireTimeout = errors.New("dma: tag acquire timed out")

	// ErrClosed indicates the engine no longer accepts requests.
	ErrClosed = errors.New("dma: engine closed")
)

// RequestFault reports why a logical request ended in the Faulted state.
//
// When a segment faulted, Segment is set and the fault matches both
// ErrSegmentFault and the channel's error under errors.Is. When issuing was
// aborted (context cancellation, acquire timeout), Segment is nil and the fault
// matches the abort cause only.
type RequestFault struct {
	RequestID uint64
	Segment   *Segment
	Err       error
}

func (f *RequestFault) Error() string {
	if f.Segment != nil {
		return fmt.Sprintf("dma: request %d faulted at segment tag=%d addr=0x%X len=%d: %v",
			f.RequestID, f.Segment.Tag, f.Segment.Addr, f.Segment.Len, f.Err)
	}
	return fmt.Sprintf("dma: request %d aborted while issuing: %v", f.RequestID, f.Err)
}

// Unwrap exposes ErrSegmentFault (for segment faults) and the underlying cause.
func (f *RequestFault) Unwrap() []error {
	if f.Segment != nil {
		return []error{ErrSegmentFault, f.Err}
	}
	return []error{f.Err}
}
