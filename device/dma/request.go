package dma

import (
	"context"
	"sync"
	"time"
)

// Request tracks one logical request through the engine. It is created by
// Engine.Submit and reaches a terminal state once every issued segment has
// retired.
type Request struct {
	id      uint64
	desc    Descriptor
	started time.Time

	mu          sync.Mutex
	segs        []Segment
	state       State
	issued      int
	retired     int
	issuingDone bool
	finished    bool
	fault       *RequestFault
	done        chan struct{}
}

func newRequest(id uint64, d Descriptor) *Request {
	return &Request{
		id:      id,
		desc:    d,
		started: time.Now(),
		state:   Decomposing,
		done:    make(chan struct{}),
	}
}

// ID returns the engine-assigned request number.
func (r *Request) ID() uint64 { return r.id }

// Descriptor returns the logical request.
func (r *Request) Descriptor() Descriptor { return r.desc }

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the request is finished. State may already report Faulted
// while segments issued before the fault are still draining.
func (r *Request) Done() <-chan struct{} { return r.done }

// Err returns the fault of a finished request, or nil while it is in progress
// or when it completed.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished && r.fault != nil {
		return r.fault
	}
	return nil
}

// Wait blocks until the request finishes or ctx ends. A ctx error leaves the
// request running; its buffer must not be reused until Done is closed.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Segments returns a copy of the request's segments. Tags and sequence numbers
// are filled in as segments are issued; segments never issued keep Tag -1.
func (r *Request) Segments() []Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Segment(nil), r.segs...)
}

// Progress returns the issued and retired segment counts.
func (r *Request) Progress() (issued, retired int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.issued, r.retired
}

func (r *Request) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Request) faulted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fault != nil
}

// noteIssued records the tag and sequence of segment i.
func (r *Request) noteIssued(i int, seg Segment) {
	r.mu.Lock()
	r.segs[i].Tag = seg.Tag
	r.segs[i].Seq = seg.Seq
	r.issued++
	r.mu.Unlock()
}

// abort faults the request without a segment, stopping further issue.
func (r *Request) abort(err error) {
	r.mu.Lock()
	if r.fault == nil {
		r.fault = &RequestFault{RequestID: r.id, Err: err}
		r.state = Faulted
	}
	r.mu.Unlock()
}

// retire accounts one retired segment. It reports whether the request just
// reached a terminal state.
func (r *Request) retire(seg Segment, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retired++
	if err != nil && r.fault == nil {
		s := seg
		r.fault = &RequestFault{RequestID: r.id, Segment: &s, Err: err}
		r.state = Faulted
	}
	return r.finishLocked()
}

// finishIssuing marks the end of the issue loop. It reports whether the
// request just reached a terminal state.
func (r *Request) finishIssuing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issuingDone = true
	if r.fault == nil {
		r.state = AwaitingCompletion
	}
	return r.finishLocked()
}

// finishLocked moves the request to its terminal state once issuing has ended
// and every issued segment retired. Done is closed separately by markDone.
func (r *Request) finishLocked() bool {
	if !r.issuingDone || r.retired < r.issued || r.finished {
		return false
	}
	r.finished = true
	if r.fault == nil {
		r.state = Complete
	}
	return true
}

func (r *Request) markDone() { close(r.done) }
