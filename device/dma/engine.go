package dma

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Composer-Team/beethoven-runtime/internal/logger"
	"github.com/Composer-Team/beethoven-runtime/internal/telemetry"
)

// Channel is the underlying memory channel. Issue starts one segment and must
// eventually call done exactly once, possibly from another goroutine and
// possibly before Issue returns. Completions may arrive in any order.
type Channel interface {
	Issue(seg Segment, done func(err error))
}

// Retirement is reported to the observer for every segment, in per-tag issue order.
type Retirement struct {
	RequestID uint64
	Segment   Segment
	Err       error
}

// Options configures instrumentation for an Engine.
type Options struct {
	Telemetry telemetry.Telemetry
	Logger    *slog.Logger

	// Observer is called for every retired segment while the engine's
	// retirement lock is held. It must not call back into the Engine.
	Observer func(Retirement)
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Requests         int64
	RequestsComplete int64
	RequestsFaulted  int64
	SegmentsIssued   int64
	SegmentsRetired  int64
	SegmentFaults    int64
	BytesRead        int64
	BytesWritten     int64
	TagWaits         int64 // acquires that found every tag saturated
	HeldCompletions  int64 // completions parked behind an earlier same-tag segment
}

type counters struct {
	requests     atomic.Int64
	complete     atomic.Int64
	faulted      atomic.Int64
	issued       atomic.Int64
	retired      atomic.Int64
	segFaults    atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	tagWaits     atomic.Int64
	held         atomic.Int64
}

// slot is one issued segment awaiting in-order retirement on its tag.
type slot struct {
	req  *Request
	seg  Segment
	done bool
	err  error
}

// Engine splits logical requests into segments, issues them over a tag pool and
// retires them per tag in issue order.
type Engine struct {
	cfg  Config
	ch   Channel
	tags *TagPool

	tel      telemetry.Telemetry
	log      *slog.Logger
	observer func(Retirement)

	nextID atomic.Uint64
	stats  counters

	// issueMu orders sequence assignment and Channel.Issue per tag, so the
	// channel sees same-tag segments in sequence order.
	issueMu []sync.Mutex

	mu     sync.Mutex // guards closed, active, idle, seq, queues and retirement
	closed bool
	active int           // requests submitted and not yet finished
	idle   chan struct{} // closed when active drops to zero
	seq    []uint64
	queues [][]*slot
}

// NewEngine creates an engine issuing over ch.
func NewEngine(ch Channel, cfg Config, opts *Options) (*Engine, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrBadConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tags, err := NewTagPool(cfg.MaxTags, cfg.MaxInFlightPerTag)
	if err != nil {
		return nil, err
	}

	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.NewNoop()
	}
	if o.Logger == nil {
		o.Logger = logger.With("dma")
	}

	return &Engine{
		cfg:      cfg,
		ch:       ch,
		tags:     tags,
		tel:      o.Telemetry,
		log:      o.Logger,
		observer: o.Observer,
		idle:     closedChan(),
		issueMu:  make([]sync.Mutex, cfg.MaxTags),
		seq:      make([]uint64, cfg.MaxTags),
		queues:   make([][]*slot, cfg.MaxTags),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// InFlight returns the number of issued segments not yet retired.
func (e *Engine) InFlight() int { return e.tags.Outstanding() }

// Submit decomposes d and starts issuing its segments in the background.
// Decomposition errors are returned directly; issue and segment failures are
// reported by the returned Request. ctx bounds tag acquisition only.
func (e *Engine) Submit(ctx context.Context, d Descriptor) (*Request, error) {
	r := newRequest(e.nextID.Add(1), d)

	segs, err := Split(d, e.cfg)
	if err != nil {
		return nil, err
	}
	r.segs = segs

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.active == 0 {
		e.idle = make(chan struct{})
	}
	e.active++
	e.mu.Unlock()

	e.stats.requests.Add(1)
	r.setState(Issuing)
	go e.issue(ctx, r)
	return r, nil
}

// Do submits d and blocks until every issued segment has retired. If ctx ends
// while issuing, the request faults with ctx's error but Do still waits for the
// segments already in flight, so the buffer is free when Do returns.
func (e *Engine) Do(ctx context.Context, d Descriptor) error {
	r, err := e.Submit(ctx, d)
	if err != nil {
		return err
	}
	<-r.Done()
	return r.Err()
}

// issue runs the Issuing state of r: acquire a tag, stamp the sequence number,
// hand the segment to the channel. It stops early once r has faulted.
func (e *Engine) issue(ctx context.Context, r *Request) {
	for i := range r.segs {
		if r.faulted() {
			break
		}

		tag, err := e.acquire(ctx)
		if err != nil {
			e.log.Debug("issue aborted", "request", r.id, "segment", i, "err", err)
			r.abort(err)
			break
		}
		if r.faulted() {
			// An earlier segment faulted while we waited for the slot.
			e.tags.Release(tag)
			break
		}

		seg := r.segs[i]
		e.issueMu[tag].Lock()
		e.mu.Lock()
		seg.Tag = tag
		seg.Seq = e.seq[tag]
		e.seq[tag]++
		s := &slot{req: r, seg: seg}
		e.queues[tag] = append(e.queues[tag], s)
		e.mu.Unlock()

		r.noteIssued(i, seg)
		e.stats.issued.Add(1)
		e.tel.RecordCounter(ctx, telemetry.MetricSegmentsIssued, 1,
			attribute.String(telemetry.AttrDirection, seg.Dir.String()))

		e.ch.Issue(seg, func(err error) { e.complete(s, err) })
		e.issueMu[tag].Unlock()
	}

	if r.finishIssuing() {
		e.finish(r)
	}
}

func (e *Engine) acquire(ctx context.Context) (int, error) {
	actx := ctx
	if e.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.cfg.AcquireTimeout)
		defer cancel()
	}

	start := time.Now()
	tag, waited, err := e.tags.Acquire(actx)
	if waited {
		e.stats.tagWaits.Add(1)
		telemetry.RecordDuration(ctx, e.tel, telemetry.MetricTagWait, start)
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return -1, fmt.Errorf("%w after %s", ErrAcquireTimeout, e.cfg.AcquireTimeout)
		}
		return -1, err
	}
	return tag, nil
}

// complete records a channel completion and retires every segment at the head
// of the tag's queue that has completed. A completion that arrives before an
// earlier same-tag segment stays parked until that segment completes.
func (e *Engine) complete(s *slot, err error) {
	var finished []*Request

	e.mu.Lock()
	s.done, s.err = true, err
	tag := s.seg.Tag
	q := e.queues[tag]
	if q[0] != s {
		e.stats.held.Add(1)
	}
	for len(q) > 0 && q[0].done {
		head := q[0]
		q[0] = nil
		q = q[1:]
		if e.retire(head) {
			finished = append(finished, head.req)
		}
	}
	e.queues[tag] = q
	e.mu.Unlock()

	for _, r := range finished {
		e.finish(r)
	}
}

// retire reports the segment to its request and the observer, then releases
// the tag slot. Caller holds e.mu.
func (e *Engine) retire(s *slot) bool {
	defer e.tags.Release(s.seg.Tag)
	e.stats.retired.Add(1)

	if s.err != nil {
		e.stats.segFaults.Add(1)
		e.tel.RecordCounter(context.Background(), telemetry.MetricSegmentFaults, 1,
			attribute.String(telemetry.AttrDirection, s.seg.Dir.String()))
		e.log.Warn("segment fault", "request", s.req.id, "tag", s.seg.Tag,
			"addr", s.seg.Addr, "len", s.seg.Len, "err", s.err)
	} else if s.seg.Dir == Read {
		e.stats.bytesRead.Add(int64(s.seg.Len))
	} else {
		e.stats.bytesWritten.Add(int64(s.seg.Len))
	}

	if e.observer != nil {
		e.observer(Retirement{RequestID: s.req.id, Segment: s.seg, Err: s.err})
	}
	return s.req.retire(s.seg, s.err)
}

func (e *Engine) finish(r *Request) {
	ctx := context.Background()
	status := telemetry.StatusSuccess
	if r.State() == Faulted {
		status = telemetry.StatusError
		e.stats.faulted.Add(1)
		e.log.Warn("request faulted", "request", r.id, "dir", r.desc.Dir.String(),
			"addr", r.desc.Addr, "len", r.desc.Len, "err", r.Err())
	} else {
		e.stats.complete.Add(1)
		e.tel.RecordCounter(ctx, telemetry.MetricRequestBytes, int64(r.desc.Len),
			attribute.String(telemetry.AttrDirection, r.desc.Dir.String()))
	}
	telemetry.RecordDuration(ctx, e.tel, telemetry.MetricRequestDuration, r.started,
		attribute.String(telemetry.AttrDirection, r.desc.Dir.String()),
		attribute.String(telemetry.AttrStatus, status))
	r.markDone()

	e.mu.Lock()
	e.active--
	if e.active == 0 {
		close(e.idle)
	}
	e.mu.Unlock()
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Drain blocks until no submitted request is outstanding or ctx ends. It may
// run concurrently with Submit; requests submitted after Drain observed the
// engine idle are not waited for.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting requests and drains the ones in progress.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.Drain(ctx)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:         e.stats.requests.Load(),
		RequestsComplete: e.stats.complete.Load(),
		RequestsFaulted:  e.stats.faulted.Load(),
		SegmentsIssued:   e.stats.issued.Load(),
		SegmentsRetired:  e.stats.retired.Load(),
		SegmentFaults:    e.stats.segFaults.Load(),
		BytesRead:        e.stats.bytesRead.Load(),
		BytesWritten:     e.stats.bytesWritten.Load(),
		TagWaits:         e.stats.tagWaits.Load(),
		HeldCompletions:  e.stats.held.Load(),
	}
}
