package dma

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Composer-Team/beethoven-runtime/internal/format"
)

var errInjected = errors.New("injected bus error")

// TestEngine_WriteThenRead verifies data round-trips through the engine.
func TestEngine_WriteThenRead(t *testing.T) {
	ch := newMemChannel(64*1024, 200*time.Microsecond, 1)
	e := newTestEngine(t, ch, DefaultConfig(), nil)
	ctx := context.Background()

	payload := make([]byte, 10000)
	rand.New(rand.NewSource(3)).Read(payload)

	require.NoError(t, e.Do(ctx, Descriptor{Dir: Write, Addr: 100, Len: 10000, Data: payload}))
	assert.True(t, bytes.Equal(payload, ch.mem[100:10100]))

	back := make([]byte, 10000)
	require.NoError(t, e.Do(ctx, Descriptor{Dir: Read, Addr: 100, Len: 10000, Data: back}))
	assert.Equal(t, payload, back)

	st := e.Stats()
	assert.Equal(t, int64(2), st.Requests)
	assert.Equal(t, int64(2), st.RequestsComplete)
	assert.Equal(t, int64(6), st.SegmentsIssued)
	assert.Equal(t, st.SegmentsIssued, st.SegmentsRetired)
	assert.Equal(t, int64(10000), st.BytesWritten)
	assert.Equal(t, int64(10000), st.BytesRead)
	assert.Zero(t, e.InFlight())
}

// TestEngine_HoldsOutOfOrderCompletions completes same-tag segments in reverse
// and verifies nothing retires until the first one completes.
func TestEngine_HoldsOutOfOrderCompletions(t *testing.T) {
	ch := &manualChannel{}
	log := newRetirementLog()
	e := newTestEngine(t, ch, smallConfig(1, 4), log.observe)

	r, err := e.Submit(context.Background(), Descriptor{Dir: Write, Addr: 0, Len: 4 * format.PageSize})
	require.NoError(t, err)
	ch.waitIssued(t, 4)

	for i := 3; i >= 1; i-- {
		ch.complete(i, nil)
	}
	assert.Empty(t, log.snapshot(), "segments 1-3 must wait for segment 0")
	issued, retired := r.Progress()
	assert.Equal(t, 4, issued)
	assert.Zero(t, retired)

	ch.complete(0, nil)
	require.NoError(t, r.Wait(context.Background()))

	got := log.snapshot()
	require.Len(t, got, 4)
	for i, rt := range got {
		assert.Equal(t, uint64(i), rt.Segment.Seq)
		assert.Equal(t, uint64(i)*format.PageSize, rt.Segment.Addr)
	}
	assert.Equal(t, int64(3), e.Stats().HeldCompletions)
	assert.Equal(t, Complete, r.State())
}

// Test_Fuzz_SameTagRetiresInIssueOrder runs many concurrent requests over a
// randomly delaying channel and checks every tag's retirements are in issue order.
func Test_Fuzz_SameTagRetiresInIssueOrder(t *testing.T) {
	const tags = 3
	ch := newMemChannel(1<<20, 300*time.Microsecond, 42)
	log := newRetirementLog()
	e := newTestEngine(t, ch, smallConfig(tags, 4), log.observe)

	rng := rand.New(rand.NewSource(42)) // Fixed seed for reproducibility
	var reqs []*Request
	for n := 0; n < 40; n++ {
		addr := uint64(rng.Intn(1<<20 - 32*1024))
		length := uint64(1 + rng.Intn(32*1024))
		dir := Direction(rng.Intn(2))
		r, err := e.Submit(context.Background(), Descriptor{Dir: dir, Addr: addr, Len: length, Data: make([]byte, length)})
		require.NoError(t, err)
		reqs = append(reqs, r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var total int
	for _, r := range reqs {
		require.NoError(t, r.Wait(ctx))
		total += len(r.Segments())
	}

	next := make([]uint64, tags)
	got := log.snapshot()
	require.Len(t, got, total)
	for _, rt := range got {
		tag := rt.Segment.Tag
		require.Equal(t, next[tag], rt.Segment.Seq, "tag %d retired out of issue order", tag)
		next[tag]++
	}

	// Each request's own segments tile its range and every one was issued.
	for _, r := range reqs {
		d := r.Descriptor()
		at := d.Addr
		for _, s := range r.Segments() {
			require.GreaterOrEqual(t, s.Tag, 0)
			require.Equal(t, at, s.Addr)
			at = s.End()
		}
		require.Equal(t, d.End(), at)
	}
	require.NoError(t, e.Close(ctx))
}

// TestEngine_SegmentFaultStopsIssuing verifies a fault surfaces as a
// RequestFault and no later segment is issued.
func TestEngine_SegmentFaultStopsIssuing(t *testing.T) {
	ch := &manualChannel{}
	e := newTestEngine(t, ch, smallConfig(1, 1), nil)

	r, err := e.Submit(context.Background(), Descriptor{Dir: Read, Addr: 0x2000, Len: 3 * format.PageSize})
	require.NoError(t, err)
	ch.waitIssued(t, 1)

	ch.complete(0, errInjected)
	err = r.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSegmentFault)
	assert.ErrorIs(t, err, errInjected)

	var fault *RequestFault
	require.ErrorAs(t, err, &fault)
	require.NotNil(t, fault.Segment)
	assert.Equal(t, uint64(0x2000), fault.Segment.Addr)
	assert.Equal(t, r.ID(), fault.RequestID)

	assert.Equal(t, Faulted, r.State())
	issued, retired := r.Progress()
	assert.Equal(t, 1, issued, "no segment is issued after a fault")
	assert.Equal(t, 1, retired)
	assert.Equal(t, 1, ch.issued())

	st := e.Stats()
	assert.Equal(t, int64(1), st.SegmentFaults)
	assert.Equal(t, int64(1), st.RequestsFaulted)
	assert.Zero(t, e.InFlight(), "the faulted segment's slot is returned")
}

// TestEngine_FaultWaitsForInFlight verifies a faulted request stays open until
// the segments already issued have retired.
func TestEngine_FaultWaitsForInFlight(t *testing.T) {
	ch := &manualChannel{}
	e := newTestEngine(t, ch, smallConfig(2, 1), nil)

	r, err := e.Submit(context.Background(), Descriptor{Dir: Write, Addr: 0, Len: 2 * format.PageSize})
	require.NoError(t, err)
	ch.waitIssued(t, 2)

	ch.complete(1, errInjected)
	select {
	case <-r.Done():
		t.Fatal("request finished with a segment still in flight")
	case <-time.After(10 * time.Millisecond):
	}
	assert.Equal(t, Faulted, r.State())

	ch.complete(0, nil)
	require.ErrorIs(t, r.Wait(context.Background()), ErrSegmentFault)
}

// TestEngine_ContextCancelWhileBlocked verifies cancelling the submit context
// aborts issuing without reporting a segment fault.
func TestEngine_ContextCancelWhileBlocked(t *testing.T) {
	ch := &manualChannel{}
	e := newTestEngine(t, ch, smallConfig(1, 1), nil)

	ctx, cancel := context.WithCancel(context.Background())
	r, err := e.Submit(ctx, Descriptor{Dir: Write, Addr: 0, Len: 2 * format.PageSize})
	require.NoError(t, err)
	ch.waitIssued(t, 1)

	cancel()
	require.Eventually(t, func() bool { return r.State() == Faulted }, time.Second, time.Millisecond)

	ch.complete(0, nil)
	err = r.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrSegmentFault)
	assert.Equal(t, 1, ch.issued())
}

// TestEngine_AcquireTimeout verifies the acquire wait is bounded.
func TestEngine_AcquireTimeout(t *testing.T) {
	ch := &manualChannel{}
	cfg := smallConfig(1, 1)
	cfg.AcquireTimeout = 20 * time.Millisecond
	e := newTestEngine(t, ch, cfg, nil)

	r, err := e.Submit(context.Background(), Descriptor{Dir: Read, Addr: 0, Len: 2 * format.PageSize})
	require.NoError(t, err)
	ch.waitIssued(t, 1)

	require.Eventually(t, func() bool { return r.State() == Faulted }, time.Second, time.Millisecond)
	ch.complete(0, nil)
	require.ErrorIs(t, r.Wait(context.Background()), ErrAcquireTimeout)
	assert.Equal(t, int64(1), e.Stats().TagWaits)
}

// TestEngine_StateTransitions walks a request through its lifecycle.
func TestEngine_StateTransitions(t *testing.T) {
	ch := &manualChannel{}
	e := newTestEngine(t, ch, DefaultConfig(), nil)

	r, err := e.Submit(context.Background(), Descriptor{Dir: Write, Addr: 0, Len: 100})
	require.NoError(t, err)
	ch.waitIssued(t, 1)

	require.Eventually(t, func() bool { return r.State() == AwaitingCompletion }, time.Second, time.Millisecond)
	assert.NoError(t, r.Err(), "no error while in progress")

	short, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Wait(short), context.DeadlineExceeded)

	ch.complete(0, nil)
	require.NoError(t, r.Wait(context.Background()))
	assert.Equal(t, Complete, r.State())
	assert.True(t, r.State().Terminal())
}

// TestEngine_SynchronousCompletion verifies a channel may call done inside Issue.
func TestEngine_SynchronousCompletion(t *testing.T) {
	var mu sync.Mutex
	var seen []uint64
	ch := channelFunc(func(seg Segment, done func(error)) {
		mu.Lock()
		seen = append(seen, seg.Addr)
		mu.Unlock()
		done(nil)
	})
	e := newTestEngine(t, ch, smallConfig(1, 1), nil)

	require.NoError(t, e.Do(context.Background(), Descriptor{Dir: Write, Addr: 0, Len: 3 * format.PageSize}))
	assert.Equal(t, []uint64{0, 0x1000, 0x2000}, seen)
}

type channelFunc func(Segment, func(error))

func (f channelFunc) Issue(seg Segment, done func(error)) { f(seg, done) }

func TestEngine_SubmitErrors(t *testing.T) {
	e := newTestEngine(t, &manualChannel{}, DefaultConfig(), nil)

	_, err := e.Submit(context.Background(), Descriptor{})
	require.ErrorIs(t, err, ErrEmptyRequest)
	assert.Zero(t, e.Stats().Requests, "decomposition failures are not counted as requests")

	require.NoError(t, e.Close(context.Background()))
	_, err = e.Submit(context.Background(), Descriptor{Len: 1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestEngine_DrainTimesOut(t *testing.T) {
	ch := &manualChannel{}
	e := newTestEngine(t, ch, DefaultConfig(), nil)

	_, err := e.Submit(context.Background(), Descriptor{Dir: Write, Len: 10})
	require.NoError(t, err)
	ch.waitIssued(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Drain(ctx), context.DeadlineExceeded)

	ch.complete(0, nil)
	require.NoError(t, e.Drain(context.Background()))
}

// Test_Concurrent_DrainWhileSubmitting verifies Drain may race with Submit,
// including when the engine repeatedly passes through idle.
func Test_Concurrent_DrainWhileSubmitting(t *testing.T) {
	ch := newMemChannel(64*1024, 50*time.Microsecond, 5)
	e := newTestEngine(t, ch, smallConfig(2, 2), nil)
	ctx := context.Background()

	const workers = 4
	const perWorker = 50

	var wg sync.WaitGroup
	stop := make(chan struct{})
	drained := make(chan int)
	go func() {
		n := 0
		for {
			select {
			case <-stop:
				drained <- n
				return
			default:
			}
			assert.NoError(t, e.Drain(ctx))
			n++
		}
	}()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			buf := make([]byte, 256)
			for i := 0; i < perWorker; i++ {
				addr := uint64((w*perWorker + i) % 200 * 256)
				assert.NoError(t, e.Do(ctx, Descriptor{Dir: Write, Addr: addr, Len: 256, Data: buf}))
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	assert.Positive(t, <-drained)

	require.NoError(t, e.Drain(ctx))
	assert.Equal(t, int64(workers*perWorker), e.Stats().RequestsComplete)
}

func TestNewEngine_BadConfig(t *testing.T) {
	_, err := NewEngine(nil, DefaultConfig(), nil)
	require.ErrorIs(t, err, ErrBadConfig)

	_, err = NewEngine(&manualChannel{}, Config{}, nil)
	require.ErrorIs(t, err, ErrBadConfig)
}

func TestStateAndDirectionStrings(t *testing.T) {
	assert.Equal(t, "awaiting-completion", AwaitingCompletion.String())
	assert.Equal(t, "faulted", Faulted.String())
	assert.Equal(t, "state(9)", State(9).String())
	assert.Equal(t, "write", Write.String())
	assert.Equal(t, "direction(7)", Direction(7).String())
	assert.False(t, Issuing.Terminal())
}
