package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTicker struct{ ch chan time.Time }

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

// fakeClock hands out one manual ticker per interval, so tests drive ticks
// explicitly.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers map[time.Duration]*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:     time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		tickers: make(map[time.Duration]*fakeTicker),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticker(d)
}

// ticker returns the manual ticker for d, creating it on first use. Both
// NewTicker and tick go through here so a tick fired before the scheduler
// goroutine has constructed its ticker is buffered instead of lost.
// Callers must hold c.mu.
func (c *fakeClock) ticker(d time.Duration) *fakeTicker {
	t, ok := c.tickers[d]
	if !ok {
		t = &fakeTicker{ch: make(chan time.Time, 1)}
		c.tickers[d] = t
	}
	return t
}

// tick fires the ticker for the given interval. Non-blocking, like a real
// ticker: a tick nobody is ready for is dropped.
func (c *fakeClock) tick(d time.Duration) {
	c.mu.Lock()
	t := c.ticker(d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	select {
	case t.ch <- now:
	default:
	}
}

// tickUntil keeps firing ticks until the counter reaches want. Retrying
// absorbs the window where the previous fetch has counted but not yet
// released the in-flight gate.
func tickUntil(t *testing.T, clock *fakeClock, d time.Duration, calls *atomic.Int32, want int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		clock.tick(d)
		return calls.Load() >= want
	}, 2*time.Second, 2*time.Millisecond)
}

type fakeVisibility struct{ visible atomic.Bool }

func (v *fakeVisibility) Visible() bool { return v.visible.Load() }

func TestScheduler_TickTriggersFetch(t *testing.T) {
	clock := newFakeClock()
	vis := &fakeVisibility{}
	vis.visible.Store(true)

	var calls atomic.Int32
	s := NewScheduler(clock, vis, zerolog.Nop(), Resource{
		Name:     "threads",
		Interval: 30 * time.Second,
		Fetch: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	})
	s.Start(context.Background())
	defer s.Close()

	tickUntil(t, clock, 30*time.Second, &calls, 1)
	tickUntil(t, clock, 30*time.Second, &calls, 2)
}

func TestScheduler_HiddenDocumentPausesPolling(t *testing.T) {
	clock := newFakeClock()
	vis := &fakeVisibility{}

	var calls atomic.Int32
	s := NewScheduler(clock, vis, zerolog.Nop(), Resource{
		Name:     "threads",
		Interval: 30 * time.Second,
		Fetch: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	})
	s.Start(context.Background())
	defer s.Close()

	// Hidden: ticks are swallowed.
	for i := 0; i < 5; i++ {
		clock.tick(30 * time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load(), "no fetch while the document is hidden")

	// Visible again: polling resumes.
	vis.visible.Store(true)
	tickUntil(t, clock, 30*time.Second, &calls, 1)
}

func TestScheduler_SingleInFlightPerResource(t *testing.T) {
	clock := newFakeClock()
	vis := &fakeVisibility{}
	vis.visible.Store(true)

	var started atomic.Int32
	release := make(chan struct{})
	s := NewScheduler(clock, vis, zerolog.Nop(), Resource{
		Name:     "messages",
		Interval: 10 * time.Second,
		Fetch: func(ctx context.Context) error {
			started.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})
	s.Start(context.Background())
	defer s.Close()

	tickUntil(t, clock, 10*time.Second, &started, 1)

	// Further ticks while the fetch is in flight are dropped, not queued.
	for i := 0; i < 5; i++ {
		clock.tick(10 * time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), started.Load(), "overlapping fetch must not start")

	close(release)
	tickUntil(t, clock, 10*time.Second, &started, 2)
}

func TestScheduler_KickBypassesVisibility(t *testing.T) {
	clock := newFakeClock()
	vis := &fakeVisibility{} // hidden

	var calls atomic.Int32
	s := NewScheduler(clock, vis, zerolog.Nop(), Resource{
		Name:     "messages",
		Interval: time.Hour,
		Fetch: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	})
	s.Start(context.Background())
	defer s.Close()

	// A kick reflects a direct user action and runs even while hidden.
	s.Kick("messages")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 2*time.Millisecond)

	// Kicking an unknown resource is a no-op.
	s.Kick("nope")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_FailedPollIsSwallowed(t *testing.T) {
	clock := newFakeClock()
	vis := &fakeVisibility{}
	vis.visible.Store(true)

	var calls atomic.Int32
	s := NewScheduler(clock, vis, zerolog.Nop(), Resource{
		Name:     "unread",
		Interval: time.Minute,
		Fetch: func(context.Context) error {
			calls.Add(1)
			return assert.AnError
		},
	})
	s.Start(context.Background())
	defer s.Close()

	// Errors do not stop the loop; the next tick retries.
	tickUntil(t, clock, time.Minute, &calls, 1)
	tickUntil(t, clock, time.Minute, &calls, 2)
}

func TestScheduler_CloseStopsCleanly(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(clock, nil, zerolog.Nop(),
		Resource{Name: "a", Interval: time.Second, Fetch: func(context.Context) error { return nil }},
		Resource{Name: "b", Interval: 2 * time.Second, Fetch: func(context.Context) error { return nil }},
	)
	s.Start(context.Background())
	s.Close()
	s.Close() // idempotent

	// goleak's TestMain verifies no goroutine survives.
}

func TestScheduler_CloseWithoutStart(t *testing.T) {
	s := NewScheduler(nil, nil, zerolog.Nop())
	require.NotPanics(t, func() { s.Close() })
}

func TestScheduler_InFlightFetchUnblocksOnClose(t *testing.T) {
	clock := newFakeClock()
	vis := &fakeVisibility{}
	vis.visible.Store(true)

	started := make(chan struct{})
	s := NewScheduler(clock, vis, zerolog.Nop(), Resource{
		Name:     "slow",
		Interval: time.Second,
		Fetch: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	s.Start(context.Background())
	clock.tick(time.Second)
	<-started

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock the in-flight fetch")
	}
}
