// Package poll drives the periodic refresh of pollable resources (thread
// list, active-thread detail, unread count) against a backend that offers no
// push channel. Each resource is an explicit Idle/InFlight state machine:
// a fetch starts only on a timer tick (or an explicit kick), only while the
// document is visible, and only when no fetch for that resource is already
// in flight. Failures are swallowed; the last good state stays authoritative
// until a newer valid fetch lands.
package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Ticker abstracts time.Ticker so tests can drive ticks by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock abstracts wall time and ticker construction.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Visibility reports whether the portal view is currently visible. Interval
// polling pauses while it is not; explicit kicks (a user switching threads)
// still run.
type Visibility interface {
	Visible() bool
}

// SystemClock is the real-time Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) NewTicker(d time.Duration) Ticker { return systemTicker{time.NewTicker(d)} }

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// AlwaysVisible is the Visibility for headless runs with no window to hide.
type AlwaysVisible struct{}

func (AlwaysVisible) Visible() bool { return true }

// Resource is one pollable endpoint.
type Resource struct {
	Name     string
	Interval time.Duration
	Fetch    func(ctx context.Context) error
}

type resourceState struct {
	Resource
	inFlight atomic.Bool
	kick     chan struct{}
}

// Scheduler runs the poll loops. Create with NewScheduler, start with
// Start, stop with Close; Close waits for in-flight fetches and leaks no
// goroutines.
type Scheduler struct {
	clock Clock
	vis   Visibility
	log   zerolog.Logger

	resources map[string]*resourceState

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewScheduler creates a scheduler over the given resources. A nil clock or
// visibility source falls back to the system defaults.
func NewScheduler(clock Clock, vis Visibility, logger zerolog.Logger, resources ...Resource) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if vis == nil {
		vis = AlwaysVisible{}
	}
	s := &Scheduler{
		clock:     clock,
		vis:       vis,
		log:       logger.With().Str("component", "poll").Logger(),
		resources: make(map[string]*resourceState, len(resources)),
	}
	for _, r := range resources {
		s.resources[r.Name] = &resourceState{
			Resource: r,
			kick:     make(chan struct{}, 1),
		}
	}
	return s
}

// Start launches one poll loop per resource.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		for _, rs := range s.resources {
			s.wg.Add(1)
			go s.run(ctx, rs)
		}
	})
}

// Kick requests an immediate out-of-cadence fetch of a resource, e.g. when
// the active thread changes. Coalesces if one is already queued; bypasses
// the visibility gate because it reflects a direct user action.
func (s *Scheduler) Kick(name string) {
	rs, ok := s.resources[name]
	if !ok {
		return
	}
	select {
	case rs.kick <- struct{}{}:
	default:
	}
}

// Close stops all poll loops and waits for them to finish.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Scheduler) run(ctx context.Context, rs *resourceState) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(rs.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if !s.vis.Visible() {
				continue
			}
			s.fetch(ctx, rs)
		case <-rs.kick:
			s.fetch(ctx, rs)
		}
	}
}

// fetch runs one Idle -> InFlight -> Idle transition. The fetch itself runs
// off the tick loop so ticks keep arriving during a slow request; the CAS
// gate drops those ticks instead of piling up overlapping requests whose
// out-of-order completions would fight over merge order.
func (s *Scheduler) fetch(ctx context.Context, rs *resourceState) {
	if !rs.inFlight.CompareAndSwap(false, true) {
		s.log.Debug().Str("resource", rs.Name).Msg("fetch already in flight, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer rs.inFlight.Store(false)

		start := s.clock.Now()
		if err := rs.Fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Swallowed: last known good state is kept, retry on next tick.
			s.log.Debug().Err(err).Str("resource", rs.Name).Msg("poll failed")
			return
		}
		s.log.Debug().Str("resource", rs.Name).Dur("elapsed", s.clock.Now().Sub(start)).Msg("poll ok")
	}()
}
