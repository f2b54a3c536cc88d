// Package governor implements the Concurrency Governor (spec §4.2):
// per-provider semaphores, minimum-interval pacing, and an adaptive delay
// that grows on failure and decays on success, plus a global cap shared
// across every provider. Grounded on golang.org/x/time/rate's token-bucket
// idiom for pacing and gitlabhq-gitlab-runner/helpers/retry's backoff-growth
// shape (multiplicative grow, divide-back-down on recovery) for the
// adaptive delay.
package governor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aicc6/weather-flick-batch/internal/keyregistry"
)

const (
	adaptiveGrowthFactor = 1.5
	adaptiveDecayFactor  = 1.2
	adaptiveDelayCap     = 60 * time.Second
)

// Limits configure one provider's governor lane.
type Limits struct {
	MaxInFlight int
	MinInterval time.Duration
}

// state is the mutable per-provider ConcurrencyState named in spec §3.
type state struct {
	mu                sync.Mutex
	sem               chan struct{}
	minInterval       time.Duration
	lastStart         time.Time
	adaptiveDelay     time.Duration
	consecutiveFails  int
}

// Governor coordinates concurrency across providers plus one global cap.
// Lock order is always Governor-slot → Key Registry → DB connection (spec
// §5 "Deadlock avoidance"); callers must never acquire a Key Registry lock
// before calling Acquire.
type Governor struct {
	mu       sync.Mutex
	states   map[keyregistry.Provider]*state
	limits   map[keyregistry.Provider]Limits
	global   *rate.Limiter
	globalSem chan struct{}
}

// New constructs a Governor with a global in-flight cap shared across every
// provider (spec §4.2c) and a global requests-per-second ceiling enforced
// across providers in addition to each provider's own minInterval/adaptive
// pacing. globalRatePerSecond <= 0 disables the rate ceiling (in-flight cap
// only).
func New(globalMaxInFlight int, globalRatePerSecond float64) *Governor {
	if globalMaxInFlight <= 0 {
		globalMaxInFlight = 1
	}
	var limiter *rate.Limiter
	if globalRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(globalRatePerSecond), globalMaxInFlight)
	}
	return &Governor{
		states:    make(map[keyregistry.Provider]*state),
		limits:    make(map[keyregistry.Provider]Limits),
		global:    limiter,
		globalSem: make(chan struct{}, globalMaxInFlight),
	}
}

// Configure registers (or replaces) the limits for provider. Must be called
// before the first Acquire for that provider.
func (g *Governor) Configure(provider keyregistry.Provider, limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limits.MaxInFlight <= 0 {
		limits.MaxInFlight = 1
	}
	g.limits[provider] = limits
	g.states[provider] = &state{
		sem:         make(chan struct{}, limits.MaxInFlight),
		minInterval: limits.MinInterval,
	}
}

func (g *Governor) stateFor(provider keyregistry.Provider) *state {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.states[provider]
	if !ok {
		s = &state{sem: make(chan struct{}, 1)}
		g.states[provider] = s
	}
	return s
}

// Slot is the token returned by Acquire; callers must call Release exactly
// once, reporting whether the call it guarded succeeded, so the adaptive
// delay can grow or decay.
type Slot struct {
	governor *Governor
	provider keyregistry.Provider
	state    *state
}

// Acquire blocks, honoring ctx cancellation at every suspension point (spec
// §5 "each suspension point MUST observe it"), until a provider slot, a
// global slot, and the pacing interval all clear. FIFO ordering on the
// channel-based semaphores follows Go's runtime channel fairness.
func (g *Governor) Acquire(ctx context.Context, provider keyregistry.Provider) (*Slot, error) {
	s := g.stateFor(provider)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case g.globalSem <- struct{}{}:
	case <-ctx.Done():
		<-s.sem
		return nil, ctx.Err()
	}

	if err := s.waitForPacing(ctx); err != nil {
		<-g.globalSem
		<-s.sem
		return nil, err
	}

	if g.global != nil {
		if err := g.global.Wait(ctx); err != nil {
			<-g.globalSem
			<-s.sem
			return nil, err
		}
	}

	return &Slot{governor: g, provider: provider, state: s}, nil
}

func (s *state) waitForPacing(ctx context.Context) error {
	s.mu.Lock()
	var wait time.Duration
	if !s.lastStart.IsZero() {
		readyAt := s.lastStart.Add(s.minInterval + s.adaptiveDelay)
		if d := time.Until(readyAt); d > 0 {
			wait = d
		}
	}
	s.mu.Unlock()

	if wait <= 0 {
		s.mu.Lock()
		s.lastStart = time.Now()
		s.mu.Unlock()
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.mu.Lock()
		s.lastStart = time.Now()
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the slot, adjusting the provider's adaptive delay:
// grows ×1.5 (capped) on failure, decays ÷1.2 (floored at zero) on success
// (spec §4.2d).
func (s *Slot) Release(success bool) {
	s.state.mu.Lock()
	if success {
		s.state.consecutiveFails = 0
		if s.state.adaptiveDelay > 0 {
			s.state.adaptiveDelay = time.Duration(float64(s.state.adaptiveDelay) / adaptiveDecayFactor)
			if s.state.adaptiveDelay < time.Millisecond {
				s.state.adaptiveDelay = 0
			}
		}
	} else {
		s.state.consecutiveFails++
		next := time.Duration(float64(s.state.adaptiveDelay) * adaptiveGrowthFactor)
		if next < 50*time.Millisecond {
			next = 50 * time.Millisecond
		}
		if next > adaptiveDelayCap {
			next = adaptiveDelayCap
		}
		s.state.adaptiveDelay = next
	}
	s.state.mu.Unlock()

	<-s.governor.globalSem
	<-s.state.sem
}

// Abort releases a slot for a task that never issued its request, e.g. a
// cancellation while still waiting on a key (spec §5: "task aborts cleanly,
// releasing nothing it did not take"). It does not perturb the adaptive
// delay.
func (s *Slot) Abort() {
	<-s.governor.globalSem
	<-s.state.sem
}

// Snapshot exposes ConcurrencyState for observability.
type Snapshot struct {
	Provider         keyregistry.Provider
	InFlight         int
	AdaptiveDelay    time.Duration
	ConsecutiveFails int
}

func (g *Governor) Snapshot(provider keyregistry.Provider) Snapshot {
	s := g.stateFor(provider)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Provider:         provider,
		InFlight:         len(s.sem),
		AdaptiveDelay:    s.adaptiveDelay,
		ConsecutiveFails: s.consecutiveFails,
	}
}
