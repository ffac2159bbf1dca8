// Package resilience provides the wrappers applied to every cross-process
// call: circuit breakers, bounded retries, and rate limiters, configured per
// named dependency. Call sites name the dependency and inherit its policy.
package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/domain"
)

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	FailureRateThreshold float64       // open when failures/calls reaches or exceeds this
	SlowCallThreshold    time.Duration // calls slower than this count as failures
	MinCalls             int           // observations required before opening
	HalfOpenProbes       int           // probes allowed while half-open
	OpenWait             time.Duration // time spent open before half-opening
	WindowSize           int           // sliding window of recorded calls
}

// Breaker is a count-window circuit breaker. Closed it records outcomes;
// past the failure-rate threshold it opens and fast-fails; after OpenWait it
// half-opens and admits a bounded number of probes.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu           sync.Mutex
	state        State
	window       []bool // true = failure
	windowIdx    int
	windowFull   bool
	openedAt     time.Time
	probesInUse  int
	probeResults int // successful probes this half-open cycle

	onTransition func(name string, to State)
	log          zerolog.Logger
}

// NewBreaker creates a breaker for a named dependency.
func NewBreaker(name string, cfg BreakerConfig, log zerolog.Logger) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	if cfg.MinCalls <= 0 {
		cfg.MinCalls = 10
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 3
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		window: make([]bool, cfg.WindowSize),
		log:    log.With().Str("component", "breaker").Str("dependency", name).Logger(),
	}
}

// OnTransition registers a callback invoked on every state change (used to
// drive metrics).
func (b *Breaker) OnTransition(fn func(name string, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow reports whether a call may proceed. When the breaker is open it
// returns a CIRCUIT_OPEN fast-fail error; callers decide the fallback.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenWait {
			b.transition(StateHalfOpen)
			b.probesInUse = 1
			return nil
		}
		return domain.Errorf(domain.CodeCircuitOpen, "circuit open for %s", b.name)
	case StateHalfOpen:
		if b.probesInUse < b.cfg.HalfOpenProbes {
			b.probesInUse++
			return nil
		}
		return domain.Errorf(domain.CodeCircuitOpen, "circuit half-open for %s, probes exhausted", b.name)
	}
	return nil
}

// Record feeds a call outcome back into the breaker. Slow calls count as
// failures even when they succeeded.
func (b *Breaker) Record(err error, elapsed time.Duration) {
	failed := err != nil
	if !failed && b.cfg.SlowCallThreshold > 0 && elapsed > b.cfg.SlowCallThreshold {
		failed = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if failed {
			b.transition(StateOpen)
			b.openedAt = time.Now()
			b.resetWindow()
			return
		}
		b.probeResults++
		if b.probeResults >= b.cfg.HalfOpenProbes {
			b.transition(StateClosed)
			b.resetWindow()
		}
		return

	default:
		b.window[b.windowIdx] = failed
		b.windowIdx = (b.windowIdx + 1) % len(b.window)
		if b.windowIdx == 0 {
			b.windowFull = true
		}

		calls, failures := b.windowCounts()
		if calls >= b.cfg.MinCalls && float64(failures)/float64(calls) >= b.cfg.FailureRateThreshold {
			b.transition(StateOpen)
			b.openedAt = time.Now()
			b.resetWindow()
		}
	}
}

// CurrentState returns the breaker state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) windowCounts() (calls, failures int) {
	n := b.windowIdx
	if b.windowFull {
		n = len(b.window)
	}
	for i := 0; i < n; i++ {
		calls++
		if b.window[i] {
			failures++
		}
	}
	return calls, failures
}

func (b *Breaker) resetWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.windowIdx = 0
	b.windowFull = false
	b.probesInUse = 0
	b.probeResults = 0
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.log.Warn().Str("from", b.state.String()).Str("to", to.String()).Msg("Breaker state change")
	b.state = to
	if b.onTransition != nil {
		b.onTransition(b.name, to)
	}
}
