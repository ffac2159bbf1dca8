package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/meridian-am/fxhedge/internal/config"
	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/metrics"
)

// Guard bundles the breaker, retry policy, rate limiter and call timeout for
// one named dependency.
type Guard struct {
	name    string
	breaker *Breaker
	limiter *rate.Limiter
	cfg     config.ResilienceConfig
	m       *metrics.Metrics
	log     zerolog.Logger
}

// Registry holds the guards for every named dependency.
type Registry struct {
	guards map[string]*Guard
	log    zerolog.Logger
}

// NewRegistry builds a guard per entry of the resilience config table.
func NewRegistry(table map[string]config.ResilienceConfig, m *metrics.Metrics, log zerolog.Logger) *Registry {
	r := &Registry{
		guards: make(map[string]*Guard, len(table)),
		log:    log.With().Str("component", "resilience").Logger(),
	}
	for name, cfg := range table {
		g := &Guard{
			name: name,
			breaker: NewBreaker(name, BreakerConfig{
				FailureRateThreshold: cfg.FailureRateThreshold,
				SlowCallThreshold:    cfg.SlowCallThreshold,
				MinCalls:             cfg.MinCalls,
				HalfOpenProbes:       cfg.HalfOpenProbes,
				OpenWait:             cfg.OpenWait,
			}, log),
			cfg: cfg,
			m:   m,
			log: r.log.With().Str("dependency", name).Logger(),
		}
		if cfg.RatePermits > 0 {
			g.limiter = rate.NewLimiter(rate.Every(cfg.RatePeriod/time.Duration(cfg.RatePermits)), cfg.RatePermits)
		}
		if m != nil {
			g.breaker.OnTransition(func(dep string, to State) {
				m.BreakerTransitions.WithLabelValues(dep, to.String()).Inc()
				if to == StateOpen {
					m.BreakerOpen.WithLabelValues(dep).Set(1)
				} else {
					m.BreakerOpen.WithLabelValues(dep).Set(0)
				}
			})
		}
		r.guards[name] = g
	}
	return r
}

// Guard returns the guard for a named dependency. Unknown names get a
// permissive default so a missing table entry degrades to plain calls.
func (r *Registry) Guard(name string) *Guard {
	if g, ok := r.guards[name]; ok {
		return g
	}
	r.log.Warn().Str("dependency", name).Msg("No resilience config for dependency, using pass-through")
	g := &Guard{name: name, breaker: NewBreaker(name, BreakerConfig{FailureRateThreshold: 1.01}, r.log), log: r.log}
	r.guards[name] = g
	return g
}

// Execute runs fn under the dependency's policy: rate limit, breaker
// admission, per-call timeout, bounded retry consulting the domain retryable
// flag. The breaker records every attempt.
func (g *Guard) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if g.m != nil {
				g.m.RateLimited.WithLabelValues(g.name).Inc()
			}
			return domain.NewError(domain.CodeRateLimited, "rate limiter wait aborted for "+g.name, err)
		}
	}

	attempt := func() error {
		if err := g.breaker.Allow(); err != nil {
			// Fast-fail without consuming a retry: Permanent stops backoff.
			return backoff.Permanent(err)
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if g.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		}
		start := time.Now()
		err := fn(callCtx)
		if cancel != nil {
			cancel()
		}
		g.breaker.Record(err, time.Since(start))

		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := g.backoffPolicy(ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		// Unwrap backoff's permanent marker so callers see the real error.
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}

func (g *Guard) backoffPolicy(ctx context.Context) backoff.BackOff {
	maxAttempts := g.cfg.RetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var base backoff.BackOff
	if g.cfg.RetryExponential {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = g.cfg.RetryWait
		exp.MaxElapsedTime = 0
		base = exp
	} else {
		base = backoff.NewConstantBackOff(g.cfg.RetryWait)
	}
	return backoff.WithContext(backoff.WithMaxRetries(base, uint64(maxAttempts-1)), ctx)
}

// Breaker exposes the guard's breaker (used by the health service).
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// States returns the current breaker state per dependency.
func (r *Registry) States() map[string]string {
	out := make(map[string]string, len(r.guards))
	for name, g := range r.guards {
		out[name] = g.breaker.CurrentState().String()
	}
	return out
}
