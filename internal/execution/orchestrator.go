package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoBackends means the orchestrator was built without any backend.
	ErrNoBackends = errors.New("no execution backends configured")
	// ErrAllBackendsFailed means every backend in the chain was exhausted
	// without a fill.
	ErrAllBackendsFailed = errors.New("all execution backends failed")
	// ErrRejected means a backend reported a non-retryable failure, which
	// aborts the remaining chain.
	ErrRejected = errors.New("order rejected")
)

// Config bounds the orchestrator's retry and backoff behavior.
type Config struct {
	// AttemptsPerBackend caps submissions per backend within one Execute.
	AttemptsPerBackend int
	// RetryDelay is the base pause between attempts on the same backend;
	// it grows linearly with the attempt number.
	RetryDelay time.Duration
	// BackoffBase seeds the pre-chain delay applied when the session
	// carries a rate-limit streak. The delay doubles per streak step.
	BackoffBase time.Duration
	// BackoffMax caps the pre-chain delay regardless of streak length.
	BackoffMax time.Duration
}

func (c *Config) applyDefaults() {
	if c.AttemptsPerBackend <= 0 {
		c.AttemptsPerBackend = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Minute
	}
}

// Outcome is the aggregate result of one Execute call. Attempts records every
// submission in order, across all backends, for the trade journal.
type Outcome struct {
	Success  bool
	Backend  string
	TxRef    string
	Attempts []Attempt
}

// RateLimited reports whether any attempt in the chain hit a rate limit. The
// session uses it to grow its backoff streak.
func (o Outcome) RateLimited() bool {
	for _, a := range o.Attempts {
		if a.Class == ClassRateLimited.String() {
			return true
		}
	}
	return false
}

// Orchestrator walks an ordered backend chain until one fills the order.
// Backends are tried in slice order; each gets a bounded number of attempts.
type Orchestrator struct {
	backends []Backend
	cfg      Config
	log      *zap.Logger

	// sleep and jitter are injectable for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

func NewOrchestrator(backends []Backend, cfg Config, log *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		backends: backends,
		cfg:      cfg,
		log:      log,
		sleep:    sleepCtx,
		jitter:   jitterHalf,
	}
}

// Execute submits the request through the backend chain. rateLimitStreak is
// the session's count of consecutive rate-limited cycles; a positive streak
// delays the first attempt by an exponentially grown, jittered backoff.
//
// The returned Outcome always carries the full attempt trail, including on
// error. A non-retryable rejection stops the chain immediately.
func (o *Orchestrator) Execute(ctx context.Context, req Request, rateLimitStreak int) (Outcome, error) {
	var out Outcome
	if o == nil || len(o.backends) == 0 {
		return out, ErrNoBackends
	}

	if rateLimitStreak > 0 {
		delay := o.jitter(BackoffDelay(o.cfg.BackoffBase, rateLimitStreak, o.cfg.BackoffMax))
		if delay > o.cfg.BackoffMax {
			// The ceiling bounds the slept delay, jitter included.
			delay = o.cfg.BackoffMax
		}
		o.log.Info("rate limit backoff before execution",
			zap.Int("streak", rateLimitStreak),
			zap.Duration("delay", delay))
		if err := o.sleep(ctx, delay); err != nil {
			return out, err
		}
	}

	for _, b := range o.backends {
	attempts:
		for attempt := 1; attempt <= o.cfg.AttemptsPerBackend; attempt++ {
			if err := ctx.Err(); err != nil {
				return out, err
			}

			start := time.Now()
			res := b.Submit(ctx, req)
			rec := Attempt{
				Backend: b.Name(),
				Class:   res.Class.String(),
				Latency: time.Since(start),
				At:      time.Now().UTC(),
			}
			if res.Err != nil {
				rec.Error = res.Err.Error()
			}
			out.Attempts = append(out.Attempts, rec)

			if res.Success {
				out.Success = true
				out.Backend = b.Name()
				out.TxRef = res.TxRef
				o.log.Info("order filled",
					zap.String("backend", b.Name()),
					zap.String("market", req.MarketID),
					zap.String("tx_ref", res.TxRef),
					zap.Int("attempt", attempt))
				return out, nil
			}

			o.log.Warn("backend attempt failed",
				zap.String("backend", b.Name()),
				zap.String("market", req.MarketID),
				zap.String("class", res.Class.String()),
				zap.Int("attempt", attempt),
				zap.Error(res.Err))

			switch res.Class {
			case ClassNonRetryable:
				return out, fmt.Errorf("%s: %w", b.Name(), errors.Join(ErrRejected, res.Err))
			case ClassRateLimited:
				// No point hammering a throttled channel; hand the
				// request to the next backend.
				break attempts
			default:
				if attempt < o.cfg.AttemptsPerBackend {
					if err := o.sleep(ctx, time.Duration(attempt)*o.cfg.RetryDelay); err != nil {
						return out, err
					}
				}
			}
		}
	}
	return out, ErrAllBackendsFailed
}

// BackoffDelay returns base doubled per streak step, capped at max.
func BackoffDelay(base time.Duration, streak int, max time.Duration) time.Duration {
	if base <= 0 || streak <= 0 {
		return 0
	}
	d := base
	for i := 1; i < streak; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// jitterHalf spreads a delay uniformly across [d/2, 3d/2) so synchronized
// clients do not retry in lockstep.
func jitterHalf(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
