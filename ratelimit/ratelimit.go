// Package ratelimit tracks the remote CMS API's rate-limit state and gates
// dispatch according to a configurable strategy.
//
// The tracker is fed after every HTTP response (success or failure) from the
// X-RateLimit-* and Retry-After headers, so the next dispatch always sees
// fresh state. It is a two-state machine: Idle, and Limited while a cooldown
// is pending. Exactly one cooldown timer runs per tracker — concurrent
// callers park behind it instead of each starting their own.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Strategy selects the dispatch behaviour while the tracker is Limited.
type Strategy string

const (
	// StrategyQueue holds dispatch until the cooldown elapses, then
	// releases every parked caller.
	StrategyQueue Strategy = "queue"
	// StrategyThrow fails dispatch immediately with *ErrLimited.
	StrategyThrow Strategy = "throw"
	// StrategyRetry lets dispatch proceed; the executor treats the
	// resulting 429 like a retryable server error.
	StrategyRetry Strategy = "retry"
)

// State is a snapshot of the remote rate-limit accounting. It is replaced
// wholesale on every update, never patched field by field.
type State struct {
	Remaining  int
	Limit      int
	ResetTime  time.Time
	RetryAfter time.Duration // nonzero only after a 429 carrying Retry-After
}

// ErrLimited is returned under StrategyThrow when dispatch is attempted
// while the tracker is Limited.
type ErrLimited struct {
	Until time.Time
}

func (e *ErrLimited) Error() string {
	return fmt.Sprintf("ratelimit: limited until %s", e.Until.UTC().Format(time.RFC3339))
}

// Options configures a Tracker.
type Options struct {
	// Strategy is the dispatch policy. Default: StrategyQueue.
	Strategy Strategy
	// MaxCooldown caps how long a single cooldown may hold dispatch,
	// guarding against absurd Retry-After values. Default: 5m.
	MaxCooldown time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Strategy == "" {
		o.Strategy = StrategyQueue
	}
	if o.MaxCooldown <= 0 {
		o.MaxCooldown = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Tracker maintains rate-limit state for one client instance.
type Tracker struct {
	opts Options

	mu      sync.Mutex
	state   State
	limited bool
	until   time.Time
	ready   chan struct{} // closed when the active cooldown elapses
	now     func() time.Time
}

// New creates a Tracker in the Idle state.
func New(opts Options) *Tracker {
	opts.defaults()
	return &Tracker{opts: opts, now: time.Now}
}

// Strategy returns the configured dispatch strategy.
func (t *Tracker) Strategy() Strategy { return t.opts.Strategy }

// State returns the last observed rate-limit snapshot.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Limited reports whether a cooldown is currently pending.
func (t *Tracker) Limited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limited && t.now().Before(t.until)
}

// Update replaces the tracked state with a fresh snapshot. When the remote
// reports zero remaining calls, the tracker transitions to Limited until the
// reported reset time.
func (t *Tracker) Update(st State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = st
	if st.Limit > 0 && st.Remaining <= 0 {
		until := st.ResetTime
		if until.IsZero() {
			until = t.now().Add(st.RetryAfter)
		}
		t.markLimitedLocked(until)
	}
}

// MarkLimited transitions to Limited until the given time. Called by the
// executor on an explicit 429. A zero time falls back to the last reported
// reset time, or a one-second grace period when none is known.
func (t *Tracker) MarkLimited(until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if until.IsZero() {
		until = t.state.ResetTime
	}
	if until.IsZero() || !until.After(t.now()) {
		until = t.now().Add(time.Second)
	}
	t.markLimitedLocked(until)
}

// markLimitedLocked arms the single cooldown timer. If a cooldown is already
// pending it is only extended, never duplicated — the existing timer result
// is discarded and parked callers re-check the deadline on wake.
func (t *Tracker) markLimitedLocked(until time.Time) {
	now := t.now()
	if max := now.Add(t.opts.MaxCooldown); until.After(max) {
		until = max
	}
	if !until.After(now) {
		return
	}
	if t.limited && !until.After(t.until) {
		return // current cooldown already covers it
	}
	wasLimited := t.limited
	t.limited = true
	t.until = until
	if !wasLimited {
		t.ready = make(chan struct{})
		t.opts.Logger.Warn("ratelimit: entering cooldown",
			"until", until.UTC().Format(time.RFC3339Nano),
			"wait_ms", until.Sub(now).Milliseconds())
	}
	ready := t.ready
	time.AfterFunc(until.Sub(now), func() { t.release(ready, until) })
}

// release clears the Limited state if the deadline it was armed for is still
// current. A later MarkLimited extends t.until, making this firing stale.
func (t *Tracker) release(ready chan struct{}, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.limited || t.ready != ready || t.until.After(until) {
		return
	}
	t.limited = false
	close(ready)
	t.opts.Logger.Info("ratelimit: cooldown elapsed")
}

// Acquire gates one dispatch. Behaviour depends on the strategy:
//
//   - queue: blocks until the active cooldown (if any) elapses or ctx is done.
//   - throw: returns *ErrLimited immediately while Limited.
//   - retry: never blocks; the executor's backoff loop handles the 429.
func (t *Tracker) Acquire(ctx context.Context) error {
	for {
		t.mu.Lock()
		if !t.limited || !t.now().Before(t.until) {
			t.mu.Unlock()
			return nil
		}
		until := t.until
		ready := t.ready
		t.mu.Unlock()

		switch t.opts.Strategy {
		case StrategyThrow:
			return &ErrLimited{Until: until}
		case StrategyRetry:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ready:
			// Cooldown elapsed; loop to re-check in case a new one started.
		}
	}
}
