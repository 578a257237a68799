package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
)

// ReconnectConfig bounds a reconnect sequence. The delay before attempt n
// (0-based) is BaseDelay * 2^n, capped at MaxDelay.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultReconnectConfig returns 1s base delay, 5 attempts, 60s cap.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 5,
	}
}

// newBackOff builds a jitter-free doubling schedule that never gives up on
// its own; the attempt limit is enforced by the Reconnector.
func (c ReconnectConfig) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if c.MaxDelay > 0 {
		b.MaxInterval = c.MaxDelay
	} else {
		b.MaxInterval = time.Duration(1<<62 - 1)
	}
	b.Reset()
	return b
}

// Delays returns the first n delays of the schedule, for logs and tests.
func (c ReconnectConfig) Delays(n int) []time.Duration {
	b := c.newBackOff()
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = b.NextBackOff()
	}
	return out
}

// Reconnector runs at most one reconnect sequence at a time for a transport.
type Reconnector struct {
	kind   Kind
	cfg    ReconnectConfig
	dial   func(ctx context.Context) error
	sleep  func(ctx context.Context, d time.Duration) error
	logger logging.Logger

	onAttempt   func(attempts int)
	onExhausted func(err error)

	mu        sync.Mutex
	running   bool
	exhausted bool
	attempts  int
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewReconnector creates a reconnector calling dial once per attempt.
// onAttempt observes the consecutive failure count after each failed dial
// (and 0 after success); onExhausted fires once when the limit is hit.
func NewReconnector(kind Kind, cfg ReconnectConfig, dial func(ctx context.Context) error,
	sleep func(ctx context.Context, d time.Duration) error, logger logging.Logger,
	onAttempt func(attempts int), onExhausted func(err error)) *Reconnector {
	if sleep == nil {
		sleep = sleepContext
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Reconnector{
		kind:        kind,
		cfg:         cfg,
		dial:        dial,
		sleep:       sleep,
		logger:      logger,
		onAttempt:   onAttempt,
		onExhausted: onExhausted,
	}
}

// Trigger starts a sequence unless one is running or the reconnector is
// exhausted. Concurrent calls coalesce into the running sequence. It
// reports whether a new sequence was started.
func (r *Reconnector) Trigger() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.exhausted {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(ctx)
	return true
}

func (r *Reconnector) run(ctx context.Context) {
	defer r.wg.Done()
	b := r.cfg.newBackOff()

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		delay := b.NextBackOff()
		r.logger.Debug("Reconnect scheduled",
			logging.Int("attempt", attempt+1),
			logging.Duration("delay", delay),
		)
		if err := r.sleep(ctx, delay); err != nil {
			r.finish(false)
			return
		}

		lastErr = r.dial(ctx)
		if lastErr == nil {
			r.mu.Lock()
			r.attempts = 0
			r.mu.Unlock()
			r.observeAttempts(0)
			r.logger.Info("Reconnected", logging.Int("attempt", attempt+1))
			r.finish(false)
			return
		}
		if ctx.Err() != nil {
			r.finish(false)
			return
		}

		r.mu.Lock()
		r.attempts++
		n := r.attempts
		r.mu.Unlock()
		r.observeAttempts(n)
		r.logger.WithError(lastErr).Warn("Reconnect attempt failed",
			logging.Int("attempt", n),
			logging.Int("max_attempts", r.cfg.MaxAttempts),
		)
	}

	err := commerrors.MaxReconnectExceeded(string(r.kind), r.ReconnectAttempts(), r.cfg.MaxAttempts, lastErr)
	r.logger.WithError(err).Error("Reconnect attempts exhausted, transport marked unavailable")
	// The hook runs before Exhausted reports true so observers see the
	// transport's final state once it does.
	if r.onExhausted != nil {
		r.onExhausted(err)
	}
	r.finish(true)
}

func (r *Reconnector) observeAttempts(n int) {
	if r.onAttempt != nil {
		r.onAttempt(n)
	}
}

func (r *Reconnector) finish(exhausted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.exhausted = exhausted
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Running reports whether a sequence is in flight.
func (r *Reconnector) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Exhausted reports whether the last sequence gave up.
func (r *Reconnector) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted
}

// ReconnectAttempts returns the consecutive failed attempts.
func (r *Reconnector) ReconnectAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Reset clears exhaustion after an operator-initiated connect succeeded.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	r.exhausted = false
	r.attempts = 0
	r.mu.Unlock()
	r.observeAttempts(0)
}

// Stop cancels a running sequence, interrupting its backoff sleep, and
// waits for it to return.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Wait blocks until the running sequence, if any, returns.
func (r *Reconnector) Wait() {
	r.wg.Wait()
}
