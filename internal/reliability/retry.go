package reliability

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// RetryContext describes the state of one retryable operation.
// It lives for a single Do call and is never shared between calls.
type RetryContext struct {
	Attempt int
	Delay   time.Duration
	Elapsed time.Duration
	Err     error
}

// Retrier runs an operation until it succeeds, fails with a non-retryable
// error, or exhausts its attempt budget.
type Retrier struct {
	maxAttempts int
	backoff     Backoff
	initial     time.Duration
	factor      float64
	maxDelay    time.Duration
	retryable   func(error) bool
	clock       clock.Clock
	onRetry     func(RetryContext)
	op          string
}

// RetryOption configures a Retrier
type RetryOption func(*Retrier)

// WithBackoffFactor makes delays grow exponentially by factor
func WithBackoffFactor(factor float64) RetryOption {
	return func(r *Retrier) {
		r.factor = factor
	}
}

// WithMaxDelay caps the delay between attempts
func WithMaxDelay(d time.Duration) RetryOption {
	return func(r *Retrier) {
		r.maxDelay = d
	}
}

// WithBackoff replaces the delay policy entirely
func WithBackoff(b Backoff) RetryOption {
	return func(r *Retrier) {
		r.backoff = b
	}
}

// WithRetryable sets the predicate deciding which errors are retried
func WithRetryable(fn func(error) bool) RetryOption {
	return func(r *Retrier) {
		r.retryable = fn
	}
}

// WithClock sets the clock used for delays
func WithClock(c clock.Clock) RetryOption {
	return func(r *Retrier) {
		r.clock = c
	}
}

// WithRetryHook registers a callback invoked before every wait
func WithRetryHook(fn func(RetryContext)) RetryOption {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

// WithOperation names the operation in terminal errors
func WithOperation(op string) RetryOption {
	return func(r *Retrier) {
		r.op = op
	}
}

// NewRetrier creates a retrier allowing maxAttempts calls with initialDelay
// between them. Without WithBackoffFactor the delay is constant.
func NewRetrier(maxAttempts int, initialDelay time.Duration, options ...RetryOption) *Retrier {
	r := &Retrier{
		maxAttempts: maxAttempts,
		initial:     initialDelay,
		retryable:   func(error) bool { return true },
		clock:       clock.New(),
		op:          "operation",
	}

	for _, opt := range options {
		opt(r)
	}

	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	if r.backoff == nil {
		if r.factor > 0 {
			r.backoff = NewExponentialBackoff(r.initial, r.maxDelay, r.factor)
		} else {
			r.backoff = ConstantBackoff{Interval: r.initial}
		}
	}

	return r
}

// Do executes fn with retry logic.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	rc := RetryContext{}
	start := r.clock.Now()

	for rc.Attempt = 1; ; rc.Attempt++ {
		if err := ctx.Err(); err != nil {
			if rc.Err != nil {
				return r.terminal(rc, start, err)
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		rc.Err = err

		if !r.retryable(err) {
			return err
		}
		if rc.Attempt >= r.maxAttempts {
			return r.terminal(rc, start, ErrMaxRetriesExceeded)
		}

		rc.Delay = r.backoff.Delay(rc.Attempt)
		rc.Elapsed = r.clock.Since(start)
		if r.onRetry != nil {
			r.onRetry(rc)
		}

		if err := r.sleep(ctx, rc.Delay); err != nil {
			return r.terminal(rc, start, err)
		}
	}
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := r.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Retrier) terminal(rc RetryContext, start time.Time, reason error) *RetryError {
	return &RetryError{
		Op:          r.op,
		Attempts:    rc.Attempt,
		MaxAttempts: r.maxAttempts,
		LastError:   rc.Err,
		Reason:      reason,
		Duration:    r.clock.Since(start),
	}
}

// WithRetry is a convenience wrapper around NewRetrier(...).Do.
func WithRetry(ctx context.Context, maxAttempts int, initialDelay time.Duration, fn func(ctx context.Context) error, options ...RetryOption) error {
	return NewRetrier(maxAttempts, initialDelay, options...).Do(ctx, fn)
}
