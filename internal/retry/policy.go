package retry

import (
	"context"
	"errors"
	"time"

	"paykit/internal/billing"
	"paykit/internal/metrics"
	"paykit/pkg/logging"
)

const (
	// DefaultDelay is the pause between two attempts.
	DefaultDelay = 2 * time.Second
	// DefaultGenericCap bounds retries of the generic "error" code regardless
	// of what the caller asked for.
	DefaultGenericCap = 3
	// Unbounded disables the attempt limit for transient errors.
	Unbounded = -1
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so ShouldRetry stops on it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ShouldRetry decides whether the attempt that just failed with err (counted
// from 1) is followed by another one.
//
//   - attempt >= maxAttempts (maxAttempts >= 0): stop
//   - cancelled contexts and Permanent errors: stop
//   - unclassified errors and connection codes: retry
//   - the generic error code: retry while attempt < DefaultGenericCap
//   - any other billing code: stop
func ShouldRetry(err error, attempt, maxAttempts int) bool {
	if err == nil {
		return false
	}
	if maxAttempts >= 0 && attempt >= maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || IsPermanent(err) {
		return false
	}
	be, ok := billing.AsError(err)
	if !ok || be.Code.IsConnectionCode() {
		return true
	}
	if be.Code == billing.CodeError {
		return attempt < DefaultGenericCap
	}
	return false
}

// Policy is the retry configuration of one operation type.
type Policy struct {
	Name        string
	MaxAttempts int
	Delay       time.Duration
}

// Canonical policies per operation type. The UI description fetch has none.
var (
	Connection    = Policy{Name: "connection", MaxAttempts: 3, Delay: DefaultDelay}
	ProductQuery  = Policy{Name: "product_query", MaxAttempts: 3, Delay: DefaultDelay}
	PurchaseQuery = Policy{Name: "purchase_query", MaxAttempts: 3, Delay: DefaultDelay}
	Validation    = Policy{Name: "validation", MaxAttempts: 3, Delay: DefaultDelay}
	Profile       = Policy{Name: "profile", MaxAttempts: 3, Delay: DefaultDelay}
	Restore       = Policy{Name: "restore", MaxAttempts: 3, Delay: DefaultDelay}
	Paywall       = Policy{Name: "paywall", MaxAttempts: 3, Delay: DefaultDelay}
)

// WithDelay returns a copy of p waiting d between attempts.
func (p Policy) WithDelay(d time.Duration) Policy {
	p.Delay = d
	return p
}

// Runner executes operations under policies and reports retries.
type Runner struct {
	Metrics *metrics.Metrics
	Logger  logging.Logger
	// Delay overrides every policy's delay when positive or Immediate is set.
	Delay     time.Duration
	Immediate bool
}

func (r *Runner) delayFor(p Policy) time.Duration {
	if r == nil {
		return p.Delay
	}
	if r.Immediate {
		return 0
	}
	if r.Delay > 0 {
		return r.Delay
	}
	return p.Delay
}

// Do runs op until it succeeds or ShouldRetry says stop. The delay is a plain
// sleep that gives up early when ctx is done.
func Do[T any](ctx context.Context, r *Runner, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var logger logging.Logger = logging.Nop()
	var m *metrics.Metrics
	if r != nil {
		logger = logging.OrNop(r.Logger)
		m = r.Metrics
	}
	delay := r.delayFor(p)

	for attempt := 1; ; attempt++ {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		if !ShouldRetry(err, attempt, p.MaxAttempts) {
			return out, err
		}

		logger.Debug("%s attempt %d failed, retrying in %v: %v", p.Name, attempt, delay, err)
		m.RetryAttempt(p.Name)

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return out, err
			}
		} else if ctx.Err() != nil {
			return out, err
		}
	}
}
