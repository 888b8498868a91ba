// Package retry wraps adapter calls with bounded retries and exponential
// backoff, producing one ActionRecord per terminated sequence.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/models"
)

// Executor retries a device operation according to a RetryPolicy. The
// executor never returns an error; every terminus is captured in the
// ActionRecord.
type Executor struct {
	policy models.RetryPolicy
	clock  clockwork.Clock
}

// New creates an executor. A nil clock uses the real one.
func New(policy models.RetryPolicy, clock clockwork.Clock) *Executor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Executor{policy: policy.Normalize(), clock: clock}
}

// Policy returns the executor's normalized policy.
func (e *Executor) Policy() models.RetryPolicy {
	return e.policy
}

// Execute invokes fn up to MaxAttempts times with the policy's backoff
// between attempts. Each attempt runs under the per-attempt timeout.
// Permanent errors (malformed configuration surfaced by an adapter) stop
// the sequence after one attempt. Cancellation short-circuits both pending
// sleeps and the current attempt; the record then carries the last
// observed outcome plus the cancelled flag.
func (e *Executor) Execute(ctx context.Context, deviceID string, action models.Action, fn func(ctx context.Context) error) models.ActionRecord {
	start := e.clock.Now()
	record := models.ActionRecord{
		Timestamp: start.UTC(),
		DeviceID:  deviceID,
		Action:    action,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.BaseInterval()
	bo.Multiplier = e.policy.BackoffMultiplier
	bo.RandomizationFactor = 0
	bo.MaxInterval = 24 * time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			record.Cancelled = true
			break
		}

		record.Attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, e.policy.PerAttemptTimeout())
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			record.Outcome = models.OutcomeSuccess
			record.DurationMS = e.clock.Since(start).Milliseconds()
			return record
		}
		lastErr = err

		if ctx.Err() != nil {
			record.Cancelled = true
			break
		}
		if errors.IsPermanent(err) {
			log.Debug().Str("device", deviceID).Err(err).Msg("Non-retriable failure")
			break
		}

		log.Warn().
			Str("device", deviceID).
			Str("action", string(action)).
			Int("attempt", attempt).
			Int("maxAttempts", e.policy.MaxAttempts).
			Err(err).
			Msg("Attempt failed")

		if attempt == e.policy.MaxAttempts {
			break
		}
		if !e.sleep(ctx, bo.NextBackOff()) {
			record.Cancelled = true
			break
		}
	}

	record.Outcome = errors.Outcome(lastErr)
	if lastErr == nil {
		// Cancelled before the first attempt ever ran.
		record.Outcome = models.OutcomeFail
		record.Error = context.Cause(ctx).Error()
	} else {
		record.Error = lastErr.Error()
	}
	record.DurationMS = e.clock.Since(start).Milliseconds()
	return record
}

// sleep waits the backoff delay, aborting early on cancellation.
func (e *Executor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-e.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
