// Package retry runs an operation a bounded number of times with a fixed pause between attempts.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrEmptyResult marks an attempt that returned nothing usable.
var ErrEmptyResult = errors.New("empty result")

// Policy bounds an operation's attempts.
type Policy struct {
	Attempts int
	Backoff  time.Duration
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Op is one attempt; attempt starts at 1.
type Op[T any] func(ctx context.Context, attempt int) (T, error)

// Do calls op until it succeeds, the attempts are exhausted, or ctx is done.
// The last error is returned when every attempt fails.
func Do[T any](ctx context.Context, p Policy, op Op[T]) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Backoff)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() (T, error) {
		attempt++
		return op(ctx, attempt)
	}
	notify := func(err error, _ time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
	}
	return backoff.RetryNotifyWithData(operation, b, notify)
}

// Permanent stops retrying and returns err from Do.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Text wraps a string-producing op so blank output counts as a failed attempt.
func Text(op Op[string]) Op[string] {
	return func(ctx context.Context, attempt int) (string, error) {
		out, err := op(ctx, attempt)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", ErrEmptyResult
		}
		return out, nil
	}
}
