package backoff

import (
	"context"
	"errors"
	"fmt"
)

// ErrExhausted is returned once every attempt has failed. The last
// underlying error is wrapped alongside it.
var ErrExhausted = errors.New("retry attempts exhausted")

// Do runs fn up to attempts times with the policy's delay between
// failures, returning the first successful value. Context cancellation is
// honored both between attempts and during the backoff sleep. fn receives
// the 1-indexed attempt number.
func Do[T any](ctx context.Context, p Policy, attempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if attempt < attempts {
			if err := Sleep(ctx, p.Delay(attempt)); err != nil {
				return zero, err
			}
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// Retry is Do for operations without a result value.
func Retry(ctx context.Context, p Policy, attempts int, fn func(attempt int) error) error {
	_, err := Do(ctx, p, attempts, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}
