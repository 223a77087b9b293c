// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WithRetry runs op, retrying ErrUnavailable up to budget attempts with
// jittered exponential backoff capped at maxBackoff. Any other error,
// including context cancellation, stops immediately. After the budget
// is exhausted the last ErrUnavailable is surfaced to the caller.
func WithRetry(ctx context.Context, budget int, maxBackoff time.Duration, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = maxBackoff
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(budget-1)), ctx)
	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
