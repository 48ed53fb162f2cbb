// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"time"
)

// RetryWithBackoff calls op until it succeeds, reports a permanent failure
// (retry == false) or maxAttempts is reached. The wait before attempt n is
// baseBackoff * 2^(n-1) and is cut short when ctx is cancelled. The last
// error is returned on exhaustion.
func RetryWithBackoff(
	ctx context.Context,
	maxAttempts int,
	baseBackoff time.Duration,
	op func(attempt int) (retry bool, err error),
) error {
	var lastErr error
	for attempt := range max(maxAttempts, 1) {
		if attempt > 0 {
			timer := time.NewTimer(baseBackoff << (attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry aborted after %d attempt(s): %w", attempt, ctx.Err())
			case <-timer.C:
			}
		}

		retry, err := op(attempt)
		if err == nil || !retry {
			return err
		}
		lastErr = err
	}
	return lastErr
}
