package savecoord

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/boardkeeper/board"
)

// retryable reports whether a failed save is worth repeating. Stale and
// invalid snapshots fail the same way every time.
func retryable(err error) bool {
	switch {
	case errors.Is(err, board.ErrStaleSnapshot),
		errors.Is(err, board.ErrInvalidSnapshot),
		errors.Is(err, board.ErrInvalidRequest),
		errors.Is(err, board.ErrNotFound),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// saveWithRetry calls saver up to retries+1 times with exponential backoff
// (RetryBackoff, doubled per attempt). It stops early on non-retryable
// errors and on context cancellation. The attempt count is returned for
// observers.
func (c *Coordinator) saveWithRetry(ctx context.Context, saver Saver, req board.SaveRequest, retries int) (board.SaveResult, int, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		res, err := saver.Save(ctx, req)
		if err == nil {
			return res, attempt + 1, nil
		}
		lastErr = err

		if !retryable(err) || ctx.Err() != nil {
			return board.SaveResult{}, attempt + 1, err
		}

		if attempt < retries {
			wait := c.cfg.RetryBackoff * (1 << uint(attempt))
			c.log.Warn("savecoord: retrying save",
				"board_id", req.BoardID,
				"cause", req.Cause,
				"attempt", attempt+1,
				"max_retries", retries,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			if err := c.sleep(ctx, wait); err != nil {
				return board.SaveResult{}, attempt + 1, lastErr
			}
		}
	}
	return board.SaveResult{}, retries + 1, lastErr
}

// sleep waits d on the coordinator clock or until ctx is done.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	done := make(chan struct{})
	t := c.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-done:
		return nil
	}
}
