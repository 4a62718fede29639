package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/eargollo/piiscan/internal/chunk"
)

// RetryPolicy bounds how a single chunk is detected.
type RetryPolicy struct {
	// Retries is the number of extra attempts after the first failure.
	Retries uint64
	Backoff time.Duration
	// Timeout caps each attempt; zero means no cap.
	Timeout time.Duration
}

// DefaultRetryPolicy retries a failed chunk exactly once.
func DefaultRetryPolicy(backoff, timeout time.Duration) RetryPolicy {
	return RetryPolicy{Retries: 1, Backoff: backoff, Timeout: timeout}
}

// DetectWithRetry runs d.Detect under p. Cancellation of ctx is not retried.
// The returned error is the last attempt's error.
func DetectWithRetry(ctx context.Context, d Detector, c chunk.TextChunk, labels LabelSet, p RetryPolicy) ([]Entity, error) {
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	b := retry.WithMaxRetries(p.Retries, retry.NewConstant(backoff))

	var ents []Entity
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		out, err := detectOnce(ctx, d, c, labels, p.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(err)
		}
		ents = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ents, nil
}

// detectOnce runs one attempt. With a timeout, the call runs on its own
// goroutine so a backend that ignores ctx still cannot stall the scan.
func detectOnce(ctx context.Context, d Detector, c chunk.TextChunk, labels LabelSet, timeout time.Duration) ([]Entity, error) {
	if timeout <= 0 {
		return d.Detect(ctx, c, labels)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		ents []Entity
		err  error
	}
	done := make(chan result, 1)
	go func() {
		ents, err := d.Detect(ctx, c, labels)
		done <- result{ents, err}
	}()
	select {
	case r := <-done:
		return r.ents, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("chunk %d: %w", c.Index, ctx.Err())
	}
}
