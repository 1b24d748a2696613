package pipeline

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/IvanLi-CN/televy-backup/internal/errs"
	"github.com/IvanLi-CN/televy-backup/internal/provider"
	"github.com/IvanLi-CN/televy-backup/internal/telemetry"
)

// withRetry runs fn, retrying on retryable errors:
// network/transient errors back off with jitter (bounded
// by backoff.MaxTrys); a provider-reported rate limit honors the
// server-suggested delay instead of the jittered schedule; anything else
// classified non-retryable (auth, integrity, disk I/O) returns
// immediately.
func withRetry(ctx context.Context, backoff provider.BackoffPolicy, metrics *telemetry.Metrics, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= backoff.MaxTrys; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		classified := provider.Classify(err)
		if classified == nil || !classified.Retryable {
			return err
		}
		if metrics != nil {
			metrics.RecordProviderRetry(string(classified.Code))
		}

		var rl *provider.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			if waitErr := sleepCtx(ctx, rl.RetryAfter); waitErr != nil {
				return waitErr
			}
			continue
		}

		if waitErr := backoff.Sleep(ctx, attempt); waitErr != nil {
			return waitErr
		}
	}
	return errs.Wrap(errs.ProviderTransient, "exhausted retry attempts", lastErr).WithDetail("attempts", strconv.Itoa(backoff.MaxTrys))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
