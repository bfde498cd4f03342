package transport

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	networkRetryStep = time.Second
	rateLimitBase    = time.Second
	rateLimitCap     = 30 * time.Second

	// larger delta-seconds values overflow time.Duration
	maxRetryAfterSecs = math.MaxInt64 / int64(time.Second)
)

// NetworkRetryDelay is the linear delay before network retry number attempt (1-based).
func NetworkRetryDelay(attempt int) time.Duration {
	return time.Duration(attempt) * networkRetryStep
}

// RateLimitDelay is the delay before 429 retry number attempt (1-based):
// min(1s·2^(attempt-1), 30s), unless Retry-After is present, which wins.
func RateLimitDelay(attempt int, retryAfter string, now time.Time) time.Duration {
	if d, ok := parseRetryAfter(retryAfter, now); ok {
		return d
	}
	if attempt < 1 {
		attempt = 1
	}
	d := rateLimitBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= rateLimitCap {
			return rateLimitCap
		}
	}
	return d
}

// parseRetryAfter accepts delta-seconds and, as a courtesy, an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs < 0 || secs > maxRetryAfterSecs {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
