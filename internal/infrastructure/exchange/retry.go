package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultRequestsPerSecond = 10
	defaultBurst             = 20
	defaultMaxRetries        = 3
	defaultBackoff           = 100 * time.Millisecond
	defaultHTTPTimeout       = 10 * time.Second
)

// throttle bundles the limiter and retry policy shared by every REST call of
// one adapter.
type throttle struct {
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
}

func newThrottle(requestsPerSecond float64, maxRetries int) throttle {
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSecond
	}
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	return throttle{
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), defaultBurst),
		maxRetries: maxRetries,
		backoff:    defaultBackoff,
	}
}

// permanentError stops the retry loop, e.g. for 4xx responses.
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return permanentError{err: err}
}

// do runs fn under the limiter, retrying with exponential backoff.
func do[T any](ctx context.Context, th throttle, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := th.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}

		var perm permanentError
		if errors.As(err, &perm) || ctx.Err() != nil || attempt >= th.maxRetries {
			return zero, err
		}

		waitTime := time.Duration(math.Pow(2, float64(attempt))) * th.backoff
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// statusError classifies an HTTP status. Client errors other than 429 are not
// worth retrying.
func statusError(resp *http.Response, body []byte) error {
	if resp.StatusCode < 400 {
		return nil
	}
	err := fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(body), 256))
	if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return permanent(err)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// parseNumber converts an exchange decimal string to float64.
func parseNumber(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	return d.InexactFloat64(), nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
