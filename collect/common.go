// Package collect talks to the remote mailboxes being mirrored.
package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
)

const (
	MaxRetryCount = 3
	SleepTime     = 1 * time.Second
	maxBackoff    = 30 * time.Second

	// requests per second and burst shared by all calls of one client
	requestRate  = 50
	requestBurst = 5
)

// HTTPError is a non-2xx answer from a REST endpoint.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

func isRetryStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func isRetryError(err error) bool {
	var googleErr *googleapi.Error
	if errors.As(err, &googleErr) {
		return isRetryStatus(googleErr.Code)
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return isRetryStatus(httpErr.StatusCode)
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func statusCode(err error) int {
	var googleErr *googleapi.Error
	if errors.As(err, &googleErr) {
		return googleErr.Code
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// retrier throttles calls and retries throttling and server errors with
// exponential backoff.
type retrier struct {
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
}

func newRetrier() *retrier {
	return &retrier{
		limiter:    rate.NewLimiter(requestRate, requestBurst),
		maxRetries: MaxRetryCount,
		backoff:    SleepTime,
	}
}

func (r *retrier) do(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter error: %w", err)
		}
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !isRetryError(lastErr) || attempt == r.maxRetries {
			break
		}
		wait := r.wait(lastErr, attempt)
		slog.Info("Got retryable error", "op", op, "attempt", attempt+1, "max_retries", r.maxRetries, "wait", wait, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

func (r *retrier) wait(err error, attempt int) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return min(httpErr.RetryAfter, maxBackoff)
	}
	return min(r.backoff<<attempt, maxBackoff)
}
