// Package retry wraps fallible provider calls with a bounded retry budget and
// linear backoff. Client errors that cannot succeed on a second attempt are
// never retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Options controls the retry budget. Zero values fall back to defaults.
type Options struct {
	Attempts int
	Delay    time.Duration
}

const (
	defaultAttempts = 3
	defaultDelay    = time.Second
)

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = defaultAttempts
	}
	if o.Delay <= 0 {
		o.Delay = defaultDelay
	}
	return o
}

// StatusError carries a provider HTTP status so the policy can distinguish
// request errors from transient failures.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// NonRetryable reports whether retrying the operation is futile: malformed
// requests and rejected credentials stay broken, and a cancelled context means
// the caller has moved on.
func NonRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return true
		}
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Do invokes op up to the configured number of attempts, sleeping
// delay x attempt between tries. Non-retryable errors propagate immediately;
// otherwise the last error is returned once the budget is exhausted.
func Do(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	opts = opts.withDefaults()

	var last error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = op(ctx)
		if last == nil {
			return nil
		}
		if NonRetryable(last) {
			return last
		}
		if attempt == opts.Attempts {
			break
		}
		select {
		case <-time.After(opts.Delay * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return last
}
