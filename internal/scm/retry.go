package scm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/fyrsmithlabs/remedyd/internal/retry"
)

// APIError is a failed GitHub call with the response status attached.
// Status is 0 when no response was received.
type APIError struct {
	Op          string
	Status      int
	RateLimited bool
	// Wait is how long GitHub asked us to back off, if it said.
	Wait time.Duration
	Err  error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("github %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("github %s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status of a failed call, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsNotFound reports a 404 from GitHub.
func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

func wrap(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	apiErr := &APIError{Op: op, Err: err}
	if resp != nil && resp.Response != nil {
		apiErr.Status = resp.StatusCode
	}

	var rle *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	switch {
	case errors.As(err, &rle):
		apiErr.RateLimited = true
		apiErr.Wait = time.Until(rle.Rate.Reset.Time) + time.Second
	case errors.As(err, &abuse):
		apiErr.RateLimited = true
		if d := abuse.GetRetryAfter(); d > 0 {
			apiErr.Wait = d
		}
	case resp != nil && resp.Response != nil:
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, perr := strconv.Atoi(s); perr == nil {
				apiErr.Wait = time.Duration(secs) * time.Second
			}
		}
		if resp.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0 {
			apiErr.RateLimited = true
		}
	}
	return apiErr
}

// IsRetryable classifies GitHub failures. 429 and 5xx retry, 403 retries
// only when it is a rate limit, other 4xx never do. Transport errors with
// no response retry unless no credentials exist for the repository.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNoCredentials) || errors.Is(err, ErrNoInstallation) {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return errors.Is(err, context.DeadlineExceeded)
	}
	switch code := apiErr.Status; {
	case code == 0:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusForbidden:
		return apiErr.RateLimited
	case code >= 500 && code < 600:
		return true
	default:
		return false
	}
}

func rateLimitDelay(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Wait > 0 {
		return apiErr.Wait, true
	}
	return 0, false
}

// Policy returns p with the GitHub classifier and rate limit delays.
func Policy(p retry.Policy) retry.Policy {
	p.Retryable = IsRetryable
	p.Delay = rateLimitDelay
	return p
}

// Do runs one GitHub call under p. Failures come back as *APIError.
func Do[T any](ctx context.Context, p retry.Policy, op string, fn func(context.Context) (T, *github.Response, error)) (T, error) {
	return retry.Do(ctx, p, "github "+op, func(ctx context.Context) (T, error) {
		v, resp, err := fn(ctx)
		return v, wrap(op, resp, err)
	})
}

// DoResponse is Do for paginated calls that need the final response.
func DoResponse[T any](ctx context.Context, p retry.Policy, op string, fn func(context.Context) (T, *github.Response, error)) (T, *github.Response, error) {
	var last *github.Response
	v, err := Do(ctx, p, op, func(ctx context.Context) (T, *github.Response, error) {
		v, resp, err := fn(ctx)
		last = resp
		return v, resp, err
	})
	return v, last, err
}
