package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
)

// ErrNoCredential is returned when no credential is configured
var ErrNoCredential = errors.New("no credential configured")

// NetworkError is a transient failure; the project is retried on a later cycle
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthError is fatal for every project using the credential until it is replaced
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RateLimitedError carries the time at which the quota resets
type RateLimitedError struct {
	ResetAt time.Time
	Err     error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s: %v", e.ResetAt.Format(time.RFC3339), e.Err)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient network failure
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// classify maps any client error onto NetworkError, AuthError or RateLimitedError.
// Cancellation of the caller's context is returned unchanged.
func classify(ctx context.Context, op string, err error, quota *Quota) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	var limitErr *RateLimitedError
	if errors.As(err, &limitErr) {
		return limitErr
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr
	}
	if errors.Is(err, ErrNoCredential) {
		return &AuthError{Err: err}
	}

	var ghRate *github.RateLimitError
	if errors.As(err, &ghRate) {
		return &RateLimitedError{ResetAt: ghRate.Rate.Reset.Time, Err: err}
	}
	var ghAbuse *github.AbuseRateLimitError
	if errors.As(err, &ghAbuse) {
		reset := time.Now().Add(time.Minute)
		if ghAbuse.RetryAfter != nil {
			reset = time.Now().Add(*ghAbuse.RetryAfter)
		}
		return &RateLimitedError{ResetAt: reset, Err: err}
	}
	var ghResp *github.ErrorResponse
	if errors.As(err, &ghResp) && ghResp.Response != nil {
		if ghResp.Response.StatusCode == http.StatusUnauthorized {
			return &AuthError{Err: err}
		}
	}

	// GraphQL errors arrive as plain messages inside a 200 response
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		reset := time.Now().Add(time.Minute)
		if quota != nil {
			if snap := quota.Snapshot(); snap.Known && snap.ResetAt.After(time.Now()) {
				reset = snap.ResetAt
			}
			quota.MarkExhausted(reset)
		}
		return &RateLimitedError{ResetAt: reset, Err: err}
	case strings.Contains(msg, "bad credentials"):
		return &AuthError{Err: err}
	}

	return &NetworkError{Op: op, Err: err}
}
