package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimit is a point-in-time view of the shared API quota
type RateLimit struct {
	Known     bool
	Remaining int
	ResetAt   time.Time
}

// Quota tracks the rate-limit state shared by every pipeline using one credential.
// Responses may arrive out of order, so an update for an older reset window is ignored
// and updates within the same window keep the lowest remaining count.
type Quota struct {
	mu        sync.Mutex
	known     bool
	remaining int
	resetAt   time.Time
}

// NewQuota creates an empty quota; it reports unknown until the first response
func NewQuota() *Quota {
	return &Quota{}
}

// Update records the quota reported by a response
func (q *Quota) Update(remaining int, resetAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case !q.known || resetAt.After(q.resetAt):
		q.remaining = remaining
		q.resetAt = resetAt
	case resetAt.Equal(q.resetAt):
		q.remaining = min(q.remaining, remaining)
	default:
		return
	}
	q.known = true
}

// MarkExhausted records that no requests remain until resetAt
func (q *Quota) MarkExhausted(resetAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.known = true
	q.remaining = 0
	if resetAt.After(q.resetAt) {
		q.resetAt = resetAt
	}
}

// Reset forgets the recorded quota, e.g. after the credential changes
func (q *Quota) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.known = false
	q.remaining = 0
	q.resetAt = time.Time{}
}

// Snapshot returns the current quota state
func (q *Quota) Snapshot() RateLimit {
	q.mu.Lock()
	defer q.mu.Unlock()
	return RateLimit{Known: q.known, Remaining: q.remaining, ResetAt: q.resetAt}
}

// Exhausted reports whether the quota is spent at now, and when it resets
func (q *Quota) Exhausted(now time.Time) (bool, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.known || q.remaining > 0 || !now.Before(q.resetAt) {
		return false, time.Time{}
	}
	return true, q.resetAt
}

const (
	headerRemaining = "X-RateLimit-Remaining"
	headerReset     = "X-RateLimit-Reset"
	headerResource  = "X-RateLimit-Resource"
	headerRetry     = "Retry-After"
)

// quotaTransport records rate-limit headers from every response and turns
// authentication and rate-limit statuses into typed errors.
type quotaTransport struct {
	base  http.RoundTripper
	quota *Quota
}

func (t *quotaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	remaining, resetAt, ok := parseRateHeaders(resp.Header)
	resource := resp.Header.Get(headerResource)
	if ok && (resource == "" || resource == "graphql") {
		t.quota.Update(remaining, resetAt)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		drain(resp)
		return nil, &AuthError{Err: fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)}
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && (ok && remaining == 0 || resp.Header.Get(headerRetry) != ""):
		if !ok || remaining > 0 {
			resetAt = retryAfter(resp.Header)
		}
		t.quota.MarkExhausted(resetAt)
		drain(resp)
		return nil, &RateLimitedError{ResetAt: resetAt, Err: fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)}
	case resp.StatusCode >= http.StatusInternalServerError:
		drain(resp)
		return nil, &NetworkError{Op: req.URL.Path, Err: fmt.Errorf("server responded %s", resp.Status)}
	}

	return resp, nil
}

func parseRateHeaders(h http.Header) (int, time.Time, bool) {
	rem := h.Get(headerRemaining)
	reset := h.Get(headerReset)
	if rem == "" || reset == "" {
		return 0, time.Time{}, false
	}
	remaining, err := strconv.Atoi(rem)
	if err != nil {
		return 0, time.Time{}, false
	}
	epoch, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return remaining, time.Unix(epoch, 0), true
}

func retryAfter(h http.Header) time.Time {
	if secs, err := strconv.Atoi(h.Get(headerRetry)); err == nil && secs > 0 {
		return time.Now().Add(time.Duration(secs) * time.Second)
	}
	return time.Now().Add(time.Minute)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
