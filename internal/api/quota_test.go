package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuota_Update(t *testing.T) {
	t.Parallel()

	reset := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	q := NewQuota()
	assert.False(t, q.Snapshot().Known)

	q.Update(100, reset)
	assert.Equal(t, RateLimit{Known: true, Remaining: 100, ResetAt: reset}, q.Snapshot())

	// Same window keeps the lowest count, regardless of arrival order
	q.Update(120, reset)
	assert.Equal(t, 100, q.Snapshot().Remaining)
	q.Update(80, reset)
	assert.Equal(t, 80, q.Snapshot().Remaining)

	// Stale window is ignored
	q.Update(5000, reset.Add(-time.Hour))
	assert.Equal(t, 80, q.Snapshot().Remaining)

	// New window replaces
	q.Update(5000, reset.Add(time.Hour))
	assert.Equal(t, RateLimit{Known: true, Remaining: 5000, ResetAt: reset.Add(time.Hour)}, q.Snapshot())

	q.Reset()
	assert.False(t, q.Snapshot().Known)
}

func TestQuota_Exhausted(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	q := NewQuota()

	exhausted, _ := q.Exhausted(now)
	assert.False(t, exhausted, "unknown quota is not exhausted")

	q.Update(0, now.Add(time.Minute))
	exhausted, resetAt := q.Exhausted(now)
	assert.True(t, exhausted)
	assert.Equal(t, now.Add(time.Minute), resetAt)

	exhausted, _ = q.Exhausted(now.Add(time.Minute))
	assert.False(t, exhausted, "quota is available again at reset time")

	q.Update(1, now.Add(2*time.Minute))
	exhausted, _ = q.Exhausted(now)
	assert.False(t, exhausted)

	q.MarkExhausted(now.Add(3 * time.Minute))
	exhausted, resetAt = q.Exhausted(now)
	assert.True(t, exhausted)
	assert.Equal(t, now.Add(3*time.Minute), resetAt)
}

func TestQuotaTransport(t *testing.T) {
	t.Parallel()

	reset := time.Now().Add(time.Hour).Truncate(time.Second)

	tests := []struct {
		name      string
		status    int
		headers   map[string]string
		wantErr   func(t *testing.T, err error)
		wantQuota RateLimit
	}{
		{
			name:   "success records quota",
			status: http.StatusOK,
			headers: map[string]string{
				headerRemaining: "42",
				headerReset:     strconv.FormatInt(reset.Unix(), 10),
			},
			wantQuota: RateLimit{Known: true, Remaining: 42, ResetAt: reset},
		},
		{
			name:   "core resource does not touch graphql quota",
			status: http.StatusOK,
			headers: map[string]string{
				headerRemaining: "42",
				headerReset:     strconv.FormatInt(reset.Unix(), 10),
				headerResource:  "core",
			},
			wantQuota: RateLimit{},
		},
		{
			name:   "forbidden with zero remaining is rate limited",
			status: http.StatusForbidden,
			headers: map[string]string{
				headerRemaining: "0",
				headerReset:     strconv.FormatInt(reset.Unix(), 10),
			},
			wantErr: func(t *testing.T, err error) {
				t.Helper()
				var limitErr *RateLimitedError
				require.True(t, errors.As(err, &limitErr), "got %T", err)
				assert.Equal(t, reset, limitErr.ResetAt)
			},
			wantQuota: RateLimit{Known: true, Remaining: 0, ResetAt: reset},
		},
		{
			name:   "forbidden without rate headers passes through",
			status: http.StatusForbidden,
		},
		{
			name:   "unauthorized is an auth error",
			status: http.StatusUnauthorized,
			wantErr: func(t *testing.T, err error) {
				t.Helper()
				var authErr *AuthError
				assert.True(t, errors.As(err, &authErr), "got %T", err)
			},
		},
		{
			name:   "server error is a network error",
			status: http.StatusInternalServerError,
			wantErr: func(t *testing.T, err error) {
				t.Helper()
				assert.True(t, IsRetryable(err), "got %T", err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			quota := NewQuota()
			client := &http.Client{Transport: &quotaTransport{quota: quota}}

			resp, err := client.Get(srv.URL)
			if tt.wantErr != nil {
				require.Error(t, err)
				tt.wantErr(t, err)
			} else {
				require.NoError(t, err)
				_ = resp.Body.Close()
				assert.Equal(t, tt.status, resp.StatusCode)
			}

			snap := quota.Snapshot()
			assert.Equal(t, tt.wantQuota.Known, snap.Known)
			assert.Equal(t, tt.wantQuota.Remaining, snap.Remaining)
			assert.True(t, tt.wantQuota.ResetAt.Equal(snap.ResetAt), "reset %v != %v", tt.wantQuota.ResetAt, snap.ResetAt)
		})
	}
}

func TestCredentialStore(t *testing.T) {
	t.Parallel()

	store := NewCredentialStore("")
	_, ok := store.Credential()
	assert.False(t, ok)

	changed := store.Subscribe()
	store.Set("first")
	store.Set("second")

	select {
	case <-changed:
	default:
		t.Fatal("expected change notification")
	}
	select {
	case <-changed:
		t.Fatal("notifications should coalesce")
	default:
	}

	token, ok := store.Credential()
	assert.True(t, ok)
	assert.Equal(t, "second", token)

	tok, err := credentialTokenSource{src: store}.Token()
	require.NoError(t, err)
	assert.Equal(t, "second", tok.AccessToken)

	store.Set("")
	_, err = credentialTokenSource{src: store}.Token()
	assert.True(t, errors.Is(err, ErrNoCredential))
}
