package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stembrain/trailer/internal/models"
)

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func (r graphqlRequest) cursor() string {
	c, _ := r.Variables["cursor"].(string)
	return c
}

func (r graphqlRequest) isPullRequests() bool {
	return strings.Contains(r.Query, "pullRequests(")
}

// newGraphQLServer serves GraphQL requests with handler; the handler returns the
// HTTP status and the JSON "data" payload
func newGraphQLServer(t *testing.T, handler func(req graphqlRequest) (int, map[string]interface{})) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status, data := handler(req)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"failure"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, maxPages int) *Client {
	t.Helper()
	client, err := NewClient(NewCredentialStore("token"), Options{
		GraphQLURL: srv.URL,
		RESTURL:    srv.URL,
		MaxPages:   maxPages,
	})
	require.NoError(t, err)
	return client
}

func prNode(id string, number int, state string, updated time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"number":         number,
		"title":          fmt.Sprintf("PR %d", number),
		"state":          state,
		"url":            fmt.Sprintf("https://github.com/octo/repo/pull/%d", number),
		"updatedAt":      updated.UTC().Format(time.RFC3339),
		"isDraft":        false,
		"headRefOid":     "abc123",
		"author":         map[string]interface{}{"login": "alice"},
		"labels":         map[string]interface{}{"nodes": []interface{}{map[string]interface{}{"name": "bug"}}},
		"reviewRequests": map[string]interface{}{"nodes": []interface{}{map[string]interface{}{"requestedReviewer": map[string]interface{}{"login": "bob"}}}},
		"comments": map[string]interface{}{"nodes": []interface{}{map[string]interface{}{
			"id":        id + "-c1",
			"body":      "looks good",
			"url":       "https://github.com/octo/repo/pull/1#c1",
			"createdAt": updated.UTC().Format(time.RFC3339),
			"author":    map[string]interface{}{"login": "carol"},
		}}},
		"reviews": map[string]interface{}{"nodes": []interface{}{}},
		"commits": map[string]interface{}{"nodes": []interface{}{map[string]interface{}{
			"commit": map[string]interface{}{"status": map[string]interface{}{"contexts": []interface{}{map[string]interface{}{
				"id":          id + "-s1",
				"context":     "ci/build",
				"state":       "FAILURE",
				"description": "build failed",
				"targetUrl":   "https://ci.example.com/1",
				"createdAt":   updated.UTC().Format(time.RFC3339),
			}}}},
		}}},
	}
}

func issueNode(id string, number int, state string, updated time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":        id,
		"number":    number,
		"title":     fmt.Sprintf("Issue %d", number),
		"state":     state,
		"url":       fmt.Sprintf("https://github.com/octo/repo/issues/%d", number),
		"updatedAt": updated.UTC().Format(time.RFC3339),
		"author":    nil,
		"labels":    map[string]interface{}{"nodes": []interface{}{}},
		"comments":  map[string]interface{}{"nodes": []interface{}{}},
	}
}

func connection(key string, nodes []interface{}, endCursor string, hasNext bool, remaining int) map[string]interface{} {
	return map[string]interface{}{
		"rateLimit": map[string]interface{}{
			"remaining": remaining,
			"resetAt":   "2030-01-01T00:00:00Z",
		},
		"repository": map[string]interface{}{
			key: map[string]interface{}{
				"nodes":    nodes,
				"pageInfo": map[string]interface{}{"endCursor": endCursor, "hasNextPage": hasNext},
			},
		},
	}
}

var testProject = models.Project{ID: "octo/repo", FetchMode: models.FetchComplete}

func TestFetch_FollowsPagination(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := newGraphQLServer(t, func(req graphqlRequest) (int, map[string]interface{}) {
		if !req.isPullRequests() {
			return http.StatusOK, connection("issues", []interface{}{
				issueNode("I_1", 3, "OPEN", now.Add(-time.Hour)),
			}, "", false, 4990)
		}
		if req.cursor() == "" {
			return http.StatusOK, connection("pullRequests", []interface{}{
				prNode("PR_1", 1, "OPEN", now),
			}, "page2", true, 4998)
		}
		return http.StatusOK, connection("pullRequests", []interface{}{
			prNode("PR_2", 2, "OPEN", now.Add(-2*time.Hour)),
		}, "", false, 4995)
	})
	client := newTestClient(t, srv, 10)

	result, err := client.Fetch(context.Background(), testProject, FetchRequest{Mode: models.FetchComplete})
	require.NoError(t, err)

	require.Len(t, result.Items, 3)
	assert.True(t, result.Complete)
	assert.False(t, result.Truncated)
	assert.Equal(t, FormatCursor(now), result.NewCursor)
	assert.True(t, result.RateLimit.Known)
	assert.Equal(t, 4990, result.RateLimit.Remaining)

	pr := result.Items[0]
	assert.Equal(t, "octo/repo", pr.ProjectID)
	assert.Equal(t, "PR_1", pr.RemoteID)
	assert.Equal(t, models.KindPullRequest, pr.Kind)
	assert.Equal(t, models.StateOpen, pr.State)
	assert.Equal(t, "alice", pr.Author)
	assert.Equal(t, []string{"bug"}, pr.Labels)
	assert.Equal(t, []string{"bob"}, pr.RequestedReviewers)
	require.Len(t, pr.Comments, 1)
	assert.Equal(t, "carol", pr.Comments[0].Author)
	require.Len(t, pr.StatusChecks, 1)
	assert.Equal(t, models.CheckFailure, pr.StatusChecks[0].State)
	assert.Equal(t, "build failed", pr.StatusChecks[0].Description)

	issue := result.Items[2]
	assert.Equal(t, models.KindIssue, issue.Kind)
	assert.Equal(t, "", issue.Author)
}

func TestFetch_PageFailureDiscardsPartialFetch(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	srv := newGraphQLServer(t, func(req graphqlRequest) (int, map[string]interface{}) {
		if req.cursor() == "" {
			return http.StatusOK, connection("pullRequests", []interface{}{
				prNode("PR_1", 1, "OPEN", now),
			}, "page2", true, 4000)
		}
		return http.StatusBadGateway, nil
	})
	client := newTestClient(t, srv, 10)

	result, err := client.Fetch(context.Background(), testProject, FetchRequest{Mode: models.FetchComplete})
	require.Error(t, err)
	assert.Nil(t, result)

	var netErr *NetworkError
	assert.True(t, errors.As(err, &netErr), "expected NetworkError, got %T: %v", err, err)
	assert.True(t, IsRetryable(err))
}

func TestFetch_PageCeilingTruncates(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	now := time.Now().UTC()
	srv := newGraphQLServer(t, func(req graphqlRequest) (int, map[string]interface{}) {
		if !req.isPullRequests() {
			return http.StatusOK, connection("issues", nil, "", false, 4000)
		}
		n := calls.Add(1)
		return http.StatusOK, connection("pullRequests", []interface{}{
			prNode(fmt.Sprintf("PR_%d", n), int(n), "OPEN", now.Add(-time.Duration(n)*time.Minute)),
		}, fmt.Sprintf("page%d", n+1), true, 4000)
	})
	client := newTestClient(t, srv, 2)

	result, err := client.Fetch(context.Background(), testProject, FetchRequest{
		Mode:   models.FetchComplete,
		Cursor: "2024-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, result.Items, 2)
	assert.True(t, result.Truncated)
	assert.False(t, result.Complete)
	assert.Equal(t, "2024-01-01T00:00:00Z", result.NewCursor)
}

func TestFetch_IncrementalStopsAtCursor(t *testing.T) {
	t.Parallel()

	cursor := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var prPages atomic.Int32
	srv := newGraphQLServer(t, func(req graphqlRequest) (int, map[string]interface{}) {
		if !req.isPullRequests() {
			return http.StatusOK, connection("issues", []interface{}{
				issueNode("I_old", 9, "CLOSED", cursor.Add(-time.Hour)),
			}, "", true, 4000)
		}
		prPages.Add(1)
		return http.StatusOK, connection("pullRequests", []interface{}{
			prNode("PR_new", 1, "MERGED", cursor.Add(time.Hour)),
			prNode("PR_same", 2, "CLOSED", cursor),
			prNode("PR_old", 3, "OPEN", cursor.Add(-time.Minute)),
		}, "more", true, 4000)
	})
	client := newTestClient(t, srv, 10)

	project := testProject
	project.FetchMode = models.FetchIncremental
	result, err := client.Fetch(context.Background(), project, FetchRequest{
		Mode:   models.FetchIncremental,
		Cursor: FormatCursor(cursor),
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), prPages.Load(), "pagination should stop once older items are reached")
	require.Len(t, result.Items, 2)
	assert.Equal(t, "PR_new", result.Items[0].RemoteID)
	assert.Equal(t, models.StateMerged, result.Items[0].State)
	assert.Equal(t, "PR_same", result.Items[1].RemoteID)
	assert.False(t, result.Complete)
	assert.Equal(t, FormatCursor(cursor.Add(time.Hour)), result.NewCursor)
}

func TestFetch_ErrorClasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized is an auth error",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				t.Helper()
				var authErr *AuthError
				assert.True(t, errors.As(err, &authErr), "got %T: %v", err, err)
			},
		},
		{
			name:   "too many requests is rate limited",
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, err error) {
				t.Helper()
				var limitErr *RateLimitedError
				require.True(t, errors.As(err, &limitErr), "got %T: %v", err, err)
				assert.True(t, limitErr.ResetAt.After(time.Now()))
			},
		},
		{
			name:   "server error is a network error",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				t.Helper()
				assert.True(t, IsRetryable(err), "got %T: %v", err, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newGraphQLServer(t, func(graphqlRequest) (int, map[string]interface{}) {
				return tt.status, nil
			})
			client := newTestClient(t, srv, 10)

			_, err := client.Fetch(context.Background(), testProject, FetchRequest{Mode: models.FetchComplete})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestFetch_NoCredential(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newGraphQLServer(t, func(graphqlRequest) (int, map[string]interface{}) {
		calls.Add(1)
		return http.StatusOK, nil
	})
	client, err := NewClient(NewCredentialStore(""), Options{GraphQLURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), testProject, FetchRequest{Mode: models.FetchComplete})
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr), "got %T: %v", err, err)
	assert.True(t, errors.Is(err, ErrNoCredential))
	assert.Equal(t, int32(0), calls.Load())
}

func TestFetch_CancelledContext(t *testing.T) {
	t.Parallel()

	srv := newGraphQLServer(t, func(graphqlRequest) (int, map[string]interface{}) {
		return http.StatusOK, connection("pullRequests", nil, "", false, 10)
	})
	client := newTestClient(t, srv, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Fetch(ctx, testProject, FetchRequest{Mode: models.FetchComplete})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFetch_InvalidProject(t *testing.T) {
	t.Parallel()

	srv := newGraphQLServer(t, func(graphqlRequest) (int, map[string]interface{}) {
		return http.StatusOK, nil
	})
	client := newTestClient(t, srv, 10)

	_, err := client.Fetch(context.Background(), models.Project{ID: "not-a-repo"}, FetchRequest{Mode: models.FetchComplete})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner/name")
}

func TestParseCursor(t *testing.T) {
	t.Parallel()

	ts, err := ParseCursor("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	want := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	ts, err = ParseCursor(FormatCursor(want))
	require.NoError(t, err)
	assert.True(t, want.Equal(ts))

	_, err = ParseCursor("yesterday")
	assert.Error(t, err)
}

func TestResolveStates(t *testing.T) {
	t.Parallel()
	updated := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	var requests atomic.Int32
	srv := newGraphQLServer(t, func(req graphqlRequest) (int, map[string]interface{}) {
		requests.Add(1)
		ids, _ := req.Variables["ids"].([]interface{})
		nodes := make([]interface{}, 0, len(ids))
		for _, raw := range ids {
			id, _ := raw.(string)
			switch {
			case strings.HasPrefix(id, "PR_"):
				nodes = append(nodes, map[string]interface{}{
					"__typename": "PullRequest", "id": id, "state": "MERGED", "updatedAt": updated.Format(time.RFC3339),
				})
			case strings.HasPrefix(id, "I_"):
				nodes = append(nodes, map[string]interface{}{
					"__typename": "Issue", "id": id, "state": "CLOSED", "updatedAt": updated.Format(time.RFC3339),
				})
			default:
				nodes = append(nodes, nil)
			}
		}
		return http.StatusOK, map[string]interface{}{
			"rateLimit": map[string]interface{}{"remaining": 100, "resetAt": "2030-01-01T00:00:00Z"},
			"nodes":     nodes,
		}
	})
	client := newTestClient(t, srv, 10)

	ids := []string{"PR_1", "I_2", "GONE_3"}
	for i := range 100 {
		ids = append(ids, fmt.Sprintf("PR_x%d", i))
	}

	states, err := client.ResolveStates(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load(), "ids are looked up in batches")
	assert.Len(t, states, 102)
	assert.Equal(t, ItemStatus{State: models.StateMerged, UpdatedAt: updated}, states["PR_1"])
	assert.Equal(t, models.StateClosed, states["I_2"].State)
	assert.NotContains(t, states, "GONE_3")
	assert.Equal(t, 100, client.Quota().Snapshot().Remaining)
}

func TestResolveStates_ErrorClass(t *testing.T) {
	t.Parallel()
	srv := newGraphQLServer(t, func(graphqlRequest) (int, map[string]interface{}) {
		return http.StatusUnauthorized, nil
	})
	client := newTestClient(t, srv, 10)

	_, err := client.ResolveStates(context.Background(), []string{"PR_1"})
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestConvertPullRequest_ReviewTimeIsSubmission(t *testing.T) {
	t.Parallel()
	started := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	submitted := started.Add(3 * time.Hour)

	var node pullRequestNode
	node.Reviews.Nodes = []reviewNode{
		{ID: "R_1", State: "APPROVED", Author: &actor{Login: "bob"}},
		{ID: "R_2", State: "PENDING", Author: &actor{Login: "carol"}},
	}
	node.Reviews.Nodes[0].CreatedAt.Time = started
	node.Reviews.Nodes[0].SubmittedAt = &githubv4.DateTime{Time: submitted}
	node.Reviews.Nodes[1].CreatedAt.Time = started

	item := convertPullRequest(node)
	require.Len(t, item.Reviews, 2)
	assert.Equal(t, submitted, item.Reviews[0].CreatedAt)
	assert.Equal(t, started, item.Reviews[1].CreatedAt, "pending reviews fall back to their start")
}
