package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stembrain/trailer/config"
	"github.com/stembrain/trailer/internal/models"
	"github.com/stembrain/trailer/internal/notify"
	"github.com/stembrain/trailer/internal/reconcile"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeGitHub serves the GraphQL and REST endpoints the engine uses
type fakeGitHub struct {
	mu     sync.Mutex
	prs    []interface{}
	issues []interface{}
	// states answers node lookups: remote id to GraphQL type and state
	states map[string][2]string
	status int

	queries atomic.Int32
}

func (f *fakeGitHub) set(prs, issues []interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prs, f.issues = prs, issues
}

func (f *fakeGitHub) setStates(states map[string][2]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = states
}

func (f *fakeGitHub) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status, prs, issues, states := f.status, f.prs, f.issues, f.states
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
		return
	}

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/user"):
		_, _ = w.Write([]byte(`{"login":"me"}`))
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/rate_limit"):
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"resources": map[string]interface{}{
				"graphql": map[string]interface{}{"limit": 5000, "remaining": 4999, "reset": t0.Add(time.Hour).Unix()},
			},
		})
	case r.Method == http.MethodPost:
		f.queries.Add(1)
		var req struct {
			Query     string `json:"query"`
			Variables struct {
				IDs []string `json:"ids"`
			} `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if strings.Contains(req.Query, "nodes(ids:") {
			nodes := make([]interface{}, 0, len(req.Variables.IDs))
			for _, id := range req.Variables.IDs {
				st, ok := states[id]
				if !ok {
					nodes = append(nodes, nil)
					continue
				}
				nodes = append(nodes, map[string]interface{}{
					"__typename": st[0], "id": id, "state": st[1], "updatedAt": t0.Format(time.RFC3339),
				})
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"nodes": nodes}})
			return
		}
		key, nodes := "issues", issues
		if strings.Contains(req.Query, "pullRequests(") {
			key, nodes = "pullRequests", prs
		}
		if nodes == nil {
			nodes = []interface{}{}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{
			"rateLimit": map[string]interface{}{"remaining": 4000, "resetAt": t0.Add(time.Hour).Format(time.RFC3339)},
			"repository": map[string]interface{}{
				key: map[string]interface{}{
					"nodes":    nodes,
					"pageInfo": map[string]interface{}{"endCursor": "", "hasNextPage": false},
				},
			},
		}})
	default:
		http.NotFound(w, r)
	}
}

func pr(id string, number int, state string, updated time.Time, comments ...interface{}) map[string]interface{} {
	if comments == nil {
		comments = []interface{}{}
	}
	return map[string]interface{}{
		"id":        id,
		"number":    number,
		"title":     "Add caching",
		"state":     state,
		"url":       "https://github.com/octo/repo/pull/1",
		"updatedAt": updated.Format(time.RFC3339),
		"author":    map[string]interface{}{"login": "alice"},
		"comments":  map[string]interface{}{"nodes": comments},
	}
}

func issue(id string, number int, updated time.Time, author string) map[string]interface{} {
	return map[string]interface{}{
		"id":        id,
		"number":    number,
		"title":     "Crash on start",
		"state":     "OPEN",
		"url":       "https://github.com/octo/repo/issues/2",
		"updatedAt": updated.Format(time.RFC3339),
		"author":    map[string]interface{}{"login": author},
		"comments":  map[string]interface{}{"nodes": []interface{}{}},
	}
}

func commentNode(id, author string, created time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":        id,
		"body":      "ping",
		"url":       "https://github.com/octo/repo/pull/1#" + id,
		"createdAt": created.Format(time.RFC3339),
		"author":    map[string]interface{}{"login": author},
	}
}

func newTestEngine(t *testing.T, gh *fakeGitHub, token string, opts ...Option) *Engine {
	t.Helper()
	srv := httptest.NewServer(gh)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	projects := filepath.Join(dir, "projects.yaml")
	require.NoError(t, os.WriteFile(projects, []byte("projects:\n  - id: octo/repo\n    name: Octo\n"), 0644))

	cfg := config.Default()
	cfg.GitHubToken = token
	cfg.GraphQLURL = srv.URL
	cfg.RESTURL = srv.URL
	cfg.DatabasePath = filepath.Join(dir, "trailer.db")
	cfg.ProjectsFile = projects
	cfg.RefreshInterval = time.Hour
	cfg.NotificationCooldown = time.Minute

	e, err := New(cfg, append([]Option{WithClock(func() time.Time { return t0 })}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func drain(ch <-chan notify.Notification) []notify.Notification {
	var out []notify.Notification
	for {
		select {
		case n := <-ch:
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestEngine_SyncCycle(t *testing.T) {
	t.Parallel()
	gh := &fakeGitHub{}
	e := newTestEngine(t, gh, "token")
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))

	// First sync: one PR and one issue, the issue authored by the viewer
	gh.set(
		[]interface{}{pr("PR_1", 1, "OPEN", t0.Add(-time.Hour))},
		[]interface{}{issue("I_2", 2, t0.Add(-time.Hour), "me")},
	)
	report, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"octo/repo"}, report.Succeeded)
	assert.Equal(t, 2, report.Events)

	notes := drain(e.Notifications())
	require.Len(t, notes, 2)
	assert.Equal(t, reconcile.ItemCreated, notes[0].Kind)
	assert.Equal(t, "Octo", notes[0].ProjectName)

	counts, err := e.UnreadCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total, "the viewer's own issue starts read")

	// Second sync: the issue disappears from the open list and the PR gets a comment
	gh.set(
		[]interface{}{pr("PR_1", 1, "OPEN", t0, commentNode("C_1", "carol", t0.Add(-time.Minute)))},
		nil,
	)
	report, err = e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Events)

	notes = drain(e.Notifications())
	require.Len(t, notes, 2)
	assert.Equal(t, reconcile.ItemClosed, notes[0].Kind, "status changes precede comments")
	assert.Equal(t, reconcile.CommentAdded, notes[1].Kind)
	assert.Equal(t, 1, notes[1].Count)

	// A quiet cycle is idempotent
	report, err = e.Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Events)
	assert.Empty(t, drain(e.Notifications()))

	items, err := e.Items(ctx, "octo/repo")
	require.NoError(t, err)
	require.Len(t, items, 2)

	counts, err = e.UnreadCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Total)

	require.NoError(t, e.Acknowledge(ctx, "octo/repo", "PR_1"))
	n, err := e.AcknowledgeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = e.ClearTerminal(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	projects, err := e.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.NotEmpty(t, projects[0].Cursor)
	assert.Equal(t, t0, projects[0].LastSyncAt.UTC())

	assert.Len(t, e.RecentNotifications(), 4)
	assert.False(t, e.LastSuccess().IsZero())

	points, err := e.Metrics(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, points)
}

func TestEngine_HiddenProjectStillCounts(t *testing.T) {
	t.Parallel()
	gh := &fakeGitHub{}
	e := newTestEngine(t, gh, "token")
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))
	require.NoError(t, e.SetProjectVisible("octo/repo", false))

	gh.set([]interface{}{pr("PR_1", 1, "OPEN", t0)}, nil)
	_, err := e.Refresh(ctx)
	require.NoError(t, err)

	assert.Empty(t, drain(e.Notifications()))
	counts, err := e.UnreadCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.ByProject["octo/repo"])
}

func TestEngine_DisabledProjectIsNotFetched(t *testing.T) {
	t.Parallel()
	gh := &fakeGitHub{}
	e := newTestEngine(t, gh, "token")
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))
	require.NoError(t, e.SetProjectEnabled("octo/repo", false))

	report, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Succeeded)
	assert.Zero(t, gh.queries.Load())
}

func TestEngine_ProjectManagement(t *testing.T) {
	t.Parallel()
	gh := &fakeGitHub{}
	e := newTestEngine(t, gh, "token")
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))

	require.NoError(t, e.AddProject(ctx, models.Project{ID: "octo/other", Enabled: true, Visible: true}))
	projects, err := e.Projects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 2)

	require.NoError(t, e.RemoveProject(ctx, "octo/other"))
	_, err = e.Items(ctx, "octo/other")
	assert.Error(t, err)
}

func TestEngine_CredentialReplacementResumesSync(t *testing.T) {
	t.Parallel()
	gh := &fakeGitHub{}
	gh.setStatus(http.StatusUnauthorized)
	e := newTestEngine(t, gh, "expired")
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { _ = e.Stop() })

	require.Eventually(t, func() bool {
		statuses, err := e.ProjectStatuses(ctx)
		return err == nil && len(statuses) == 1 && statuses[0].AuthFailed
	}, 5*time.Second, 20*time.Millisecond)

	gh.setStatus(http.StatusOK)
	gh.set([]interface{}{pr("PR_1", 1, "OPEN", t0)}, nil)
	e.SetCredential("fresh")

	require.Eventually(t, func() bool {
		counts, err := e.UnreadCounts(ctx)
		return err == nil && counts.Total == 1
	}, 5*time.Second, 20*time.Millisecond)

	statuses, err := e.ProjectStatuses(ctx)
	require.NoError(t, err)
	assert.False(t, statuses[0].AuthFailed)

	require.NoError(t, e.Stop())
	assert.ErrorIs(t, e.Stop(), ErrNotStarted)
}

func TestEngine_EditorSaveKeepsStoredItems(t *testing.T) {
	t.Parallel()
	gh := &fakeGitHub{}
	gh.set([]interface{}{pr("PR_1", 1, "OPEN", t0)}, nil)
	e := newTestEngine(t, gh, "token")
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { _ = e.Stop() })

	require.Eventually(t, func() bool {
		counts, err := e.UnreadCounts(ctx)
		return err == nil && counts.Total == 1
	}, 5*time.Second, 20*time.Millisecond)
	_, err := e.AcknowledgeAll(ctx)
	require.NoError(t, err)
	drain(e.Notifications())

	// Save the way vim does: move the original aside, then write a new file
	path := e.registry.Path()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.Rename(path, path+"~"))
	time.Sleep(300 * time.Millisecond)

	items, err := e.Items(ctx, "octo/repo")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	before := gh.queries.Load()
	require.NoError(t, os.WriteFile(path, data, 0644))
	require.Eventually(t, func() bool {
		return gh.queries.Load() > before
	}, 5*time.Second, 20*time.Millisecond, "the reload triggers a sweep")
	_, err = e.Refresh(ctx)
	require.NoError(t, err)

	assert.Empty(t, drain(e.Notifications()))
	counts, err := e.UnreadCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
}

func TestEngine_MergeDetectedInCompleteMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		keepMerged bool
		wantItems  int
	}{
		{name: "merged items kept", keepMerged: true, wantItems: 1},
		{name: "merged items dropped", keepMerged: false, wantItems: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gh := &fakeGitHub{}
			e := newTestEngine(t, gh, "token")
			ctx := context.Background()

			content := fmt.Sprintf("projects:\n  - id: octo/repo\n    keep_merged: %t\n", tt.keepMerged)
			require.NoError(t, os.WriteFile(e.registry.Path(), []byte(content), 0644))
			require.NoError(t, e.registry.Reload())
			require.NoError(t, e.Load(ctx))

			gh.set([]interface{}{pr("PR_1", 1, "OPEN", t0.Add(-time.Hour))}, nil)
			_, err := e.Refresh(ctx)
			require.NoError(t, err)
			drain(e.Notifications())

			// Merged pull requests drop out of the open listing
			gh.set(nil, nil)
			gh.setStates(map[string][2]string{"PR_1": {"PullRequest", "MERGED"}})
			report, err := e.Refresh(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Events)

			notes := drain(e.Notifications())
			require.Len(t, notes, 1)
			assert.Equal(t, reconcile.ItemMerged, notes[0].Kind)

			items, err := e.Items(ctx, "octo/repo")
			require.NoError(t, err)
			require.Len(t, items, tt.wantItems)
			if tt.wantItems > 0 {
				assert.Equal(t, models.StateMerged, items[0].State)
			}
		})
	}
}

type countingSink struct {
	delivered atomic.Int32
}

func (s *countingSink) Deliver(context.Context, notify.Notification) error {
	s.delivered.Add(1)
	return nil
}

func TestEngine_WithoutStreamDeliversEveryNotification(t *testing.T) {
	t.Parallel()
	gh := &fakeGitHub{}
	sink := &countingSink{}
	e := newTestEngine(t, gh, "token", WithoutStream(), WithSink(sink))
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))

	const created = notificationBuffer + 44
	issues := make([]interface{}, 0, created)
	for i := range created {
		issues = append(issues, issue(fmt.Sprintf("I_%d", i), i+1, t0.Add(-time.Hour), "alice"))
	}
	gh.set(nil, issues)

	report, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, created, report.Events)
	assert.Equal(t, int32(created), sink.delivered.Load())
	assert.Nil(t, e.Notifications())

	points, err := e.Metrics(ctx)
	require.NoError(t, err)
	for _, p := range points {
		assert.NotEqual(t, "trailer_notifications_failed_total", p.Name, "no delivery may fail")
	}
}
