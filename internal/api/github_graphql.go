package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"

	"github.com/stembrain/trailer/internal/models"
)

// FetchRequest describes one project fetch
type FetchRequest struct {
	Cursor string
	Mode   models.FetchMode
}

// FetchResult is a complete, untruncated-or-flagged snapshot of a project's items
type FetchResult struct {
	Items     []models.Item
	NewCursor string
	// Complete is true when Items lists every open item of the project
	Complete bool
	// Truncated is true when the page ceiling stopped pagination early
	Truncated bool
	RateLimit RateLimit
}

// ParseCursor decodes a cursor produced by Fetch. An empty cursor is the zero time.
func ParseCursor(cursor string) (time.Time, error) {
	if cursor == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, cursor)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cursor %q: %w", cursor, err)
	}
	return t, nil
}

// FormatCursor encodes the newest seen update time as a cursor
func FormatCursor(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

type actor struct {
	Login githubv4.String
}

type pageInfo struct {
	EndCursor   githubv4.String
	HasNextPage githubv4.Boolean
}

type rateLimitField struct {
	Remaining githubv4.Int
	ResetAt   githubv4.DateTime
}

type labelConnection struct {
	Nodes []struct {
		Name githubv4.String
	}
}

type commentNode struct {
	ID        githubv4.ID
	Body      githubv4.String
	URL       githubv4.URI
	CreatedAt githubv4.DateTime
	Author    *actor
}

type reviewNode struct {
	ID        githubv4.ID
	State     githubv4.PullRequestReviewState
	Body      githubv4.String
	CreatedAt githubv4.DateTime
	// SubmittedAt is unset while the review is pending
	SubmittedAt *githubv4.DateTime
	Author      *actor
}

type statusContextNode struct {
	ID          githubv4.ID
	Context     githubv4.String
	State       githubv4.StatusState
	Description *githubv4.String
	TargetURL   *githubv4.URI
	CreatedAt   githubv4.DateTime
}

type pullRequestNode struct {
	ID             githubv4.ID
	Number         githubv4.Int
	Title          githubv4.String
	State          githubv4.PullRequestState
	URL            githubv4.URI
	UpdatedAt      githubv4.DateTime
	IsDraft        githubv4.Boolean
	HeadRefOid     githubv4.GitObjectID
	Author         *actor
	Labels         labelConnection `graphql:"labels(first: 20)"`
	ReviewRequests struct {
		Nodes []struct {
			RequestedReviewer struct {
				User actor `graphql:"... on User"`
			}
		}
	} `graphql:"reviewRequests(first: 20)"`
	Comments struct {
		Nodes []commentNode
	} `graphql:"comments(last: $commentCount)"`
	Reviews struct {
		Nodes []reviewNode
	} `graphql:"reviews(last: $commentCount)"`
	Commits struct {
		Nodes []struct {
			Commit struct {
				Status *struct {
					Contexts []statusContextNode
				}
			}
		}
	} `graphql:"commits(last: 1)"`
}

type issueNode struct {
	ID        githubv4.ID
	Number    githubv4.Int
	Title     githubv4.String
	State     githubv4.IssueState
	URL       githubv4.URI
	UpdatedAt githubv4.DateTime
	Author    *actor
	Labels    labelConnection `graphql:"labels(first: 20)"`
	Comments  struct {
		Nodes []commentNode
	} `graphql:"comments(last: $commentCount)"`
}

// Fetch retrieves the project's pull requests and issues. Every page must succeed:
// a failure on any page discards what was fetched so far.
func (c *Client) Fetch(ctx context.Context, project models.Project, req FetchRequest) (*FetchResult, error) {
	owner, name, err := models.ParseProjectID(project.ID)
	if err != nil {
		return nil, err
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("invalid fetch mode %q for %s", req.Mode, project.ID)
	}

	since, err := ParseCursor(req.Cursor)
	if err != nil {
		slog.Warn("Ignoring malformed cursor", "project", project.ID, "error", err)
		since = time.Time{}
		req.Cursor = ""
	}
	if req.Mode == models.FetchComplete {
		since = time.Time{}
	}

	prs, prTruncated, err := c.fetchPullRequests(ctx, owner, name, req.Mode, since)
	if err != nil {
		return nil, classify(ctx, "fetch pull requests", err, c.quota)
	}
	issues, issueTruncated, err := c.fetchIssues(ctx, owner, name, req.Mode, since)
	if err != nil {
		return nil, classify(ctx, "fetch issues", err, c.quota)
	}

	items := append(prs, issues...)
	for i := range items {
		items[i].ProjectID = project.ID
	}

	result := &FetchResult{
		Items:     items,
		Complete:  req.Mode == models.FetchComplete,
		Truncated: prTruncated || issueTruncated,
		RateLimit: c.quota.Snapshot(),
	}

	if result.Truncated {
		// Older pages were not seen; advancing the cursor would skip them
		result.Complete = false
		result.NewCursor = req.Cursor
		slog.Warn("Page ceiling reached, fetch treated as incremental",
			"project", project.ID,
			"max_pages", c.maxPages)
	} else {
		newest := since
		for _, item := range items {
			if item.UpdatedAt.After(newest) {
				newest = item.UpdatedAt
			}
		}
		result.NewCursor = FormatCursor(newest)
		if result.NewCursor == "" {
			result.NewCursor = req.Cursor
		}
	}

	slog.Debug("Fetched project items",
		"project", project.ID,
		"items", len(items),
		"mode", req.Mode,
		"truncated", result.Truncated)
	return result, nil
}

// ItemStatus is the current state of one item looked up by remote id
type ItemStatus struct {
	State     models.ItemState
	UpdatedAt time.Time
}

// maxNodeIDs is the most ids GitHub accepts in one nodes query
const maxNodeIDs = 100

// ResolveStates looks up the current state of items by remote id. A complete
// listing only carries open items, so this tells a merge from a close for the
// items that dropped out of it. Items that no longer exist are missing from
// the result.
func (c *Client) ResolveStates(ctx context.Context, remoteIDs []string) (map[string]ItemStatus, error) {
	out := make(map[string]ItemStatus, len(remoteIDs))
	for start := 0; start < len(remoteIDs); start += maxNodeIDs {
		end := min(start+maxNodeIDs, len(remoteIDs))
		ids := make([]githubv4.ID, 0, end-start)
		for _, id := range remoteIDs[start:end] {
			ids = append(ids, githubv4.ID(id))
		}

		var query struct {
			RateLimit rateLimitField
			Nodes     []struct {
				Typename    githubv4.String `graphql:"__typename"`
				PullRequest struct {
					ID        githubv4.ID
					State     githubv4.PullRequestState
					UpdatedAt githubv4.DateTime
				} `graphql:"... on PullRequest"`
				Issue struct {
					ID        githubv4.ID
					State     githubv4.IssueState
					UpdatedAt githubv4.DateTime
				} `graphql:"... on Issue"`
			} `graphql:"nodes(ids: $ids)"`
		}
		if err := c.gql.Query(ctx, &query, map[string]interface{}{"ids": ids}); err != nil {
			return nil, classify(ctx, "resolve item states", fmt.Errorf("failed to query item states: %w", err), c.quota)
		}
		c.recordRateLimit(query.RateLimit)

		for _, node := range query.Nodes {
			switch node.Typename {
			case "PullRequest":
				out[convertID(node.PullRequest.ID)] = ItemStatus{
					State:     convertPullRequestState(node.PullRequest.State),
					UpdatedAt: node.PullRequest.UpdatedAt.Time,
				}
			case "Issue":
				out[convertID(node.Issue.ID)] = ItemStatus{
					State:     convertIssueState(node.Issue.State),
					UpdatedAt: node.Issue.UpdatedAt.Time,
				}
			}
		}
	}

	slog.Debug("Resolved item states", "requested", len(remoteIDs), "found", len(out))
	return out, nil
}

// paginate runs page until it reports no further pages, asks to stop, or the page
// ceiling is reached. It returns true when the ceiling cut pagination short.
func (c *Client) paginate(
	ctx context.Context,
	page func(ctx context.Context, after *githubv4.String) (next pageInfo, stop bool, err error),
) (bool, error) {
	var after *githubv4.String
	for pages := 1; ; pages++ {
		info, stop, err := page(ctx, after)
		if err != nil {
			return false, err
		}
		if stop || !bool(info.HasNextPage) {
			return false, nil
		}
		if pages >= c.maxPages {
			return true, nil
		}
		cursor := info.EndCursor
		after = &cursor
	}
}

func (c *Client) recordRateLimit(rl rateLimitField) {
	if rl.ResetAt.IsZero() {
		return
	}
	c.quota.Update(int(rl.Remaining), rl.ResetAt.Time)
}

func (c *Client) fetchPullRequests(
	ctx context.Context, owner, name string, mode models.FetchMode, since time.Time,
) ([]models.Item, bool, error) {
	states := []githubv4.PullRequestState{githubv4.PullRequestStateOpen}
	if mode == models.FetchIncremental {
		states = append(states, githubv4.PullRequestStateClosed, githubv4.PullRequestStateMerged)
	}

	var items []models.Item
	truncated, err := c.paginate(ctx, func(ctx context.Context, after *githubv4.String) (pageInfo, bool, error) {
		var query struct {
			RateLimit  rateLimitField
			Repository struct {
				PullRequests struct {
					Nodes    []pullRequestNode
					PageInfo pageInfo
				} `graphql:"pullRequests(first: $pageSize, after: $cursor, states: $prStates, orderBy: {field: UPDATED_AT, direction: DESC})"`
			} `graphql:"repository(owner: $owner, name: $name)"`
		}
		variables := map[string]interface{}{
			"owner":        githubv4.String(owner),
			"name":         githubv4.String(name),
			"pageSize":     githubv4.Int(c.pageSize),
			"cursor":       after,
			"prStates":     states,
			"commentCount": githubv4.Int(c.commentCount),
		}
		if err := c.gql.Query(ctx, &query, variables); err != nil {
			return pageInfo{}, false, fmt.Errorf("failed to query pull requests: %w", err)
		}
		c.recordRateLimit(query.RateLimit)

		for _, node := range query.Repository.PullRequests.Nodes {
			if !since.IsZero() && node.UpdatedAt.Time.Before(since) {
				return query.Repository.PullRequests.PageInfo, true, nil
			}
			items = append(items, convertPullRequest(node))
		}
		return query.Repository.PullRequests.PageInfo, false, nil
	})
	if err != nil {
		return nil, false, err
	}
	return items, truncated, nil
}

func (c *Client) fetchIssues(
	ctx context.Context, owner, name string, mode models.FetchMode, since time.Time,
) ([]models.Item, bool, error) {
	states := []githubv4.IssueState{githubv4.IssueStateOpen}
	if mode == models.FetchIncremental {
		states = append(states, githubv4.IssueStateClosed)
	}

	var items []models.Item
	truncated, err := c.paginate(ctx, func(ctx context.Context, after *githubv4.String) (pageInfo, bool, error) {
		var query struct {
			RateLimit  rateLimitField
			Repository struct {
				Issues struct {
					Nodes    []issueNode
					PageInfo pageInfo
				} `graphql:"issues(first: $pageSize, after: $cursor, states: $issueStates, orderBy: {field: UPDATED_AT, direction: DESC})"`
			} `graphql:"repository(owner: $owner, name: $name)"`
		}
		variables := map[string]interface{}{
			"owner":        githubv4.String(owner),
			"name":         githubv4.String(name),
			"pageSize":     githubv4.Int(c.pageSize),
			"cursor":       after,
			"issueStates":  states,
			"commentCount": githubv4.Int(c.commentCount),
		}
		if err := c.gql.Query(ctx, &query, variables); err != nil {
			return pageInfo{}, false, fmt.Errorf("failed to query issues: %w", err)
		}
		c.recordRateLimit(query.RateLimit)

		for _, node := range query.Repository.Issues.Nodes {
			if !since.IsZero() && node.UpdatedAt.Time.Before(since) {
				return query.Repository.Issues.PageInfo, true, nil
			}
			items = append(items, convertIssue(node))
		}
		return query.Repository.Issues.PageInfo, false, nil
	})
	if err != nil {
		return nil, false, err
	}
	return items, truncated, nil
}

// convertPullRequest converts a GraphQL pull request to our model
func convertPullRequest(node pullRequestNode) models.Item {
	item := models.Item{
		RemoteID:  convertID(node.ID),
		Number:    int(node.Number),
		Kind:      models.KindPullRequest,
		Title:     string(node.Title),
		Author:    login(node.Author),
		State:     convertPullRequestState(node.State),
		URL:       uriString(&node.URL),
		UpdatedAt: node.UpdatedAt.Time,
		Draft:     bool(node.IsDraft),
		HeadSHA:   string(node.HeadRefOid),
		Labels:    convertLabels(node.Labels),
		Comments:  convertComments(node.Comments.Nodes),
	}

	for _, rr := range node.ReviewRequests.Nodes {
		if l := string(rr.RequestedReviewer.User.Login); l != "" {
			item.RequestedReviewers = append(item.RequestedReviewers, l)
		}
	}
	for _, r := range node.Reviews.Nodes {
		item.Reviews = append(item.Reviews, models.Review{
			ID:        convertID(r.ID),
			Author:    login(r.Author),
			State:     strings.ToLower(string(r.State)),
			Body:      string(r.Body),
			CreatedAt: reviewTime(r),
		})
	}
	for _, commit := range node.Commits.Nodes {
		if commit.Commit.Status == nil {
			continue
		}
		for _, sc := range commit.Commit.Status.Contexts {
			check := models.StatusCheck{
				ID:        convertID(sc.ID),
				Context:   string(sc.Context),
				State:     convertStatusState(sc.State),
				TargetURL: uriString(sc.TargetURL),
				CreatedAt: sc.CreatedAt.Time,
			}
			if sc.Description != nil {
				check.Description = string(*sc.Description)
			}
			item.StatusChecks = append(item.StatusChecks, check)
		}
	}
	return item
}

// reviewTime is when a review became visible to others: its submission, not
// when its author started drafting it
func reviewTime(r reviewNode) time.Time {
	if r.SubmittedAt != nil && !r.SubmittedAt.IsZero() {
		return r.SubmittedAt.Time
	}
	return r.CreatedAt.Time
}

// convertIssue converts a GraphQL issue to our model
func convertIssue(node issueNode) models.Item {
	return models.Item{
		RemoteID:  convertID(node.ID),
		Number:    int(node.Number),
		Kind:      models.KindIssue,
		Title:     string(node.Title),
		Author:    login(node.Author),
		State:     convertIssueState(node.State),
		URL:       uriString(&node.URL),
		UpdatedAt: node.UpdatedAt.Time,
		Labels:    convertLabels(node.Labels),
		Comments:  convertComments(node.Comments.Nodes),
	}
}

func convertComments(nodes []commentNode) []models.Comment {
	var comments []models.Comment
	for _, n := range nodes {
		comments = append(comments, models.Comment{
			ID:        convertID(n.ID),
			Author:    login(n.Author),
			Body:      string(n.Body),
			URL:       uriString(&n.URL),
			CreatedAt: n.CreatedAt.Time,
		})
	}
	return comments
}

func convertLabels(conn labelConnection) []string {
	var labels []string
	for _, l := range conn.Nodes {
		labels = append(labels, string(l.Name))
	}
	return labels
}

func convertPullRequestState(s githubv4.PullRequestState) models.ItemState {
	switch s {
	case githubv4.PullRequestStateOpen:
		return models.StateOpen
	case githubv4.PullRequestStateClosed:
		return models.StateClosed
	case githubv4.PullRequestStateMerged:
		return models.StateMerged
	}
	// Unknown states are left for the reconciler to reject
	return models.ItemState(strings.ToLower(string(s)))
}

func convertIssueState(s githubv4.IssueState) models.ItemState {
	if s == githubv4.IssueStateClosed {
		return models.StateClosed
	}
	return models.StateOpen
}

func convertStatusState(s githubv4.StatusState) models.CheckState {
	switch s {
	case githubv4.StatusStateSuccess:
		return models.CheckSuccess
	case githubv4.StatusStatePending, githubv4.StatusStateExpected:
		return models.CheckPending
	case githubv4.StatusStateFailure, githubv4.StatusStateError:
		return models.CheckFailure
	}
	return models.CheckNone
}

// convertID converts a GraphQL node ID to the string form stored locally
func convertID(id githubv4.ID) string {
	if id == nil {
		return ""
	}
	return fmt.Sprintf("%v", id)
}

func login(a *actor) string {
	if a == nil {
		return ""
	}
	return string(a.Login)
}

func uriString(u *githubv4.URI) string {
	if u == nil || u.URL == nil {
		return ""
	}
	return u.URL.String()
}
