package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

const (
	defaultPageSize       = 50
	defaultMaxPages       = 20
	defaultCommentCount   = 50
	defaultRequestTimeout = 30 * time.Second
)

// Options configures a Client
type Options struct {
	// GraphQLURL overrides the GitHub GraphQL endpoint (GitHub Enterprise)
	GraphQLURL string
	// RESTURL overrides the GitHub REST base URL (GitHub Enterprise)
	RESTURL string

	RequestTimeout time.Duration
	PageSize       int
	// MaxPages caps pagination per listing
	MaxPages int
	// CommentCount is how many of the latest comments and reviews are fetched per item
	CommentCount int

	// Quota is shared by every pipeline using this client; a new one is created if nil
	Quota *Quota
	// Transport is the underlying HTTP transport; http.DefaultTransport if nil
	Transport http.RoundTripper
}

// Client is the GitHub API client used by the sync pipelines
type Client struct {
	gql   *githubv4.Client
	rest  *github.Client
	quota *Quota

	pageSize     int
	maxPages     int
	commentCount int

	mu     sync.Mutex
	viewer string
}

// NewClient creates a new GitHub API client that authenticates with creds
func NewClient(creds CredentialSource, opts Options) (*Client, error) {
	if opts.Quota == nil {
		opts.Quota = NewQuota()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.PageSize <= 0 || opts.PageSize > 100 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.CommentCount <= 0 || opts.CommentCount > 100 {
		opts.CommentCount = defaultCommentCount
	}

	httpClient := &http.Client{
		Timeout: opts.RequestTimeout,
		Transport: &oauth2.Transport{
			Source: credentialTokenSource{src: creds},
			Base:   &quotaTransport{base: opts.Transport, quota: opts.Quota},
		},
	}

	var gql *githubv4.Client
	if opts.GraphQLURL != "" {
		gql = githubv4.NewEnterpriseClient(opts.GraphQLURL, httpClient)
	} else {
		gql = githubv4.NewClient(httpClient)
	}

	rest := github.NewClient(httpClient)
	if opts.RESTURL != "" {
		base := opts.RESTURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REST URL: %w", err)
		}
		rest.BaseURL = u
	}

	return &Client{
		gql:          gql,
		rest:         rest,
		quota:        opts.Quota,
		pageSize:     opts.PageSize,
		maxPages:     opts.MaxPages,
		commentCount: opts.CommentCount,
	}, nil
}

// Quota returns the rate-limit state shared by this client's callers
func (c *Client) Quota() *Quota {
	return c.quota
}

// Viewer returns the login of the authenticated user
func (c *Client) Viewer(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.viewer
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	user, _, err := c.rest.Users.Get(ctx, "")
	if err != nil {
		return "", classify(ctx, "get viewer", err, c.quota)
	}

	login := user.GetLogin()
	c.mu.Lock()
	c.viewer = login
	c.mu.Unlock()
	return login, nil
}

// ForgetViewer drops the cached viewer, e.g. after the credential changes
func (c *Client) ForgetViewer() {
	c.mu.Lock()
	c.viewer = ""
	c.mu.Unlock()
}

// PrimeQuota seeds the shared quota from the rate limit endpoint, which does not
// count against the quota itself
func (c *Client) PrimeQuota(ctx context.Context) error {
	limits, _, err := c.rest.RateLimits(ctx)
	if err != nil {
		return classify(ctx, "get rate limits", err, c.quota)
	}
	if limits == nil || limits.GraphQL == nil {
		return nil
	}

	rate := limits.GraphQL
	c.quota.Update(rate.Remaining, rate.Reset.Time)
	slog.Debug("Primed GraphQL rate limit",
		"remaining", rate.Remaining,
		"limit", rate.Limit,
		"reset_at", rate.Reset.Time.Format(time.RFC3339))
	return nil
}
