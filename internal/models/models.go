package models

import (
	"fmt"
	"strings"
	"time"
)

// FetchMode declares how completely a project's items are listed on each sync
type FetchMode string

const (
	// FetchComplete lists every open item, so an absent item is known to be closed
	FetchComplete FetchMode = "complete"
	// FetchIncremental lists only items updated since the last cursor
	FetchIncremental FetchMode = "incremental"
)

// Valid reports whether the mode is one of the declared modes
func (m FetchMode) Valid() bool {
	return m == FetchComplete || m == FetchIncremental
}

// ItemKind distinguishes pull requests from issues
type ItemKind string

const (
	KindPullRequest ItemKind = "pull_request"
	KindIssue       ItemKind = "issue"
)

// ItemState is the remote lifecycle state of an item
type ItemState string

const (
	StateOpen   ItemState = "open"
	StateClosed ItemState = "closed"
	StateMerged ItemState = "merged"
)

// Valid reports whether the state is known
func (s ItemState) Valid() bool {
	switch s {
	case StateOpen, StateClosed, StateMerged:
		return true
	}
	return false
}

// Terminal reports whether the state ends the item's open life
func (s ItemState) Terminal() bool {
	return s == StateClosed || s == StateMerged
}

// CheckState is the state of a single status check or of a PR's combined checks
type CheckState string

const (
	CheckNone    CheckState = ""
	CheckPending CheckState = "pending"
	CheckSuccess CheckState = "success"
	CheckFailure CheckState = "failure"
)

// Project represents a watched GitHub repository
type Project struct {
	// ID is the repository in "owner/name" form
	ID   string
	Name string

	Enabled   bool
	Visible   bool
	FetchMode FetchMode

	// KeepMerged and KeepClosed control whether terminal items stay in the store
	KeepMerged bool
	KeepClosed bool

	LastSyncAt time.Time
	Cursor     string
}

// Owner returns the repository owner
func (p Project) Owner() string {
	owner, _, _ := strings.Cut(p.ID, "/")
	return owner
}

// Repo returns the repository name
func (p Project) Repo() string {
	_, name, _ := strings.Cut(p.ID, "/")
	return name
}

// DisplayName returns the name shown to the user
func (p Project) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// ParseProjectID parses a repository string in the format "owner/name"
func ParseProjectID(s string) (string, string, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", s)
	}
	return parts[0], parts[1], nil
}

// Item represents a pull request or issue tracked within a project
type Item struct {
	ProjectID string
	RemoteID  string
	Number    int
	Kind      ItemKind
	Title     string
	Author    string
	State     ItemState
	URL       string
	UpdatedAt time.Time

	Labels             []string
	Draft              bool
	HeadSHA            string
	RequestedReviewers []string

	Comments     []Comment
	Reviews      []Review
	StatusChecks []StatusCheck

	// Unread is set by new remote activity and cleared only by acknowledgment
	Unread bool
}

// Key returns the store identity of the item
func (i *Item) Key() ItemKey {
	return ItemKey{ProjectID: i.ProjectID, RemoteID: i.RemoteID}
}

// CombinedChecks folds the item's status checks into one state
func (i *Item) CombinedChecks() CheckState {
	if len(i.StatusChecks) == 0 {
		return CheckNone
	}
	combined := CheckSuccess
	for _, c := range i.StatusChecks {
		switch c.State {
		case CheckFailure:
			return CheckFailure
		case CheckPending:
			combined = CheckPending
		}
	}
	return combined
}

// ItemKey identifies an item across the store
type ItemKey struct {
	ProjectID string
	RemoteID  string
}

func (k ItemKey) String() string {
	return k.ProjectID + "#" + k.RemoteID
}

// Comment represents an issue or pull request comment
type Comment struct {
	ID        string
	Author    string
	Body      string
	URL       string
	CreatedAt time.Time
}

// Review represents a pull request review
type Review struct {
	ID        string
	Author    string
	State     string
	Body      string
	CreatedAt time.Time
}

// StatusCheck represents one commit status context on a pull request head
type StatusCheck struct {
	ID          string
	Context     string
	State       CheckState
	Description string
	TargetURL   string
	CreatedAt   time.Time
}

// UnreadCounts holds badge counts per project and in total
type UnreadCounts struct {
	ByProject map[string]int
	Total     int
}
