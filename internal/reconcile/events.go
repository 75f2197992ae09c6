package reconcile

import (
	"fmt"
	"time"

	"github.com/stembrain/trailer/internal/models"
)

// EventKind classifies a ChangeEvent
type EventKind string

const (
	ItemCreated       EventKind = "item_created"
	ItemUpdated       EventKind = "item_updated"
	ItemStatusChanged EventKind = "item_status_changed"
	ItemClosed        EventKind = "item_closed"
	ItemMerged        EventKind = "item_merged"
	CommentAdded      EventKind = "comment_added"
	ReviewRequested   EventKind = "review_requested"
	ChecksChanged     EventKind = "checks_changed"
)

// Fields reported by ItemUpdated
const (
	FieldTitle     = "title"
	FieldLabels    = "labels"
	FieldDraft     = "draft"
	FieldCommits   = "commits"
	FieldReviewers = "reviewers"
)

// ChangeEvent is one classified difference between two snapshots of a project.
// Only the fields relevant to Kind are set.
type ChangeEvent struct {
	Kind      EventKind
	ProjectID string

	RemoteID string
	Number   int
	ItemKind models.ItemKind
	Title    string
	URL      string

	// ItemUpdated
	Fields []string
	// ItemStatusChanged, ItemClosed, ItemMerged
	OldState models.ItemState
	NewState models.ItemState
	// ChecksChanged
	OldChecks models.CheckState
	NewChecks models.CheckState
	// CommentAdded
	CommentID     string
	CommentAuthor string

	Timestamp time.Time
}

func (e ChangeEvent) String() string {
	switch e.Kind {
	case ItemUpdated:
		return fmt.Sprintf("%s %s#%d %v", e.Kind, e.ProjectID, e.Number, e.Fields)
	case ItemStatusChanged, ItemClosed, ItemMerged:
		return fmt.Sprintf("%s %s#%d %s->%s", e.Kind, e.ProjectID, e.Number, e.OldState, e.NewState)
	case ChecksChanged:
		return fmt.Sprintf("%s %s#%d %s->%s", e.Kind, e.ProjectID, e.Number, e.OldChecks, e.NewChecks)
	case CommentAdded:
		return fmt.Sprintf("%s %s#%d by %s", e.Kind, e.ProjectID, e.Number, e.CommentAuthor)
	}
	return fmt.Sprintf("%s %s#%d", e.Kind, e.ProjectID, e.Number)
}

// rank orders events within one cycle: lifecycle first, then other changes,
// then comments
func (e ChangeEvent) rank() int {
	switch e.Kind {
	case ItemCreated, ItemStatusChanged, ItemClosed, ItemMerged:
		return 0
	case CommentAdded:
		return 2
	}
	return 1
}

func newEvent(kind EventKind, item *models.Item, ts time.Time) ChangeEvent {
	return ChangeEvent{
		Kind:      kind,
		ProjectID: item.ProjectID,
		RemoteID:  item.RemoteID,
		Number:    item.Number,
		ItemKind:  item.Kind,
		Title:     item.Title,
		URL:       item.URL,
		Timestamp: ts,
	}
}

// Anomaly is a fetched record that could not be applied
type Anomaly struct {
	ProjectID string
	RemoteID  string
	Reason    string
}

func (a Anomaly) Error() string {
	return fmt.Sprintf("reconciliation anomaly in %s item %q: %s", a.ProjectID, a.RemoteID, a.Reason)
}
