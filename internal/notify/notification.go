// Package notify turns committed change events into user-facing notifications.
package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stembrain/trailer/internal/models"
	"github.com/stembrain/trailer/internal/reconcile"
)

// Notification is one message delivered to the UI
type Notification struct {
	ID          string              `json:"id"`
	Kind        reconcile.EventKind `json:"kind"`
	ProjectID   string              `json:"project_id"`
	ProjectName string              `json:"project_name"`

	ItemRemoteID string          `json:"item_remote_id"`
	ItemNumber   int             `json:"item_number"`
	ItemKind     models.ItemKind `json:"item_kind"`
	ItemTitle    string          `json:"item_title"`
	URL          string          `json:"url"`

	// Count is the number of events folded into this notification
	Count     int       `json:"count"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func newNotification(project models.Project, e reconcile.ChangeEvent, count int, ts time.Time) Notification {
	n := Notification{
		ID:           uuid.NewString(),
		Kind:         e.Kind,
		ProjectID:    project.ID,
		ProjectName:  project.DisplayName(),
		ItemRemoteID: e.RemoteID,
		ItemNumber:   e.Number,
		ItemKind:     e.ItemKind,
		ItemTitle:    e.Title,
		URL:          e.URL,
		Count:        count,
		Timestamp:    ts,
	}
	n.Message = message(e, count)
	return n
}

func noun(kind models.ItemKind) string {
	if kind == models.KindPullRequest {
		return "pull request"
	}
	return "issue"
}

func message(e reconcile.ChangeEvent, count int) string {
	ref := fmt.Sprintf("%s #%d", noun(e.ItemKind), e.Number)
	switch e.Kind {
	case reconcile.ItemCreated:
		return fmt.Sprintf("New %s: %s", ref, e.Title)
	case reconcile.ItemMerged:
		return fmt.Sprintf("Merged %s: %s", ref, e.Title)
	case reconcile.ItemClosed:
		return fmt.Sprintf("Closed %s: %s", ref, e.Title)
	case reconcile.ItemStatusChanged:
		return fmt.Sprintf("%s changed from %s to %s: %s", ref, e.OldState, e.NewState, e.Title)
	case reconcile.ItemUpdated:
		return fmt.Sprintf("Updated %s %v: %s", ref, e.Fields, e.Title)
	case reconcile.ReviewRequested:
		return fmt.Sprintf("Review requested on %s: %s", ref, e.Title)
	case reconcile.ChecksChanged:
		return fmt.Sprintf("Checks %s on %s: %s", e.NewChecks, ref, e.Title)
	case reconcile.CommentAdded:
		if count == 1 {
			return fmt.Sprintf("New comment by %s on %s: %s", e.CommentAuthor, ref, e.Title)
		}
		return fmt.Sprintf("%d new comments on %s: %s", count, ref, e.Title)
	}
	return fmt.Sprintf("%s on %s: %s", e.Kind, ref, e.Title)
}
