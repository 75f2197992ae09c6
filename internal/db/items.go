package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stembrain/trailer/internal/models"
)

// Changeset is the complete set of mutations produced by one sync cycle of a
// project. It is committed as a single transaction.
type Changeset struct {
	ProjectID string
	// Upserts replace the stored item and all of its comments, reviews and checks.
	// An upsert only ever sets the unread flag; clearing it takes an acknowledgment.
	Upserts []models.Item
	// Removals are remote IDs deleted from the store along with their sub-entities
	Removals []string
	Cursor   string
	SyncedAt time.Time
}

// Empty reports whether the changeset mutates no items
func (c *Changeset) Empty() bool {
	return len(c.Upserts) == 0 && len(c.Removals) == 0
}

// CommitProject applies a changeset atomically. Once started the commit runs to
// completion even if ctx is cancelled, so a pipeline stopped mid-commit leaves
// either the old or the new snapshot. The project must have been saved first;
// ErrNotFound is returned otherwise.
func (db *DB) CommitProject(ctx context.Context, cs Changeset) error {
	if cs.ProjectID == "" {
		return fmt.Errorf("failed to commit project: empty project id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := db.projectLock(cs.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	ctx = context.WithoutCancel(ctx)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// A project removed while its cycle ran stays removed
	res, err := tx.ExecContext(ctx,
		`UPDATE projects SET cursor = ?, last_sync_at = ? WHERE id = ?`,
		cs.Cursor, nullTime(cs.SyncedAt), cs.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to update project sync state: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update project sync state: %w", err)
	}
	if updated == 0 {
		return fmt.Errorf("project %s: %w", cs.ProjectID, ErrNotFound)
	}

	for _, remoteID := range cs.Removals {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM items WHERE project_id = ? AND remote_id = ?`, cs.ProjectID, remoteID)
		if err != nil {
			return fmt.Errorf("failed to remove item %s: %w", remoteID, err)
		}
	}

	for i := range cs.Upserts {
		item := &cs.Upserts[i]
		if item.ProjectID != "" && item.ProjectID != cs.ProjectID {
			return fmt.Errorf("failed to save item %s: belongs to project %s", item.RemoteID, item.ProjectID)
		}
		if err := saveItem(ctx, tx, cs.ProjectID, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// saveItem saves an item and replaces its sub-entities
func saveItem(ctx context.Context, tx *sql.Tx, projectID string, item *models.Item) error {
	labels, err := json.Marshal(nonNil(item.Labels))
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	reviewers, err := json.Marshal(nonNil(item.RequestedReviewers))
	if err != nil {
		return fmt.Errorf("failed to encode reviewers: %w", err)
	}

	query := `
	INSERT INTO items (project_id, remote_id, number, kind, title, author, state, url, updated_at,
		labels, draft, head_sha, requested_reviewers, unread)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(project_id, remote_id) DO UPDATE SET
		number = excluded.number,
		kind = excluded.kind,
		title = excluded.title,
		author = excluded.author,
		state = excluded.state,
		url = excluded.url,
		updated_at = excluded.updated_at,
		labels = excluded.labels,
		draft = excluded.draft,
		head_sha = excluded.head_sha,
		requested_reviewers = excluded.requested_reviewers,
		unread = CASE WHEN excluded.unread THEN 1 ELSE items.unread END
	`

	_, err = tx.ExecContext(ctx, query,
		projectID,
		item.RemoteID,
		item.Number,
		string(item.Kind),
		item.Title,
		item.Author,
		string(item.State),
		item.URL,
		item.UpdatedAt.UTC(),
		string(labels),
		item.Draft,
		item.HeadSHA,
		string(reviewers),
		item.Unread,
	)
	if err != nil {
		return fmt.Errorf("failed to save item %s: %w", item.RemoteID, err)
	}

	for _, table := range []string{"comments", "reviews", "status_checks"} {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE project_id = ? AND item_id = ?`, projectID, item.RemoteID)
		if err != nil {
			return fmt.Errorf("failed to clear %s of item %s: %w", table, item.RemoteID, err)
		}
	}

	for _, c := range item.Comments {
		_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO comments (project_id, item_id, id, author, body, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		`, projectID, item.RemoteID, c.ID, c.Author, c.Body, c.URL, c.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to save comment %s: %w", c.ID, err)
		}
	}

	for _, r := range item.Reviews {
		_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO reviews (project_id, item_id, id, author, state, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		`, projectID, item.RemoteID, r.ID, r.Author, r.State, r.Body, r.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to save review %s: %w", r.ID, err)
		}
	}

	for _, s := range item.StatusChecks {
		_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO status_checks (project_id, item_id, id, context, state, description, target_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, projectID, item.RemoteID, s.ID, s.Context, string(s.State), s.Description, s.TargetURL, s.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to save status check %s: %w", s.ID, err)
		}
	}

	return nil
}

// LoadItems loads a consistent snapshot of every item of a project, including
// comments, reviews and status checks
func (db *DB) LoadItems(ctx context.Context, projectID string) ([]models.Item, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	items, err := loadItems(ctx, tx, `WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	if err := loadSubEntities(ctx, tx, projectID, items); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return items, nil
}

// GetItem loads one item with its sub-entities
func (db *DB) GetItem(ctx context.Context, projectID, remoteID string) (*models.Item, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	items, err := loadItems(ctx, tx, `WHERE project_id = ? AND remote_id = ?`, projectID, remoteID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("item %s#%s: %w", projectID, remoteID, ErrNotFound)
	}
	if err := loadSubEntities(ctx, tx, projectID, items); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &items[0], nil
}

func loadItems(ctx context.Context, tx *sql.Tx, where string, args ...interface{}) ([]models.Item, error) {
	rows, err := tx.QueryContext(ctx, `
	SELECT project_id, remote_id, number, kind, title, author, state, url, updated_at,
		labels, draft, head_sha, requested_reviewers, unread
	FROM items `+where+`
	ORDER BY updated_at DESC, remote_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		var item models.Item
		var kind, state, labels, reviewers string
		err := rows.Scan(
			&item.ProjectID,
			&item.RemoteID,
			&item.Number,
			&kind,
			&item.Title,
			&item.Author,
			&state,
			&item.URL,
			&item.UpdatedAt,
			&labels,
			&item.Draft,
			&item.HeadSHA,
			&reviewers,
			&item.Unread,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item.Kind = models.ItemKind(kind)
		item.State = models.ItemState(state)
		if err := json.Unmarshal([]byte(labels), &item.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels of item %s: %w", item.RemoteID, err)
		}
		if err := json.Unmarshal([]byte(reviewers), &item.RequestedReviewers); err != nil {
			return nil, fmt.Errorf("failed to decode reviewers of item %s: %w", item.RemoteID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}

	return items, nil
}

// loadSubEntities attaches comments, reviews and status checks to items
func loadSubEntities(ctx context.Context, tx *sql.Tx, projectID string, items []models.Item) error {
	index := make(map[string]*models.Item, len(items))
	for i := range items {
		index[items[i].RemoteID] = &items[i]
	}

	rows, err := tx.QueryContext(ctx, `
	SELECT item_id, id, author, body, url, created_at FROM comments
	WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return fmt.Errorf("failed to query comments: %w", err)
	}
	err = scanEach(rows, func() error {
		var itemID string
		var c models.Comment
		if err := rows.Scan(&itemID, &c.ID, &c.Author, &c.Body, &c.URL, &c.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan comment: %w", err)
		}
		if item, ok := index[itemID]; ok {
			item.Comments = append(item.Comments, c)
		}
		return nil
	})
	if err != nil {
		return err
	}

	rows, err = tx.QueryContext(ctx, `
	SELECT item_id, id, author, state, body, created_at FROM reviews
	WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return fmt.Errorf("failed to query reviews: %w", err)
	}
	err = scanEach(rows, func() error {
		var itemID string
		var r models.Review
		if err := rows.Scan(&itemID, &r.ID, &r.Author, &r.State, &r.Body, &r.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan review: %w", err)
		}
		if item, ok := index[itemID]; ok {
			item.Reviews = append(item.Reviews, r)
		}
		return nil
	})
	if err != nil {
		return err
	}

	rows, err = tx.QueryContext(ctx, `
	SELECT item_id, id, context, state, description, target_url, created_at FROM status_checks
	WHERE project_id = ? ORDER BY context, id`, projectID)
	if err != nil {
		return fmt.Errorf("failed to query status checks: %w", err)
	}
	return scanEach(rows, func() error {
		var itemID, state string
		var s models.StatusCheck
		if err := rows.Scan(&itemID, &s.ID, &s.Context, &state, &s.Description, &s.TargetURL, &s.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan status check: %w", err)
		}
		s.State = models.CheckState(state)
		if item, ok := index[itemID]; ok {
			item.StatusChecks = append(item.StatusChecks, s)
		}
		return nil
	})
}

func scanEach(rows *sql.Rows, fn func() error) error {
	defer rows.Close()
	for rows.Next() {
		if err := fn(); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read rows: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// IsNotFound reports whether err is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
