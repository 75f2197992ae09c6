package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stembrain/trailer/internal/models"
)

// ErrNotFound is returned when a project or item does not exist
var ErrNotFound = errors.New("not found")

// DB represents the database connection
type DB struct {
	*sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a new database connection. Transactions take the write lock up
// front so that every read inside one sees a single committed snapshot.
func New(dbPath string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=10000&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, locks: make(map[string]*sync.Mutex)}, nil
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		cursor TEXT NOT NULL DEFAULT '',
		last_sync_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS items (
		project_id TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		labels TEXT NOT NULL DEFAULT '[]',
		draft BOOLEAN NOT NULL DEFAULT 0,
		head_sha TEXT NOT NULL DEFAULT '',
		requested_reviewers TEXT NOT NULL DEFAULT '[]',
		unread BOOLEAN NOT NULL DEFAULT 0,
		PRIMARY KEY (project_id, remote_id),
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS comments (
		project_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		id TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (project_id, item_id, id),
		FOREIGN KEY (project_id, item_id) REFERENCES items(project_id, remote_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS reviews (
		project_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		id TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (project_id, item_id, id),
		FOREIGN KEY (project_id, item_id) REFERENCES items(project_id, remote_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS status_checks (
		project_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		id TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		target_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (project_id, item_id, id),
		FOREIGN KEY (project_id, item_id) REFERENCES items(project_id, remote_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_items_unread ON items(project_id, unread);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// projectLock returns the mutex serializing mutations of one project's items
func (db *DB) projectLock(projectID string) *sync.Mutex {
	db.mu.Lock()
	defer db.mu.Unlock()
	l, ok := db.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		db.locks[projectID] = l
	}
	return l
}

// SaveProject saves a project's identity, leaving its sync state untouched
func (db *DB) SaveProject(ctx context.Context, project models.Project) error {
	query := `
	INSERT INTO projects (id, name)
	VALUES (?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name
	`

	_, err := db.ExecContext(ctx, query, project.ID, project.Name)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}

	return nil
}

// GetProject gets a project and its sync state
func (db *DB) GetProject(ctx context.Context, id string) (*models.Project, error) {
	query := `SELECT id, name, cursor, last_sync_at FROM projects WHERE id = ?`

	var p models.Project
	var lastSync sql.NullTime
	err := db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.Cursor, &lastSync)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if lastSync.Valid {
		p.LastSyncAt = lastSync.Time
	}

	return &p, nil
}

// ListProjects lists every stored project with its sync state
func (db *DB) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name, cursor, last_sync_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		var lastSync sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.Cursor, &lastSync); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		if lastSync.Valid {
			p.LastSyncAt = lastSync.Time
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	return projects, nil
}

// DeleteProject removes a project together with all of its items
func (db *DB) DeleteProject(ctx context.Context, id string) error {
	lock := db.projectLock(id)
	lock.Lock()
	defer lock.Unlock()

	_, err := db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	return nil
}

// UnreadCounts returns unread item counts per project and in total
func (db *DB) UnreadCounts(ctx context.Context) (models.UnreadCounts, error) {
	counts := models.UnreadCounts{ByProject: make(map[string]int)}

	rows, err := db.QueryContext(ctx, `
	SELECT project_id, COUNT(*) FROM items
	WHERE unread = 1
	GROUP BY project_id
	`)
	if err != nil {
		return counts, fmt.Errorf("failed to count unread items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var projectID string
		var n int
		if err := rows.Scan(&projectID, &n); err != nil {
			return counts, fmt.Errorf("failed to scan unread count: %w", err)
		}
		counts.ByProject[projectID] = n
		counts.Total += n
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("failed to count unread items: %w", err)
	}

	return counts, nil
}

// Acknowledge marks one item as seen. ErrNotFound is returned for an unknown item.
func (db *DB) Acknowledge(ctx context.Context, projectID, remoteID string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE items SET unread = 0 WHERE project_id = ? AND remote_id = ?`,
		projectID, remoteID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s#%s: %w", projectID, remoteID, ErrNotFound)
	}
	return nil
}

// AcknowledgeProject marks every item of a project as seen
func (db *DB) AcknowledgeProject(ctx context.Context, projectID string) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE items SET unread = 0 WHERE project_id = ? AND unread = 1`, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge project: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AcknowledgeAll marks every item as seen
func (db *DB) AcknowledgeAll(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `UPDATE items SET unread = 0 WHERE unread = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge all items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearTerminal removes closed and merged items of one project, or of all
// projects when projectID is empty
func (db *DB) ClearTerminal(ctx context.Context, projectID string) (int64, error) {
	query := `DELETE FROM items WHERE state IN (?, ?)`
	args := []interface{}{string(models.StateClosed), string(models.StateMerged)}
	if projectID != "" {
		lock := db.projectLock(projectID)
		lock.Lock()
		defer lock.Unlock()
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear terminal items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
