// Package registry keeps the set of watched projects in a YAML file.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/stembrain/trailer/internal/models"
)

// reloadDelay collapses the burst of events one editor save produces
const reloadDelay = 100 * time.Millisecond

var (
	// ErrExists is returned when adding a project that is already watched
	ErrExists = errors.New("project already exists")
	// ErrNotFound is returned for a project that is not in the registry
	ErrNotFound = errors.New("project not found")
)

// entry is the file representation of a project. Unset flags default to true.
type entry struct {
	ID         string           `yaml:"id"`
	Name       string           `yaml:"name,omitempty"`
	Enabled    *bool            `yaml:"enabled,omitempty"`
	Visible    *bool            `yaml:"visible,omitempty"`
	FetchMode  models.FetchMode `yaml:"fetch_mode,omitempty"`
	KeepMerged *bool            `yaml:"keep_merged,omitempty"`
	KeepClosed *bool            `yaml:"keep_closed,omitempty"`
}

type file struct {
	Projects []entry `yaml:"projects"`
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func (e entry) project() (models.Project, error) {
	if _, _, err := models.ParseProjectID(e.ID); err != nil {
		return models.Project{}, err
	}
	mode := e.FetchMode
	if mode == "" {
		mode = models.FetchComplete
	}
	if !mode.Valid() {
		return models.Project{}, fmt.Errorf("project %s: invalid fetch_mode %q", e.ID, e.FetchMode)
	}
	return models.Project{
		ID:         e.ID,
		Name:       e.Name,
		Enabled:    boolOr(e.Enabled, true),
		Visible:    boolOr(e.Visible, true),
		FetchMode:  mode,
		KeepMerged: boolOr(e.KeepMerged, true),
		KeepClosed: boolOr(e.KeepClosed, true),
	}, nil
}

func toEntry(p models.Project) entry {
	enabled, visible, keepMerged, keepClosed := p.Enabled, p.Visible, p.KeepMerged, p.KeepClosed
	return entry{
		ID:         p.ID,
		Name:       p.Name,
		Enabled:    &enabled,
		Visible:    &visible,
		FetchMode:  p.FetchMode,
		KeepMerged: &keepMerged,
		KeepClosed: &keepClosed,
	}
}

// Registry is the user's list of watched projects, persisted as YAML
type Registry struct {
	path string

	mu       sync.RWMutex
	projects []models.Project
}

// Load reads the registry at path. A missing file is an empty registry.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the registry file location
func (r *Registry) Path() string {
	return r.path
}

// Reload re-reads the file. On error the previous project list stays active.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.mu.Lock()
		r.projects = nil
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read projects file: %w", err)
	}
	return r.apply(data)
}

// reloadPresent re-reads the file like Reload but keeps the previous project
// list when the file is missing or empty, which is what an editor save looks
// like from the outside for a moment. It reports whether the list was replaced.
func (r *Registry) reloadPresent() (bool, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read projects file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := r.apply(data); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) apply(data []byte) error {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse projects file: %w", err)
	}

	projects := make([]models.Project, 0, len(f.Projects))
	seen := make(map[string]bool, len(f.Projects))
	for _, e := range f.Projects {
		p, err := e.project()
		if err != nil {
			return fmt.Errorf("failed to parse projects file: %w", err)
		}
		if seen[p.ID] {
			return fmt.Errorf("failed to parse projects file: %w: %s", ErrExists, p.ID)
		}
		seen[p.ID] = true
		projects = append(projects, p)
	}

	r.mu.Lock()
	r.projects = projects
	r.mu.Unlock()
	return nil
}

// Save writes the registry back to its file
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	f := file{Projects: make([]entry, 0, len(r.projects))}
	for _, p := range r.projects {
		f.Projects = append(f.Projects, toEntry(p))
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to marshal projects: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create projects directory: %w", err)
	}

	// Write to a temporary file and rename it so readers never see a partial file
	tempPath := r.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary projects file: %w", err)
	}
	if err := os.Rename(tempPath, r.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename projects file: %w", err)
	}
	return nil
}

// Projects returns a copy of the watched projects in file order
func (r *Registry) Projects() []models.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Project, len(r.projects))
	copy(out, r.projects)
	return out
}

// Get returns the project with the given id
func (r *Registry) Get(id string) (models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexLocked(id); i >= 0 {
		return r.projects[i], nil
	}
	return models.Project{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Add appends a project and saves the file
func (r *Registry) Add(p models.Project) error {
	if _, _, err := models.ParseProjectID(p.ID); err != nil {
		return err
	}
	if p.FetchMode == "" {
		p.FetchMode = models.FetchComplete
	}
	if !p.FetchMode.Valid() {
		return fmt.Errorf("invalid fetch mode %q", p.FetchMode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(p.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrExists, p.ID)
	}
	r.projects = append(r.projects, p)
	return r.saveLocked()
}

// Remove deletes a project and saves the file
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.projects = append(r.projects[:i], r.projects[i+1:]...)
	return r.saveLocked()
}

// SetEnabled turns syncing of a project on or off and saves the file
func (r *Registry) SetEnabled(id string, enabled bool) error {
	return r.update(id, func(p *models.Project) { p.Enabled = enabled })
}

// SetVisible turns notifications of a project on or off and saves the file
func (r *Registry) SetVisible(id string, visible bool) error {
	return r.update(id, func(p *models.Project) { p.Visible = visible })
}

func (r *Registry) update(id string, fn func(*models.Project)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(&r.projects[i])
	return r.saveLocked()
}

func (r *Registry) indexLocked(id string) int {
	for i, p := range r.projects {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Watch reloads the registry whenever its file changes on disk and calls
// onChange after each successful reload. A file that is missing or empty
// keeps the previous projects active. It blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so the directory is watched
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch projects directory %s: %w", dir, err)
	}
	target := filepath.Clean(r.path)
	slog.Info("Watching projects file", "path", r.path)

	pending := time.NewTimer(reloadDelay)
	pending.Stop()
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				pending.Reset(reloadDelay)
			}

		case <-pending.C:
			replaced, err := r.reloadPresent()
			if err != nil {
				// Continue observing, the previous projects remain active
				slog.Error("Failed to reload projects file", "error", err)
				continue
			}
			if !replaced {
				slog.Warn("Projects file is missing or empty, keeping previous projects", "path", r.path)
				continue
			}
			slog.Info("Projects file reloaded", "projects", len(r.Projects()))
			if onChange != nil {
				onChange()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			slog.Warn("Projects file watcher error", "error", err)
		}
	}
}
