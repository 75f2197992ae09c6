package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stembrain/trailer/internal/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "projects.yaml")
	writeFile(t, path, `projects:
  - id: octo/repo
  - id: octo/other
    name: Other
    enabled: false
    visible: false
    fetch_mode: incremental
    keep_merged: false
`)

	r, err := Load(path)
	require.NoError(t, err)

	projects := r.Projects()
	require.Len(t, projects, 2)
	assert.Equal(t, models.Project{
		ID:         "octo/repo",
		Enabled:    true,
		Visible:    true,
		FetchMode:  models.FetchComplete,
		KeepMerged: true,
		KeepClosed: true,
	}, projects[0])
	assert.Equal(t, models.Project{
		ID:         "octo/other",
		Name:       "Other",
		FetchMode:  models.FetchIncremental,
		KeepClosed: true,
	}, projects[1])
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "bad id", content: "projects:\n  - id: noslash\n"},
		{name: "bad mode", content: "projects:\n  - id: octo/repo\n    fetch_mode: sometimes\n"},
		{name: "duplicate", content: "projects:\n  - id: octo/repo\n  - id: octo/repo\n"},
		{name: "not yaml", content: "projects: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "projects.yaml")
			writeFile(t, path, tt.content)
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	r, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, r.Projects())
}

func TestRegistry_Mutations(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "projects.yaml")
	r, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, r.Add(models.Project{ID: "octo/repo", Enabled: true, Visible: true, KeepMerged: true}))
	assert.ErrorIs(t, r.Add(models.Project{ID: "octo/repo"}), ErrExists)
	assert.Error(t, r.Add(models.Project{ID: "octo"}))

	require.NoError(t, r.SetEnabled("octo/repo", false))
	require.NoError(t, r.SetVisible("octo/repo", false))
	assert.ErrorIs(t, r.SetEnabled("octo/missing", true), ErrNotFound)

	reloaded, err := Load(path)
	require.NoError(t, err)
	p, err := reloaded.Get("octo/repo")
	require.NoError(t, err)
	assert.False(t, p.Enabled)
	assert.False(t, p.Visible)
	assert.True(t, p.KeepMerged)
	assert.False(t, p.KeepClosed, "explicit false flags survive a round trip")
	assert.Equal(t, models.FetchComplete, p.FetchMode)

	require.NoError(t, r.Remove("octo/repo"))
	assert.ErrorIs(t, r.Remove("octo/repo"), ErrNotFound)
	_, err = r.Get("octo/repo")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Watch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "projects.yaml")
	writeFile(t, path, "projects:\n  - id: octo/repo\n")

	r, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 8)
	done := make(chan error, 1)
	go func() {
		done <- r.Watch(ctx, func() { changed <- struct{}{} })
	}()

	require.Eventually(t, func() bool {
		writeFile(t, path, "projects:\n  - id: octo/repo\n  - id: octo/new\n")
		select {
		case <-changed:
			return len(r.Projects()) == 2
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRegistry_WatchKeepsProjectsDuringEditorSave(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "projects.yaml")
	content := "projects:\n  - id: octo/repo\n  - id: octo/new\n"
	writeFile(t, path, "projects:\n  - id: octo/repo\n")

	r, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan int, 16)
	done := make(chan error, 1)
	go func() {
		done <- r.Watch(ctx, func() { seen <- len(r.Projects()) })
	}()

	require.Eventually(t, func() bool {
		writeFile(t, path, content)
		select {
		case n := <-seen:
			return n == 2
		case <-time.After(5 * reloadDelay):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	// Move the original aside, then leave an empty file in its place
	require.NoError(t, os.Rename(path, path+"~"))
	time.Sleep(3 * reloadDelay)
	assert.Len(t, r.Projects(), 2)
	writeFile(t, path, "")
	time.Sleep(3 * reloadDelay)
	assert.Len(t, r.Projects(), 2)

	writeFile(t, path, content)
	require.NoError(t, os.Remove(path+"~"))

	select {
	case n := <-seen:
		assert.Equal(t, 2, n)
	case <-time.After(5 * time.Second):
		t.Fatal("reload after save not observed")
	}
	for len(seen) > 0 {
		assert.Equal(t, 2, <-seen, "no reload may observe a partial project list")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestRegistry_SaveLeavesNoTemporaryFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "projects.yaml")

	r, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, r.Add(models.Project{ID: "octo/repo", Enabled: true, Visible: true}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "projects.yaml", entries[0].Name())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.Projects(), 1)
}
