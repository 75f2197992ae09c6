// Package engine assembles the sync pipeline into one explicitly owned instance
// with a start and stop lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stembrain/trailer/config"
	"github.com/stembrain/trailer/internal/api"
	"github.com/stembrain/trailer/internal/db"
	"github.com/stembrain/trailer/internal/models"
	"github.com/stembrain/trailer/internal/notify"
	"github.com/stembrain/trailer/internal/reconcile"
	"github.com/stembrain/trailer/internal/registry"
	"github.com/stembrain/trailer/internal/sync"
	"github.com/stembrain/trailer/internal/telemetry"
)

const (
	notificationBuffer = 256
	recentLimit        = 200
)

// ErrNotStarted is returned by Stop before Start
var ErrNotStarted = errors.New("engine not started")

// Engine owns the store, the project registry, the API client and the scheduler
type Engine struct {
	cfg *config.Config

	store      *db.DB
	registry   *registry.Registry
	creds      *api.CredentialStore
	credChange <-chan struct{}
	client     *api.Client
	reconciler *reconcile.Reconciler
	emitter    *notify.Emitter
	stream     *notify.ChannelSink
	recent     *notify.RecentSink
	scheduler  *sync.Scheduler
	metrics    *telemetry.Provider

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures the engine
type Option func(*options)

type options struct {
	sinks    []notify.Sink
	now      func() time.Time
	noStream bool
}

// WithSink adds a notification sink next to the built-in stream
func WithSink(sink notify.Sink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, sink)
	}
}

// WithoutStream leaves out the built-in notification stream. One-shot runs that
// never read Notifications use it so undelivered notifications do not pile up.
func WithoutStream() Option {
	return func(o *options) {
		o.noStream = true
	}
}

// WithClock overrides the time source of every component
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New builds an engine from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	store, err := db.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := store.Initialize(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	reg, err := registry.Load(cfg.ProjectsFile)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load projects: %w", err)
	}

	var provider *telemetry.Provider
	var syncMetrics *telemetry.SyncMetrics
	var notifyMetrics *telemetry.NotifyMetrics
	if cfg.MetricsEnabled {
		provider = telemetry.NewProvider()
		if syncMetrics, err = telemetry.NewSyncMetrics(provider); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to create sync metrics: %w", err)
		}
		if notifyMetrics, err = telemetry.NewNotifyMetrics(provider); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to create notification metrics: %w", err)
		}
	}

	creds := api.NewCredentialStore(cfg.GitHubToken)
	client, err := api.NewClient(creds, api.Options{
		GraphQLURL:     cfg.GraphQLURL,
		RESTURL:        cfg.RESTURL,
		RequestTimeout: cfg.RequestTimeout,
		PageSize:       cfg.PageSize,
		MaxPages:       cfg.MaxPages,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		creds:      creds,
		credChange: creds.Subscribe(),
		client:     client,
		recent:     notify.NewRecentSink(recentLimit),
		metrics:    provider,
	}

	e.reconciler = reconcile.New(store,
		reconcile.WithViewer(client),
		reconcile.WithStateResolver(client),
		reconcile.WithMarkUnreadOnNewCommits(cfg.MarkUnreadOnNewCommits),
		reconcile.WithClock(o.now))

	sinks := []notify.Sink{e.recent}
	if !o.noStream {
		e.stream = notify.NewChannelSink(notificationBuffer)
		sinks = append(sinks, e.stream)
	}
	sinks = append(sinks, o.sinks...)
	e.emitter = notify.NewEmitter(sinks,
		notify.WithCooldown(cfg.NotificationCooldown),
		notify.WithClock(o.now),
		notify.WithNotifyMetrics(notifyMetrics))

	e.scheduler = sync.New(client, e.reconciler, e.emitter, &projectSource{registry: reg, store: store}, client.Quota(),
		sync.Config{
			Interval:            cfg.RefreshInterval,
			Workers:             cfg.Workers,
			BackoffInitial:      cfg.BackoffInitial,
			BackoffMax:          cfg.BackoffMax,
			FailureThreshold:    cfg.FailureThreshold,
			RateLimitAlertAfter: cfg.RateLimitAlertAfter,
		},
		sync.WithClock(o.now),
		sync.WithSyncMetrics(syncMetrics))

	return e, nil
}

// Load registers the watched projects in the store and drops stored projects
// that are no longer watched
func (e *Engine) Load(ctx context.Context) error {
	watched := make(map[string]bool)
	for _, p := range e.registry.Projects() {
		watched[p.ID] = true
		if err := e.store.SaveProject(ctx, p); err != nil {
			return err
		}
	}

	stored, err := e.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range stored {
		if watched[p.ID] {
			continue
		}
		slog.Info("Removing project no longer watched", "project", p.ID)
		if err := e.store.DeleteProject(ctx, p.ID); err != nil {
			return err
		}
	}
	return nil
}

// Start loads persisted state and runs the scheduler, the registry watcher and
// the credential listener in the background. An engine is started once.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Load(ctx); err != nil {
		return fmt.Errorf("failed to load persisted state: %w", err)
	}

	if _, ok := e.creds.Credential(); ok {
		if err := e.client.PrimeQuota(ctx); err != nil {
			slog.Warn("Failed to read initial rate limit", "error", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	e.cancel = cancel
	e.group = g

	g.Go(func() error {
		return e.scheduler.Start(gctx)
	})
	g.Go(func() error {
		err := e.registry.Watch(gctx, func() {
			if err := e.Load(gctx); err != nil {
				slog.Error("Failed to apply project changes", "error", err)
				return
			}
			e.scheduler.RefreshNow()
		})
		if err != nil {
			// Syncing continues without live reloads
			slog.Error("Projects file watcher stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		e.watchCredential(gctx)
		return nil
	})
	g.Go(func() error {
		e.flushHeld(gctx)
		return nil
	})

	slog.Info("Engine started",
		"projects", len(e.registry.Projects()),
		"database", e.cfg.DatabasePath)
	return nil
}

// Stop cancels in-flight fetches, waits for running commits and delivers any
// held notifications
func (e *Engine) Stop() error {
	if e.cancel == nil {
		return ErrNotStarted
	}
	e.cancel()
	err := e.group.Wait()
	e.cancel = nil

	if flushErr := e.emitter.Flush(context.Background(), true); flushErr != nil {
		slog.Warn("Failed to deliver held notifications", "error", flushErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases the store
func (e *Engine) Close() error {
	return e.store.Close()
}

func (e *Engine) watchCredential(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.credChange:
			e.credentialChanged()
		}
	}
}

func (e *Engine) credentialChanged() {
	e.client.Quota().Reset()
	e.client.ForgetViewer()
	e.scheduler.ResumeAuth()
	e.scheduler.RefreshNow()
}

func (e *Engine) flushHeld(ctx context.Context) {
	interval := e.cfg.NotificationCooldown
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.emitter.Flush(ctx, false); err != nil {
				slog.Warn("Failed to deliver held notifications", "error", err)
			}
		}
	}
}

// SetCredential replaces the GitHub token. Syncing resumes if it was halted by
// an authentication failure.
func (e *Engine) SetCredential(token string) {
	e.creds.Set(token)
	slog.Info("Credential replaced")
}

// AddProject starts watching a project
func (e *Engine) AddProject(ctx context.Context, p models.Project) error {
	if err := e.registry.Add(p); err != nil {
		return err
	}
	if err := e.store.SaveProject(ctx, p); err != nil {
		return err
	}
	e.scheduler.RefreshNow()
	return nil
}

// RemoveProject stops watching a project and deletes its items
func (e *Engine) RemoveProject(ctx context.Context, id string) error {
	if err := e.registry.Remove(id); err != nil {
		return err
	}
	return e.store.DeleteProject(ctx, id)
}

// SetProjectEnabled turns syncing of a project on or off
func (e *Engine) SetProjectEnabled(id string, enabled bool) error {
	if err := e.registry.SetEnabled(id, enabled); err != nil {
		return err
	}
	if enabled {
		e.scheduler.RefreshNow()
	}
	return nil
}

// SetProjectVisible turns notifications of a project on or off
func (e *Engine) SetProjectVisible(id string, visible bool) error {
	return e.registry.SetVisible(id, visible)
}

// Projects returns the watched projects with their sync cursors
func (e *Engine) Projects(ctx context.Context) ([]models.Project, error) {
	return (&projectSource{registry: e.registry, store: e.store}).Projects(ctx)
}

// Items returns the stored items of a project
func (e *Engine) Items(ctx context.Context, projectID string) ([]models.Item, error) {
	if _, err := e.registry.Get(projectID); err != nil {
		return nil, err
	}
	return e.store.LoadItems(ctx, projectID)
}

// RefreshNow requests an immediate sweep without waiting for it
func (e *Engine) RefreshNow() {
	e.scheduler.RefreshNow()
}

// Refresh runs a sweep and waits for its report
func (e *Engine) Refresh(ctx context.Context) (*sync.SweepReport, error) {
	return e.scheduler.Sweep(ctx)
}

// RefreshProject runs one cycle for a single project
func (e *Engine) RefreshProject(ctx context.Context, id string) error {
	return e.scheduler.RefreshProject(ctx, id)
}

// Acknowledge marks one item read
func (e *Engine) Acknowledge(ctx context.Context, projectID, remoteID string) error {
	return e.store.Acknowledge(ctx, projectID, remoteID)
}

// AcknowledgeProject marks every item of a project read
func (e *Engine) AcknowledgeProject(ctx context.Context, projectID string) (int64, error) {
	return e.store.AcknowledgeProject(ctx, projectID)
}

// AcknowledgeAll marks every item read
func (e *Engine) AcknowledgeAll(ctx context.Context) (int64, error) {
	return e.store.AcknowledgeAll(ctx)
}

// ClearTerminal removes closed and merged items of a project, or of all projects
// when projectID is empty
func (e *Engine) ClearTerminal(ctx context.Context, projectID string) (int64, error) {
	return e.store.ClearTerminal(ctx, projectID)
}

// UnreadCounts returns badge counts per project and in total
func (e *Engine) UnreadCounts(ctx context.Context) (models.UnreadCounts, error) {
	return e.store.UnreadCounts(ctx)
}

// Notifications returns the notification stream, or nil when built WithoutStream
func (e *Engine) Notifications() <-chan notify.Notification {
	if e.stream == nil {
		return nil
	}
	return e.stream.Notifications()
}

// RecentNotifications returns the latest notifications, newest first
func (e *Engine) RecentNotifications() []notify.Notification {
	return e.recent.Recent()
}

// ActivityCount returns the number of fetches in flight
func (e *Engine) ActivityCount() int {
	return e.scheduler.Activity().Count()
}

// SubscribeActivity returns a channel receiving the in-flight fetch count on change
func (e *Engine) SubscribeActivity() <-chan int64 {
	return e.scheduler.Activity().Subscribe()
}

// ProjectStatuses returns the sync status of every watched project
func (e *Engine) ProjectStatuses(ctx context.Context) ([]sync.ProjectStatus, error) {
	return e.scheduler.ProjectStatuses(ctx)
}

// LastSuccess returns when a sweep last completed without failures
func (e *Engine) LastSuccess() time.Time {
	return e.scheduler.LastSuccess()
}

// Metrics returns the current metric values; nil when metrics are disabled
func (e *Engine) Metrics(ctx context.Context) ([]telemetry.Point, error) {
	if e.metrics == nil {
		return nil, nil
	}
	return e.metrics.Snapshot(ctx)
}

// projectSource merges the registry's project settings with the sync state
// persisted in the store
type projectSource struct {
	registry *registry.Registry
	store    *db.DB
}

func (s *projectSource) Projects(ctx context.Context) ([]models.Project, error) {
	stored, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	state := make(map[string]models.Project, len(stored))
	for _, p := range stored {
		state[p.ID] = p
	}

	projects := s.registry.Projects()
	for i := range projects {
		if st, ok := state[projects[i].ID]; ok {
			projects[i].Cursor = st.Cursor
			projects[i].LastSyncAt = st.LastSyncAt
		}
	}
	return projects, nil
}
