// Package sync schedules fetch and reconcile cycles across watched projects.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/stembrain/trailer/internal/api"
	"github.com/stembrain/trailer/internal/models"
	"github.com/stembrain/trailer/internal/reconcile"
	"github.com/stembrain/trailer/internal/telemetry"
)

const (
	defaultInterval            = 5 * time.Minute
	defaultWorkers             = 4
	maxWorkers                 = 16
	defaultBackoffInitial      = 30 * time.Second
	defaultBackoffMax          = 30 * time.Minute
	defaultFailureThreshold    = 3
	defaultRateLimitAlertAfter = 10 * time.Minute
	// intervalJitter is the fraction of the interval randomly added to each wait
	intervalJitter = 0.1
)

var (
	// ErrBusy is returned when a project already has a cycle in progress
	ErrBusy = errors.New("project sync already in progress")
	// ErrUnknownProject is returned for a project that is not watched
	ErrUnknownProject = errors.New("unknown project")
)

// Reconciler merges a fetch result into the store
type Reconciler interface {
	Apply(ctx context.Context, project models.Project, result *api.FetchResult) (*reconcile.Outcome, error)
}

// Emitter delivers the events of one committed cycle
type Emitter interface {
	Emit(ctx context.Context, project models.Project, events []reconcile.ChangeEvent) error
}

// ProjectSource lists the watched projects with their current sync cursors
type ProjectSource interface {
	Projects(ctx context.Context) ([]models.Project, error)
}

// QuotaSource reports whether the shared API quota is spent
type QuotaSource interface {
	Exhausted(now time.Time) (bool, time.Time)
}

// Config tunes the scheduler
type Config struct {
	Interval time.Duration
	// Workers bounds the number of pipelines fetching or reconciling at once
	Workers          int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	FailureThreshold int
	// RateLimitAlertAfter is how long a rate-limit deferral may last before it is shown
	RateLimitAlertAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Workers < 1 {
		c.Workers = defaultWorkers
	}
	if c.Workers > maxWorkers {
		c.Workers = maxWorkers // Cap to avoid overwhelming GitHub API
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = max(defaultBackoffMax, c.BackoffInitial)
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RateLimitAlertAfter <= 0 {
		c.RateLimitAlertAfter = defaultRateLimitAlertAfter
	}
	return c
}

// SweepReport summarizes one sweep. It is produced only after every project
// cycle of the sweep has returned to idle.
type SweepReport struct {
	StartedAt  time.Time
	FinishedAt time.Time

	Succeeded []string
	Failed    map[string]error
	// Deferred projects waited for the rate limit to reset
	Deferred []string
	// Skipped projects were busy or backing off after failures
	Skipped   []string
	Cancelled []string

	Events        int
	AuthHalted    bool
	DeferredUntil time.Time
}

type cycleResult struct {
	projectID string
	result    string
	err       error
	events    int
}

// Option configures the scheduler
type Option func(*Scheduler)

// WithClock overrides the scheduler's time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithSyncMetrics sets the sync metrics for the scheduler
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithActivityTracker sets the tracker counting in-flight fetches
func WithActivityTracker(tracker *ActivityTracker) Option {
	return func(s *Scheduler) {
		s.activity = tracker
	}
}

// Scheduler runs periodic and on-demand sweeps over the enabled projects
type Scheduler struct {
	fetcher    Fetcher
	reconciler Reconciler
	emitter    Emitter
	projects   ProjectSource
	quota      QuotaSource
	cfg        Config

	sem      *semaphore.Weighted
	sweeps   singleflight.Group
	activity *ActivityTracker
	metrics  *telemetry.SyncMetrics
	now      func() time.Time

	mu            sync.Mutex
	states        map[string]*projectState
	authErr       error
	deferredSince time.Time
	deferredUntil time.Time
	lastSuccess   time.Time

	trigger    chan struct{}
	cancelFunc context.CancelFunc
	done       chan struct{}
	running    sync.WaitGroup
}

// New creates a new scheduler
func New(
	fetcher Fetcher,
	reconciler Reconciler,
	emitter Emitter,
	projects ProjectSource,
	quota QuotaSource,
	cfg Config,
	opts ...Option,
) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		fetcher:    fetcher,
		reconciler: reconciler,
		emitter:    emitter,
		projects:   projects,
		quota:      quota,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		now:        time.Now,
		states:     make(map[string]*projectState),
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.activity == nil {
		s.activity = NewActivityTracker(s.metrics)
	}

	return s
}

// Activity returns the tracker counting in-flight fetches
func (s *Scheduler) Activity() *ActivityTracker {
	return s.activity
}

// Start runs the sweep loop until ctx is cancelled or Stop is called. The first
// sweep starts immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelFunc = cancel
	s.mu.Unlock()
	defer func() {
		s.running.Wait()
		close(s.done)
		slog.Info("Sync scheduler shutting down")
	}()

	slog.Info("Starting sync scheduler",
		"interval", s.cfg.Interval,
		"workers", s.cfg.Workers)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.sweepAsync(runCtx)
			timer.Reset(s.jittered(s.NextSweepDelay()))
		case <-s.trigger:
			s.sweepAsync(runCtx)
		case <-runCtx.Done():
			slog.Info("Sync scheduler stopping")
			return nil
		}
	}
}

// Stop cancels in-flight pipelines and waits for the loop to exit. Commits that
// already started still complete.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancelFunc
	s.mu.Unlock()
	if cancel != nil {
		slog.Info("Stopping sync scheduler")
		cancel()
		<-s.done
	}
	return nil
}

// RefreshNow asks the loop for an immediate sweep. Requests arriving while a
// sweep is in flight join it.
func (s *Scheduler) RefreshNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) sweepAsync(ctx context.Context) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Sweep failed", "error", err)
		}
	}()
}

func (s *Scheduler) jittered(d time.Duration) time.Duration {
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for polling jitter
	return d + time.Duration(rand.Float64()*intervalJitter*float64(s.cfg.Interval))
}

// NextSweepDelay returns how long to wait before the next timed sweep. While the
// quota is exhausted the whole cadence waits for the reset.
func (s *Scheduler) NextSweepDelay() time.Duration {
	now := s.now()
	delay := s.cfg.Interval

	s.mu.Lock()
	until := s.deferredUntil
	s.mu.Unlock()
	if exhausted, resetAt := s.quota.Exhausted(now); exhausted && resetAt.After(until) {
		until = resetAt
	}

	if wait := until.Sub(now); wait > delay {
		delay = wait
	}
	return delay
}

// Sweep runs one cycle for every enabled project and waits for all of them.
// Concurrent calls share a single sweep.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepReport, error) {
	ch := s.sweeps.DoChan("sweep", func() (interface{}, error) {
		return s.sweep(ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SweepReport), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{StartedAt: s.now(), Failed: make(map[string]error)}

	projects, err := s.projects.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	var enabled []models.Project
	for _, p := range projects {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}

	if err := s.authError(); err != nil {
		slog.Warn("Sync halted until credential is replaced", "error", err)
		report.AuthHalted = true
		for _, p := range enabled {
			report.Failed[p.ID] = err
		}
		report.FinishedAt = s.now()
		return report, nil
	}

	slog.Info("Starting sweep", "projects", len(enabled))

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]cycleResult, len(enabled))
	g := new(errgroup.Group)
	for i, p := range enabled {
		if !s.claim(p.ID) {
			results[i] = cycleResult{projectID: p.ID, result: telemetry.ResultDroppedBusy}
			s.metrics.RecordCycle(ctx, p.ID, telemetry.ResultDroppedBusy, 0)
			slog.Debug("Project already syncing, trigger dropped", "project", p.ID)
			continue
		}
		g.Go(func() error {
			results[i] = s.runCycle(sweepCtx, cancel, p)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch r.result {
		case telemetry.ResultSuccess:
			report.Succeeded = append(report.Succeeded, r.projectID)
			report.Events += r.events
		case telemetry.ResultDeferred:
			report.Deferred = append(report.Deferred, r.projectID)
		case telemetry.ResultDroppedBusy, telemetry.ResultBackingOff:
			report.Skipped = append(report.Skipped, r.projectID)
		case telemetry.ResultCancelled:
			report.Cancelled = append(report.Cancelled, r.projectID)
		case telemetry.ResultAuthFailed:
			report.AuthHalted = true
			report.Failed[r.projectID] = r.err
		default:
			report.Failed[r.projectID] = r.err
		}
	}

	s.mu.Lock()
	if s.authErr != nil {
		report.AuthHalted = true
	}
	if s.deferredUntil.After(report.StartedAt) {
		report.DeferredUntil = s.deferredUntil
	}
	if len(report.Failed) == 0 && !report.AuthHalted && len(report.Succeeded) > 0 {
		s.lastSuccess = s.now()
	}
	s.mu.Unlock()

	report.FinishedAt = s.now()
	slog.Info("Sweep finished",
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
		"deferred", len(report.Deferred),
		"skipped", len(report.Skipped),
		"events", report.Events,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

// RefreshProject runs a single cycle for one project under the same rules as a sweep
func (s *Scheduler) RefreshProject(ctx context.Context, projectID string) error {
	projects, err := s.projects.Projects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	idx := -1
	for i, p := range projects {
		if p.ID == projectID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	if err := s.authError(); err != nil {
		return err
	}
	if !s.claim(projectID) {
		return fmt.Errorf("%w: %s", ErrBusy, projectID)
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := s.runCycle(cycleCtx, cancel, projects[idx])
	switch r.result {
	case telemetry.ResultDeferred:
		until, _ := s.deferral()
		return &api.RateLimitedError{ResetAt: until, Err: errors.New("sync deferred")}
	case telemetry.ResultBackingOff:
		return fmt.Errorf("project %s is backing off after failures", projectID)
	}
	return r.err
}

// runCycle runs fetch and reconcile for a claimed project and returns it to idle
func (s *Scheduler) runCycle(ctx context.Context, cancelSweep context.CancelFunc, p models.Project) cycleResult {
	start := s.now()
	res := cycleResult{projectID: p.ID}
	defer func() {
		s.metrics.RecordCycle(ctx, p.ID, res.result, s.now().Sub(start))
	}()

	if next := s.nextAttempt(p.ID); start.Before(next) {
		slog.Debug("Project backing off", "project", p.ID, "next_attempt", next)
		s.advance(p.ID, eventFinish)
		res.result = telemetry.ResultBackingOff
		return res
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.advance(p.ID, eventFinish)
		res.result, res.err = telemetry.ResultCancelled, err
		return res
	}
	defer func() {
		// The project must be idle before its worker slot is handed on
		s.advance(p.ID, eventFinish)
		s.sem.Release(1)
	}()

	if err := s.authError(); err != nil {
		res.result, res.err = telemetry.ResultAuthFailed, err
		return res
	}
	if s.checkDeferral() {
		res.result = telemetry.ResultDeferred
		return res
	}

	mode := p.FetchMode
	if !mode.Valid() {
		mode = models.FetchComplete
	}

	s.advance(p.ID, eventFetch)
	slog.Info("Syncing project", "project", p.ID, "mode", mode, "cursor", p.Cursor)

	s.activity.Begin(ctx)
	result, err := s.fetcher.Fetch(ctx, p, api.FetchRequest{Cursor: p.Cursor, Mode: mode})
	s.activity.End(ctx)
	if err != nil {
		return s.fail(ctx, cancelSweep, p, err)
	}

	s.advance(p.ID, eventReconcile)
	outcome, err := s.reconciler.Apply(ctx, p, result)
	if err != nil {
		return s.fail(ctx, cancelSweep, p, err)
	}
	s.metrics.RecordAnomalies(ctx, p.ID, len(outcome.Anomalies))
	s.succeed(p.ID)

	res.result = telemetry.ResultSuccess
	res.events = len(outcome.Events)

	if len(outcome.Events) > 0 {
		// The commit landed; its events are delivered even if the pipeline is being stopped
		if err := s.emitter.Emit(context.WithoutCancel(ctx), p, outcome.Events); err != nil {
			slog.Warn("Notification delivery failed", "project", p.ID, "error", err)
		}
	}

	return res
}

// fail classifies a cycle error and updates the project's failure state
func (s *Scheduler) fail(ctx context.Context, cancelSweep context.CancelFunc, p models.Project, err error) cycleResult {
	res := cycleResult{projectID: p.ID, err: err}

	var authErr *api.AuthError
	var limitErr *api.RateLimitedError
	switch {
	case errors.As(err, &authErr):
		s.haltAuth(err)
		cancelSweep()
		res.result = telemetry.ResultAuthFailed
		return res
	case errors.As(err, &limitErr):
		s.deferAll(limitErr.ResetAt)
		res.result = telemetry.ResultDeferred
		return res
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		slog.Info("Project sync cancelled", "project", p.ID)
		res.result = telemetry.ResultCancelled
		return res
	}

	res.result = telemetry.ResultFailure

	s.mu.Lock()
	st := s.stateLocked(p.ID)
	st.failures++
	st.lastErr = err
	wait := st.backoff.NextBackOff()
	st.nextAttempt = s.now().Add(wait)
	failures := st.failures
	s.mu.Unlock()

	if failures >= s.cfg.FailureThreshold {
		slog.Error("Project sync failing",
			"project", p.ID,
			"consecutive_failures", failures,
			"retry_in", wait,
			"error", err)
	} else {
		slog.Warn("Project sync failed",
			"project", p.ID,
			"consecutive_failures", failures,
			"retry_in", wait,
			"error", err)
	}
	return res
}

func (s *Scheduler) succeed(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(projectID)
	st.failures = 0
	st.lastErr = nil
	st.nextAttempt = time.Time{}
	st.backoff.Reset()
	st.lastSuccess = s.now()
}

// claim moves an idle project to queued; it fails if a cycle is already running
func (s *Scheduler) claim(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(projectID)
	next, err := transition(st.phase, eventClaim)
	if err != nil {
		return false
	}
	st.phase = next
	return true
}

func (s *Scheduler) advance(projectID string, e phaseEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(projectID)
	next, err := transition(st.phase, e)
	if err != nil {
		slog.Error("Invalid project phase transition", "project", projectID, "error", err)
		return
	}
	st.phase = next
}

func (s *Scheduler) stateLocked(projectID string) *projectState {
	st, ok := s.states[projectID]
	if !ok {
		st = newProjectState(s.cfg.BackoffInitial, s.cfg.BackoffMax)
		s.states[projectID] = st
	}
	return st
}

func (s *Scheduler) nextAttempt(projectID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(projectID).nextAttempt
}

// checkDeferral reports whether fetching must wait for the quota to reset,
// recording the deferral if the quota was just found exhausted
func (s *Scheduler) checkDeferral() bool {
	now := s.now()
	if exhausted, resetAt := s.quota.Exhausted(now); exhausted {
		s.deferAll(resetAt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.deferredUntil) {
		return true
	}
	s.deferredSince = time.Time{}
	return false
}

// deferAll holds back every project until resetAt, since they share one quota
func (s *Scheduler) deferAll(resetAt time.Time) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !resetAt.After(now) {
		return
	}
	if s.deferredSince.IsZero() || !now.Before(s.deferredUntil) {
		s.deferredSince = now
		slog.Warn("Rate limit exhausted, deferring sync", "reset_at", resetAt.Format(time.RFC3339))
	}
	if resetAt.After(s.deferredUntil) {
		s.deferredUntil = resetAt
	}
}

func (s *Scheduler) deferral() (time.Time, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deferredUntil, s.deferredSince
}

func (s *Scheduler) haltAuth(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authErr == nil {
		slog.Error("Authentication failed, halting sync for all projects", "error", err)
	}
	s.authErr = err
}

func (s *Scheduler) authError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authErr
}

// ResumeAuth clears an authentication halt, e.g. after the credential was replaced.
// Rate-limit deferrals recorded for the old credential are dropped too.
func (s *Scheduler) ResumeAuth() {
	s.mu.Lock()
	s.authErr = nil
	s.deferredSince = time.Time{}
	s.deferredUntil = time.Time{}
	s.mu.Unlock()
	slog.Info("Credential replaced, resuming sync")
}

// LastSuccess returns when a sweep last completed without failures
func (s *Scheduler) LastSuccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccess
}

// ProjectStatuses returns the sync status of every watched project
func (s *Scheduler) ProjectStatuses(ctx context.Context) ([]ProjectStatus, error) {
	projects, err := s.projects.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	rateLimited := now.Before(s.deferredUntil) &&
		s.deferredUntil.Sub(s.deferredSince) > s.cfg.RateLimitAlertAfter

	statuses := make([]ProjectStatus, 0, len(projects))
	for _, p := range projects {
		st := s.stateLocked(p.ID)
		status := ProjectStatus{
			ProjectID:           p.ID,
			Phase:               st.phase.String(),
			ConsecutiveFailures: st.failures,
			Failing:             st.failures >= s.cfg.FailureThreshold,
			AuthFailed:          s.authErr != nil,
			RateLimited:         rateLimited,
			NextAttempt:         st.nextAttempt,
			LastSuccessAt:       st.lastSuccess,
		}
		if now.Before(s.deferredUntil) {
			status.DeferredUntil = s.deferredUntil
		}
		if st.lastErr != nil {
			status.LastError = st.lastErr.Error()
		}
		if s.authErr != nil {
			status.LastError = s.authErr.Error()
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ProjectID < statuses[j].ProjectID })
	return statuses, nil
}

// activeCount returns the number of projects fetching or reconciling
func (s *Scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.states {
		if st.phase.Active() {
			n++
		}
	}
	return n
}
