// Package reconcile diffs freshly fetched project snapshots against the store
// and commits them.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/stembrain/trailer/internal/api"
	"github.com/stembrain/trailer/internal/db"
	"github.com/stembrain/trailer/internal/models"
)

// Store is the persistence the reconciler reads from and commits to
type Store interface {
	LoadItems(ctx context.Context, projectID string) ([]models.Item, error)
	CommitProject(ctx context.Context, cs db.Changeset) error
}

// ViewerSource resolves the authenticated user's login
type ViewerSource interface {
	Viewer(ctx context.Context) (string, error)
}

// StateResolver looks up the current state of items by remote id
type StateResolver interface {
	ResolveStates(ctx context.Context, remoteIDs []string) (map[string]api.ItemStatus, error)
}

// Policy tunes how activity maps to unread state
type Policy struct {
	// Viewer is the authenticated user; their own activity never marks items unread
	Viewer string
	// MarkUnreadOnNewCommits marks a pull request unread when its head changes
	MarkUnreadOnNewCommits bool
}

// Plan is the outcome of diffing one project: the events to emit and the
// changeset that must land before they are emitted
type Plan struct {
	Events    []ChangeEvent
	Changeset db.Changeset
	Anomalies []Anomaly
}

// Diff compares a project's stored items with a fetched set. Absent items are
// closed only when complete is true. Diff does not touch the store.
func Diff(project models.Project, previous, fetched []models.Item, complete bool, policy Policy, now time.Time) *Plan {
	plan := &Plan{Changeset: db.Changeset{ProjectID: project.ID}}

	stored := make(map[string]*models.Item, len(previous))
	for i := range previous {
		stored[previous[i].RemoteID] = &previous[i]
	}

	seen := make(map[string]bool, len(fetched))
	for i := range fetched {
		item := fetched[i]
		item.ProjectID = project.ID

		if reason := validate(&item, seen); reason != "" {
			plan.anomaly(project.ID, item.RemoteID, reason)
			if item.RemoteID != "" {
				seen[item.RemoteID] = true
			}
			continue
		}
		seen[item.RemoteID] = true

		prev, ok := stored[item.RemoteID]
		if !ok {
			plan.created(project, &item, policy, now)
			continue
		}
		if item.UpdatedAt.Before(prev.UpdatedAt) {
			plan.anomaly(project.ID, item.RemoteID, fmt.Sprintf("updated_at went back from %s to %s",
				prev.UpdatedAt.Format(time.RFC3339), item.UpdatedAt.Format(time.RFC3339)))
			continue
		}
		plan.changed(project, prev, &item, policy, now)
	}

	if complete {
		for i := range previous {
			prev := previous[i]
			if seen[prev.RemoteID] || prev.State != models.StateOpen {
				continue
			}
			closed := prev
			closed.State = models.StateClosed
			closed.Unread = true
			ev := newEvent(ItemClosed, &closed, now)
			ev.OldState, ev.NewState = prev.State, closed.State
			plan.Events = append(plan.Events, ev)
			plan.store(project, &closed)
		}
	}

	sort.SliceStable(plan.Events, func(i, j int) bool {
		return plan.Events[i].rank() < plan.Events[j].rank()
	})
	return plan
}

func validate(item *models.Item, seen map[string]bool) string {
	switch {
	case item.RemoteID == "":
		return "missing remote id"
	case seen[item.RemoteID]:
		return "duplicate remote id"
	case !item.State.Valid():
		return fmt.Sprintf("unknown state %q", item.State)
	case item.UpdatedAt.IsZero():
		return "missing updated_at"
	}
	return ""
}

func (p *Plan) anomaly(projectID, remoteID, reason string) {
	a := Anomaly{ProjectID: projectID, RemoteID: remoteID, Reason: reason}
	p.Anomalies = append(p.Anomalies, a)
	slog.Warn("Skipping anomalous record",
		"project", projectID,
		"item", remoteID,
		"reason", reason)
}

// store adds the item to the changeset, or removes it when the project's
// retention policy drops items in its state
func (p *Plan) store(project models.Project, item *models.Item) {
	if !retained(project, item.State) {
		p.Changeset.Removals = append(p.Changeset.Removals, item.RemoteID)
		return
	}
	p.Changeset.Upserts = append(p.Changeset.Upserts, *item)
}

func retained(project models.Project, state models.ItemState) bool {
	switch state {
	case models.StateMerged:
		return project.KeepMerged
	case models.StateClosed:
		return project.KeepClosed
	}
	return true
}

func (p *Plan) created(project models.Project, item *models.Item, policy Policy, now time.Time) {
	if item.State.Terminal() && !retained(project, item.State) {
		// Already finished before we ever saw it and not kept
		return
	}
	item.Unread = !isViewer(policy, item.Author)
	p.Events = append(p.Events, newEvent(ItemCreated, item, now))
	p.store(project, item)
}

func (p *Plan) changed(project models.Project, prev, item *models.Item, policy Policy, now time.Time) {
	item.Unread = false
	statusChanged := prev.State != item.State

	if statusChanged {
		kind := ItemStatusChanged
		switch item.State {
		case models.StateMerged:
			kind = ItemMerged
		case models.StateClosed:
			kind = ItemClosed
		}
		ev := newEvent(kind, item, now)
		ev.OldState, ev.NewState = prev.State, item.State
		p.Events = append(p.Events, ev)
		item.Unread = true
	} else if fields := changedFields(prev, item); len(fields) > 0 {
		p.Events = append(p.Events, updatedEvent(item, fields, now))
		if slices.Contains(fields, FieldCommits) && policy.MarkUnreadOnNewCommits {
			item.Unread = true
		}
	}

	if policy.Viewer != "" &&
		slices.Contains(item.RequestedReviewers, policy.Viewer) &&
		!slices.Contains(prev.RequestedReviewers, policy.Viewer) {
		p.Events = append(p.Events, newEvent(ReviewRequested, item, now))
		item.Unread = true
	}

	if oldChecks, newChecks := prev.CombinedChecks(), item.CombinedChecks(); oldChecks != newChecks && newChecks != models.CheckNone {
		ev := newEvent(ChecksChanged, item, now)
		ev.OldChecks, ev.NewChecks = oldChecks, newChecks
		p.Events = append(p.Events, ev)
	}

	for _, c := range newComments(prev, item) {
		if isViewer(policy, c.Author) {
			continue
		}
		ev := newEvent(CommentAdded, item, c.CreatedAt)
		ev.CommentID, ev.CommentAuthor = c.ID, c.Author
		p.Events = append(p.Events, ev)
		item.Unread = true
	}

	p.store(project, item)
}

func updatedEvent(item *models.Item, fields []string, ts time.Time) ChangeEvent {
	ev := newEvent(ItemUpdated, item, ts)
	ev.Fields = fields
	return ev
}

func changedFields(prev, item *models.Item) []string {
	var fields []string
	if prev.Title != item.Title {
		fields = append(fields, FieldTitle)
	}
	if !sameSet(prev.Labels, item.Labels) {
		fields = append(fields, FieldLabels)
	}
	if prev.Draft != item.Draft {
		fields = append(fields, FieldDraft)
	}
	if prev.HeadSHA != "" && item.HeadSHA != "" && prev.HeadSHA != item.HeadSHA {
		fields = append(fields, FieldCommits)
	}
	if !sameSet(prev.RequestedReviewers, item.RequestedReviewers) {
		fields = append(fields, FieldReviewers)
	}
	return fields
}

type activity struct {
	ID        string
	Author    string
	CreatedAt time.Time
}

// newComments returns comments and reviews present in item but not in prev,
// oldest first. Entries older than the newest stored one only reappeared in the
// fetch window and are not new.
func newComments(prev, item *models.Item) []activity {
	known := make(map[string]bool, len(prev.Comments)+len(prev.Reviews))
	var latest time.Time
	for _, c := range prev.Comments {
		known[c.ID] = true
		if c.CreatedAt.After(latest) {
			latest = c.CreatedAt
		}
	}
	for _, r := range prev.Reviews {
		known[r.ID] = true
		if r.CreatedAt.After(latest) {
			latest = r.CreatedAt
		}
	}

	var added []activity
	for _, c := range item.Comments {
		if !known[c.ID] && !c.CreatedAt.Before(latest) {
			added = append(added, activity{ID: c.ID, Author: c.Author, CreatedAt: c.CreatedAt})
		}
	}
	for _, r := range item.Reviews {
		if !known[r.ID] && !r.CreatedAt.Before(latest) {
			added = append(added, activity{ID: r.ID, Author: r.Author, CreatedAt: r.CreatedAt})
		}
	}
	sort.SliceStable(added, func(i, j int) bool {
		return added[i].CreatedAt.Before(added[j].CreatedAt)
	})
	return added
}

func isViewer(policy Policy, login string) bool {
	return policy.Viewer != "" && login == policy.Viewer
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// Outcome reports what one Apply did
type Outcome struct {
	Events    []ChangeEvent
	Anomalies []Anomaly
	Upserted  int
	Removed   int
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithViewer sets the source of the authenticated user's login
func WithViewer(v ViewerSource) Option {
	return func(r *Reconciler) {
		r.viewer = v
	}
}

// WithStateResolver looks up open items that dropped out of a complete listing,
// so a merge is reported as a merge rather than a close
func WithStateResolver(sr StateResolver) Option {
	return func(r *Reconciler) {
		r.states = sr
	}
}

// WithMarkUnreadOnNewCommits marks pull requests unread when new commits are pushed
func WithMarkUnreadOnNewCommits(enabled bool) Option {
	return func(r *Reconciler) {
		r.markUnreadOnCommits = enabled
	}
}

// WithClock overrides the event timestamp source
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// Reconciler merges fetch results into the store
type Reconciler struct {
	store               Store
	viewer              ViewerSource
	states              StateResolver
	markUnreadOnCommits bool
	now                 func() time.Time
}

// New creates a Reconciler over store
func New(store Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply diffs a fetch result against the stored items of project and commits the
// result as one atomic unit. Events are returned only when the commit succeeded.
func (r *Reconciler) Apply(ctx context.Context, project models.Project, result *api.FetchResult) (*Outcome, error) {
	if result == nil {
		return nil, fmt.Errorf("failed to reconcile %s: nil fetch result", project.ID)
	}

	previous, err := r.store.LoadItems(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load items for %s: %w", project.ID, err)
	}

	policy := Policy{MarkUnreadOnNewCommits: r.markUnreadOnCommits}
	if r.viewer != nil {
		login, err := r.viewer.Viewer(ctx)
		if err != nil {
			return nil, err
		}
		policy.Viewer = login
	}

	now := r.now()
	complete := result.Complete && !result.Truncated
	fetched := result.Items
	if complete && r.states != nil {
		resolved, err := r.resolveMissing(ctx, project, previous, fetched)
		if err != nil {
			return nil, err
		}
		if len(resolved) > 0 {
			fetched = append(slices.Clone(fetched), resolved...)
		}
	}
	plan := Diff(project, previous, fetched, complete, policy, now)
	plan.Changeset.Cursor = result.NewCursor
	plan.Changeset.SyncedAt = now

	if err := r.store.CommitProject(ctx, plan.Changeset); err != nil {
		return nil, fmt.Errorf("failed to commit %s: %w", project.ID, err)
	}

	if len(plan.Events) > 0 {
		slog.Info("Reconciled project",
			"project", project.ID,
			"events", len(plan.Events),
			"upserted", len(plan.Changeset.Upserts),
			"removed", len(plan.Changeset.Removals))
	}

	return &Outcome{
		Events:    plan.Events,
		Anomalies: plan.Anomalies,
		Upserted:  len(plan.Changeset.Upserts),
		Removed:   len(plan.Changeset.Removals),
	}, nil
}

// resolveMissing returns stored open items absent from a complete listing with
// their current remote state. Items the remote no longer knows are left out and
// Diff closes them.
func (r *Reconciler) resolveMissing(ctx context.Context, project models.Project, previous, fetched []models.Item) ([]models.Item, error) {
	listed := make(map[string]bool, len(fetched))
	for i := range fetched {
		listed[fetched[i].RemoteID] = true
	}

	var missing []models.Item
	for i := range previous {
		if previous[i].State == models.StateOpen && !listed[previous[i].RemoteID] {
			missing = append(missing, previous[i])
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(missing))
	for i := range missing {
		ids = append(ids, missing[i].RemoteID)
	}
	states, err := r.states.ResolveStates(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve item states for %s: %w", project.ID, err)
	}

	var resolved []models.Item
	for _, item := range missing {
		st, ok := states[item.RemoteID]
		if !ok || !st.State.Valid() {
			continue
		}
		item.State = st.State
		if st.UpdatedAt.After(item.UpdatedAt) {
			item.UpdatedAt = st.UpdatedAt
		}
		resolved = append(resolved, item)
	}
	return resolved, nil
}
