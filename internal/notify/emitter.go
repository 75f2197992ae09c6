package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stembrain/trailer/internal/models"
	"github.com/stembrain/trailer/internal/reconcile"
	"github.com/stembrain/trailer/internal/telemetry"
)

const defaultCooldown = 2 * time.Minute

// heldComments are comment counts withheld during an item's cooldown
type heldComments struct {
	project  models.Project
	event    reconcile.ChangeEvent
	count    int
	lastSent time.Time
}

// Option configures the emitter
type Option func(*Emitter)

// WithCooldown sets the minimum gap between comment notifications for one item
func WithCooldown(d time.Duration) Option {
	return func(e *Emitter) {
		e.cooldown = d
	}
}

// WithClock overrides the emitter's time source
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		e.now = now
	}
}

// WithNotifyMetrics sets the delivery metrics
func WithNotifyMetrics(metrics *telemetry.NotifyMetrics) Option {
	return func(e *Emitter) {
		e.metrics = metrics
	}
}

// Emitter converts each committed cycle's events into notifications and hands
// them to every sink in order
type Emitter struct {
	sinks    []Sink
	cooldown time.Duration
	now      func() time.Time
	metrics  *telemetry.NotifyMetrics

	// mu serializes emission so per-project order is kept across sinks
	mu   sync.Mutex
	held map[models.ItemKey]*heldComments
}

// NewEmitter creates an emitter delivering to sinks
func NewEmitter(sinks []Sink, opts ...Option) *Emitter {
	e := &Emitter{
		sinks:    sinks,
		cooldown: defaultCooldown,
		now:      time.Now,
		held:     make(map[models.ItemKey]*heldComments),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit delivers the events of one committed cycle. Comment events are grouped per
// item, and comments arriving within an item's cooldown are held and folded into
// its next notification. Nothing is delivered for hidden projects. Delivery
// failures are returned joined; they never affect the store.
func (e *Emitter) Emit(ctx context.Context, project models.Project, events []reconcile.ChangeEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !project.Visible {
		e.dropHeldLocked(project.ID)
		if len(events) > 0 {
			slog.Debug("Suppressing notifications for hidden project", "project", project.ID, "events", len(events))
			e.metrics.RecordSuppressed(ctx, project.ID, len(events))
		}
		return nil
	}

	now := e.now()
	out := e.buildLocked(project, events, now)
	out = append(out, e.releaseLocked(project.ID, now, false)...)
	return e.deliver(ctx, out)
}

// Flush delivers held comment counts. With force unset only counts whose
// cooldown has elapsed are released.
func (e *Emitter) Flush(ctx context.Context, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deliver(ctx, e.releaseLocked("", e.now(), force))
}

// Held returns the number of comments currently withheld for the item
func (e *Emitter) Held(key models.ItemKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.held[key]; ok {
		return h.count
	}
	return 0
}

func (e *Emitter) buildLocked(project models.Project, events []reconcile.ChangeEvent, now time.Time) []Notification {
	// Comments for one item collapse into the position of the item's first comment
	counts := make(map[string]int)
	for _, ev := range events {
		if ev.Kind == reconcile.CommentAdded {
			counts[ev.RemoteID]++
		}
	}

	var out []Notification
	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.Kind != reconcile.CommentAdded {
			out = append(out, newNotification(project, ev, 1, now))
			continue
		}
		if seen[ev.RemoteID] {
			continue
		}
		seen[ev.RemoteID] = true

		if n, ok := e.commentLocked(project, ev, counts[ev.RemoteID], now); ok {
			out = append(out, n)
		}
	}
	return out
}

// commentLocked applies the item's cooldown to a batch of count comments
func (e *Emitter) commentLocked(project models.Project, ev reconcile.ChangeEvent, count int, now time.Time) (Notification, bool) {
	key := models.ItemKey{ProjectID: project.ID, RemoteID: ev.RemoteID}
	h, ok := e.held[key]
	if !ok {
		h = &heldComments{}
		e.held[key] = h
	}
	h.project = project
	h.event = ev

	if !h.lastSent.IsZero() && now.Sub(h.lastSent) < e.cooldown {
		h.count += count
		slog.Debug("Holding comment notification during cooldown",
			"project", project.ID,
			"item", ev.Number,
			"held", h.count)
		return Notification{}, false
	}

	total := h.count + count
	h.count = 0
	h.lastSent = now
	return newNotification(project, ev, total, now), true
}

// releaseLocked builds notifications for held counts of projectID (or every
// project when empty) whose cooldown has elapsed
func (e *Emitter) releaseLocked(projectID string, now time.Time, force bool) []Notification {
	keys := make([]models.ItemKey, 0, len(e.held))
	for key := range e.held {
		if projectID == "" || key.ProjectID == projectID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var out []Notification
	for _, key := range keys {
		h := e.held[key]
		if h.count == 0 {
			if now.Sub(h.lastSent) >= e.cooldown {
				delete(e.held, key)
			}
			continue
		}
		if !force && now.Sub(h.lastSent) < e.cooldown {
			continue
		}
		out = append(out, newNotification(h.project, h.event, h.count, now))
		h.count = 0
		h.lastSent = now
	}
	return out
}

func (e *Emitter) dropHeldLocked(projectID string) {
	for key := range e.held {
		if key.ProjectID == projectID {
			delete(e.held, key)
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, notifications []Notification) error {
	var errs []error
	for _, n := range notifications {
		for _, sink := range e.sinks {
			if err := sink.Deliver(ctx, n); err != nil {
				slog.Warn("Failed to deliver notification",
					"project", n.ProjectID,
					"kind", n.Kind,
					"item", n.ItemNumber,
					"error", err)
				e.metrics.RecordFailed(ctx, string(n.Kind))
				errs = append(errs, fmt.Errorf("failed to deliver %s for %s#%d: %w", n.Kind, n.ProjectID, n.ItemNumber, err))
				continue
			}
			e.metrics.RecordDelivered(ctx, string(n.Kind))
		}
	}
	return errors.Join(errs...)
}
