package sync

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Phase is the per-project position in the sync pipeline
type Phase int

const (
	// PhaseIdle means no cycle is running for the project
	PhaseIdle Phase = iota
	// PhaseQueued means a cycle was claimed and waits for a worker
	PhaseQueued
	// PhaseFetching means the project's items are being fetched
	PhaseFetching
	// PhaseReconciling means a fetch result is being diffed and committed
	PhaseReconciling
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseQueued:
		return "queued"
	case PhaseFetching:
		return "fetching"
	case PhaseReconciling:
		return "reconciling"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Active reports whether the phase occupies a worker
func (p Phase) Active() bool {
	return p == PhaseFetching || p == PhaseReconciling
}

type phaseEvent int

const (
	eventClaim phaseEvent = iota
	eventFetch
	eventReconcile
	eventFinish
)

func (e phaseEvent) String() string {
	switch e {
	case eventClaim:
		return "claim"
	case eventFetch:
		return "fetch"
	case eventReconcile:
		return "reconcile"
	case eventFinish:
		return "finish"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// transition returns the phase reached from p on event e. A cycle can only be
// claimed from Idle, which keeps two pipelines off the same project.
func transition(p Phase, e phaseEvent) (Phase, error) {
	switch {
	case p == PhaseIdle && e == eventClaim:
		return PhaseQueued, nil
	case p == PhaseQueued && e == eventFetch:
		return PhaseFetching, nil
	case p == PhaseFetching && e == eventReconcile:
		return PhaseReconciling, nil
	case p != PhaseIdle && e == eventFinish:
		return PhaseIdle, nil
	}
	return p, fmt.Errorf("invalid transition from %s on %s", p, e)
}

// projectState is the scheduler's bookkeeping for one project
type projectState struct {
	phase Phase

	failures    int
	nextAttempt time.Time
	backoff     *backoff.ExponentialBackOff
	lastErr     error
	lastSuccess time.Time
}

func newProjectState(initial, maxInterval time.Duration) *projectState {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	return &projectState{backoff: b}
}

// ProjectStatus is the user-visible sync state of one project
type ProjectStatus struct {
	ProjectID string `json:"project_id"`
	Phase     string `json:"phase"`

	ConsecutiveFailures int  `json:"consecutive_failures"`
	Failing             bool `json:"failing"`
	AuthFailed          bool `json:"auth_failed"`
	// RateLimited is only set once a deferral outlasts the alert threshold
	RateLimited bool `json:"rate_limited"`

	DeferredUntil time.Time `json:"deferred_until,omitempty"`
	NextAttempt   time.Time `json:"next_attempt,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}
