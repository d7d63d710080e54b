// Package session periodically probes the platform credential and reports
// whether the service can still act on the group. It never renews anything.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"rankrelay.org/internal/obs"
	"rankrelay.org/internal/platform"
)

// State is the coarse session health.
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

var allStates = []string{string(StateUnknown), string(StateHealthy), string(StateDegraded), string(StateUnhealthy)}

// Serving reports whether requests can still be served in this state.
func (s State) Serving() bool { return s == StateHealthy || s == StateDegraded }

// Status is the latest classification.
type Status struct {
	State     State                 `json:"state"`
	Reason    string                `json:"reason,omitempty"`
	Since     time.Time             `json:"since"`
	LastCheck time.Time             `json:"lastCheck,omitzero"`
	Failures  int                   `json:"consecutiveFailures"`
	Account   *platform.ProbeResult `json:"account,omitempty"`
}

// Prober performs the lightweight credential check.
type Prober interface {
	Probe(ctx context.Context, force bool) (platform.ProbeResult, error)
}

// HealthSignal is the shared connection health flag.
type HealthSignal interface {
	Healthy() bool
}

// Notifier is told once per transition into StateUnhealthy.
type Notifier interface {
	Notify(ctx context.Context, st Status) error
}

// Options configures a Monitor.
type Options struct {
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Notifier Notifier
}

// Monitor is safe for concurrent use.
type Monitor struct {
	prober   Prober
	health   HealthSignal
	notifier Notifier
	clock    clockwork.Clock
	log      *slog.Logger

	checkMu sync.Mutex

	mu        sync.RWMutex
	status    Status
	observers []func(Status)
}

// NewMonitor starts in StateUnknown.
func NewMonitor(prober Prober, health HealthSignal, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Monitor{
		prober:   prober,
		health:   health,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "session"),
		status:   Status{State: StateUnknown, Since: opts.Clock.Now().UTC()},
	}
	obs.SetSessionState(string(StateUnknown), allStates...)
	return m
}

// OnChange registers fn to be called after every state transition.
func (m *Monitor) OnChange(fn func(Status)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Status returns the latest classification.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Check probes once, updates the status and returns it.
func (m *Monitor) Check(ctx context.Context) Status {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	res, err := m.prober.Probe(ctx, false)
	state, reason := m.classify(res, err)
	now := m.clock.Now().UTC()

	m.mu.Lock()
	prev := m.status
	next := Status{State: state, Reason: reason, Since: prev.Since, LastCheck: now}
	if err == nil {
		r := res
		next.Account = &r
	} else {
		next.Failures = prev.Failures + 1
	}
	changed := state != prev.State
	if changed {
		next.Since = now
	}
	m.status = next
	observers := m.observers
	m.mu.Unlock()

	if !changed {
		return next
	}
	obs.SetSessionState(string(state), allStates...)
	m.log.InfoContext(ctx, "session state changed",
		slog.String("from", string(prev.State)),
		slog.String("to", string(state)),
		slog.String("reason", reason),
	)
	for _, fn := range observers {
		fn(next)
	}
	if state == StateUnhealthy && m.notifier != nil {
		if err := m.notifier.Notify(ctx, next); err != nil {
			m.log.WarnContext(ctx, "session notification failed", slog.String("error", err.Error()))
		}
	}
	return next
}

func (m *Monitor) classify(res platform.ProbeResult, err error) (State, string) {
	switch {
	case errors.Is(err, platform.ErrCredentialRejected):
		return StateUnhealthy, "credential rejected by platform"
	case err != nil:
		return StateUnhealthy, fmt.Sprintf("probe failed: %v", err)
	case !res.InGroup:
		return StateDegraded, "account is not a member of the group"
	case res.Rank <= 1:
		return StateDegraded, fmt.Sprintf("account rank %d leaves no assignable roles", res.Rank)
	case res.FromCache && m.health != nil && !m.health.Healthy():
		return StateDegraded, "platform calls failing; probe result served from cache"
	}
	return StateHealthy, ""
}
