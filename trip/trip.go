// Package trip tracks the lifecycle of the device's bus run. At most
// one trip is in progress per device; starting a second one is a state
// machine violation, not a server round trip.
package trip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/threesixty/tripsync-go/api"
	"github.com/threesixty/tripsync-go/internal/logctx"
)

// State is the machine's view of the current trip.
type State string

const (
	StateNotStarted State = "not_started"
	// StateStarting is held while the start request is on the wire, so
	// an overlapping Start fails locally instead of reaching the
	// server twice.
	StateStarting   State = "starting"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

// InvalidTransitionError reports a lifecycle operation that is not
// legal in the current state, such as starting a trip while one is
// already in progress.
type InvalidTransitionError struct {
	Op   string
	From State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("trip: cannot %s from state %q", e.Op, e.From)
}

// Service is the slice of the API the machine drives.
type Service interface {
	StartTrip(ctx context.Context, busID, routeID, tripType string) (*api.Trip, error)
	EndTrip(ctx context.Context, tripID string) (*api.Trip, error)
	ActiveTrips(ctx context.Context) ([]api.Trip, error)
}

// Transition describes one state change, carrying the trip snapshot
// after the change.
type Transition struct {
	From State
	To   State
	Trip api.Trip
}

// Machine owns the device's trip lifecycle. It is safe for concurrent
// use. Counters on the tracked trip are derived state: only the
// attendance reconciler writes them, through UpdateCounters.
type Machine struct {
	svc Service
	log *slog.Logger

	mu    sync.Mutex
	state State
	trip  *api.Trip
	hooks []func(Transition)
}

// Option customizes a Machine.
type Option func(*Machine)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// NewMachine creates a Machine in the not-started state.
func NewMachine(svc Service, opts ...Option) *Machine {
	m := &Machine{
		svc:   svc,
		log:   slog.Default(),
		state: StateNotStarted,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTransition registers a hook invoked after every state change.
// Hooks run synchronously, outside the machine's lock, in registration
// order. Register hooks before driving the machine.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active returns the tracked trip while one is in progress.
func (m *Machine) Active() (api.Trip, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInProgress || m.trip == nil {
		return api.Trip{}, false
	}
	return *m.trip, true
}

// Summary returns the last completed trip, if the machine has one.
func (m *Machine) Summary() (api.Trip, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCompleted || m.trip == nil {
		return api.Trip{}, false
	}
	return *m.trip, true
}

// Start begins a new trip. It is valid only while no trip is in
// progress; a second start fails with InvalidTransitionError before
// any network call, leaving the running trip untouched.
func (m *Machine) Start(ctx context.Context, busID, routeID, tripType string) (api.Trip, error) {
	m.mu.Lock()
	if m.state == StateInProgress || m.state == StateStarting {
		from := m.state
		m.mu.Unlock()
		return api.Trip{}, &InvalidTransitionError{Op: "start", From: from}
	}
	// Claim the transition before the server call so an overlapping
	// Start cannot create a second server trip.
	from := m.state
	m.state = StateStarting
	m.mu.Unlock()

	started, err := m.svc.StartTrip(ctx, busID, routeID, tripType)
	if err != nil {
		m.mu.Lock()
		m.state = from
		m.mu.Unlock()
		return api.Trip{}, err
	}

	// Counters begin at zero; the roster size comes from the server.
	started.StudentsBoarded = 0
	started.StudentsDropped = 0

	m.adopt(ctx, from, *started, "trip.machine.started")
	return *started, nil
}

// End completes the trip in progress. The transition hook fires after
// the state change, so telemetry disarms once the trip is terminal.
func (m *Machine) End(ctx context.Context) (api.Trip, error) {
	m.mu.Lock()
	if m.state != StateInProgress || m.trip == nil {
		from := m.state
		m.mu.Unlock()
		return api.Trip{}, &InvalidTransitionError{Op: "end", From: from}
	}
	tripID := m.trip.ID
	m.mu.Unlock()

	ended, err := m.svc.EndTrip(ctx, tripID)
	if err != nil {
		return api.Trip{}, err
	}

	m.mu.Lock()
	from := m.state
	m.state = StateCompleted
	m.trip = ended
	snapshot := *ended
	hooks := m.hooks
	m.mu.Unlock()

	ctx = logctx.WithTripData(ctx, &logctx.TripData{TripID: snapshot.ID, BusID: snapshot.BusID, RouteID: snapshot.RouteID, TripType: snapshot.TripType})
	m.log.InfoContext(ctx, "trip.machine.ended",
		slog.Int("boarded", snapshot.StudentsBoarded),
		slog.Int("dropped", snapshot.StudentsDropped))
	for _, fn := range hooks {
		fn(Transition{From: from, To: StateCompleted, Trip: snapshot})
	}
	return snapshot, nil
}

// Resume re-hydrates the machine after a restart. If the server
// reports a trip in progress and no local trip is tracked, the machine
// adopts it instead of letting the operator start a duplicate. Resume
// is a no-op while a trip is already tracked.
func (m *Machine) Resume(ctx context.Context) (api.Trip, bool, error) {
	m.mu.Lock()
	if m.state == StateInProgress && m.trip != nil {
		snapshot := *m.trip
		m.mu.Unlock()
		return snapshot, true, nil
	}
	if m.state == StateStarting {
		// A start is on the wire; let it finish rather than racing it
		// for the active trip.
		m.mu.Unlock()
		return api.Trip{}, false, nil
	}
	from := m.state
	m.mu.Unlock()

	trips, err := m.svc.ActiveTrips(ctx)
	if err != nil {
		return api.Trip{}, false, err
	}
	for _, t := range trips {
		if t.Status != api.TripInProgress {
			continue
		}
		m.adopt(ctx, from, t, "trip.machine.resumed")
		return t, true, nil
	}
	return api.Trip{}, false, nil
}

// UpdateCounters replaces the derived boarded/dropped counters on the
// tracked trip. The attendance reconciler is the sole caller.
func (m *Machine) UpdateCounters(boarded, dropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInProgress || m.trip == nil {
		return
	}
	m.trip.StudentsBoarded = boarded
	m.trip.StudentsDropped = dropped
}

func (m *Machine) adopt(ctx context.Context, from State, t api.Trip, event string) {
	m.mu.Lock()
	m.state = StateInProgress
	m.trip = &t
	hooks := m.hooks
	m.mu.Unlock()

	ctx = logctx.WithTripData(ctx, &logctx.TripData{TripID: t.ID, BusID: t.BusID, RouteID: t.RouteID, TripType: t.TripType})
	m.log.InfoContext(ctx, event, slog.Int("total_students", t.TotalStudents))
	for _, fn := range hooks {
		fn(Transition{From: from, To: StateInProgress, Trip: t})
	}
}
