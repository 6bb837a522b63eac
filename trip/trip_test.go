package trip

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/threesixty/tripsync-go/api"
)

type fakeService struct {
	startCalls atomic.Int64
	endCalls   atomic.Int64
	startGate  chan struct{}
	startErr   error
	endErr     error
	active     []api.Trip
	activeErr  error
}

func (f *fakeService) StartTrip(ctx context.Context, busID, routeID, tripType string) (*api.Trip, error) {
	f.startCalls.Add(1)
	if f.startGate != nil {
		<-f.startGate
	}
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &api.Trip{
		ID:            "t1",
		BusID:         busID,
		RouteID:       routeID,
		TripType:      tripType,
		Status:        api.TripInProgress,
		TotalStudents: 20,
	}, nil
}

func (f *fakeService) EndTrip(ctx context.Context, tripID string) (*api.Trip, error) {
	f.endCalls.Add(1)
	if f.endErr != nil {
		return nil, f.endErr
	}
	return &api.Trip{ID: tripID, Status: api.TripCompleted}, nil
}

func (f *fakeService) ActiveTrips(ctx context.Context) ([]api.Trip, error) {
	return f.active, f.activeErr
}

func TestStartWhileInProgressFailsWithoutNetworkCall(t *testing.T) {
	svc := &fakeService{}
	m := NewMachine(svc)
	ctx := context.Background()

	started, err := m.Start(ctx, "B1", "R1", api.TripTypeMorning)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.StudentsBoarded != 0 || started.StudentsDropped != 0 {
		t.Fatalf("counters must start at zero: %+v", started)
	}

	_, err = m.Start(ctx, "B2", "R2", api.TripTypeEvening)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != StateInProgress {
		t.Fatalf("unexpected From state: %v", ite.From)
	}
	if got := svc.startCalls.Load(); got != 1 {
		t.Fatalf("double start must not reach the server; got %d calls", got)
	}

	// The running trip is untouched.
	active, ok := m.Active()
	if !ok || active.ID != "t1" || active.BusID != "B1" {
		t.Fatalf("running trip disturbed: %+v", active)
	}
}

func TestOverlappingStartsCreateOneServerTrip(t *testing.T) {
	gate := make(chan struct{})
	svc := &fakeService{startGate: gate}
	m := NewMachine(svc)
	ctx := context.Background()

	type result struct {
		trip api.Trip
		err  error
	}
	first := make(chan result, 1)
	go func() {
		tr, err := m.Start(ctx, "B1", "R1", api.TripTypeMorning)
		first <- result{tr, err}
	}()

	deadline := time.Now().Add(time.Second)
	for svc.startCalls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first start never reached the service")
		}
		time.Sleep(time.Millisecond)
	}

	// Overlapping start while the first is still on the wire.
	_, err := m.Start(ctx, "B1", "R1", api.TripTypeMorning)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != StateStarting {
		t.Fatalf("unexpected From state: %v", ite.From)
	}

	close(gate)
	res := <-first
	if res.err != nil {
		t.Fatalf("first start: %v", res.err)
	}
	if got := svc.startCalls.Load(); got != 1 {
		t.Fatalf("overlapping starts reached the server %d times, want 1", got)
	}
	if active, ok := m.Active(); !ok || active.ID != res.trip.ID {
		t.Fatalf("active trip = %+v, ok=%v", active, ok)
	}
}

func TestFailedStartRollsBackState(t *testing.T) {
	svc := &fakeService{startErr: errors.New("conflict")}
	m := NewMachine(svc)
	ctx := context.Background()

	if _, err := m.Start(ctx, "B1", "R1", api.TripTypeMorning); err == nil {
		t.Fatal("expected start error")
	}
	if got := m.State(); got != StateNotStarted {
		t.Fatalf("state after failed start = %v, want %v", got, StateNotStarted)
	}

	// A retry is legal once the failed attempt rolled back.
	svc.startErr = nil
	if _, err := m.Start(ctx, "B1", "R1", api.TripTypeMorning); err != nil {
		t.Fatalf("retry after failed start: %v", err)
	}
}

func TestEndRequiresInProgress(t *testing.T) {
	m := NewMachine(&fakeService{})
	_, err := m.End(context.Background())
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != StateNotStarted {
		t.Fatalf("unexpected From state: %v", ite.From)
	}
}

func TestEndTransitionsToCompletedAndFiresHook(t *testing.T) {
	m := NewMachine(&fakeService{})
	ctx := context.Background()

	var transitions []Transition
	m.OnTransition(func(tr Transition) { transitions = append(transitions, tr) })

	if _, err := m.Start(ctx, "B1", "R1", api.TripTypeMorning); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}

	if m.State() != StateCompleted {
		t.Fatalf("expected completed, got %v", m.State())
	}
	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
	if transitions[0].To != StateInProgress || transitions[1].To != StateCompleted {
		t.Fatalf("unexpected transition order: %+v", transitions)
	}
	if _, ok := m.Summary(); !ok {
		t.Fatal("expected completed trip summary")
	}
}

func TestStartAgainAfterCompletion(t *testing.T) {
	m := NewMachine(&fakeService{})
	ctx := context.Background()

	if _, err := m.Start(ctx, "B1", "R1", api.TripTypeMorning); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := m.Start(ctx, "B1", "R1", api.TripTypeEvening); err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	if m.State() != StateInProgress {
		t.Fatalf("expected in_progress, got %v", m.State())
	}
}

func TestResumeAdoptsServerTrip(t *testing.T) {
	svc := &fakeService{active: []api.Trip{
		{ID: "old", Status: api.TripCompleted},
		{ID: "t9", Status: api.TripInProgress, BusID: "B1"},
	}}
	m := NewMachine(svc)

	adopted, ok, err := m.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !ok || adopted.ID != "t9" {
		t.Fatalf("expected to adopt t9, got %+v ok=%v", adopted, ok)
	}
	if m.State() != StateInProgress {
		t.Fatalf("expected in_progress, got %v", m.State())
	}

	// A second start would now be a duplicate.
	if _, err := m.Start(context.Background(), "B1", "R1", api.TripTypeMorning); err == nil {
		t.Fatal("expected start after resume to fail")
	}
}

func TestResumeWithNoActiveTrip(t *testing.T) {
	m := NewMachine(&fakeService{})
	_, ok, err := m.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if ok {
		t.Fatal("expected nothing to resume")
	}
	if m.State() != StateNotStarted {
		t.Fatalf("expected not_started, got %v", m.State())
	}
}

func TestResumeIsNoOpWhileTracking(t *testing.T) {
	svc := &fakeService{active: []api.Trip{{ID: "other", Status: api.TripInProgress}}}
	m := NewMachine(svc)
	ctx := context.Background()

	if _, err := m.Start(ctx, "B1", "R1", api.TripTypeMorning); err != nil {
		t.Fatalf("Start: %v", err)
	}
	current, ok, err := m.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !ok || current.ID != "t1" {
		t.Fatalf("resume must keep the tracked trip, got %+v", current)
	}
}

func TestUpdateCountersOnlyWhileInProgress(t *testing.T) {
	m := NewMachine(&fakeService{})
	ctx := context.Background()

	m.UpdateCounters(3, 1) // ignored: nothing tracked

	if _, err := m.Start(ctx, "B1", "R1", api.TripTypeMorning); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.UpdateCounters(3, 1)
	active, _ := m.Active()
	if active.StudentsBoarded != 3 || active.StudentsDropped != 1 {
		t.Fatalf("counters not applied: %+v", active)
	}
}
