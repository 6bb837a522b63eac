// Package attendance keeps the local record log for the active trip
// and derives per-student boarding status from it. The log is
// append-only; status is always a pure recomputation over the log,
// never independently mutated state.
package attendance

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threesixty/tripsync-go/api"
)

// UnknownStudentError reports an event for a student who is not on the
// active trip's roster. The record is rejected without mutating state.
type UnknownStudentError struct {
	StudentID string
	TripID    string
}

func (e *UnknownStudentError) Error() string {
	return fmt.Sprintf("attendance: student %q is not on the roster of trip %q", e.StudentID, e.TripID)
}

// TripMismatchError reports a record addressed to a trip other than
// the one being reconciled.
type TripMismatchError struct {
	Got  string
	Want string
}

func (e *TripMismatchError) Error() string {
	return fmt.Sprintf("attendance: record for trip %q while reconciling trip %q", e.Got, e.Want)
}

// Record is one observed boarding event. Optimistic records are local
// placeholders awaiting server confirmation; a confirmed record for
// the same (student, event type) replaces the placeholder instead of
// counting twice.
type Record struct {
	ID         string
	StudentID  string
	TripID     string
	EventType  string
	Timestamp  time.Time
	Latitude   float64
	Longitude  float64
	Optimistic bool
}

// CounterSink receives the derived boarded/dropped counters after
// every accepted record. The trip machine implements it.
type CounterSink interface {
	UpdateCounters(boarded, dropped int)
}

// Reconciler applies attendance records for one trip at a time and
// projects per-student status from them. It is safe for concurrent
// use.
type Reconciler struct {
	log *slog.Logger

	mu      sync.Mutex
	tripID  string
	roster  map[string]struct{}
	records []Record
	sink    CounterSink
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithCounterSink wires the derived counters to a consumer.
func WithCounterSink(sink CounterSink) Option {
	return func(r *Reconciler) {
		r.sink = sink
	}
}

// New creates a Reconciler with no active trip.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin resets the reconciler for a new trip with the given roster.
// Records from any previous trip are discarded.
func (r *Reconciler) Begin(tripID string, rosterIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tripID = tripID
	r.roster = make(map[string]struct{}, len(rosterIDs))
	for _, id := range rosterIDs {
		r.roster[id] = struct{}{}
	}
	r.records = r.records[:0]
}

// Sync replaces the reconciler's state with the server's snapshot of
// a trip in one step, so readers never observe a half-loaded log.
// Pending optimistic records for the same trip survive the swap
// unless the snapshot already confirms them. Snapshot records that
// are off-roster or addressed to another trip are skipped.
func (r *Reconciler) Sync(tripID string, rosterIDs []string, records []Record) {
	roster := make(map[string]struct{}, len(rosterIDs))
	for _, id := range rosterIDs {
		roster[id] = struct{}{}
	}

	next := make([]Record, 0, len(records))
	confirmed := make(map[[2]string]struct{}, len(records))
	for _, rec := range records {
		if rec.TripID != tripID {
			r.log.Warn("attendance.sync.trip_mismatch", slog.String("got", rec.TripID), slog.String("want", tripID))
			continue
		}
		if _, ok := roster[rec.StudentID]; !ok {
			r.log.Warn("attendance.sync.unknown_student", slog.String("student_id", rec.StudentID), slog.String("trip_id", tripID))
			continue
		}
		rec.Optimistic = false
		next = append(next, rec)
		confirmed[[2]string{rec.StudentID, rec.EventType}] = struct{}{}
	}

	r.mu.Lock()
	if r.tripID == tripID {
		for _, rec := range r.records {
			if !rec.Optimistic {
				continue
			}
			if _, ok := confirmed[[2]string{rec.StudentID, rec.EventType}]; ok {
				continue
			}
			if _, ok := roster[rec.StudentID]; !ok {
				continue
			}
			next = append(next, rec)
		}
	}
	r.tripID = tripID
	r.roster = roster
	r.records = next
	boarded, dropped := r.countersLocked()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink.UpdateCounters(boarded, dropped)
	}
}

// NewOptimistic builds a local placeholder record for an event that
// has been sent to the server but not yet confirmed.
func NewOptimistic(tripID, studentID, eventType string) Record {
	return Record{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		TripID:     tripID,
		EventType:  eventType,
		Timestamp:  time.Now().UTC(),
		Optimistic: true,
	}
}

// Apply appends a record to the log and recomputes derived state. It
// is an idempotent upsert by (student, trip, event type): duplicate
// delivery leaves the projection unchanged, and a confirmed record
// replaces a pending optimistic one for the same event rather than
// incrementing a counter twice. Records are applied in observation
// order.
func (r *Reconciler) Apply(rec Record) error {
	r.mu.Lock()
	if r.tripID == "" || rec.TripID != r.tripID {
		err := &TripMismatchError{Got: rec.TripID, Want: r.tripID}
		r.mu.Unlock()
		return err
	}
	if _, ok := r.roster[rec.StudentID]; !ok {
		err := &UnknownStudentError{StudentID: rec.StudentID, TripID: rec.TripID}
		r.mu.Unlock()
		r.log.Warn("attendance.apply.unknown_student", slog.String("student_id", rec.StudentID), slog.String("trip_id", rec.TripID))
		return err
	}

	if !rec.Optimistic {
		if i := r.findOptimistic(rec.StudentID, rec.EventType); i >= 0 {
			r.records[i] = rec
			boarded, dropped := r.countersLocked()
			sink := r.sink
			r.mu.Unlock()
			if sink != nil {
				sink.UpdateCounters(boarded, dropped)
			}
			return nil
		}
	}

	r.records = append(r.records, rec)
	boarded, dropped := r.countersLocked()
	sink := r.sink
	r.mu.Unlock()

	r.log.Debug("attendance.apply.ok",
		slog.String("student_id", rec.StudentID),
		slog.String("event_type", rec.EventType),
		slog.Bool("optimistic", rec.Optimistic))
	if sink != nil {
		sink.UpdateCounters(boarded, dropped)
	}
	return nil
}

// Retract removes a pending optimistic record, for when the upload it
// anticipated was rejected. Retracting when nothing is pending is a
// no-op.
func (r *Reconciler) Retract(studentID, eventType string) {
	r.mu.Lock()
	i := r.findOptimistic(studentID, eventType)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	r.records = append(r.records[:i], r.records[i+1:]...)
	boarded, dropped := r.countersLocked()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink.UpdateCounters(boarded, dropped)
	}
}

// FromAPI converts a server-confirmed attendance record.
func FromAPI(rec api.AttendanceRecord) Record {
	out := Record{
		ID:        rec.ID,
		StudentID: rec.StudentID,
		TripID:    rec.TripID,
		EventType: rec.EventType,
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
	}
	if rec.Timestamp != nil {
		out.Timestamp = *rec.Timestamp
	}
	return out
}

// Status returns the derived status for one student.
func (r *Reconciler) Status(studentID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roster[studentID]; !ok {
		return ""
	}
	return r.statusLocked(studentID)
}

// Statuses projects the derived status of every rostered student.
func (r *Reconciler) Statuses() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.roster))
	for id := range r.roster {
		out[id] = r.statusLocked(id)
	}
	return out
}

// Counters returns the derived boarded and dropped counts.
func (r *Reconciler) Counters() (boarded, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countersLocked()
}

// Records returns a copy of the record log in observation order.
func (r *Reconciler) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Pending reports whether an optimistic record is still awaiting
// confirmation for the given student and event type.
func (r *Reconciler) Pending(studentID, eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findOptimistic(studentID, eventType) >= 0
}

func (r *Reconciler) findOptimistic(studentID, eventType string) int {
	for i, rec := range r.records {
		if rec.Optimistic && rec.StudentID == studentID && rec.EventType == eventType {
			return i
		}
	}
	return -1
}

// statusLocked derives one student's status from the log. A checkout
// outranks a checkin; a checkout with no prior checkin still reads as
// dropped, so operators can correct a missed boarding scan.
func (r *Reconciler) statusLocked(studentID string) string {
	var checkin, checkout bool
	for _, rec := range r.records {
		if rec.StudentID != studentID {
			continue
		}
		switch rec.EventType {
		case api.EventCheckin:
			checkin = true
		case api.EventCheckout:
			checkout = true
		}
	}
	switch {
	case checkout:
		return api.StatusDropped
	case checkin:
		return api.StatusOnBus
	default:
		return api.StatusNotBoarded
	}
}

// countersLocked derives the trip counters: boarded counts students
// with a checkin on record, dropped counts students whose status is
// dropped. A checkout never decrements boarded.
func (r *Reconciler) countersLocked() (boarded, dropped int) {
	checkins := make(map[string]struct{})
	checkouts := make(map[string]struct{})
	for _, rec := range r.records {
		switch rec.EventType {
		case api.EventCheckin:
			checkins[rec.StudentID] = struct{}{}
		case api.EventCheckout:
			checkouts[rec.StudentID] = struct{}{}
		}
	}
	return len(checkins), len(checkouts)
}
