package api

import "time"

// User is an authenticated account as the server reports it.
type User struct {
	ID              string     `json:"id"`
	Phone           string     `json:"phone"`
	Email           string     `json:"email,omitempty"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	FullName        string     `json:"full_name,omitempty"`
	Avatar          string     `json:"avatar,omitempty"`
	Role            string     `json:"role"`
	IsActive        bool       `json:"is_active"`
	IsPhoneVerified bool       `json:"is_phone_verified"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
}

// LoginResult is the response to a successful code verification.
type LoginResult struct {
	User         User   `json:"user"`
	IsNewUser    bool   `json:"is_new_user"`
	AccessToken  string `json:"access"`
	RefreshToken string `json:"refresh"`
}

// Trip type values.
const (
	TripTypeMorning = "morning"
	TripTypeEvening = "evening"
	TripTypeSpecial = "special"
)

// Trip status values.
const (
	TripScheduled  = "scheduled"
	TripInProgress = "in_progress"
	TripCompleted  = "completed"
	TripCancelled  = "cancelled"
)

// Trip is one bus run along a route.
type Trip struct {
	ID              string         `json:"id"`
	BusID           string         `json:"bus"`
	BusNumber       string         `json:"bus_number,omitempty"`
	RouteID         string         `json:"route"`
	RouteName       string         `json:"route_name,omitempty"`
	TripType        string         `json:"trip_type"`
	Status          string         `json:"status"`
	ScheduledStart  *time.Time     `json:"scheduled_start,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	DriverID        string         `json:"driver,omitempty"`
	DriverName      string         `json:"driver_name,omitempty"`
	ConductorID     string         `json:"conductor,omitempty"`
	ConductorName   string         `json:"conductor_name,omitempty"`
	TotalStudents   int            `json:"total_students"`
	StudentsBoarded int            `json:"students_boarded"`
	StudentsDropped int            `json:"students_dropped"`
	LatestLocation  *LocationPoint `json:"latest_location,omitempty"`
}

// LocationPoint is a recorded bus position.
type LocationPoint struct {
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Speed     float64    `json:"speed,omitempty"`
	Heading   float64    `json:"heading,omitempty"`
	Accuracy  float64    `json:"accuracy,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// LocationSample is a position reading to publish for an active trip.
type LocationSample struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed,omitempty"`
	Heading   float64 `json:"heading,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// TripPage is one page of trip history plus aggregate counts.
type TripPage struct {
	Results        []Trip `json:"results"`
	TotalCount     int    `json:"total_count"`
	CompletedCount int    `json:"completed_count"`
	TodayCount     int    `json:"today_count"`
	Page           int    `json:"page"`
	PageSize       int    `json:"page_size"`
	HasNext        bool   `json:"has_next"`
}

// Bus is a vehicle in the fleet.
type Bus struct {
	ID                 string `json:"id"`
	Number             string `json:"number"`
	RegistrationNumber string `json:"registration_number"`
	Capacity           int    `json:"capacity"`
	IsActive           bool   `json:"is_active"`
	DriverName         string `json:"driver_name,omitempty"`
	ConductorName      string `json:"conductor_name,omitempty"`
}

// Route is a named stop sequence served by a bus.
type Route struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	BusID            string `json:"bus,omitempty"`
	BusNumber        string `json:"bus_number,omitempty"`
	MorningStartTime string `json:"morning_start_time,omitempty"`
	IsActive         bool   `json:"is_active"`
	StopCount        int    `json:"stop_count"`
}

// Stop is one ordered stop along a route.
type Stop struct {
	ID        string  `json:"id"`
	RouteID   string  `json:"route"`
	Name      string  `json:"name"`
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Sequence  int     `json:"sequence"`
	IsActive  bool    `json:"is_active"`
}

// StaffContact is the name and phone of an operator on a trip.
type StaffContact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// TripTracking is the watcher's view of a trip: the trip itself, its
// latest position, the route stops and the crew to call.
type TripTracking struct {
	Trip           Trip           `json:"trip"`
	LatestLocation *LocationPoint `json:"latest_location"`
	Stops          []Stop         `json:"stops"`
	Staff          struct {
		Driver    *StaffContact `json:"driver"`
		Conductor *StaffContact `json:"conductor"`
	} `json:"staff"`
	RoutePolyline string `json:"route_polyline,omitempty"`
}

// Attendance event types.
const (
	EventCheckin  = "checkin"
	EventCheckout = "checkout"
)

// Derived per-student statuses for a trip.
const (
	StatusNotBoarded = "not_boarded"
	StatusOnBus      = "on_bus"
	StatusDropped    = "dropped"
)

// AttendanceRecord is one boarding or drop event for a student.
type AttendanceRecord struct {
	ID              string     `json:"id"`
	StudentID       string     `json:"student"`
	StudentName     string     `json:"student_name,omitempty"`
	TripID          string     `json:"trip"`
	ConductorName   string     `json:"conductor_name,omitempty"`
	EventType       string     `json:"event_type"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	Latitude        float64    `json:"latitude,omitempty"`
	Longitude       float64    `json:"longitude,omitempty"`
	ConfidenceScore float64    `json:"confidence_score,omitempty"`
	IsManual        bool       `json:"is_manual"`
	Notes           string     `json:"notes,omitempty"`
}

// ScanRequest records an identified student crossing the bus door.
type ScanRequest struct {
	TripID          string  `json:"trip_id"`
	StudentID       string  `json:"student_id"`
	ConfidenceScore float64 `json:"confidence_score,omitempty"`
	Latitude        float64 `json:"latitude,omitempty"`
	Longitude       float64 `json:"longitude,omitempty"`
	Notes           string  `json:"notes,omitempty"`
}

// ManualRequest records attendance entered by hand.
type ManualRequest struct {
	TripID    string `json:"trip_id"`
	StudentID string `json:"student_id"`
	EventType string `json:"event_type"`
	Notes     string `json:"notes,omitempty"`
}

// ScanResult is the server's acknowledgment of a recorded event.
type ScanResult struct {
	Message    string           `json:"message"`
	Attendance AttendanceRecord `json:"attendance"`
}

// StudentSummary identifies a student on a trip roster.
type StudentSummary struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Photo     string `json:"photo,omitempty"`
	Grade     string `json:"grade,omitempty"`
	Section   string `json:"section,omitempty"`
	RouteName string `json:"route_name,omitempty"`
}

// RosterEntry is one student's attendance state on a trip.
type RosterEntry struct {
	Student  StudentSummary    `json:"student"`
	Checkin  *AttendanceRecord `json:"checkin"`
	Checkout *AttendanceRecord `json:"checkout"`
	Status   string            `json:"status"`
}

// TripRoster is the full attendance picture for one trip.
type TripRoster struct {
	TripID          string        `json:"trip_id"`
	Trip            Trip          `json:"trip"`
	TotalStudents   int           `json:"total_students"`
	CheckedInCount  int           `json:"checked_in_count"`
	CheckedOutCount int           `json:"checked_out_count"`
	Students        []RosterEntry `json:"students"`
}

// Notification is a server-side message addressed to the user.
type Notification struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Body             string         `json:"body"`
	NotificationType string         `json:"notification_type"`
	Data             map[string]any `json:"data,omitempty"`
	StudentID        string         `json:"student,omitempty"`
	StudentName      string         `json:"student_name,omitempty"`
	TripID           string         `json:"trip,omitempty"`
	IsRead           bool           `json:"is_read"`
	ReadAt           *time.Time     `json:"read_at,omitempty"`
	CreatedAt        *time.Time     `json:"created_at,omitempty"`
}
