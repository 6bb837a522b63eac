// Package api is the typed surface of the transport backend. Every
// read goes through the tagged cache; every mutation declares which
// tags it stales, so dependent reads refetch on their next query.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/threesixty/tripsync-go/cache"
	"github.com/threesixty/tripsync-go/gateway"
	"github.com/threesixty/tripsync-go/session"
	"github.com/threesixty/tripsync-go/session/credstore"
)

// Endpoint paths, relative to the API base URL.
const (
	pathSendOTP     = "/auth/send-otp/"
	pathVerifyOTP   = "/auth/verify-otp/"
	pathRefresh     = "/auth/refresh/"
	pathLogout      = "/auth/logout/"
	pathProfile     = "/auth/profile/"
	pathFCMToken    = "/auth/fcm-token/"
	pathTripStart   = "/transport/trips/start/"
	pathTripActive  = "/transport/trips/active/"
	pathTripHistory = "/transport/trips/history/"
	pathBuses       = "/transport/buses/"
	pathRoutes      = "/transport/routes/"
	pathCheckin     = "/attendance/checkin/"
	pathCheckout    = "/attendance/checkout/"
	pathManual      = "/attendance/manual/"
	pathNotifs      = "/notifications/"
	pathUnreadCount = "/notifications/unread-count/"
	pathMarkAllRead = "/notifications/mark-all-read/"
)

// Client is the typed API client. It is safe for concurrent use.
type Client struct {
	gw    *gateway.Gateway
	cache *cache.Cache
	log   *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a Client over the gateway and cache.
func New(gw *gateway.Gateway, store *cache.Cache, opts ...Option) *Client {
	c := &Client{
		gw:    gw,
		cache: store,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExchangeFunc returns the refresh-token exchange for the session
// manager. The refresh endpoint is pre-auth: the gateway must not try
// to refresh a refresh.
func (c *Client) ExchangeFunc() session.ExchangeFunc {
	return func(ctx context.Context, refreshToken string) (credstore.Credential, error) {
		var out struct {
			Access  string `json:"access"`
			Refresh string `json:"refresh"`
		}
		req := &gateway.Request{
			Method: http.MethodPost,
			Path:   pathRefresh,
			Body:   map[string]string{"refresh": refreshToken},
		}
		if err := c.gw.DoJSON(ctx, req, &out); err != nil {
			return credstore.Credential{}, err
		}
		return credstore.Credential{AccessToken: out.Access, RefreshToken: out.Refresh}, nil
	}
}

// SendCode asks the server to deliver a one-time code to the phone.
func (c *Client) SendCode(ctx context.Context, phone string) error {
	return c.post(ctx, pathSendOTP, map[string]string{"phone": phone}, nil)
}

// VerifyCode redeems a one-time code for a credential pair.
func (c *Client) VerifyCode(ctx context.Context, phone, code string) (*LoginResult, error) {
	var out LoginResult
	body := map[string]string{"phone": phone, "otp": code}
	if err := c.post(ctx, pathVerifyOTP, body, &out); err != nil {
		return nil, err
	}
	c.log.InfoContext(ctx, "api.auth.verified", slog.String("user_id", out.User.ID), slog.Bool("is_new_user", out.IsNewUser))
	return &out, nil
}

// Logout revokes the refresh token server-side. The local credential is
// the session manager's to clear.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.post(ctx, pathLogout, map[string]string{"refresh": refreshToken}, nil)
}

// Profile returns the authenticated user, cached under the profile tag.
func (c *Client) Profile(ctx context.Context) (*User, error) {
	return getCached[User](ctx, c, pathProfile, nil, []cache.Tag{cache.TagProfile})
}

// UpdateProfile patches the user's own profile fields.
func (c *Client) UpdateProfile(ctx context.Context, fields map[string]any) (*User, error) {
	var out User
	req := &gateway.Request{Method: http.MethodPatch, Path: pathProfile, Body: fields}
	if err := c.gw.DoJSON(ctx, req, &out); err != nil {
		return nil, err
	}
	c.cache.Invalidate(cache.TagProfile)
	return &out, nil
}

// RegisterDevice registers the push-notification token for this device.
func (c *Client) RegisterDevice(ctx context.Context, fcmToken, deviceType string) error {
	body := map[string]string{"fcm_token": fcmToken, "device_type": deviceType}
	return c.post(ctx, pathFCMToken, body, nil)
}

// StartTrip begins a run of the route by the bus. The server rejects a
// bus that already has an active trip and sizes the roster from the
// route's enrollment.
func (c *Client) StartTrip(ctx context.Context, busID, routeID, tripType string) (*Trip, error) {
	var out Trip
	body := map[string]string{"bus_id": busID, "route_id": routeID, "trip_type": tripType}
	if err := c.post(ctx, pathTripStart, body, &out, cache.TagTrip, cache.TagFleet); err != nil {
		return nil, err
	}
	c.log.InfoContext(ctx, "api.trip.started",
		slog.String("trip_id", out.ID),
		slog.String("trip_type", out.TripType),
		slog.Int("total_students", out.TotalStudents))
	return &out, nil
}

// EndTrip completes an active trip. Ending an already-completed trip
// succeeds and returns its final state.
func (c *Client) EndTrip(ctx context.Context, tripID string) (*Trip, error) {
	var out Trip
	path := fmt.Sprintf("/transport/trips/%s/end/", tripID)
	if err := c.post(ctx, path, struct{}{}, &out, cache.TagTrip, cache.TagFleet); err != nil {
		return nil, err
	}
	c.log.InfoContext(ctx, "api.trip.ended", slog.String("trip_id", out.ID))
	return &out, nil
}

// ActiveTrips lists trips currently in progress.
func (c *Client) ActiveTrips(ctx context.Context) ([]Trip, error) {
	out, err := getCached[[]Trip](ctx, c, pathTripActive, nil, []cache.Tag{cache.TagTrip})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// TripHistory returns one page of the user's past trips. A non-empty
// status narrows the page to trips in that state.
func (c *Client) TripHistory(ctx context.Context, page, pageSize int, status string) (*TripPage, error) {
	params := url.Values{}
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		params.Set("page_size", strconv.Itoa(pageSize))
	}
	if status != "" {
		params.Set("status", status)
	}
	return getCached[TripPage](ctx, c, pathTripHistory, params, []cache.Tag{cache.TagTrip})
}

// PublishLocation reports a position reading for an active trip. It
// does not touch the cache; positions flow to watchers over the live
// channel, not through cached reads.
func (c *Client) PublishLocation(ctx context.Context, tripID string, sample LocationSample) error {
	path := fmt.Sprintf("/transport/trips/%s/location/", tripID)
	return c.post(ctx, path, sample, nil)
}

// Tracking returns the watcher's view of a trip: latest position,
// stops and crew contacts. Cached under the trip tag so a pushed
// location event forces a refetch.
func (c *Client) Tracking(ctx context.Context, tripID string) (*TripTracking, error) {
	path := fmt.Sprintf("/transport/trips/%s/tracking/", tripID)
	return getCached[TripTracking](ctx, c, path, nil, []cache.Tag{cache.TagTrip})
}

// Buses lists the fleet, cached under the fleet tag.
func (c *Client) Buses(ctx context.Context) ([]Bus, error) {
	out, err := getCached[[]Bus](ctx, c, pathBuses, nil, []cache.Tag{cache.TagFleet})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Routes lists the routes, cached under the fleet tag.
func (c *Client) Routes(ctx context.Context) ([]Route, error) {
	out, err := getCached[[]Route](ctx, c, pathRoutes, nil, []cache.Tag{cache.TagFleet})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Checkin records an identified student boarding the bus.
func (c *Client) Checkin(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	return c.scan(ctx, pathCheckin, req)
}

// Checkout records an identified student leaving the bus.
func (c *Client) Checkout(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	return c.scan(ctx, pathCheckout, req)
}

func (c *Client) scan(ctx context.Context, path string, req ScanRequest) (*ScanResult, error) {
	var out ScanResult
	if err := c.post(ctx, path, req, &out, cache.TagAttendance, cache.TagTrip); err != nil {
		return nil, err
	}
	c.log.InfoContext(ctx, "api.attendance.recorded",
		slog.String("trip_id", req.TripID),
		slog.String("student_id", req.StudentID),
		slog.String("event_type", out.Attendance.EventType))
	return &out, nil
}

// MarkManual records an attendance event entered by hand.
func (c *Client) MarkManual(ctx context.Context, req ManualRequest) (*ScanResult, error) {
	var out ScanResult
	if err := c.post(ctx, pathManual, req, &out, cache.TagAttendance, cache.TagTrip); err != nil {
		return nil, err
	}
	return &out, nil
}

// TripAttendance returns the full roster state for a trip: every
// student with their boarding events and derived status.
func (c *Client) TripAttendance(ctx context.Context, tripID string) (*TripRoster, error) {
	path := fmt.Sprintf("/attendance/trip/%s/", tripID)
	return getCached[TripRoster](ctx, c, path, nil, []cache.Tag{cache.TagAttendance, cache.TagTrip})
}

// StudentHistory returns a student's attendance records over the last
// days days.
func (c *Client) StudentHistory(ctx context.Context, studentID string, days int) ([]AttendanceRecord, error) {
	path := fmt.Sprintf("/attendance/student/%s/history/", studentID)
	params := url.Values{}
	if days > 0 {
		params.Set("days", strconv.Itoa(days))
	}
	out, err := getCached[[]AttendanceRecord](ctx, c, path, params, []cache.Tag{cache.TagAttendance})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Notifications lists the user's notifications, newest first.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool, limit int) ([]Notification, error) {
	params := url.Values{}
	if unreadOnly {
		params.Set("is_read", "false")
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	out, err := getCached[[]Notification](ctx, c, pathNotifs, params, []cache.Tag{cache.TagNotification})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// UnreadCount returns the number of unread notifications.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	out, err := getCached[struct {
		UnreadCount int `json:"unread_count"`
	}](ctx, c, pathUnreadCount, nil, []cache.Tag{cache.TagNotification})
	if err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

// MarkRead fetches one notification, which marks it read server-side.
func (c *Client) MarkRead(ctx context.Context, id string) (*Notification, error) {
	var out Notification
	req := &gateway.Request{Method: http.MethodGet, Path: fmt.Sprintf("/notifications/%s/", id)}
	if err := c.gw.DoJSON(ctx, req, &out); err != nil {
		return nil, err
	}
	c.cache.Invalidate(cache.TagNotification)
	return &out, nil
}

// MarkAllRead marks every notification read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.post(ctx, pathMarkAllRead, struct{}{}, nil, cache.TagNotification)
}

// post issues a mutation and then stales the given tags. Invalidation
// happens only after a successful response; a failed mutation leaves
// the cache untouched.
func (c *Client) post(ctx context.Context, path string, body, out any, stale ...cache.Tag) error {
	req := &gateway.Request{Method: http.MethodPost, Path: path, Body: body}
	if err := c.gw.DoJSON(ctx, req, out); err != nil {
		return err
	}
	if len(stale) > 0 {
		c.cache.Invalidate(stale...)
	}
	return nil
}

// getCached serves a GET through the tagged cache: a fresh entry is
// returned without touching the network, concurrent misses share one
// fetch, and invalidation of any tag forces a refetch on next query.
func getCached[T any](ctx context.Context, c *Client, path string, params url.Values, tags []cache.Tag) (*T, error) {
	key := cache.Key(path, params)
	v, err := c.cache.Query(ctx, key, tags, func(ctx context.Context) (any, error) {
		var out T
		req := &gateway.Request{Method: http.MethodGet, Path: path, Query: params}
		if err := c.gw.DoJSON(ctx, req, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}
