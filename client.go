package tripsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/threesixty/tripsync-go/api"
	"github.com/threesixty/tripsync-go/attendance"
	"github.com/threesixty/tripsync-go/cache"
	"github.com/threesixty/tripsync-go/gateway"
	"github.com/threesixty/tripsync-go/internal/logctx"
	"github.com/threesixty/tripsync-go/live"
	"github.com/threesixty/tripsync-go/session"
	"github.com/threesixty/tripsync-go/session/credstore"
	"github.com/threesixty/tripsync-go/session/credstore/filestore"
	"github.com/threesixty/tripsync-go/session/credstore/memorystore"
	"github.com/threesixty/tripsync-go/telemetry"
	"github.com/threesixty/tripsync-go/trip"
)

// Client is the assembled sync core: one session, one cache, one trip
// machine, one live channel. Construct it at application start and
// keep it for the process lifetime; there is no ambient global state.
type Client struct {
	cfg Config
	log *slog.Logger

	creds   credstore.Store
	sess    *session.Manager
	gw      *gateway.Gateway
	store   *cache.Cache
	api     *api.Client
	trips   *trip.Machine
	recon   *attendance.Reconciler
	pub     *telemetry.Publisher
	channel *live.Channel

	resyncStop func()
}

type clientOptions struct {
	logger     *slog.Logger
	creds      credstore.Store
	sampler    telemetry.Sampler
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*clientOptions)

// WithLogger sets the base logger. Its handler is wrapped so records
// carry the trip, session, and channel attributes from the context.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCredentialStore overrides the credential store chosen from the
// configuration.
func WithCredentialStore(s credstore.Store) Option {
	return func(o *clientOptions) {
		if s != nil {
			o.creds = s
		}
	}
}

// WithSampler installs the device position source. Without one the
// telemetry publisher stays dormant and trips run without location
// reporting.
func WithSampler(s telemetry.Sampler) Option {
	return func(o *clientOptions) {
		o.sampler = s
	}
}

// WithHTTPClient overrides the HTTP client used by the gateway.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// New assembles the sync core. Call Start to hydrate persisted state
// and bring the live channel up, and Close on shutdown.
func New(cfg Config, opts ...Option) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		log = slog.Default()
	}
	log = slog.New(logctx.Handler{Handler: log.Handler()})

	creds := o.creds
	if creds == nil {
		var err error
		creds, err = openCredStore(cfg, log)
		if err != nil {
			return nil, err
		}
	}

	sess := session.New(creds, session.WithLogger(log))

	gwOpts := []gateway.Option{gateway.WithLogger(log)}
	if o.httpClient != nil {
		gwOpts = append(gwOpts, gateway.WithHTTPClient(o.httpClient))
	}
	gw, err := gateway.New(cfg.BaseURL, sess, gwOpts...)
	if err != nil {
		return nil, err
	}

	store := cache.New(cache.WithLogger(log))
	apic := api.New(gw, store, api.WithLogger(log))
	sess.SetExchange(apic.ExchangeFunc())

	machine := trip.NewMachine(apic, trip.WithLogger(log))
	recon := attendance.New(
		attendance.WithLogger(log),
		attendance.WithCounterSink(machine),
	)

	var pub *telemetry.Publisher
	if o.sampler != nil {
		pub = telemetry.New(o.sampler, apic,
			telemetry.WithInterval(cfg.TelemetryInterval),
			telemetry.WithLogger(log))
	}

	// Trip transitions drive the telemetry arm state; nothing else
	// starts or stops location reporting.
	machine.OnTransition(func(tr trip.Transition) {
		switch tr.To {
		case trip.StateInProgress:
			if pub != nil {
				pub.Arm(tr.Trip.ID)
			}
		case trip.StateCompleted:
			if pub != nil {
				pub.Disarm()
			}
		}
	})

	channel := live.New(cfg.liveEndpoint(), sess, store,
		live.WithReconnectDelay(cfg.ReconnectDelay),
		live.WithLogger(log),
		live.WithPoller(live.PollerFunc(func(ctx context.Context) error {
			// Pull what push would have told us about.
			store.Invalidate(cache.TagNotification)
			_, err := apic.UnreadCount(ctx)
			return err
		})),
	)

	return &Client{
		cfg:     cfg,
		log:     log,
		creds:   creds,
		sess:    sess,
		gw:      gw,
		store:   store,
		api:     apic,
		trips:   machine,
		recon:   recon,
		pub:     pub,
		channel: channel,
	}, nil
}

func openCredStore(cfg Config, log *slog.Logger) (credstore.Store, error) {
	if cfg.CredentialPath == "" {
		return memorystore.New(), nil
	}
	fs, err := filestore.New(cfg.CredentialPath, filestore.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("tripsync: open credential store: %w", err)
	}
	return fs, nil
}

// Start hydrates the persisted credential, re-adopts a trip the server
// still reports in progress, and brings the live channel up if the
// session is authenticated. Safe to call on a logged-out client.
func (c *Client) Start(ctx context.Context) error {
	if err := c.sess.Hydrate(ctx); err != nil {
		return err
	}
	c.startResync()
	if !c.sess.Authenticated() {
		c.log.InfoContext(ctx, "client.start.logged_out")
		return nil
	}

	if resumed, ok, err := c.trips.Resume(ctx); err != nil {
		// An unreachable server must not block startup; the operator can
		// retry from the UI.
		c.log.WarnContext(ctx, "client.resume.fail", slog.String("err", err.Error()))
	} else if ok {
		if err := c.syncRoster(ctx, resumed.ID); err != nil {
			c.log.WarnContext(ctx, "client.roster.sync_fail", slog.String("err", err.Error()))
		}
		c.log.InfoContext(ctx, "client.resume.ok")
	}

	// The channel loop outlives the call that started it; Stop and
	// Logout are its shutdown paths, not this context.
	c.channel.Start(context.WithoutCancel(ctx))
	return nil
}

// startResync launches the loop that re-reads the active trip's
// roster whenever trip or attendance state is invalidated, so a push
// event lands in the reconciler's log without a restart.
func (c *Client) startResync() {
	if c.resyncStop != nil {
		return
	}
	signals, unsub := c.store.Subscribe(cache.TagTrip, cache.TagAttendance)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
			}
			active, ok := c.trips.Active()
			if !ok {
				continue
			}
			if err := c.syncRoster(ctx, active.ID); err != nil {
				c.log.WarnContext(ctx, "client.roster.sync_fail", slog.String("err", err.Error()))
			}
		}
	}()
	c.resyncStop = func() {
		unsub()
		cancel()
		<-done
	}
}

// StartTrip begins a trip and scopes the attendance reconciler to the
// trip's roster.
func (c *Client) StartTrip(ctx context.Context, busID, routeID, tripType string) (api.Trip, error) {
	started, err := c.trips.Start(ctx, busID, routeID, tripType)
	if err != nil {
		return api.Trip{}, err
	}
	if err := c.syncRoster(ctx, started.ID); err != nil {
		c.log.WarnContext(ctx, "client.roster.sync_fail", slog.String("err", err.Error()))
	}
	return started, nil
}

// EndTrip completes the trip in progress.
func (c *Client) EndTrip(ctx context.Context) (api.Trip, error) {
	return c.trips.End(ctx)
}

// RecordCheckin reports a student boarding: an optimistic record lands
// locally first, the server is told, and its confirmation replaces the
// placeholder. A rejected upload retracts the placeholder.
func (c *Client) RecordCheckin(ctx context.Context, studentID string, confidence float64) error {
	return c.record(ctx, studentID, api.EventCheckin, confidence)
}

// RecordCheckout reports a student leaving the bus.
func (c *Client) RecordCheckout(ctx context.Context, studentID string, confidence float64) error {
	return c.record(ctx, studentID, api.EventCheckout, confidence)
}

// RecordManual reports a staff-entered attendance correction for a
// student whose scan did not go through. It follows the same
// optimistic path as a scan, so counters and statuses update
// immediately and roll back if the server rejects the entry.
func (c *Client) RecordManual(ctx context.Context, studentID, eventType, notes string) error {
	active, ok := c.trips.Active()
	if !ok {
		return &trip.InvalidTransitionError{Op: "record attendance", From: c.trips.State()}
	}

	opt := attendance.NewOptimistic(active.ID, studentID, eventType)
	if err := c.recon.Apply(opt); err != nil {
		return err
	}

	req := api.ManualRequest{TripID: active.ID, StudentID: studentID, EventType: eventType, Notes: notes}
	res, err := c.api.MarkManual(ctx, req)
	if err != nil {
		c.recon.Retract(studentID, eventType)
		return err
	}
	return c.applyConfirmed(res.Attendance, active.ID, studentID, eventType)
}

func (c *Client) record(ctx context.Context, studentID, eventType string, confidence float64) error {
	active, ok := c.trips.Active()
	if !ok {
		return &trip.InvalidTransitionError{Op: "record attendance", From: c.trips.State()}
	}

	opt := attendance.NewOptimistic(active.ID, studentID, eventType)
	if err := c.recon.Apply(opt); err != nil {
		return err
	}

	req := api.ScanRequest{TripID: active.ID, StudentID: studentID, ConfidenceScore: confidence}
	var res *api.ScanResult
	var err error
	if eventType == api.EventCheckout {
		res, err = c.api.Checkout(ctx, req)
	} else {
		res, err = c.api.Checkin(ctx, req)
	}
	if err != nil {
		c.recon.Retract(studentID, eventType)
		return err
	}
	return c.applyConfirmed(res.Attendance, active.ID, studentID, eventType)
}

func (c *Client) applyConfirmed(rec api.AttendanceRecord, tripID, studentID, eventType string) error {
	confirmed := attendance.FromAPI(rec)
	// Server responses omit redundant identifiers now and then; the
	// request values are authoritative for attribution.
	if confirmed.StudentID == "" {
		confirmed.StudentID = studentID
	}
	if confirmed.TripID == "" {
		confirmed.TripID = tripID
	}
	if confirmed.EventType == "" {
		confirmed.EventType = eventType
	}
	return c.recon.Apply(confirmed)
}

// syncRoster scopes the reconciler to the trip's roster and loads the
// events the server already holds, so derived state matches after a
// resume or a push event.
func (c *Client) syncRoster(ctx context.Context, tripID string) error {
	roster, err := c.api.TripAttendance(ctx, tripID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(roster.Students))
	var records []attendance.Record
	for _, entry := range roster.Students {
		ids = append(ids, entry.Student.ID)
		for kind, rec := range map[string]*api.AttendanceRecord{
			api.EventCheckin:  entry.Checkin,
			api.EventCheckout: entry.Checkout,
		} {
			if rec == nil {
				continue
			}
			loaded := attendance.FromAPI(*rec)
			if loaded.StudentID == "" {
				loaded.StudentID = entry.Student.ID
			}
			if loaded.TripID == "" {
				loaded.TripID = tripID
			}
			if loaded.EventType == "" {
				loaded.EventType = kind
			}
			records = append(records, loaded)
		}
	}
	c.recon.Sync(tripID, ids, records)
	return nil
}

// RequestCode asks for a one-time login code for the phone number.
func (c *Client) RequestCode(ctx context.Context, phone string) error {
	return c.api.SendCode(ctx, phone)
}

// Login verifies the one-time code, installs the issued credential,
// registers the device for push delivery, and starts the live channel.
func (c *Client) Login(ctx context.Context, phone, code string) (*api.LoginResult, error) {
	res, err := c.api.VerifyCode(ctx, phone, code)
	if err != nil {
		return nil, err
	}
	cred := credstore.Credential{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken}
	if err := c.sess.SetCredential(ctx, cred); err != nil {
		return nil, err
	}
	c.startResync()
	// Detach the channel loop from the login request's context; the
	// connection must survive the call that opened it.
	c.channel.Start(context.WithoutCancel(ctx))
	return res, nil
}

// RegisterPushToken registers the device's push-notification token.
func (c *Client) RegisterPushToken(ctx context.Context, token string) error {
	return c.api.RegisterDevice(ctx, token, c.cfg.DeviceType)
}

// Logout revokes the refresh token, wipes the credential, evicts the
// whole cache, and tears the live channel down. Cache eviction is
// unconditional: entry provenance cannot be trusted across identities.
func (c *Client) Logout(ctx context.Context) error {
	if tok := c.sess.RefreshToken(); tok != "" {
		if err := c.api.Logout(ctx, tok); err != nil {
			// Revocation is best effort; local teardown still proceeds.
			c.log.WarnContext(ctx, "client.logout.revoke_fail", slog.String("err", err.Error()))
		}
	}

	c.channel.Stop()
	if c.pub != nil {
		c.pub.Disarm()
	}
	err := c.sess.Clear(ctx)
	c.store.Reset()
	c.log.InfoContext(ctx, "client.logout.done")
	return err
}

// Close releases everything without touching the server. The persisted
// credential survives for the next start.
func (c *Client) Close() error {
	c.channel.Stop()
	if c.resyncStop != nil {
		c.resyncStop()
		c.resyncStop = nil
	}
	if c.pub != nil {
		c.pub.Disarm()
	}
	return c.creds.Close()
}

// Session exposes the session manager.
func (c *Client) Session() *session.Manager { return c.sess }

// API exposes the typed API client.
func (c *Client) API() *api.Client { return c.api }

// Trips exposes the trip lifecycle machine.
func (c *Client) Trips() *trip.Machine { return c.trips }

// Attendance exposes the attendance reconciler.
func (c *Client) Attendance() *attendance.Reconciler { return c.recon }

// Live exposes the push channel.
func (c *Client) Live() *live.Channel { return c.channel }

// Cache exposes the tagged cache.
func (c *Client) Cache() *cache.Cache { return c.store }
