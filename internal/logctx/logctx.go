package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps a slog.Handler and enriches every record with the
// sync-core attributes carried in the context: the active trip, the
// operator session, and the live-channel connection attempt.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if td, ok := ctx.Value(tripDataKey{}).(*TripData); ok {
		r.AddAttrs(slog.Group("trip",
			slog.String("id", td.TripID),
			slog.String("bus_id", td.BusID),
			slog.String("route_id", td.RouteID),
			slog.String("type", td.TripType),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("user_id", sd.UserID),
			slog.Bool("authenticated", sd.Authenticated),
		))
	}

	if cd, ok := ctx.Value(channelDataKey{}).(*ChannelData); ok {
		r.AddAttrs(slog.Group("chan",
			slog.String("endpoint", cd.Endpoint),
			slog.Int("attempt", cd.Attempt),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type tripDataKey struct{}

type TripData struct {
	TripID   string
	BusID    string
	RouteID  string
	TripType string
}

func WithTripData(ctx context.Context, data *TripData) context.Context {
	return context.WithValue(ctx, tripDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	UserID        string
	Authenticated bool
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type channelDataKey struct{}

type ChannelData struct {
	Endpoint string
	Attempt  int
}

func WithChannelData(ctx context.Context, data *ChannelData) context.Context {
	return context.WithValue(ctx, channelDataKey{}, data)
}
