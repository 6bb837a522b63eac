// Package telemetry streams bus positions upstream while a trip is in
// progress. Uploads are fire and forget: a failed upload is logged and
// the sampling loop keeps its cadence regardless.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/threesixty/tripsync-go/api"
)

// Sampler reads the device's current position. Implementations wrap
// whatever location source the host platform provides.
type Sampler interface {
	Sample(ctx context.Context) (api.LocationSample, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (api.LocationSample, error)

func (f SamplerFunc) Sample(ctx context.Context) (api.LocationSample, error) { return f(ctx) }

// Uploader sends one sample upstream. The api client implements it.
type Uploader interface {
	PublishLocation(ctx context.Context, tripID string, sample api.LocationSample) error
}

const defaultInterval = 5 * time.Second

// Publisher samples position on a fixed interval while armed. Arming
// is driven by the trip machine entering and leaving the in-progress
// state; nothing else starts or stops it.
type Publisher struct {
	sampler  Sampler
	uploader Uploader
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithInterval overrides the sampling interval.
func WithInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.log = l
		}
	}
}

// New creates a disarmed Publisher.
func New(sampler Sampler, uploader Uploader, opts ...Option) *Publisher {
	p := &Publisher{
		sampler:  sampler,
		uploader: uploader,
		interval: defaultInterval,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Arm starts the sampling loop for the given trip. Arming while
// already armed is a no-op; the running loop keeps its trip.
func (p *Publisher) Arm(tripID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.log.Info("telemetry.armed", slog.String("trip_id", tripID), slog.Duration("interval", p.interval))
	go p.run(ctx, tripID, done)
}

// Disarm cancels the sampling loop and waits for it to exit. In-flight
// uploads are left to complete or fail on their own. Disarming while
// already disarmed is a no-op.
func (p *Publisher) Disarm() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.log.Info("telemetry.disarmed")
}

// Armed reports whether the sampling loop is running.
func (p *Publisher) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Publisher) run(ctx context.Context, tripID string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sample, err := p.sampler.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("telemetry.sample.fail", slog.String("err", err.Error()))
			continue
		}

		// The upload never blocks the next tick. Detach from the loop
		// context so disarm does not abort a send already in motion.
		go func() {
			uploadCtx, cancel := context.WithTimeout(context.Background(), p.interval*2)
			defer cancel()
			if err := p.uploader.PublishLocation(uploadCtx, tripID, sample); err != nil {
				p.log.Warn("telemetry.upload.fail", slog.String("trip_id", tripID), slog.String("err", err.Error()))
			}
		}()
	}
}
