package watcher

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/portel-dev/photonctl/internal/session"
	"github.com/portel-dev/photonctl/internal/subscription"
	"github.com/portel-dev/photonctl/internal/telemetry"
)

// IdleSweeper periodically terminates sessions past their idle timeout and
// releases any subscription the session still held, grounded on
// r3e-network-service_layer's use of robfig/cron/v3 for periodic
// background jobs (the teacher itself has no equivalent job scheduler).
type IdleSweeper struct {
	store       session.Store
	subs        *subscription.Manager
	idleTimeout time.Duration
	log         telemetry.Logger
	terminated  func(sessionID string)

	cron *cron.Cron
}

// SweepOption configures an IdleSweeper.
type SweepOption func(*IdleSweeper)

// WithSweepLogger attaches structured logging.
func WithSweepLogger(log telemetry.Logger) SweepOption {
	return func(s *IdleSweeper) { s.log = log }
}

// WithSweepTerminated registers a callback fired after each session is
// terminated, so a layer that owns per-session state outside the store and
// subscription manager (the transport's SSE streams and rate limiters) can
// tear its own bookkeeping down too.
func WithSweepTerminated(f func(sessionID string)) SweepOption {
	return func(s *IdleSweeper) { s.terminated = f }
}

// NewIdleSweeper builds a sweeper that runs once every interval.
func NewIdleSweeper(store session.Store, subs *subscription.Manager, idleTimeout time.Duration, opts ...SweepOption) *IdleSweeper {
	s := &IdleSweeper{
		store:       store,
		subs:        subs,
		idleTimeout: idleTimeout,
		log:         telemetry.NoopLogger{},
		terminated:  func(string) {},
		cron:        cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the sweep on the given cron spec (e.g. "@every 30s") and
// begins running it in the background.
func (s *IdleSweeper) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() { s.sweep(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *IdleSweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *IdleSweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.idleTimeout)
	ids, err := s.store.IdleSince(ctx, cutoff)
	if err != nil {
		s.log.Warn(ctx, "idle sweep: list failed", "error", err)
		return
	}
	for _, id := range ids {
		s.subs.Release(id)
		if err := s.store.Terminate(ctx, id, time.Now()); err != nil {
			s.log.Warn(ctx, "idle sweep: terminate failed", "session", id, "error", err)
			continue
		}
		s.terminated(id)
	}
	if len(ids) > 0 {
		s.log.Info(ctx, "idle sweep terminated sessions", "count", len(ids))
	}

	if compacted := s.subs.CompactRings(); compacted > 0 {
		s.log.Info(ctx, "compacted orphaned channel rings", "count", compacted)
	}
}
