package worker

import (
	"context"
	"sync"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/materialize"
	"medremind/internal/med"
	logx "medremind/pkg/logx"
)

// Extender grows a schedule's materialized window. Satisfied by
// materialize.Materializer.
type Extender interface {
	Ensure(ctx context.Context, sc *med.Schedule, horizon med.Date) ([]materialize.NewOccurrence, error)
}

// Rollover runs once near every local midnight: on the 1st of a month it
// extends every active schedule's horizon, then it arms reminders for the
// new day's pending doses. The next run is scheduled by recomputing the
// delay to the coming local midnight from the current wall clock, so a
// machine that slept through midnight fires late rather than drifting and a
// DST shift never produces a skipped or doubled day.
type Rollover struct {
	store Store
	mat   Extender
	rem   Armer
	bus   eventbus.Bus
	loc   *time.Location
	log   logx.Logger
	clock func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	started bool
	stopped bool
}

func NewRollover(store Store, mat Extender, rem Armer, bus eventbus.Bus, loc *time.Location, log logx.Logger) *Rollover {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Rollover{
		store: store,
		mat:   mat,
		rem:   rem,
		bus:   bus,
		loc:   loc,
		log:   log,
		clock: time.Now,
	}
}

// SetClock overrides the wall clock (tests only).
func (r *Rollover) SetClock(clock func() time.Time) { r.clock = clock }

// Start arms the first midnight timer. Idempotent.
func (r *Rollover) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	r.armLocked(ctx)
}

func (r *Rollover) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Rollover) armLocked(ctx context.Context) {
	now := r.clock().In(r.loc)
	delay := NextMidnight(now).Sub(now)
	r.log.Debug("rollover armed", logx.Duration("delay", delay))
	r.timer = time.AfterFunc(delay, func() {
		r.Run(ctx)
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.stopped {
			return
		}
		r.armLocked(ctx)
	})
}

// Run executes one rollover pass immediately.
func (r *Rollover) Run(ctx context.Context) {
	now := r.clock().In(r.loc)

	if now.Day() == 1 {
		r.extendHorizons(ctx, now)
	}

	armed, _, err := armPending(ctx, r.store, r.rem, now, now, r.loc)
	if err != nil {
		r.log.Warn("rollover re-arm failed", logx.Err(err))
	} else {
		r.log.Info("rollover finished", logx.Int("armed", armed))
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.DosesRefresh})
	}
}

func (r *Rollover) extendHorizons(ctx context.Context, now time.Time) {
	schedules, err := r.store.ActiveSchedules(ctx)
	if err != nil {
		r.log.Warn("horizon extension skipped", logx.Err(err))
		return
	}
	horizon := materialize.DefaultHorizon(now)
	for _, sc := range schedules {
		if _, err := r.mat.Ensure(ctx, sc, horizon); err != nil {
			r.log.Warn("horizon extension failed",
				logx.Int64("schedule", sc.ID), logx.Err(err))
		}
	}
	r.log.Info("horizons extended",
		logx.Int("schedules", len(schedules)), logx.String("until", horizon.String()))
}

// NextMidnight returns the first instant of the day after now, in now's
// location.
func NextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}
