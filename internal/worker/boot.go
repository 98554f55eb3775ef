package worker

import (
	"context"
	"fmt"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/med"
	"medremind/internal/remind"
	logx "medremind/pkg/logx"
)

// Store is the slice of persistence the workers read.
type Store interface {
	Ping(ctx context.Context) error
	ActiveSchedules(ctx context.Context) ([]*med.Schedule, error)
	PendingInRange(ctx context.Context, from, to time.Time) ([]*med.DoseView, error)
}

// Armer arms reminders. Satisfied by remind.Scheduler.
type Armer interface {
	Arm(p remind.Payload, at time.Time)
	Armed(recordID int64) bool
}

// RetryableError wraps a boot recovery failure worth retrying after a short
// delay.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

const (
	defaultGrace       = 5 * time.Minute
	defaultPingRetries = 10
	defaultPingDelay   = 500 * time.Millisecond
)

// Boot re-arms the engine after process start: it waits for storage to
// answer, re-arms today's still-relevant pending doses, starts the rollover
// worker and announces completion on the bus. Doses whose slot passed more
// than the grace period ago stay PENDING and un-armed; the user catches up
// through the day view instead of a burst of stale alerts.
type Boot struct {
	store    Store
	rem      Armer
	rollover *Rollover
	bus      eventbus.Bus
	loc      *time.Location
	log      logx.Logger
	clock    func() time.Time

	grace       time.Duration
	pingRetries int
	pingDelay   time.Duration
}

func NewBoot(store Store, rem Armer, rollover *Rollover, bus eventbus.Bus, loc *time.Location, log logx.Logger) *Boot {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Boot{
		store:       store,
		rem:         rem,
		rollover:    rollover,
		bus:         bus,
		loc:         loc,
		log:         log,
		clock:       time.Now,
		grace:       defaultGrace,
		pingRetries: defaultPingRetries,
		pingDelay:   defaultPingDelay,
	}
}

// SetClock overrides the wall clock (tests only).
func (b *Boot) SetClock(clock func() time.Time) { b.clock = clock }

// SetPingPolicy overrides storage readiness polling (tests only).
func (b *Boot) SetPingPolicy(retries int, delay time.Duration) {
	b.pingRetries = retries
	b.pingDelay = delay
}

// Run performs boot recovery once. The rollover worker is started and the
// completion events published even when recovery fails partway; the returned
// error, when non-nil, is a *RetryableError.
func (b *Boot) Run(ctx context.Context) error {
	defer func() {
		if b.rollover != nil {
			b.rollover.Start(ctx)
		}
		b.publishDone()
	}()

	if err := b.waitStorage(ctx); err != nil {
		return &RetryableError{Err: fmt.Errorf("storage not ready: %w", err)}
	}

	now := b.clock().In(b.loc)
	armed, stale, err := armPending(ctx, b.store, b.rem, now, now.Add(-b.grace), b.loc)
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("re-arm pending doses: %w", err)}
	}

	b.log.Info("boot recovery finished",
		logx.Int("armed", armed), logx.Int("stale", stale))
	return nil
}

func (b *Boot) waitStorage(ctx context.Context) error {
	var err error
	for i := 0; i < b.pingRetries; i++ {
		if err = b.store.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.pingDelay):
		}
	}
	return err
}

func (b *Boot) publishDone() {
	if b.bus == nil {
		return
	}
	b.bus.Publish(eventbus.Event{Type: eventbus.RecoveryFinished})
	b.bus.Publish(eventbus.Event{Type: eventbus.DosesRefresh})
}

// armPending arms today's pending doses scheduled at or after cutoff and
// counts the rest as stale.
func armPending(ctx context.Context, store Store, rem Armer, now, cutoff time.Time, loc *time.Location) (armed, stale int, err error) {
	from, to := dayWindow(now)
	views, err := store.PendingInRange(ctx, from, to)
	if err != nil {
		return 0, 0, err
	}
	for _, v := range views {
		if v.ScheduledAt.Before(cutoff) {
			stale++
			continue
		}
		rem.Arm(viewPayload(v, loc), v.ScheduledAt)
		armed++
	}
	return armed, stale, nil
}

func viewPayload(v *med.DoseView, loc *time.Location) remind.Payload {
	return remind.Payload{
		RecordID:     v.RecordID,
		MedicineID:   v.MedicineID,
		MedicineName: v.Medicine,
		Dosage:       v.Dosage,
		TimeLabel:    v.ScheduledAt.In(loc).Format("15:04"),
	}
}

func dayWindow(now time.Time) (time.Time, time.Time) {
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 0, 1)
}
