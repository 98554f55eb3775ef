// Package dose drives a dose record through its intake and notification
// lifecycle: PENDING to TAKEN or SKIPPED, with ARMED/SHOWN/RE-ARMED
// notification sub-states while pending.
//
// Terminal transitions always disarm any live scheduling artifact for the
// record. All transitions are idempotent per record id: repeating an action
// re-writes identical state and nothing else.
package dose

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/med"
	"medremind/internal/notify"
	"medremind/internal/remind"
	logx "medremind/pkg/logx"
)

// Store is the slice of persistence the state machine needs.
type Store interface {
	med.RecordRepository
	med.ScheduleRepository
	med.MedicineRepository
}

// Notifier shows and dismisses reminders. Display failures are best-effort:
// logged, swallowed, never blocking a state transition.
type Notifier interface {
	Show(n notify.Notification) error
	Dismiss(recordID int64)
}

// AuditFunc records a dose action. Optional; best-effort.
type AuditFunc func(ctx context.Context, action string, recordID int64, detail string)

type Service struct {
	store Store
	rem   *remind.Scheduler
	notif Notifier
	bus   eventbus.Bus
	audit AuditFunc
	loc   *time.Location
	log   logx.Logger
	clock func() time.Time
}

func New(store Store, rem *remind.Scheduler, notif Notifier, bus eventbus.Bus, audit AuditFunc, loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		rem:   rem,
		notif: notif,
		bus:   bus,
		audit: audit,
		loc:   loc,
		log:   log,
		clock: time.Now,
	}
}

// SetClock overrides the wall clock (tests only).
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// HandleFire is the shared fire path for both timer channels: show the
// reminder and re-arm the re-alert so an unacknowledged dose re-prompts.
func (s *Service) HandleFire(ctx context.Context, p remind.Payload) {
	rec, err := s.store.RecordByID(ctx, p.RecordID)
	if err != nil {
		if errors.Is(err, med.ErrRecordNotFound) {
			// Record was deleted after arming; drop the artifact.
			s.rem.Disarm(p.RecordID)
			return
		}
		s.log.Warn("reminder fired but record lookup failed",
			logx.Int64("record", p.RecordID), logx.Err(err))
		return
	}
	if rec.Status.Terminal() {
		// Acted upon while the timer was in flight.
		s.rem.Disarm(p.RecordID)
		return
	}

	// Re-arm before showing: arming dismisses any queued notification for the
	// record, so showing first would race async delivery and retract the
	// reminder it just put up.
	s.rem.RearmIn(p, remind.ReAlertInterval)

	if s.notif != nil {
		if err := s.notif.Show(notify.Notification{
			RecordID:   p.RecordID,
			MedicineID: p.MedicineID,
			Medicine:   p.MedicineName,
			Dosage:     p.Dosage,
			TimeLabel:  p.TimeLabel,
			At:         s.clock(),
		}); err != nil {
			s.log.Warn("reminder display failed", logx.Int64("record", p.RecordID), logx.Err(err))
		}
	}
	s.publishRefresh()
}

// Take marks the record TAKEN. takenAt defaults to now. Repeating is a
// no-op beyond re-writing identical state.
func (s *Service) Take(ctx context.Context, recordID int64, takenAt *time.Time) error {
	rec, err := s.store.RecordByID(ctx, recordID)
	if err != nil {
		return err
	}

	at := s.clock()
	if takenAt != nil {
		at = *takenAt
	} else if rec.Status == med.StatusTaken && rec.TakenAt != nil {
		// Keep the original timestamp on repeats.
		at = *rec.TakenAt
	}
	if err := s.store.UpdateRecordState(ctx, recordID, med.StatusTaken, &at, rec.Note); err != nil {
		return fmt.Errorf("persist taken state: %w", err)
	}

	s.rem.Disarm(recordID)
	if s.notif != nil {
		s.notif.Dismiss(recordID)
	}
	s.auditAction(ctx, "take", recordID, "")
	s.publishRefresh()
	return nil
}

// TakeToday takes the earliest PENDING dose of the given medicine scheduled
// today.
func (s *Service) TakeToday(ctx context.Context, medicineID int64) error {
	from, to := dayBounds(s.clock().In(s.loc))
	views, err := s.store.PendingInRange(ctx, from, to)
	if err != nil {
		return err
	}
	for _, v := range views {
		if v.MedicineID == medicineID {
			return s.Take(ctx, v.RecordID, nil)
		}
	}
	return med.ErrRecordNotFound
}

// Skip marks the record SKIPPED with no taken timestamp.
func (s *Service) Skip(ctx context.Context, recordID int64) error {
	rec, err := s.store.RecordByID(ctx, recordID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateRecordState(ctx, recordID, med.StatusSkipped, nil, rec.Note); err != nil {
		return fmt.Errorf("persist skipped state: %w", err)
	}

	s.rem.Disarm(recordID)
	if s.notif != nil {
		s.notif.Dismiss(recordID)
	}
	s.auditAction(ctx, "skip", recordID, "")
	s.publishRefresh()
	return nil
}

// Snooze dismisses the visible reminder and re-alerts in one hour.
func (s *Service) Snooze(ctx context.Context, recordID int64) error {
	p, err := s.payloadFor(ctx, recordID)
	if err != nil {
		return err
	}
	if s.notif != nil {
		s.notif.Dismiss(recordID)
	}
	s.rem.RearmIn(p, remind.ReAlertInterval)
	s.auditAction(ctx, "snooze", recordID, "")
	s.publishRefresh()
	return nil
}

// Untake reverses TAKEN back to PENDING and re-arms one hour out. The
// one-hour offset applies unconditionally: for an already-elapsed instant it
// avoids an immediate duplicate alert, and the original behavior makes no
// distinction for instants still in the future.
func (s *Service) Untake(ctx context.Context, recordID int64) error {
	rec, err := s.store.RecordByID(ctx, recordID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateRecordState(ctx, recordID, med.StatusPending, nil, rec.Note); err != nil {
		return fmt.Errorf("persist pending state: %w", err)
	}

	p, err := s.payloadFor(ctx, recordID)
	if err != nil {
		return err
	}
	s.rem.RearmIn(p, remind.ReAlertInterval)
	s.auditAction(ctx, "untake", recordID, "")
	s.publishRefresh()
	return nil
}

// SetNote attaches a free-text note to the record.
func (s *Service) SetNote(ctx context.Context, recordID int64, note string) error {
	rec, err := s.store.RecordByID(ctx, recordID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateRecordState(ctx, recordID, rec.Status, rec.TakenAt, note); err != nil {
		return err
	}
	s.publishRefresh()
	return nil
}

// PayloadFor rebuilds the reminder payload for a record from storage. Used
// by workers that arm reminders without a payload in hand.
func (s *Service) PayloadFor(ctx context.Context, recordID int64) (remind.Payload, error) {
	return s.payloadFor(ctx, recordID)
}

func (s *Service) payloadFor(ctx context.Context, recordID int64) (remind.Payload, error) {
	rec, err := s.store.RecordByID(ctx, recordID)
	if err != nil {
		return remind.Payload{}, err
	}
	sc, err := s.store.ScheduleByID(ctx, rec.ScheduleID)
	if err != nil {
		return remind.Payload{}, err
	}
	m, err := s.store.MedicineByID(ctx, sc.MedicineID)
	if err != nil {
		return remind.Payload{}, err
	}
	return remind.Payload{
		RecordID:     rec.ID,
		MedicineID:   m.ID,
		MedicineName: m.Name,
		Dosage:       m.Dosage,
		TimeLabel:    rec.ScheduledAt.In(s.loc).Format("15:04"),
	}, nil
}

func (s *Service) auditAction(ctx context.Context, action string, recordID int64, detail string) {
	if s.audit != nil {
		s.audit(ctx, action, recordID, detail)
	}
}

func (s *Service) publishRefresh() {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.DosesRefresh})
	}
}

func dayBounds(now time.Time) (time.Time, time.Time) {
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 0, 1)
}
