// Package catalog manages the medicine/schedule inventory: creation,
// edits, soft-disable. Every mutation keeps the materialized dose records
// and armed reminders consistent with the new definition.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medremind/internal/eventbus"
	"medremind/internal/materialize"
	"medremind/internal/med"
	"medremind/internal/remind"
	logx "medremind/pkg/logx"
)

// Store is the persistence slice the catalog needs.
type Store interface {
	med.MedicineRepository
	med.ScheduleRepository
	med.RecordRepository
}

// Reminders arms and disarms dose reminders. Satisfied by remind.Scheduler.
type Reminders interface {
	Arm(p remind.Payload, at time.Time)
	Disarm(recordID int64)
}

type Service struct {
	store Store
	mat   *materialize.Materializer
	rem   Reminders
	bus   eventbus.Bus
	loc   *time.Location
	log   logx.Logger
	clock func() time.Time
}

func New(store Store, mat *materialize.Materializer, rem Reminders, bus eventbus.Bus, loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
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
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// CreateMedicine stores a new medicine with its first schedule, materializes
// dose records out to the default horizon and arms one reminder for the
// earliest occurrence at or after now. Later occurrences are armed lazily by
// the rollover worker.
func (s *Service) CreateMedicine(ctx context.Context, m *med.Medicine, sc *med.Schedule) error {
	if err := m.Validate(); err != nil {
		return err
	}
	sc.Normalize()
	if err := sc.Validate(); err != nil {
		return err
	}

	now := s.clock().In(s.loc)
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	m.CreatedAt = now
	if err := s.store.CreateMedicine(ctx, m); err != nil {
		return fmt.Errorf("create medicine: %w", err)
	}

	sc.MedicineID = m.ID
	sc.Active = true
	sc.CreatedAt = now
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}

	occs, err := s.mat.Ensure(ctx, sc, materialize.DefaultHorizon(now))
	if err != nil {
		return fmt.Errorf("materialize schedule %d: %w", sc.ID, err)
	}
	s.seedEarliest(m, occs, now)

	s.log.Info("medicine created",
		logx.Int64("medicine", m.ID),
		logx.Int64("schedule", sc.ID),
		logx.Int("records", len(occs)))
	s.publishRefresh()
	return nil
}

// UpdateMedicine changes the editable fields (name, dosage, color, memo).
func (s *Service) UpdateMedicine(ctx context.Context, m *med.Medicine) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := s.store.UpdateMedicine(ctx, m); err != nil {
		return err
	}
	s.publishRefresh()
	return nil
}

func (s *Service) MedicineByID(ctx context.Context, id int64) (*med.Medicine, error) {
	return s.store.MedicineByID(ctx, id)
}

func (s *Service) ListMedicines(ctx context.Context) ([]*med.Medicine, error) {
	return s.store.ListMedicines(ctx)
}

func (s *Service) ScheduleByID(ctx context.Context, id int64) (*med.Schedule, error) {
	return s.store.ScheduleByID(ctx, id)
}

// UpdateSchedule rewrites a schedule definition. Future dose records are
// cleared and re-materialized under the new cycle; past records keep their
// history. When today already has materialized records, the new pattern
// takes effect the next day.
func (s *Service) UpdateSchedule(ctx context.Context, sc *med.Schedule) error {
	sc.Normalize()
	if err := sc.Validate(); err != nil {
		return err
	}
	existing, err := s.store.ScheduleByID(ctx, sc.ID)
	if err != nil {
		return err
	}
	sc.MedicineID = existing.MedicineID
	sc.CreatedAt = existing.CreatedAt

	now := s.clock().In(s.loc)
	if err := s.disarmForward(ctx, sc.ID, now); err != nil {
		return err
	}
	if err := s.store.DeleteRecordsFrom(ctx, sc.ID, now); err != nil {
		return fmt.Errorf("truncate records for schedule %d: %w", sc.ID, err)
	}
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return fmt.Errorf("update schedule %d: %w", sc.ID, err)
	}

	if sc.Active {
		occs, err := s.mat.Ensure(ctx, sc, materialize.DefaultHorizon(now))
		if err != nil {
			return fmt.Errorf("re-materialize schedule %d: %w", sc.ID, err)
		}
		m, err := s.store.MedicineByID(ctx, sc.MedicineID)
		if err != nil {
			return err
		}
		s.seedEarliest(m, occs, now)
	}

	s.publishRefresh()
	return nil
}

// DisableSchedule soft-disables a schedule: future records are cleared and
// their reminders disarmed, history stays.
func (s *Service) DisableSchedule(ctx context.Context, scheduleID int64) error {
	now := s.clock().In(s.loc)
	if err := s.disarmForward(ctx, scheduleID, now); err != nil {
		return err
	}
	if err := s.store.DeleteRecordsFrom(ctx, scheduleID, now); err != nil {
		return fmt.Errorf("truncate records for schedule %d: %w", scheduleID, err)
	}
	if err := s.store.SetScheduleActive(ctx, scheduleID, false); err != nil {
		return err
	}
	s.publishRefresh()
	return nil
}

// EnableSchedule reactivates a schedule and materializes forward again.
func (s *Service) EnableSchedule(ctx context.Context, scheduleID int64) error {
	if err := s.store.SetScheduleActive(ctx, scheduleID, true); err != nil {
		return err
	}
	sc, err := s.store.ScheduleByID(ctx, scheduleID)
	if err != nil {
		return err
	}

	now := s.clock().In(s.loc)
	occs, err := s.mat.Ensure(ctx, sc, materialize.DefaultHorizon(now))
	if err != nil {
		return fmt.Errorf("materialize schedule %d: %w", scheduleID, err)
	}
	m, err := s.store.MedicineByID(ctx, sc.MedicineID)
	if err != nil {
		return err
	}
	s.seedEarliest(m, occs, now)
	s.publishRefresh()
	return nil
}

// seedEarliest arms exactly one reminder: the first new occurrence at or
// after now.
func (s *Service) seedEarliest(m *med.Medicine, occs []materialize.NewOccurrence, now time.Time) {
	if s.rem == nil {
		return
	}
	for _, o := range occs {
		if o.ScheduledAt.Before(now) {
			continue
		}
		s.rem.Arm(remind.Payload{
			RecordID:     o.RecordID,
			MedicineID:   m.ID,
			MedicineName: m.Name,
			Dosage:       m.Dosage,
			TimeLabel:    o.ScheduledAt.In(s.loc).Format("15:04"),
		}, o.ScheduledAt)
		return
	}
}

// disarmForward cancels reminders for the schedule's pending records from
// now on, ahead of a forward truncation.
func (s *Service) disarmForward(ctx context.Context, scheduleID int64, now time.Time) error {
	if s.rem == nil {
		return nil
	}
	views, err := s.store.PendingInRange(ctx, now, now.AddDate(0, 2, 0))
	if err != nil {
		return fmt.Errorf("pending records for schedule %d: %w", scheduleID, err)
	}
	for _, v := range views {
		if v.ScheduleID == scheduleID {
			s.rem.Disarm(v.RecordID)
		}
	}
	return nil
}

func (s *Service) publishRefresh() {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.DosesRefresh})
	}
}
