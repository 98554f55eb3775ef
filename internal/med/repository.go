package med

import (
	"context"
	"time"
)

// MedicineRepository persists medicines.
type MedicineRepository interface {
	CreateMedicine(ctx context.Context, m *Medicine) error
	UpdateMedicine(ctx context.Context, m *Medicine) error
	MedicineByID(ctx context.Context, id int64) (*Medicine, error)
	ListMedicines(ctx context.Context) ([]*Medicine, error)
}

// ScheduleRepository persists schedules. Schedules are soft-disabled via the
// active flag rather than deleted while dose records reference them.
type ScheduleRepository interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	UpdateSchedule(ctx context.Context, s *Schedule) error
	ScheduleByID(ctx context.Context, id int64) (*Schedule, error)
	ActiveSchedules(ctx context.Context) ([]*Schedule, error)
	SetScheduleActive(ctx context.Context, id int64, active bool) error
}

// RecordRepository persists dose records. InsertRecords runs as one
// transaction and returns generated ids in input order.
type RecordRepository interface {
	InsertRecords(ctx context.Context, recs []*DoseRecord) ([]int64, error)

	// LatestScheduledAt reports the newest materialized instant for a
	// schedule; ok is false when nothing has been materialized yet.
	LatestScheduledAt(ctx context.Context, scheduleID int64) (at time.Time, ok bool, err error)

	UpdateRecordState(ctx context.Context, recordID int64, status DoseStatus, takenAt *time.Time, note string) error
	RecordByID(ctx context.Context, id int64) (*DoseRecord, error)
	RecordsForMedicine(ctx context.Context, medicineID int64) ([]*DoseRecord, error)

	// DosesInRange returns record+medicine views with scheduledAt in
	// [from, to), newest schedules included only while active.
	DosesInRange(ctx context.Context, from, to time.Time) ([]*DoseView, error)

	// PendingInRange is DosesInRange filtered to PENDING.
	PendingInRange(ctx context.Context, from, to time.Time) ([]*DoseView, error)

	// DeleteRecordsFrom clears a forward time range after a schedule edit
	// truncates future occurrences.
	DeleteRecordsFrom(ctx context.Context, scheduleID int64, from time.Time) error
}
