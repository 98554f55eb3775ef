package med

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMedicineNotFound = errors.New("medicine not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrRecordNotFound   = errors.New("dose record not found")
)

// ValidationError marks a rejected medicine/schedule input. Callers surface
// it to the user instead of treating it as an internal failure.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Medicine is the thing being taken. Name/dosage/color/memo stay editable
// after schedules reference it; identity does not.
type Medicine struct {
	ID        int64
	UUID      uuid.UUID
	Name      string
	Dosage    string
	Color     string
	Memo      string
	CreatedAt time.Time
}

func (m *Medicine) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return &ValidationError{Field: "name", Msg: "must not be empty"}
	}
	return nil
}

// Schedule defines a repeating take/rest cycle for one medicine.
// Slots is kept sorted and duplicate-free.
type Schedule struct {
	ID         int64
	MedicineID int64
	StartDate  Date
	EndDate    *Date // inclusive; nil means open-ended
	Slots      []TimeOfDay
	TakeDays   int
	RestDays   int
	Active     bool
	CreatedAt  time.Time
}

// CycleLength is the repeating period in days.
func (s *Schedule) CycleLength() int { return s.TakeDays + s.RestDays }

func (s *Schedule) Validate() error {
	if s.TakeDays <= 0 {
		return &ValidationError{Field: "take_days", Msg: "must be positive"}
	}
	if s.RestDays < 0 {
		return &ValidationError{Field: "rest_days", Msg: "must not be negative"}
	}
	if len(s.Slots) == 0 {
		return &ValidationError{Field: "slots", Msg: "at least one time of day is required"}
	}
	if s.StartDate.IsZero() {
		return &ValidationError{Field: "start_date", Msg: "required"}
	}
	if s.EndDate != nil && s.EndDate.Before(s.StartDate) {
		return &ValidationError{Field: "end_date", Msg: "must not be before start date"}
	}
	return nil
}

// Normalize sorts and de-duplicates the slot set. Call before persisting.
func (s *Schedule) Normalize() { s.Slots = NormalizeSlots(s.Slots) }

type DoseStatus string

const (
	StatusPending DoseStatus = "PENDING"
	StatusTaken   DoseStatus = "TAKEN"
	StatusSkipped DoseStatus = "SKIPPED"
)

// Terminal reports whether no further intake transition applies.
// (Untake still reverses TAKEN explicitly.)
func (s DoseStatus) Terminal() bool {
	return s == StatusTaken || s == StatusSkipped
}

// DoseRecord is one concrete scheduled intake instant materialized from
// a schedule. (ScheduleID, ScheduledAt) is unique.
type DoseRecord struct {
	ID          int64
	ScheduleID  int64
	ScheduledAt time.Time
	Status      DoseStatus
	TakenAt     *time.Time
	Note        string
}

// DoseView is the read-model row handed to the presentation collaborator:
// a record joined with the medicine it belongs to.
type DoseView struct {
	RecordID    int64
	ScheduleID  int64
	MedicineID  int64
	Medicine    string
	Dosage      string
	ScheduledAt time.Time
	Status      DoseStatus
	TakenAt     *time.Time
}
