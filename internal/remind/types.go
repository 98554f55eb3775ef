package remind

import (
	"context"
	"time"
)

// Payload travels with a scheduling artifact from arm time to fire time.
// It carries everything needed to render a reminder without a storage read.
type Payload struct {
	RecordID     int64
	MedicineID   int64
	MedicineName string
	Dosage       string
	TimeLabel    string // wall-clock slot label, e.g. "08:00"
}

// FireFunc handles an expired reminder. Both timer channels feed the same
// fire path.
type FireFunc func(ctx context.Context, p Payload)

// TimerService is the capability the scheduler writes against. The precise
// timer and the best-effort job queue are interchangeable implementations.
type TimerService interface {
	// Arm registers (or replaces) the artifact under key to fire at the
	// given instant. Registration is synchronous and non-blocking; firing
	// happens on a background goroutine.
	Arm(key Key, p Payload, at time.Time) error

	// Disarm cancels the artifact under key. It reports whether anything
	// was live.
	Disarm(key Key) bool
}

// ReAlertInterval is how long a shown reminder waits before re-firing when
// it is not acted upon.
const ReAlertInterval = time.Hour
