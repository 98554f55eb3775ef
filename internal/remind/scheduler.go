package remind

import (
	"time"

	logx "medremind/pkg/logx"
)

// Dismisser cancels any visible notification for a record. Implemented by
// the notification pipeline; nil is allowed in tests.
type Dismisser interface {
	Dismiss(recordID int64)
}

// Scheduler is the dual-path reminder scheduler. Every arm call follows the
// cancel-before-set rule: notification, precise timer, and fallback job for
// the record are all cancelled before the new artifact is registered, so
// repeated arming is idempotent and concurrent callers cannot leave two live
// artifacts for one record — whoever arms last wins.
type Scheduler struct {
	precise *PreciseTimers
	jobs    *JobQueue
	notif   Dismisser
	log     logx.Logger
	clock   func() time.Time
}

func NewScheduler(precise *PreciseTimers, jobs *JobQueue, notif Dismisser, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		precise: precise,
		jobs:    jobs,
		notif:   notif,
		log:     log,
		clock:   time.Now,
	}
}

// SetClock overrides the wall clock (tests only).
func (s *Scheduler) SetClock(clock func() time.Time) { s.clock = clock }

// Arm schedules a reminder for p.RecordID at the given instant. When the
// precise-timer capability is unavailable the fallback job channel is used
// with delay = max(0, at-now); both feed the same fire path. Missing
// permission is steady-state on restricted hosts, not an error.
func (s *Scheduler) Arm(p Payload, at time.Time) {
	key := RemindKey(p.RecordID)

	// Cancel-before-set.
	if s.notif != nil {
		s.notif.Dismiss(p.RecordID)
	}
	s.precise.Disarm(key)
	s.jobs.Disarm(key)

	if s.precise.Available() {
		_ = s.precise.Arm(key, p, at)
		return
	}
	_ = s.jobs.Arm(key, p, at)
	s.log.Debug("precise timer unavailable; using fallback job",
		logx.Int64("record", p.RecordID), logx.Time("at", at))
}

// Disarm cancels both channels for the record. Used whenever a dose reaches
// a terminal state.
func (s *Scheduler) Disarm(recordID int64) {
	key := RemindKey(recordID)
	pt := s.precise.Disarm(key)
	jb := s.jobs.Disarm(key)
	if pt || jb {
		s.log.Debug("reminder disarmed",
			logx.Int64("record", recordID), logx.Bool("timer", pt), logx.Bool("job", jb))
	}
}

// RearmIn re-arms the record relative to now. Used for snooze and re-alert.
func (s *Scheduler) RearmIn(p Payload, delay time.Duration) {
	s.Arm(p, s.clock().Add(delay))
}

// Armed reports whether any live artifact exists for the record.
func (s *Scheduler) Armed(recordID int64) bool {
	key := RemindKey(recordID)
	return s.precise.Armed(key) || s.jobs.Armed(key)
}
