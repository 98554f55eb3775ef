// Package materialize turns schedule definitions into persisted dose records
// up to a horizon date.
//
// Materialization is incremental: it resumes from the day after the newest
// record a schedule already has, so re-running with the same or a larger
// horizon never re-emits a date. Each run is serialized per schedule and the
// insert happens in one transaction, so overlapping triggers (boot recovery
// and the midnight rollover firing close together) cannot double-insert.
package materialize

import (
	"context"
	"fmt"
	"sync"
	"time"

	"medremind/internal/cycle"
	"medremind/internal/med"
	logx "medremind/pkg/logx"
)

// NewOccurrence pairs a freshly inserted record id with its scheduled
// instant.
type NewOccurrence struct {
	RecordID    int64
	ScheduledAt time.Time
}

type Materializer struct {
	records med.RecordRepository
	loc     *time.Location
	log     logx.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex // per-schedule serialization
}

func New(records med.RecordRepository, loc *time.Location, log logx.Logger) *Materializer {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Materializer{
		records: records,
		loc:     loc,
		log:     log,
		locks:   map[int64]*sync.Mutex{},
	}
}

// DefaultHorizon is the last day of next month relative to now. It is
// recomputed fresh on every call so the horizon advances with real time.
func DefaultHorizon(now time.Time) med.Date {
	y, m, _ := now.Date()
	// First day of the month after next, minus one day.
	firstAfterNext := time.Date(y, m+2, 1, 0, 0, 0, 0, time.UTC)
	return med.DateOf(firstAfterNext.AddDate(0, 0, -1))
}

// Ensure extends the schedule's persisted dose records up to horizon and
// returns what it created, in scheduled order. Already-materialized dates are
// never touched.
func (m *Materializer) Ensure(ctx context.Context, sc *med.Schedule, horizon med.Date) ([]NewOccurrence, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	lock := m.scheduleLock(sc.ID)
	lock.Lock()
	defer lock.Unlock()

	effectiveEnd := horizon
	if sc.EndDate != nil && sc.EndDate.Before(effectiveEnd) {
		effectiveEnd = *sc.EndDate
	}
	if effectiveEnd.Before(sc.StartDate) {
		return nil, nil
	}

	resume := sc.StartDate
	latest, ok, err := m.records.LatestScheduledAt(ctx, sc.ID)
	if err != nil {
		return nil, fmt.Errorf("latest scheduled instant for schedule %d: %w", sc.ID, err)
	}
	if ok {
		resume = med.DateOf(latest.In(m.loc)).AddDays(1)
	}
	if resume.After(effectiveEnd) {
		return nil, nil
	}

	// The cycle stays anchored at the schedule start; resume only moves the
	// walk origin. The range is bounded by effectiveEnd, so enumeration needs
	// no cap.
	occs, err := cycle.Occurrences(sc.StartDate, resume, &effectiveEnd, sc.Slots, sc.TakeDays, sc.RestDays, 0)
	if err != nil {
		return nil, fmt.Errorf("enumerate occurrences for schedule %d: %w", sc.ID, err)
	}
	if len(occs) == 0 {
		return nil, nil
	}

	recs := make([]*med.DoseRecord, 0, len(occs))
	for _, o := range occs {
		recs = append(recs, &med.DoseRecord{
			ScheduleID:  sc.ID,
			ScheduledAt: o.At(m.loc),
			Status:      med.StatusPending,
		})
	}
	ids, err := m.records.InsertRecords(ctx, recs)
	if err != nil {
		return nil, fmt.Errorf("insert records for schedule %d: %w", sc.ID, err)
	}

	out := make([]NewOccurrence, len(ids))
	for i, id := range ids {
		out[i] = NewOccurrence{RecordID: id, ScheduledAt: recs[i].ScheduledAt}
	}
	m.log.Debug("schedule materialized",
		logx.Int64("schedule", sc.ID),
		logx.Int("records", len(out)),
		logx.String("from", resume.String()),
		logx.String("to", effectiveEnd.String()))
	return out, nil
}

// EnsureAll runs Ensure for every given schedule, continuing past individual
// failures. It returns the first error encountered, if any.
func (m *Materializer) EnsureAll(ctx context.Context, schedules []*med.Schedule, horizon med.Date) error {
	var firstErr error
	for _, sc := range schedules {
		if _, err := m.Ensure(ctx, sc, horizon); err != nil {
			m.log.Warn("materialization failed", logx.Int64("schedule", sc.ID), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Materializer) scheduleLock(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}
