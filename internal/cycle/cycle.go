// Package cycle implements the pure take/rest cycle arithmetic behind dose
// scheduling.
//
// A cycle of takeDays+restDays is anchored at the schedule start date with
// zero-based indexing, so the start date itself is always a dose day. All
// functions are side-effect free; enumeration is bounded by an explicit cap
// so open-ended schedules stay finite.
package cycle

import (
	"errors"
	"fmt"
	"time"

	"medremind/internal/med"
)

var (
	ErrNoSlots = errors.New("time slot set is empty")
)

// Occurrence is one (date, time-of-day) pair produced by enumeration.
type Occurrence struct {
	Date med.Date
	Slot med.TimeOfDay
}

// At resolves the occurrence to an instant in loc.
func (o Occurrence) At(loc *time.Location) time.Time {
	return o.Date.At(o.Slot, loc)
}

// IsDoseDay reports whether target falls on a take day of the cycle anchored
// at start. restDays == 0 means daily intake.
func IsDoseDay(start, target med.Date, takeDays, restDays int) (bool, error) {
	if takeDays <= 0 {
		return false, fmt.Errorf("take days must be positive, got %d", takeDays)
	}
	if restDays < 0 {
		return false, fmt.Errorf("rest days must not be negative, got %d", restDays)
	}
	if target.Before(start) {
		return false, nil
	}
	if restDays == 0 {
		return true, nil
	}
	cycleLen := takeDays + restDays
	dayInCycle := start.DaysUntil(target) % cycleLen
	return dayInCycle < takeDays, nil
}

// DoseDates walks forward one day at a time and collects dose days of the
// cycle anchored at start. Enumeration begins at from (clamped to start when
// earlier), so a resumed walk keeps the original cycle phase. It stops at the
// first of: end exceeded (when end is non-nil), or maxCount dates collected.
// maxCount bounds enumeration for open-ended schedules; it must be positive
// when end is nil.
func DoseDates(start, from med.Date, end *med.Date, takeDays, restDays, maxCount int) ([]med.Date, error) {
	if _, err := IsDoseDay(start, start, takeDays, restDays); err != nil {
		return nil, err
	}
	if end == nil && maxCount <= 0 {
		return nil, errors.New("open-ended enumeration requires a positive max count")
	}
	if from.Before(start) {
		from = start
	}

	var dates []med.Date
	for d := from; ; d = d.AddDays(1) {
		if end != nil && d.After(*end) {
			break
		}
		ok, err := IsDoseDay(start, d, takeDays, restDays)
		if err != nil {
			return nil, err
		}
		if ok {
			dates = append(dates, d)
			if maxCount > 0 && len(dates) >= maxCount {
				break
			}
		}
	}
	return dates, nil
}

// Occurrences emits the cross product of dose dates and the de-duplicated,
// sorted slot set, in ascending order. The emitted count is truncated the
// instant it reaches maxCount, which may leave the final date with fewer
// slots than its full set.
func Occurrences(start, from med.Date, end *med.Date, slots []med.TimeOfDay, takeDays, restDays, maxCount int) ([]Occurrence, error) {
	if len(slots) == 0 {
		return nil, ErrNoSlots
	}
	sorted := med.NormalizeSlots(slots)

	// Enumerating one extra date costs nothing and keeps the truncation
	// decision entirely in the emit loop below.
	dateCap := 0
	if end == nil {
		if maxCount <= 0 {
			return nil, errors.New("open-ended enumeration requires a positive max count")
		}
		dateCap = (maxCount + len(sorted) - 1) / len(sorted)
	}
	dates, err := DoseDates(start, from, end, takeDays, restDays, dateCap)
	if err != nil {
		return nil, err
	}

	var out []Occurrence
	for _, d := range dates {
		for _, s := range sorted {
			if maxCount > 0 && len(out) >= maxCount {
				return out, nil
			}
			out = append(out, Occurrence{Date: d, Slot: s})
		}
	}
	return out, nil
}
