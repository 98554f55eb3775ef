package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/materialize"
	"medremind/internal/med"
	"medremind/internal/remind"
	logx "medremind/pkg/logx"
)

type fakeStore struct {
	mu        sync.Mutex
	pingFails int
	pings     int
	views     []*med.DoseView
	schedules []*med.Schedule
	queryErr  error
}

func (f *fakeStore) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.pings <= f.pingFails {
		return errors.New("database is locked")
	}
	return nil
}

func (f *fakeStore) ActiveSchedules(context.Context) ([]*med.Schedule, error) {
	return f.schedules, nil
}

func (f *fakeStore) PendingInRange(context.Context, time.Time, time.Time) ([]*med.DoseView, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.views, nil
}

type fakeArmer struct {
	mu    sync.Mutex
	armed map[int64]time.Time
}

func newFakeArmer() *fakeArmer { return &fakeArmer{armed: map[int64]time.Time{}} }

func (f *fakeArmer) Arm(p remind.Payload, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[p.RecordID] = at
}

func (f *fakeArmer) Armed(recordID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.armed[recordID]
	return ok
}

type fakeExtender struct {
	mu       sync.Mutex
	horizons map[int64]med.Date
}

func (f *fakeExtender) Ensure(_ context.Context, sc *med.Schedule, horizon med.Date) ([]materialize.NewOccurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.horizons == nil {
		f.horizons = map[int64]med.Date{}
	}
	f.horizons[sc.ID] = horizon
	return nil, nil
}

type fakeBus struct {
	mu    sync.Mutex
	types []string
}

func (f *fakeBus) Publish(e eventbus.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, e.Type)
}

func (f *fakeBus) Subscribe(int) (<-chan eventbus.Event, func()) {
	return nil, func() {}
}

func (f *fakeBus) has(typ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.types {
		if t == typ {
			return true
		}
	}
	return false
}

func pendingView(id int64, at time.Time) *med.DoseView {
	return &med.DoseView{
		RecordID:    id,
		MedicineID:  1,
		Medicine:    "aspirin",
		ScheduledAt: at,
		Status:      med.StatusPending,
	}
}

func TestBootPartitionsAtGrace(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{views: []*med.DoseView{
		pendingView(1, now.Add(-10*time.Minute)),
		pendingView(2, now.Add(-time.Minute)),
		pendingView(3, now.Add(30*time.Minute)),
	}}
	armer := newFakeArmer()
	bus := &fakeBus{}

	boot := NewBoot(store, armer, nil, bus, time.UTC, logx.Nop())
	boot.SetClock(func() time.Time { return now })
	if err := boot.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if armer.Armed(1) {
		t.Fatal("dose 10m past the grace window must stay un-armed")
	}
	if !armer.Armed(2) {
		t.Fatal("dose inside the grace window must be re-armed")
	}
	if !armer.Armed(3) {
		t.Fatal("future dose must be re-armed")
	}
	if !bus.has(eventbus.RecoveryFinished) || !bus.has(eventbus.DosesRefresh) {
		t.Fatalf("completion events missing, got %v", bus.types)
	}
}

func TestBootWaitsForStorage(t *testing.T) {
	t.Parallel()
	store := &fakeStore{pingFails: 2}
	boot := NewBoot(store, newFakeArmer(), nil, nil, time.UTC, logx.Nop())
	boot.SetPingPolicy(5, time.Millisecond)

	if err := boot.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if store.pings != 3 {
		t.Fatalf("pings = %d, want 3", store.pings)
	}
}

func TestBootStorageNeverReady(t *testing.T) {
	t.Parallel()
	store := &fakeStore{pingFails: 100}
	bus := &fakeBus{}
	boot := NewBoot(store, newFakeArmer(), nil, bus, time.UTC, logx.Nop())
	boot.SetPingPolicy(3, time.Millisecond)

	err := boot.Run(context.Background())
	var re *RetryableError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want *RetryableError", err)
	}
	if !bus.has(eventbus.RecoveryFinished) {
		t.Fatal("completion event must be published even on failure")
	}
}

func TestNextMidnight(t *testing.T) {
	t.Parallel()
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{
			time.Date(2024, time.March, 10, 23, 59, 30, 0, time.UTC),
			time.Date(2024, time.March, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2024, time.March, 11, 0, 0, 0, 0, time.UTC),
			time.Date(2024, time.March, 12, 0, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2024, time.December, 31, 6, 0, 0, 0, time.UTC),
			time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		if got := NextMidnight(tc.now); !got.Equal(tc.want) {
			t.Errorf("NextMidnight(%s) = %s, want %s", tc.now, got, tc.want)
		}
	}
}

func TestRolloverExtendsOnFirstOfMonth(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.April, 1, 0, 0, 5, 0, time.UTC)
	store := &fakeStore{
		schedules: []*med.Schedule{{ID: 7, MedicineID: 1, TakeDays: 1, Active: true}},
		views:     []*med.DoseView{pendingView(4, now.Add(8*time.Hour))},
	}
	ext := &fakeExtender{}
	armer := newFakeArmer()
	bus := &fakeBus{}

	r := NewRollover(store, ext, armer, bus, time.UTC, logx.Nop())
	r.SetClock(func() time.Time { return now })
	r.Run(context.Background())

	want := med.NewDate(2024, time.May, 31)
	if got := ext.horizons[7]; got != want {
		t.Fatalf("horizon = %s, want %s", got, want)
	}
	if !armer.Armed(4) {
		t.Fatal("today's pending dose must be armed")
	}
	if !bus.has(eventbus.DosesRefresh) {
		t.Fatal("refresh event missing")
	}
}

func TestRolloverSkipsExtensionMidMonth(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.April, 15, 0, 0, 5, 0, time.UTC)
	store := &fakeStore{
		schedules: []*med.Schedule{{ID: 7, MedicineID: 1, TakeDays: 1, Active: true}},
	}
	ext := &fakeExtender{}

	r := NewRollover(store, ext, newFakeArmer(), nil, time.UTC, logx.Nop())
	r.SetClock(func() time.Time { return now })
	r.Run(context.Background())

	if len(ext.horizons) != 0 {
		t.Fatalf("mid-month run extended horizons: %v", ext.horizons)
	}
}

func TestSweepRearmsOnlyUnarmedFuture(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{views: []*med.DoseView{
		pendingView(1, now.Add(-time.Hour)),
		pendingView(2, now.Add(time.Hour)),
		pendingView(3, now.Add(2*time.Hour)),
	}}
	armer := newFakeArmer()
	armer.Arm(remind.Payload{RecordID: 3}, now.Add(2*time.Hour))

	s := NewSweep(store, armer, time.UTC, "", logx.Nop())
	s.SetClock(func() time.Time { return now })
	s.runOnce()

	if armer.Armed(1) {
		t.Fatal("past dose must be left to boot recovery")
	}
	if !armer.Armed(2) {
		t.Fatal("future unarmed dose must be re-armed")
	}
}
