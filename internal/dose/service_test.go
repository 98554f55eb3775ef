package dose

import (
	"context"
	"sync"
	"testing"
	"time"

	"medremind/internal/med"
	"medremind/internal/notify"
	"medremind/internal/remind"
	logx "medremind/pkg/logx"
)

type memStore struct {
	mu    sync.Mutex
	meds  map[int64]*med.Medicine
	scs   map[int64]*med.Schedule
	recs  map[int64]*med.DoseRecord
	views []*med.DoseView
}

func newMemStore() *memStore {
	return &memStore{
		meds: map[int64]*med.Medicine{},
		scs:  map[int64]*med.Schedule{},
		recs: map[int64]*med.DoseRecord{},
	}
}

func (m *memStore) CreateMedicine(_ context.Context, mm *med.Medicine) error {
	m.meds[mm.ID] = mm
	return nil
}
func (m *memStore) UpdateMedicine(_ context.Context, mm *med.Medicine) error {
	m.meds[mm.ID] = mm
	return nil
}
func (m *memStore) MedicineByID(_ context.Context, id int64) (*med.Medicine, error) {
	if v, ok := m.meds[id]; ok {
		return v, nil
	}
	return nil, med.ErrMedicineNotFound
}
func (m *memStore) ListMedicines(context.Context) ([]*med.Medicine, error) { return nil, nil }

func (m *memStore) CreateSchedule(_ context.Context, sc *med.Schedule) error {
	m.scs[sc.ID] = sc
	return nil
}
func (m *memStore) UpdateSchedule(_ context.Context, sc *med.Schedule) error {
	m.scs[sc.ID] = sc
	return nil
}
func (m *memStore) ScheduleByID(_ context.Context, id int64) (*med.Schedule, error) {
	if v, ok := m.scs[id]; ok {
		return v, nil
	}
	return nil, med.ErrScheduleNotFound
}
func (m *memStore) ActiveSchedules(context.Context) ([]*med.Schedule, error) { return nil, nil }
func (m *memStore) SetScheduleActive(context.Context, int64, bool) error    { return nil }

func (m *memStore) InsertRecords(_ context.Context, recs []*med.DoseRecord) ([]int64, error) {
	var ids []int64
	for _, r := range recs {
		m.recs[r.ID] = r
		ids = append(ids, r.ID)
	}
	return ids, nil
}
func (m *memStore) LatestScheduledAt(context.Context, int64) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (m *memStore) UpdateRecordState(_ context.Context, id int64, status med.DoseStatus, takenAt *time.Time, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return med.ErrRecordNotFound
	}
	r.Status = status
	r.TakenAt = takenAt
	r.Note = note
	return nil
}
func (m *memStore) RecordByID(_ context.Context, id int64) (*med.DoseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recs[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, med.ErrRecordNotFound
}
func (m *memStore) RecordsForMedicine(context.Context, int64) ([]*med.DoseRecord, error) {
	return nil, nil
}
func (m *memStore) DosesInRange(context.Context, time.Time, time.Time) ([]*med.DoseView, error) {
	return m.views, nil
}
func (m *memStore) PendingInRange(context.Context, time.Time, time.Time) ([]*med.DoseView, error) {
	var out []*med.DoseView
	for _, v := range m.views {
		if v.Status == med.StatusPending {
			out = append(out, v)
		}
	}
	return out, nil
}
func (m *memStore) DeleteRecordsFrom(context.Context, int64, time.Time) error { return nil }

type memNotifier struct {
	mu        sync.Mutex
	shown     []notify.Notification
	dismissed []int64
	ops       []string
}

func (n *memNotifier) Show(v notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, v)
	n.ops = append(n.ops, "show")
	return nil
}

func (n *memNotifier) Dismiss(recordID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dismissed = append(n.dismissed, recordID)
	n.ops = append(n.ops, "dismiss")
}

func (n *memNotifier) shownCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.shown)
}

func fixture(t *testing.T) (*Service, *memStore, *remind.Scheduler, *memNotifier) {
	t.Helper()
	store := newMemStore()
	store.meds[1] = &med.Medicine{ID: 1, Name: "aspirin", Dosage: "100mg"}
	store.scs[1] = &med.Schedule{
		ID: 1, MedicineID: 1,
		StartDate: med.NewDate(2024, time.January, 1),
		Slots:     []med.TimeOfDay{{Hour: 8}},
		TakeDays:  1, Active: true,
	}
	store.recs[10] = &med.DoseRecord{
		ID: 10, ScheduleID: 1,
		ScheduledAt: time.Date(2024, time.January, 2, 8, 0, 0, 0, time.UTC),
		Status:      med.StatusPending,
	}

	pt := remind.NewPreciseTimers(func(context.Context, remind.Payload) {}, true, logx.Nop())
	t.Cleanup(pt.Stop)
	jq := remind.NewJobQueue(remind.JobQueueConfig{}, nil, logx.Nop())
	notif := &memNotifier{}
	rem := remind.NewScheduler(pt, jq, notif, logx.Nop())
	svc := New(store, rem, notif, nil, nil, time.UTC, logx.Nop())
	return svc, store, rem, notif
}

func TestTakePersistsAndDisarms(t *testing.T) {
	t.Parallel()
	svc, store, rem, notif := fixture(t)
	ctx := context.Background()

	// Arm first so Take has something to cancel.
	rem.Arm(remind.Payload{RecordID: 10}, time.Now().Add(time.Hour))
	if !rem.Armed(10) {
		t.Fatal("expected armed reminder before take")
	}

	if err := svc.Take(ctx, 10, nil); err != nil {
		t.Fatalf("Take error: %v", err)
	}
	rec := store.recs[10]
	if rec.Status != med.StatusTaken {
		t.Fatalf("status = %s, want TAKEN", rec.Status)
	}
	if rec.TakenAt == nil {
		t.Fatal("taken timestamp not set")
	}
	if rem.Armed(10) {
		t.Fatal("terminal transition left a live scheduling artifact")
	}
	if len(notif.dismissed) == 0 {
		t.Fatal("visible notification not dismissed")
	}
}

func TestTakeExplicitTimestamp(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := fixture(t)
	at := time.Date(2024, time.January, 2, 8, 30, 0, 0, time.UTC)

	if err := svc.Take(context.Background(), 10, &at); err != nil {
		t.Fatalf("Take error: %v", err)
	}
	if got := store.recs[10].TakenAt; got == nil || !got.Equal(at) {
		t.Fatalf("taken at = %v, want %s", got, at)
	}
}

func TestTakeIdempotent(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := fixture(t)
	ctx := context.Background()

	if err := svc.Take(ctx, 10, nil); err != nil {
		t.Fatalf("first Take error: %v", err)
	}
	first := *store.recs[10].TakenAt

	if err := svc.Take(ctx, 10, nil); err != nil {
		t.Fatalf("second Take error: %v", err)
	}
	if !store.recs[10].TakenAt.Equal(first) {
		t.Fatal("repeated take changed the taken timestamp")
	}
	if store.recs[10].Status != med.StatusTaken {
		t.Fatal("repeated take changed status")
	}
}

func TestSkipNoTimestampAndDisarms(t *testing.T) {
	t.Parallel()
	svc, store, rem, _ := fixture(t)
	ctx := context.Background()
	rem.Arm(remind.Payload{RecordID: 10}, time.Now().Add(time.Hour))

	if err := svc.Skip(ctx, 10); err != nil {
		t.Fatalf("Skip error: %v", err)
	}
	rec := store.recs[10]
	if rec.Status != med.StatusSkipped {
		t.Fatalf("status = %s, want SKIPPED", rec.Status)
	}
	if rec.TakenAt != nil {
		t.Fatal("skip must not set a taken timestamp")
	}
	if rem.Armed(10) {
		t.Fatal("terminal transition left a live scheduling artifact")
	}
}

func TestUntakeRearmsOneHourOut(t *testing.T) {
	t.Parallel()
	svc, store, rem, _ := fixture(t)
	ctx := context.Background()
	base := time.Date(2024, time.January, 2, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return base })
	rem.SetClock(func() time.Time { return base })

	if err := svc.Take(ctx, 10, nil); err != nil {
		t.Fatalf("Take error: %v", err)
	}
	if err := svc.Untake(ctx, 10); err != nil {
		t.Fatalf("Untake error: %v", err)
	}
	rec := store.recs[10]
	if rec.Status != med.StatusPending {
		t.Fatalf("status = %s, want PENDING", rec.Status)
	}
	if rec.TakenAt != nil {
		t.Fatal("untake must clear the taken timestamp")
	}
	if !rem.Armed(10) {
		t.Fatal("untake must re-arm the reminder")
	}
}

func TestHandleFireShowsAndRearms(t *testing.T) {
	t.Parallel()
	svc, _, rem, notif := fixture(t)
	p := remind.Payload{RecordID: 10, MedicineID: 1, MedicineName: "aspirin", TimeLabel: "08:00"}

	svc.HandleFire(context.Background(), p)
	if notif.shownCount() != 1 {
		t.Fatalf("shown %d notifications, want 1", notif.shownCount())
	}
	if !rem.Armed(10) {
		t.Fatal("unacknowledged dose must be re-armed for re-alert")
	}
}

func TestHandleFireRearmsBeforeShowing(t *testing.T) {
	t.Parallel()
	// Re-arming dismisses any queued notification for the record, so the
	// show must come after the re-arm or async delivery could be retracted
	// right away.
	svc, _, _, notif := fixture(t)

	svc.HandleFire(context.Background(), remind.Payload{RecordID: 10})
	notif.mu.Lock()
	defer notif.mu.Unlock()
	if len(notif.ops) == 0 || notif.ops[len(notif.ops)-1] != "show" {
		t.Fatalf("notifier op order = %v, want show last", notif.ops)
	}
}

func TestPayloadLabelUsesConfiguredZone(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.meds[1] = &med.Medicine{ID: 1, Name: "aspirin", Dosage: "100mg"}
	store.scs[1] = &med.Schedule{
		ID: 1, MedicineID: 1,
		StartDate: med.NewDate(2024, time.January, 1),
		Slots:     []med.TimeOfDay{{Hour: 17}},
		TakeDays:  1, Active: true,
	}
	store.recs[10] = &med.DoseRecord{
		ID: 10, ScheduleID: 1,
		ScheduledAt: time.Date(2024, time.January, 2, 8, 0, 0, 0, time.UTC),
		Status:      med.StatusPending,
	}
	loc := time.FixedZone("UTC+9", 9*3600)
	svc := New(store, nil, nil, nil, nil, loc, logx.Nop())

	p, err := svc.PayloadFor(context.Background(), 10)
	if err != nil {
		t.Fatalf("PayloadFor error: %v", err)
	}
	if p.TimeLabel != "17:00" {
		t.Fatalf("time label = %q, want %q in the configured zone", p.TimeLabel, "17:00")
	}
}

func TestHandleFireOnTerminalRecordDisarms(t *testing.T) {
	t.Parallel()
	svc, store, rem, notif := fixture(t)
	now := time.Now()
	store.recs[10].Status = med.StatusTaken
	store.recs[10].TakenAt = &now
	rem.Arm(remind.Payload{RecordID: 10}, now.Add(time.Hour))

	svc.HandleFire(context.Background(), remind.Payload{RecordID: 10})
	if notif.shownCount() != 0 {
		t.Fatal("terminal record must not produce a notification")
	}
	if rem.Armed(10) {
		t.Fatal("stale artifact for terminal record must be disarmed")
	}
}

func TestSnoozeDismissesAndRearms(t *testing.T) {
	t.Parallel()
	svc, _, rem, notif := fixture(t)

	if err := svc.Snooze(context.Background(), 10); err != nil {
		t.Fatalf("Snooze error: %v", err)
	}
	if len(notif.dismissed) == 0 {
		t.Fatal("snooze must dismiss the visible notification")
	}
	if !rem.Armed(10) {
		t.Fatal("snooze must re-arm the reminder")
	}
}

func TestTakeTodayPicksEarliestPending(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := fixture(t)
	now := time.Now()
	store.recs[11] = &med.DoseRecord{ID: 11, ScheduleID: 1, ScheduledAt: now, Status: med.StatusPending}
	store.views = []*med.DoseView{
		{RecordID: 11, MedicineID: 1, ScheduledAt: now, Status: med.StatusPending},
		{RecordID: 10, MedicineID: 1, ScheduledAt: now.Add(time.Hour), Status: med.StatusPending},
	}

	if err := svc.TakeToday(context.Background(), 1); err != nil {
		t.Fatalf("TakeToday error: %v", err)
	}
	if store.recs[11].Status != med.StatusTaken {
		t.Fatal("earliest pending dose was not taken")
	}
	if store.recs[10].Status != med.StatusPending {
		t.Fatal("later dose must stay pending")
	}
}
