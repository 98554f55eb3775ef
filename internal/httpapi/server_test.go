package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"medremind/internal/med"
	logx "medremind/pkg/logx"
)

type fakeDoses struct {
	taken   []int64
	takenAt *time.Time
	skipped []int64
	err     error
}

func (f *fakeDoses) Take(_ context.Context, id int64, at *time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.taken = append(f.taken, id)
	f.takenAt = at
	return nil
}
func (f *fakeDoses) Skip(_ context.Context, id int64) error {
	if f.err != nil {
		return f.err
	}
	f.skipped = append(f.skipped, id)
	return nil
}
func (f *fakeDoses) Untake(context.Context, int64) error { return nil }
func (f *fakeDoses) Snooze(context.Context, int64) error { return nil }

type fakeCatalog struct {
	meds    []*med.Medicine
	created *med.Medicine
	err     error
}

func (f *fakeCatalog) CreateMedicine(_ context.Context, m *med.Medicine, _ *med.Schedule) error {
	if f.err != nil {
		return f.err
	}
	m.ID = 5
	f.created = m
	return nil
}
func (f *fakeCatalog) ListMedicines(context.Context) ([]*med.Medicine, error) {
	return f.meds, f.err
}

type fakeToday struct{ views []*med.DoseView }

func (f *fakeToday) Doses() ([]*med.DoseView, time.Time) {
	return f.views, time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

func newTestServer(doses *fakeDoses, cat *fakeCatalog, today *fakeToday, ping *fakePinger) *httptest.Server {
	s := NewServer(Config{}, doses, cat, today, ping, time.UTC, logx.Nop())
	return httptest.NewServer(s.Routes())
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	ts := newTestServer(&fakeDoses{}, &fakeCatalog{}, &fakeToday{}, &fakePinger{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthzStorageDown(t *testing.T) {
	t.Parallel()
	ts := newTestServer(&fakeDoses{}, &fakeCatalog{}, &fakeToday{}, &fakePinger{err: context.DeadlineExceeded})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestTodayEndpoint(t *testing.T) {
	t.Parallel()
	today := &fakeToday{views: []*med.DoseView{{
		RecordID:    7,
		MedicineID:  1,
		Medicine:    "aspirin",
		Dosage:      "100mg",
		ScheduledAt: time.Date(2024, time.March, 10, 8, 0, 0, 0, time.UTC),
		Status:      med.StatusPending,
	}}}
	ts := newTestServer(&fakeDoses{}, &fakeCatalog{}, today, &fakePinger{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/doses/today")
	if err != nil {
		t.Fatalf("GET /v1/doses/today: %v", err)
	}
	defer resp.Body.Close()

	var body todayResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Doses) != 1 {
		t.Fatalf("doses = %d, want 1", len(body.Doses))
	}
	if body.Doses[0].Medicine != "aspirin" || body.Doses[0].Status != "PENDING" {
		t.Fatalf("unexpected dose payload: %+v", body.Doses[0])
	}
}

func TestTakeEndpoint(t *testing.T) {
	t.Parallel()
	doses := &fakeDoses{}
	ts := newTestServer(doses, &fakeCatalog{}, &fakeToday{}, &fakePinger{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/doses/7/take", "application/json",
		strings.NewReader(`{"taken_at":"2024-03-10T08:05:00Z"}`))
	if err != nil {
		t.Fatalf("POST take: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if len(doses.taken) != 1 || doses.taken[0] != 7 {
		t.Fatalf("taken = %v, want [7]", doses.taken)
	}
	if doses.takenAt == nil || !doses.takenAt.Equal(time.Date(2024, time.March, 10, 8, 5, 0, 0, time.UTC)) {
		t.Fatalf("takenAt = %v", doses.takenAt)
	}
}

func TestTakeEmptyBody(t *testing.T) {
	t.Parallel()
	doses := &fakeDoses{}
	ts := newTestServer(doses, &fakeCatalog{}, &fakeToday{}, &fakePinger{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/doses/7/take", "application/json", nil)
	if err != nil {
		t.Fatalf("POST take: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if doses.takenAt != nil {
		t.Fatalf("takenAt = %v, want nil", doses.takenAt)
	}
}

func TestTakeUnknownRecord(t *testing.T) {
	t.Parallel()
	doses := &fakeDoses{err: med.ErrRecordNotFound}
	ts := newTestServer(doses, &fakeCatalog{}, &fakeToday{}, &fakePinger{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/doses/999/take", "application/json", nil)
	if err != nil {
		t.Fatalf("POST take: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTakeBadID(t *testing.T) {
	t.Parallel()
	ts := newTestServer(&fakeDoses{}, &fakeCatalog{}, &fakeToday{}, &fakePinger{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/doses/abc/take", "application/json", nil)
	if err != nil {
		t.Fatalf("POST take: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateMedicine(t *testing.T) {
	t.Parallel()
	cat := &fakeCatalog{}
	ts := newTestServer(&fakeDoses{}, cat, &fakeToday{}, &fakePinger{})
	defer ts.Close()

	body := `{
		"name": "aspirin",
		"dosage": "100mg",
		"schedule": {
			"start_date": "2024-03-10",
			"slots": ["08:00", "21:30"],
			"take_days": 2,
			"rest_days": 1
		}
	}`
	resp, err := http.Post(ts.URL+"/v1/medicines", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST medicines: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if cat.created == nil || cat.created.Name != "aspirin" {
		t.Fatalf("created = %+v", cat.created)
	}

	var got medicineResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != 5 {
		t.Fatalf("id = %d, want 5", got.ID)
	}
}

func TestCreateMedicineBadSlot(t *testing.T) {
	t.Parallel()
	ts := newTestServer(&fakeDoses{}, &fakeCatalog{}, &fakeToday{}, &fakePinger{})
	defer ts.Close()

	body := `{"name":"x","schedule":{"start_date":"2024-03-10","slots":["25:00"],"take_days":1}}`
	resp, err := http.Post(ts.URL+"/v1/medicines", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST medicines: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateMedicineValidationError(t *testing.T) {
	t.Parallel()
	cat := &fakeCatalog{err: &med.ValidationError{Field: "name", Msg: "must not be empty"}}
	ts := newTestServer(&fakeDoses{}, cat, &fakeToday{}, &fakePinger{})
	defer ts.Close()

	body := `{"name":"","schedule":{"start_date":"2024-03-10","slots":["08:00"],"take_days":1}}`
	resp, err := http.Post(ts.URL+"/v1/medicines", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST medicines: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
