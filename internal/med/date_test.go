package med

import (
	"errors"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	t.Parallel()
	d, err := ParseDate(" 2024-02-29 ")
	if err != nil {
		t.Fatalf("ParseDate error: %v", err)
	}
	if want := NewDate(2024, time.February, 29); !d.Equal(want) {
		t.Fatalf("got %s, want %s", d, want)
	}

	for _, bad := range []string{"", "2024-2-9", "2023-02-29", "29.02.2024"} {
		if _, err := ParseDate(bad); err == nil {
			t.Errorf("ParseDate(%q) accepted", bad)
		}
	}
}

func TestDateArithmetic(t *testing.T) {
	t.Parallel()
	d := NewDate(2024, time.February, 28)
	if got := d.AddDays(2); !got.Equal(NewDate(2024, time.March, 1)) {
		t.Fatalf("AddDays(2) = %s", got)
	}
	if got := d.AddDays(-28); !got.Equal(NewDate(2024, time.January, 31)) {
		t.Fatalf("AddDays(-28) = %s", got)
	}
	if got := NewDate(2023, time.December, 31).DaysUntil(NewDate(2024, time.January, 2)); got != 2 {
		t.Fatalf("DaysUntil = %d, want 2", got)
	}
	if got := NewDate(2024, time.March, 5).DaysUntil(NewDate(2024, time.March, 1)); got != -4 {
		t.Fatalf("DaysUntil backwards = %d, want -4", got)
	}
	if !NewDate(2024, time.March, 1).After(NewDate(2024, time.February, 29)) {
		t.Fatal("ordering across month boundary broken")
	}
}

func TestDateAt(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+9", 9*3600)
	got := NewDate(2024, time.March, 10).At(TimeOfDay{Hour: 8, Minute: 30}, loc)
	want := time.Date(2024, time.March, 10, 8, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("At = %s, want %s", got, want)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{in: "08:00", want: TimeOfDay{Hour: 8}},
		{in: " 23:59 ", want: TimeOfDay{Hour: 23, Minute: 59}},
		{in: "0:05", want: TimeOfDay{Minute: 5}},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "12", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseTimeOfDay(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseTimeOfDay(%q) accepted", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeOfDay(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeSlots(t *testing.T) {
	t.Parallel()
	in := []TimeOfDay{{Hour: 21, Minute: 30}, {Hour: 8}, {Hour: 8}, {Hour: 12, Minute: 15}}
	got := NormalizeSlots(in)
	want := []TimeOfDay{{Hour: 8}, {Hour: 12, Minute: 15}, {Hour: 21, Minute: 30}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestScheduleValidate(t *testing.T) {
	t.Parallel()
	start := NewDate(2024, time.March, 1)
	end := NewDate(2024, time.February, 1)
	valid := Schedule{StartDate: start, Slots: []TimeOfDay{{Hour: 8}}, TakeDays: 2, RestDays: 1}

	if err := valid.Validate(); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Schedule)
	}{
		{"zero take days", func(s *Schedule) { s.TakeDays = 0 }},
		{"negative rest days", func(s *Schedule) { s.RestDays = -1 }},
		{"no slots", func(s *Schedule) { s.Slots = nil }},
		{"no start", func(s *Schedule) { s.StartDate = Date{} }},
		{"end before start", func(s *Schedule) { s.EndDate = &end }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc := valid
			tc.mutate(&sc)
			err := sc.Validate()
			if err == nil {
				t.Fatal("accepted")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error %v is not a ValidationError", err)
			}
		})
	}
}
