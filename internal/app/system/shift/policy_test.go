package shift

import (
	"testing"
	"time"
)

func testPolicy(t *testing.T) Policy {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Bangkok")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return Policy{Start: "09:00", Location: loc, Grace: 5 * time.Minute, StandardMinutes: 480}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		h, m, s int
		wantErr bool
	}{
		{"09:00", 9, 0, 0, false},
		{"23:59:30", 23, 59, 30, false},
		{"9:00", 0, 0, 0, true},
		{"24:00", 0, 0, 0, true},
		{"12:60", 0, 0, 0, true},
		{"noon", 0, 0, 0, true},
		{"", 0, 0, 0, true},
	}
	for _, tt := range tests {
		h, m, s, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (h != tt.h || m != tt.m || s != tt.s) {
			t.Errorf("ParseClock(%q) = %d:%d:%d", tt.in, h, m, s)
		}
	}
}

func TestPolicy_LateMinutes(t *testing.T) {
	p := testPolicy(t)
	loc := p.Location
	override := "10:30"

	tests := []struct {
		name     string
		checkIn  time.Time
		override *string
		want     int
	}{
		{"early", time.Date(2026, 3, 2, 8, 45, 0, 0, loc), nil, 0},
		{"exactly on time", time.Date(2026, 3, 2, 9, 0, 0, 0, loc), nil, 0},
		{"within grace", time.Date(2026, 3, 2, 9, 5, 0, 0, loc), nil, 0},
		{"just after grace", time.Date(2026, 3, 2, 9, 5, 1, 0, loc), nil, 5},
		{"late", time.Date(2026, 3, 2, 9, 47, 30, 0, loc), nil, 47},
		{"override on time", time.Date(2026, 3, 2, 10, 20, 0, 0, loc), &override, 0},
		{"override late", time.Date(2026, 3, 2, 11, 0, 0, 0, loc), &override, 30},
		{"utc input converted", time.Date(2026, 3, 2, 2, 15, 0, 0, time.UTC), nil, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.LateMinutes(tt.checkIn, tt.override)
			if err != nil {
				t.Fatalf("LateMinutes() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("LateMinutes() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPolicy_Day(t *testing.T) {
	p := testPolicy(t)
	// 20:00 UTC on March 1 is 03:00 on March 2 in Bangkok.
	if got := p.Day(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)); got != "2026-03-02" {
		t.Errorf("Day() = %q, want 2026-03-02", got)
	}
}

func TestMinuteMath(t *testing.T) {
	in := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	if got := BreakMinutes(in, in.Add(45*time.Minute+50*time.Second)); got != 45 {
		t.Errorf("BreakMinutes() = %d, want 45", got)
	}
	if got := BreakMinutes(in, in.Add(-time.Minute)); got != 0 {
		t.Errorf("BreakMinutes(reversed) = %d, want 0", got)
	}
	if got := WorkedMinutes(in, in.Add(9*time.Hour), 60); got != 480 {
		t.Errorf("WorkedMinutes() = %d, want 480", got)
	}
	if got := WorkedMinutes(in, in.Add(10*time.Minute), 30); got != 0 {
		t.Errorf("WorkedMinutes(breaks exceed span) = %d, want 0", got)
	}

	p := Policy{StandardMinutes: 480}
	if got := p.OvertimeMinutes(530); got != 50 {
		t.Errorf("OvertimeMinutes(530) = %d, want 50", got)
	}
	if got := p.OvertimeMinutes(400); got != 0 {
		t.Errorf("OvertimeMinutes(400) = %d, want 0", got)
	}
}
