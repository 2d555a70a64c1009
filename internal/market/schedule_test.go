package market

import (
	"fmt"
	"testing"
	"time"
)

func testSchedule(t *testing.T, holidays ...string) *Schedule {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Holidays = holidays
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// 2024-01-10 is a Wednesday.
func wed(h, m int) time.Time { return time.Date(2024, 1, 10, h, m, 0, 0, time.UTC) }

func TestParseTimeOfDayGrid(t *testing.T) {
	t.Parallel()
	for h := 0; h < 24; h++ {
		for m := 0; m < 60; m++ {
			raw := fmt.Sprintf("%02d:%02d", h, m)
			got, err := ParseTimeOfDay(raw)
			if err != nil {
				t.Fatalf("ParseTimeOfDay(%q) error: %v", raw, err)
			}
			if got.Hour != h || got.Minute != m || got.String() != raw {
				t.Fatalf("ParseTimeOfDay(%q) = %+v", raw, got)
			}
		}
	}
	for _, raw := range []string{"", "24:00", "23:60", "9:30", "09:5", "0930", "09:30:00", "aa:bb", " 09:30", "-1:00", "99:99"} {
		if _, err := ParseTimeOfDay(raw); err == nil {
			t.Fatalf("ParseTimeOfDay(%q) expected error", raw)
		}
	}
}

func TestPhaseAt(t *testing.T) {
	t.Parallel()
	s := testSchedule(t)
	tests := []struct {
		at   time.Time
		want Phase
	}{
		{wed(7, 59), OffHours},
		{wed(8, 0), PreMarket},
		{wed(9, 59), PreMarket},
		{wed(10, 0), MarketHours},
		{wed(15, 59), MarketHours},
		{wed(16, 0), PostMarket},
		{wed(17, 59), PostMarket},
		{wed(18, 0), OffHours},
		{wed(23, 30), OffHours},
		{wed(0, 0), OffHours},
	}
	for _, tt := range tests {
		if got := s.PhaseAt(tt.at); got != tt.want {
			t.Fatalf("PhaseAt(%s) = %s, want %s", tt.at.Format("15:04"), got, tt.want)
		}
	}
}

func TestPhaseAtUsesScheduleTimezone(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// 2024-01-09 23:30 UTC is 2024-01-10 10:30 in Sydney (AEDT, UTC+11).
	at := time.Date(2024, 1, 9, 23, 30, 0, 0, time.UTC)
	if got := s.PhaseAt(at); got != MarketHours {
		t.Fatalf("PhaseAt = %s, want market_hours", got)
	}
	if !s.IsTradingDay(at) {
		t.Fatalf("expected Wednesday in Sydney to be a trading day")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	bad := []Config{
		{Timezone: "Mars/Base", PreMarketStart: "08:00", MarketOpen: "10:00", MarketClose: "16:00", PostMarketEnd: "18:00", TradingWeekdays: []int{1}},
		{PreMarketStart: "11:00", MarketOpen: "10:00", MarketClose: "16:00", PostMarketEnd: "18:00", TradingWeekdays: []int{1}},
		{PreMarketStart: "08:00", MarketOpen: "16:00", MarketClose: "16:00", PostMarketEnd: "18:00", TradingWeekdays: []int{1}},
		{PreMarketStart: "08:00", MarketOpen: "10:00", MarketClose: "16:00", PostMarketEnd: "18:00"},
		{PreMarketStart: "08:00", MarketOpen: "10:00", MarketClose: "16:00", PostMarketEnd: "18:00", TradingWeekdays: []int{7}},
		{PreMarketStart: "08:00", MarketOpen: "10:00", MarketClose: "16:00", PostMarketEnd: "18:00", TradingWeekdays: []int{1}, Holidays: []string{"2024-13-01"}},
	}
	for i, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestNextRunScenarios(t *testing.T) {
	t.Parallel()
	s := testSchedule(t)
	slot := Slot{At: TimeOfDay{9, 30}, Weekdays: Weekdays, Phase: PreMarket}

	got, ok := s.NextRun(slot, wed(9, 0))
	if !ok || !got.Equal(wed(9, 30)) {
		t.Fatalf("before slot: got %v ok=%v, want today 09:30", got, ok)
	}

	got, ok = s.NextRun(slot, wed(9, 45))
	want := time.Date(2024, 1, 11, 9, 30, 0, 0, time.UTC)
	if !ok || !got.Equal(want) {
		t.Fatalf("past slot: got %v ok=%v, want %v", got, ok, want)
	}

	// Exactly at the slot is not strictly in the future.
	got, ok = s.NextRun(slot, wed(9, 30))
	if !ok || !got.Equal(want) {
		t.Fatalf("at slot: got %v ok=%v, want %v", got, ok, want)
	}
}

func TestNextRunSkipsHolidayAndWeekend(t *testing.T) {
	t.Parallel()
	s := testSchedule(t, "2024-01-12", "2024-01-15")
	slot := Slot{At: TimeOfDay{9, 30}, Weekdays: Weekdays, Phase: PreMarket}
	// Thursday evening: Friday and Monday are holidays, weekend skipped.
	got, ok := s.NextRun(slot, time.Date(2024, 1, 11, 20, 0, 0, 0, time.UTC))
	want := time.Date(2024, 1, 16, 9, 30, 0, 0, time.UTC)
	if !ok || !got.Equal(want) {
		t.Fatalf("got %v ok=%v, want %v", got, ok, want)
	}
}

func TestNextRunPreMarketProperty(t *testing.T) {
	t.Parallel()
	s := testSchedule(t, "2024-01-17", "2024-01-26")
	pre, open := s.Window(PreMarket)
	start := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	for _, at := range []TimeOfDay{{8, 0}, {9, 15}, {9, 59}} {
		slot := Slot{At: at, Weekdays: Weekdays, Phase: PreMarket}
		for now := start; now.Before(start.Add(21 * 24 * time.Hour)); now = now.Add(97 * time.Minute) {
			got, ok := s.NextRun(slot, now)
			if !ok {
				t.Fatalf("unexpected unschedulable at %v", now)
			}
			if !got.After(now) {
				t.Fatalf("next run %v not after now %v", got, now)
			}
			if wd := got.Weekday(); wd == time.Saturday || wd == time.Sunday {
				t.Fatalf("next run %v on weekend", got)
			}
			if s.IsHoliday(got) {
				t.Fatalf("next run %v on holiday", got)
			}
			m := got.Hour()*60 + got.Minute()
			if m < pre.minutes() || m >= open.minutes() {
				t.Fatalf("next run %v outside pre-market window", got)
			}
		}
	}
}

func TestNextRunUnschedulable(t *testing.T) {
	t.Parallel()
	s := testSchedule(t)
	// 12:00 is never pre-market.
	if _, ok := s.NextRun(Slot{At: TimeOfDay{12, 0}, Weekdays: Weekdays, Phase: PreMarket}, wed(9, 0)); ok {
		t.Fatal("expected unschedulable for out-of-window time")
	}
	// Market-hours tasks on weekends only can never run.
	weekend := NewWeekdaySet(time.Saturday, time.Sunday)
	if _, ok := s.NextRun(Slot{At: TimeOfDay{11, 0}, Weekdays: weekend, Phase: MarketHours}, wed(9, 0)); ok {
		t.Fatal("expected unschedulable for weekend market-hours task")
	}
	if _, ok := s.NextRun(Slot{At: TimeOfDay{11, 0}, Phase: MarketHours}, wed(9, 0)); ok {
		t.Fatal("expected unschedulable for empty weekday set")
	}
}

func TestNextRunOffHoursAllowsWeekend(t *testing.T) {
	t.Parallel()
	s := testSchedule(t)
	slot := Slot{At: TimeOfDay{2, 0}, Weekdays: NewWeekdaySet(time.Sunday), Phase: OffHours}
	got, ok := s.NextRun(slot, wed(9, 0))
	want := time.Date(2024, 1, 14, 2, 0, 0, 0, time.UTC)
	if !ok || !got.Equal(want) {
		t.Fatalf("got %v ok=%v, want %v", got, ok, want)
	}
}

func TestNextIntraday(t *testing.T) {
	t.Parallel()
	s := testSchedule(t)
	got, ok := s.NextIntraday(wed(10, 0), 30*time.Minute, wed(10, 5))
	if !ok || !got.Equal(wed(10, 30)) {
		t.Fatalf("got %v ok=%v, want 10:30", got, ok)
	}
	// Catch up past now without bursting.
	got, ok = s.NextIntraday(wed(10, 0), 30*time.Minute, wed(11, 10))
	if !ok || !got.Equal(wed(11, 30)) {
		t.Fatalf("got %v ok=%v, want 11:30", got, ok)
	}
	if _, ok := s.NextIntraday(wed(15, 45), 30*time.Minute, wed(15, 46)); ok {
		t.Fatal("expected no intraday slot after close")
	}
}

func TestStatusAt(t *testing.T) {
	t.Parallel()
	s := testSchedule(t)
	st := s.StatusAt(wed(17, 0))
	if st.Phase != PostMarket || !st.TradingDay {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.NextOpen == nil || !st.NextOpen.Equal(time.Date(2024, 1, 11, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next open: %v", st.NextOpen)
	}
}
