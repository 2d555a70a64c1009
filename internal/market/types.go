package market

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Phase is a trading-session phase derived from the configured boundaries.
type Phase string

const (
	PreMarket   Phase = "pre_market"
	MarketHours Phase = "market_hours"
	PostMarket  Phase = "post_market"
	OffHours    Phase = "off_hours"
)

// Phases lists every valid phase in session order.
var Phases = []Phase{PreMarket, MarketHours, PostMarket, OffHours}

func (p Phase) Valid() bool {
	switch p {
	case PreMarket, MarketHours, PostMarket, OffHours:
		return true
	default:
		return false
	}
}

func (p Phase) String() string { return string(p) }

// ParsePhase accepts the canonical snake_case names (case-insensitive).
func ParsePhase(raw string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("invalid market phase %q (want one of pre_market, market_hours, post_market, off_hours)", raw)
	}
	return p, nil
}

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

var reHHMM = regexp.MustCompile(`^(\d{2}):(\d{2})$`)

// ParseTimeOfDay parses a strict "HH:MM" string (00:00 .. 23:59).
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	m := reHHMM.FindStringSubmatch(raw)
	if len(m) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", raw)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", raw)
	}
	if mm > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", raw)
	}
	return TimeOfDay{Hour: h, Minute: mm}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

// On returns the instant at t on the calendar day of day, in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, loc)
}

// WeekdaySet is a bitmask of time.Weekday values (Sunday=0).
type WeekdaySet uint8

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		if d >= time.Sunday && d <= time.Saturday {
			s |= 1 << uint(d)
		}
	}
	return s
}

// WeekdaysFromInts validates and converts 0..6 integers (Sunday=0).
func WeekdaysFromInts(days []int) (WeekdaySet, error) {
	var s WeekdaySet
	for _, d := range days {
		if d < 0 || d > 6 {
			return 0, fmt.Errorf("invalid weekday %d (want 0..6, Sunday=0)", d)
		}
		s |= 1 << uint(d)
	}
	return s, nil
}

// Weekdays is Monday through Friday.
var Weekdays = NewWeekdaySet(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)

func (s WeekdaySet) Has(d time.Weekday) bool { return s&(1<<uint(d)) != 0 }

func (s WeekdaySet) Empty() bool { return s == 0 }

func (s WeekdaySet) Ints() []int {
	out := make([]int, 0, 7)
	for d := 0; d < 7; d++ {
		if s.Has(time.Weekday(d)) {
			out = append(out, d)
		}
	}
	return out
}

func (s WeekdaySet) String() string {
	parts := make([]string, 0, 7)
	for _, d := range s.Ints() {
		parts = append(parts, time.Weekday(d).String()[:3])
	}
	return strings.Join(parts, ",")
}

// Config is the serializable form of a market schedule.
type Config struct {
	Timezone        string   `json:"timezone"`
	PreMarketStart  string   `json:"pre_market_start"`
	MarketOpen      string   `json:"market_open"`
	MarketClose     string   `json:"market_close"`
	PostMarketEnd   string   `json:"post_market_end"`
	TradingWeekdays []int    `json:"trading_weekdays"`
	Holidays        []string `json:"holidays,omitempty"` // YYYY-MM-DD in the market timezone
}

// DefaultConfig is a Monday-Friday 10:00-16:00 session with two-hour
// pre/post windows.
func DefaultConfig() Config {
	return Config{
		Timezone:        "Australia/Sydney",
		PreMarketStart:  "08:00",
		MarketOpen:      "10:00",
		MarketClose:     "16:00",
		PostMarketEnd:   "18:00",
		TradingWeekdays: []int{1, 2, 3, 4, 5},
	}
}

func (c Config) normalized() Config {
	out := c
	out.Holidays = append([]string(nil), c.Holidays...)
	sort.Strings(out.Holidays)
	out.TradingWeekdays = append([]int(nil), c.TradingWeekdays...)
	sort.Ints(out.TradingWeekdays)
	return out
}
