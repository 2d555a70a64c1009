package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// LookaheadDays bounds the calendar search before a slot is declared
// unschedulable.
const LookaheadDays = 14

const holidayLayout = "2006-01-02"

var ErrInvalidSchedule = errors.New("invalid market schedule")

// Schedule is an immutable, validated market calendar. It is safe for
// concurrent use; replace the whole value to change it.
type Schedule struct {
	cfg Config
	loc *time.Location

	pre, open, close, post TimeOfDay

	trading  WeekdaySet
	holidays map[string]struct{}
}

// New validates cfg and builds a Schedule.
//
// Boundaries must satisfy pre_market_start <= market_open < market_close <= post_market_end.
func New(cfg Config) (*Schedule, error) {
	cfg = cfg.normalized()
	var errs []string

	tz := strings.TrimSpace(cfg.Timezone)
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Sprintf("timezone: %v", err))
		} else {
			loc = l
		}
	}

	parse := func(field, v string) TimeOfDay {
		t, err := ParseTimeOfDay(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", field, err))
		}
		return t
	}
	pre := parse("pre_market_start", cfg.PreMarketStart)
	open := parse("market_open", cfg.MarketOpen)
	closeT := parse("market_close", cfg.MarketClose)
	post := parse("post_market_end", cfg.PostMarketEnd)
	if len(errs) == 0 {
		if pre.minutes() > open.minutes() {
			errs = append(errs, "pre_market_start must not be after market_open")
		}
		if open.minutes() >= closeT.minutes() {
			errs = append(errs, "market_open must be before market_close")
		}
		if closeT.minutes() > post.minutes() {
			errs = append(errs, "market_close must not be after post_market_end")
		}
	}

	trading, err := WeekdaysFromInts(cfg.TradingWeekdays)
	if err != nil {
		errs = append(errs, "trading_weekdays: "+err.Error())
	} else if trading.Empty() {
		errs = append(errs, "trading_weekdays: at least one weekday required")
	}

	holidays := make(map[string]struct{}, len(cfg.Holidays))
	for _, h := range cfg.Holidays {
		h = strings.TrimSpace(h)
		if _, err := time.ParseInLocation(holidayLayout, h, loc); err != nil {
			errs = append(errs, fmt.Sprintf("holidays: invalid date %q", h))
			continue
		}
		holidays[h] = struct{}{}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSchedule, strings.Join(errs, "; "))
	}
	return &Schedule{
		cfg:      cfg,
		loc:      loc,
		pre:      pre,
		open:     open,
		close:    closeT,
		post:     post,
		trading:  trading,
		holidays: holidays,
	}, nil
}

// MustNew is New for static configurations; it panics on error.
func MustNew(cfg Config) *Schedule {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schedule) Config() Config { return s.cfg.normalized() }

func (s *Schedule) Location() *time.Location { return s.loc }

func (s *Schedule) TradingWeekdays() WeekdaySet { return s.trading }

// PhaseAt classifies t. Windows are half-open and off_hours wraps midnight.
func (s *Schedule) PhaseAt(t time.Time) Phase {
	lt := t.In(s.loc)
	return s.phaseOfMinute(lt.Hour()*60 + lt.Minute())
}

func (s *Schedule) phaseOfMinute(m int) Phase {
	switch {
	case m >= s.pre.minutes() && m < s.open.minutes():
		return PreMarket
	case m >= s.open.minutes() && m < s.close.minutes():
		return MarketHours
	case m >= s.close.minutes() && m < s.post.minutes():
		return PostMarket
	default:
		return OffHours
	}
}

// Window returns the [start, end) boundaries of p. For off_hours start is
// post_market_end and end is pre_market_start of the following day.
func (s *Schedule) Window(p Phase) (start, end TimeOfDay) {
	switch p {
	case PreMarket:
		return s.pre, s.open
	case MarketHours:
		return s.open, s.close
	case PostMarket:
		return s.close, s.post
	default:
		return s.post, s.pre
	}
}

// Contains reports whether the time of day at lies inside p's window.
func (s *Schedule) Contains(p Phase, at TimeOfDay) bool {
	return s.phaseOfMinute(at.minutes()) == p
}

func (s *Schedule) IsHoliday(t time.Time) bool {
	_, ok := s.holidays[t.In(s.loc).Format(holidayLayout)]
	return ok
}

// IsTradingDay ignores time-of-day: only weekday and holiday calendar matter.
func (s *Schedule) IsTradingDay(t time.Time) bool {
	lt := t.In(s.loc)
	return s.trading.Has(lt.Weekday()) && !s.IsHoliday(lt)
}

// Slot is the calendar constraint of a recurring task.
type Slot struct {
	At       TimeOfDay
	Weekdays WeekdaySet
	Phase    Phase
}

// NextRun returns the first instant strictly after now that matches slot,
// searching today plus LookaheadDays. ok is false when no such instant exists.
//
// Holidays are skipped for every phase; phases other than off_hours also
// require a trading weekday.
func (s *Schedule) NextRun(slot Slot, now time.Time) (time.Time, bool) {
	if slot.Weekdays.Empty() || !slot.Phase.Valid() {
		return time.Time{}, false
	}
	// The window is the same every day, so a slot outside it never matches.
	if !s.Contains(slot.Phase, slot.At) {
		return time.Time{}, false
	}
	y, m, d := now.In(s.loc).Date()
	for i := 0; i <= LookaheadDays; i++ {
		cand := time.Date(y, m, d+i, slot.At.Hour, slot.At.Minute, 0, 0, s.loc)
		wd := cand.Weekday()
		if !slot.Weekdays.Has(wd) || s.IsHoliday(cand) {
			continue
		}
		if slot.Phase != OffHours && !s.trading.Has(wd) {
			continue
		}
		if !cand.After(now) {
			continue
		}
		return cand, true
	}
	return time.Time{}, false
}

// NextIntraday returns from+every (advanced past now) when that instant still
// falls inside market_hours of the same trading day as from.
func (s *Schedule) NextIntraday(from time.Time, every time.Duration, now time.Time) (time.Time, bool) {
	if every <= 0 || from.IsZero() {
		return time.Time{}, false
	}
	next := from.Add(every)
	if !next.After(now) {
		n := now.Sub(from)/every + 1
		next = from.Add(n * every)
	}
	fy, fm, fd := from.In(s.loc).Date()
	ny, nm, nd := next.In(s.loc).Date()
	if fy != ny || fm != nm || fd != nd {
		return time.Time{}, false
	}
	if !s.IsTradingDay(next) || s.PhaseAt(next) != MarketHours {
		return time.Time{}, false
	}
	return next, true
}

// NextBoundary returns the next instant after now at which the boundary at
// occurs on a trading day.
func (s *Schedule) NextBoundary(at TimeOfDay, now time.Time) (time.Time, bool) {
	y, m, d := now.In(s.loc).Date()
	for i := 0; i <= LookaheadDays; i++ {
		cand := time.Date(y, m, d+i, at.Hour, at.Minute, 0, 0, s.loc)
		if !s.IsTradingDay(cand) || !cand.After(now) {
			continue
		}
		return cand, true
	}
	return time.Time{}, false
}

// Status is a point-in-time view of the market calendar.
type Status struct {
	Now        time.Time  `json:"now"`
	Phase      Phase      `json:"phase"`
	TradingDay bool       `json:"trading_day"`
	NextOpen   *time.Time `json:"next_open,omitempty"`
	NextClose  *time.Time `json:"next_close,omitempty"`
	Schedule   Config     `json:"schedule"`
}

func (s *Schedule) StatusAt(now time.Time) Status {
	st := Status{
		Now:        now.In(s.loc),
		Phase:      s.PhaseAt(now),
		TradingDay: s.IsTradingDay(now),
		Schedule:   s.Config(),
	}
	if t, ok := s.NextBoundary(s.open, now); ok {
		st.NextOpen = &t
	}
	if t, ok := s.NextBoundary(s.close, now); ok {
		st.NextClose = &t
	}
	return st
}
