package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
)

const (
	maxNameLen      = 100
	defaultPriority = 5
	defaultTimeout  = 300 * time.Second
	minTimeout      = time.Second
	maxTimeout      = 6 * time.Hour
	defaultRetries  = 3
	maxRetries      = 10
	minEvery        = time.Minute
)

// Target is "service.method"; the service part keys the circuit breaker.
var reTarget = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_-]*)\.([A-Za-z][A-Za-z0-9_.-]*)$`)

// FieldError describes one invalid field of a TaskSpec.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a TaskSpec.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "invalid task: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// entry is a registered task plus the parsed form of its definition.
type entry struct {
	Task

	at      market.TimeOfDay
	days    market.WeekdaySet
	service string

	// breakerHeld is set while the task is due but held back by an open
	// breaker, so the deferral is reported once.
	breakerHeld bool
}

func (e *entry) slot() market.Slot {
	return market.Slot{At: e.at, Weekdays: e.days, Phase: e.Phase}
}

// ServiceOf returns the service part of a "service.method" target.
func ServiceOf(target string) string {
	if m := reTarget.FindStringSubmatch(strings.TrimSpace(target)); m != nil {
		return m[1]
	}
	return ""
}

// CheckSpec validates spec without registering it. The error, if any, is a
// *ValidationError.
func CheckSpec(spec TaskSpec) error {
	if _, ve := compile(spec); ve != nil {
		return ve
	}
	return nil
}

// compile checks every field of spec and returns the parsed entry.
// Name uniqueness is checked by the caller under the registry lock.
func compile(spec TaskSpec) (*entry, *ValidationError) {
	ve := &ValidationError{}
	e := &entry{}

	name := strings.TrimSpace(spec.Name)
	switch {
	case name == "":
		ve.add("name", "required")
	case utf8.RuneCountInString(name) > maxNameLen:
		ve.add("name", "must be at most %d characters", maxNameLen)
	}
	e.Name = name

	if at, err := market.ParseTimeOfDay(strings.TrimSpace(spec.ScheduleTime)); err != nil {
		ve.add("schedule_time", "%v", err)
	} else {
		e.at = at
		e.ScheduleTime = at.String()
	}

	if len(spec.Weekdays) == 0 {
		ve.add("weekdays", "at least one weekday (0=Sunday .. 6=Saturday) required")
	} else if days, err := market.WeekdaysFromInts(spec.Weekdays); err != nil {
		ve.add("weekdays", "%v", err)
	} else {
		e.days = days
		e.Weekdays = days.Ints()
	}

	phase, err := market.ParsePhase(spec.Phase)
	if err != nil {
		ve.add("market_phase", "%v", err)
	}
	e.Phase = phase

	target := strings.TrimSpace(spec.Target)
	if m := reTarget.FindStringSubmatch(target); m == nil {
		ve.add("target", "must look like service.method, got %q", spec.Target)
	} else {
		e.Target = target
		e.service = m[1]
	}

	e.Parameters = cloneParams(spec.Parameters)

	e.Enabled = true
	if spec.Enabled != nil {
		e.Enabled = *spec.Enabled
	}

	e.Priority = spec.Priority
	if e.Priority == 0 {
		e.Priority = defaultPriority
	}
	if e.Priority < 1 || e.Priority > 10 {
		ve.add("priority", "must be between 1 and 10")
	}

	e.Timeout = defaultTimeout
	if raw := strings.TrimSpace(spec.Timeout); raw != "" {
		d, err := time.ParseDuration(raw)
		switch {
		case err != nil:
			ve.add("timeout", "invalid duration %q", spec.Timeout)
		case d < minTimeout || d > maxTimeout:
			ve.add("timeout", "must be between %s and %s", minTimeout, maxTimeout)
		default:
			e.Timeout = d
		}
	}

	e.MaxRetries = defaultRetries
	if spec.MaxRetries != nil {
		e.MaxRetries = *spec.MaxRetries
		if e.MaxRetries < 0 || e.MaxRetries > maxRetries {
			ve.add("max_retries", "must be between 0 and %d", maxRetries)
		}
	}

	kind := RecurrenceKind(strings.ToLower(strings.TrimSpace(spec.Recurrence)))
	if kind == "" {
		kind = RecurDaily
	}
	e.Recurrence.Kind = kind
	switch kind {
	case RecurNone, RecurDaily:
		if strings.TrimSpace(spec.Every) != "" {
			ve.add("every", "only valid with intraday recurrence")
		}
	case RecurIntraday:
		d, err := time.ParseDuration(strings.TrimSpace(spec.Every))
		switch {
		case err != nil:
			ve.add("every", "intraday recurrence needs a duration like 30m")
		case d < minEvery:
			ve.add("every", "must be at least %s", minEvery)
		default:
			e.Recurrence.Every = d
		}
		if phase != "" && phase != market.MarketHours {
			ve.add("market_phase", "intraday recurrence requires market_hours")
		}
	default:
		ve.add("recurrence", "must be one of none, daily, intraday")
	}

	if len(ve.Errors) > 0 {
		return nil, ve
	}
	return e, nil
}

// specOf rebuilds the registration input of a task definition.
func specOf(t Task) TaskSpec {
	enabled := t.Enabled
	retries := t.MaxRetries
	spec := TaskSpec{
		Name:         t.Name,
		ScheduleTime: t.ScheduleTime,
		Weekdays:     append([]int(nil), t.Weekdays...),
		Phase:        string(t.Phase),
		Target:       t.Target,
		Parameters:   t.Parameters,
		Enabled:      &enabled,
		Priority:     t.Priority,
		Timeout:      t.Timeout.String(),
		MaxRetries:   &retries,
		Recurrence:   string(t.Recurrence.Kind),
	}
	if t.Recurrence.Kind == RecurIntraday {
		spec.Every = t.Recurrence.Every.String()
	}
	return spec
}

func cloneParams(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
