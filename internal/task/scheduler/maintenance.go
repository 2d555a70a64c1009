package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseCleanupSchedule normalizes a maintenance schedule into a cron
// expression. Accepted forms: a cron expression ("0 3 * * *", "@daily"),
// a Go duration ("6h") or HH:MM as an interval ("02:30"). Intervals become
// "@every <d>".
func ParseCleanupSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		s = strings.TrimSpace(s[len("cron:"):])
	}

	var expr string
	switch {
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		expr = s
	case reHHMM.MatchString(s):
		d, err := parseHHMM(s)
		if err != nil {
			return "", err
		}
		expr = "@every " + d.String()
	default:
		d, err := time.ParseDuration(s)
		if err != nil {
			return "", fmt.Errorf("invalid cleanup schedule %q (use cron like '0 3 * * *', HH:MM like '06:00', or duration like '6h')", raw)
		}
		if d < time.Minute {
			return "", fmt.Errorf("cleanup interval must be at least 1m, got %s", d)
		}
		expr = "@every " + d.String()
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return "", fmt.Errorf("invalid cleanup schedule %q: %w", raw, err)
	}
	return expr, nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d < time.Minute {
		return 0, fmt.Errorf("cleanup interval must be at least 1m")
	}
	return d, nil
}

// startMaintenance schedules the retention job in the market timezone.
// An empty CleanupSchedule disables it.
func (s *Service) startMaintenance(ctx context.Context, loc *time.Location) (*cron.Cron, error) {
	expr, err := ParseCleanupSchedule(s.cfg.CleanupSchedule)
	if err != nil {
		return nil, err
	}
	if expr == "" {
		return nil, nil
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(expr, func() {
		if ctx.Err() != nil {
			return
		}
		rep := s.Cleanup(ctx, s.cfg.History.Retention)
		s.publish("scheduler.cleanup", rep)
	}); err != nil {
		return nil, err
	}
	c.Start()
	s.log.Debug("maintenance job scheduled", logx.String("schedule", expr), logx.String("tz", loc.String()))
	return c, nil
}
