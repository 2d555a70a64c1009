package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/config"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/invoke"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/scheduler"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

// validateConfig runs every mapper so a file that would fail at startup is
// also rejected on hot reload. All problems are reported together.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is empty")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := mapLogConfig(cfg)
	check(err)
	_, _, err = mapTelegramConfig(cfg)
	check(err)
	_, err = mapNotifierConfig(cfg)
	check(err)
	_, _, err = mapStorageConfig(cfg)
	check(err)
	_, err = mapMarketConfig(cfg)
	check(err)
	_, err = mapSchedulerConfig(cfg)
	check(err)
	_, err = mapAdminConfig(cfg)
	check(err)

	if len(cfg.Services) > 0 {
		if _, err := invoke.NewExec(mapServices(cfg), logx.Nop()); err != nil {
			errs = append(errs, fmt.Errorf("services: %w", err))
		}
	}
	if _, clash := cfg.Services[systemdService]; clash && cfg.Systemd.Enabled {
		errs = append(errs, fmt.Errorf("services.%s clashes with the built-in systemd service", systemdService))
	}
	if cfg.Systemd.Enabled && len(cfg.Systemd.Units) == 0 {
		errs = append(errs, errors.New("systemd.units must list at least one unit when systemd is enabled"))
	}

	known := knownServices(cfg)
	seen := map[string]int{}
	for i, spec := range cfg.Tasks {
		if err := scheduler.CheckSpec(spec); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d] (%s): %w", i, spec.Name, err))
			continue
		}
		key := strings.ToLower(strings.TrimSpace(spec.Name))
		if j, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("tasks[%d]: name %q already used by tasks[%d]", i, spec.Name, j))
		}
		seen[key] = i
		if svc := scheduler.ServiceOf(spec.Target); !known[svc] {
			errs = append(errs, fmt.Errorf("tasks[%d] (%s): target service %q is not configured", i, spec.Name, svc))
		}
	}
	return errors.Join(errs...)
}
