// Package systemd exposes allowlisted systemd units as a task service:
// "systemd.restart" with {"unit": "collector"} restarts collector.service.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
)

var (
	ErrUnsupported  = errors.New("systemd: unsupported OS (linux only)")
	ErrClosed       = errors.New("systemd connection is closed")
	ErrNotAllowed   = errors.New("unit is not in the allowlist")
	ErrUnknownOp    = errors.New("unknown systemd method")
	ErrMissingUnit  = errors.New("parameter unit is required")
	ErrUnitNotFound = errors.New("unit not found")
)

// UnitStatus is the state of one service unit.
type UnitStatus struct {
	Unit          string    `json:"unit"`
	Active        string    `json:"active"`    // active, inactive, failed, ...
	SubState      string    `json:"sub_state"` // running, dead, ...
	LoadState     string    `json:"load_state"`
	Description   string    `json:"description,omitempty"`
	ActiveSince   time.Time `json:"active_since,omitzero"`
	InactiveSince time.Time `json:"inactive_since,omitzero"`
}

// Units controls service units by short name (without ".service").
type Units interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Status(ctx context.Context, unit string) (UnitStatus, error)
	Close() error
}

// Handler returns an invoke.Handler for the "systemd" service. Methods:
// start, stop, restart, status and ensure_active (start only when the unit
// is not active). Units outside allow are refused without retry.
func Handler(units Units, allow []string) func(ctx context.Context, method string, params map[string]any) (any, error) {
	allowed := make([]string, 0, len(allow))
	for _, u := range allow {
		if u = unitName(u); u != "" {
			allowed = append(allowed, u)
		}
	}
	return func(ctx context.Context, method string, params map[string]any) (any, error) {
		unit, _ := params["unit"].(string)
		unit = unitName(unit)
		if unit == "" {
			return nil, engine.NoRetry(ErrMissingUnit)
		}
		if !slices.Contains(allowed, unit) {
			return nil, engine.NoRetry(fmt.Errorf("%w: %s", ErrNotAllowed, unit))
		}

		switch strings.ToLower(method) {
		case "start":
			return action(unit, "start", units.Start(ctx, unit))
		case "stop":
			return action(unit, "stop", units.Stop(ctx, unit))
		case "restart":
			return action(unit, "restart", units.Restart(ctx, unit))
		case "status":
			st, err := units.Status(ctx, unit)
			if err != nil {
				return nil, err
			}
			if st.LoadState == "not-found" {
				return nil, engine.NoRetry(fmt.Errorf("%w: %s", ErrUnitNotFound, unit))
			}
			return st, nil
		case "ensure_active":
			st, err := units.Status(ctx, unit)
			if err != nil {
				return nil, err
			}
			if st.LoadState == "not-found" {
				return nil, engine.NoRetry(fmt.Errorf("%w: %s", ErrUnitNotFound, unit))
			}
			if st.Active == "active" {
				return map[string]any{"unit": unit, "action": "none", "active": st.Active}, nil
			}
			return action(unit, "start", units.Start(ctx, unit))
		default:
			return nil, engine.NoRetry(fmt.Errorf("%w: %s", ErrUnknownOp, method))
		}
	}
}

func action(unit, op string, err error) (any, error) {
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			return nil, engine.NoRetry(err)
		}
		return nil, err
	}
	return map[string]any{"unit": unit, "action": op}, nil
}

// unitName trims a trailing ".service" so "collector" and
// "collector.service" name the same unit.
func unitName(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".service")
}
