//go:build linux

package systemd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

type dbusUnits struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// Connect opens a system bus connection.
func Connect(ctx context.Context) (Units, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &dbusUnits{conn: conn}, nil
}

func (u *dbusUnits) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
	return nil
}

func (u *dbusUnits) Start(ctx context.Context, unit string) error {
	return u.job(ctx, "start", unit, func(c *dbus.Conn, name string, ch chan<- string) (int, error) {
		return c.StartUnitContext(ctx, name, "replace", ch)
	})
}

func (u *dbusUnits) Stop(ctx context.Context, unit string) error {
	return u.job(ctx, "stop", unit, func(c *dbus.Conn, name string, ch chan<- string) (int, error) {
		return c.StopUnitContext(ctx, name, "replace", ch)
	})
}

func (u *dbusUnits) Restart(ctx context.Context, unit string) error {
	return u.job(ctx, "restart", unit, func(c *dbus.Conn, name string, ch chan<- string) (int, error) {
		return c.RestartUnitContext(ctx, name, "replace", ch)
	})
}

// job queues a unit job and waits for its result so a failed start surfaces
// as a task failure.
func (u *dbusUnits) job(ctx context.Context, op, unit string, fn func(*dbus.Conn, string, chan<- string) (int, error)) error {
	u.mu.RLock()
	conn := u.conn
	u.mu.RUnlock()
	if conn == nil {
		return ErrClosed
	}

	done := make(chan string, 1)
	if _, err := fn(conn, unit+".service", done); err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, unit, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", op, unit, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *dbusUnits) Status(ctx context.Context, unit string) (UnitStatus, error) {
	u.mu.RLock()
	conn := u.conn
	u.mu.RUnlock()
	if conn == nil {
		return UnitStatus{}, ErrClosed
	}

	name := unit + ".service"
	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return UnitStatus{Unit: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return UnitStatus{}, fmt.Errorf("failed to get status for %s: %w", unit, err)
	}

	st := UnitStatus{
		Unit:          unit,
		Active:        stringProp(props, "ActiveState"),
		SubState:      stringProp(props, "SubState"),
		LoadState:     stringProp(props, "LoadState"),
		Description:   stringProp(props, "Description"),
		ActiveSince:   timestampProp(props, "ActiveEnterTimestamp"),
		InactiveSince: timestampProp(props, "InactiveEnterTimestamp"),
	}
	if st.LoadState == "not-found" {
		st.Active, st.SubState = "unknown", "not-found"
	}
	return st, nil
}

func isNoSuchUnitErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "NoSuchUnit") || strings.Contains(s, "not loaded")
}

func stringProp(props map[string]interface{}, key string) string {
	v, _ := props[key].(string)
	return v
}

// systemd timestamps are microseconds since the Unix epoch.
func timestampProp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}
