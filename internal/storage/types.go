package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": snapshot + journal files next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskRecord is one persisted task. Data is the caller's JSON encoding of
// the task; storage does not interpret it.
type TaskRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}
