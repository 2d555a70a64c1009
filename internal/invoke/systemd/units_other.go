//go:build !linux

package systemd

import "context"

func Connect(context.Context) (Units, error) { return nil, ErrUnsupported }
