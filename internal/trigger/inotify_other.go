//go:build !linux

package trigger

import (
	"errors"
)

// InotifySource is only available on Linux.
type InotifySource struct{}

// NewInotifySource always fails off Linux; use the portable source.
func NewInotifySource() (*InotifySource, error) {
	return nil, errors.New("inotify is only available on Linux (use --portable)")
}

func (*InotifySource) Add(string) error       { return errors.ErrUnsupported }
func (*InotifySource) Wait() ([]Event, error) { return nil, ErrClosed }
func (*InotifySource) Close() error           { return nil }
