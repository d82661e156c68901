// Package trigger implements the tamper detectors that fire a lockdown.
//
// Two backends share one executor: Watch blocks on filesystem change
// notifications for the guarded paths, Trap mounts a one-directory FUSE
// filesystem and fires when that directory is listed. Either backend fires
// at most once per Run.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ppiankov/canarywatch/internal/lockdown"
	"github.com/ppiankov/canarywatch/internal/volume"
)

// ErrClosed is returned by an EventSource that was closed while waiting.
var ErrClosed = errors.New("trigger: event source closed")

// ErrUnknownBackend is returned by ParseBackend.
var ErrUnknownBackend = errors.New("unknown backend")

// Backend names a trigger implementation on the command line.
type Backend string

const (
	BackendNotify Backend = "notify"
	BackendFuse   Backend = "fuse"
)

// ParseBackend parses the command-line backend token.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendNotify, BackendFuse:
		return b, nil
	default:
		return "", fmt.Errorf("%w %q (want notify or fuse)", ErrUnknownBackend, s)
	}
}

// Executor runs the lockdown. *lockdown.Executor implements it.
type Executor interface {
	Execute(mode lockdown.Mode, vol volume.Mapping) lockdown.Report
}

// Trigger blocks until a tamper signal fires the lockdown or ctx is done.
// Both outcomes return nil; errors are startup failures.
type Trigger interface {
	Run(ctx context.Context) error
}

// Config is what a trigger hands to the executor when it fires.
type Config struct {
	Mode     lockdown.Mode
	Volume   volume.Mapping
	Executor Executor
	Logger   *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c Config) validate() error {
	if c.Executor == nil {
		return errors.New("trigger: no executor")
	}
	return nil
}

// fire runs the lockdown and logs its summary.
func (c Config) fire(log *slog.Logger, reason string) lockdown.Report {
	log.Warn("tamper detected", slog.String("reason", reason))
	report := c.Executor.Execute(c.Mode, c.Volume)
	log.Warn("lockdown finished",
		slog.String("lockdown_id", report.ID.String()),
		slog.Int("failed_stages", report.Failed()))
	return report
}
