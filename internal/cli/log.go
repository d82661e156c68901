package cli

import (
	"io"
	"log/slog"
)

// setupLogging installs the default logger. Lockdown records are logged at
// warn, so they show without --debug.
func setupLogging(writer io.Writer, debug bool) {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(
		writer,
		&slog.HandlerOptions{
			Level: level,
		},
	)))
}
