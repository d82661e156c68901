package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Event is one filesystem notification on a guarded path.
type Event struct {
	Path string
	Op   string
}

func (e Event) String() string {
	return e.Op + " " + e.Path
}

// EventSource delivers filesystem notifications in batches.
type EventSource interface {
	// Add registers interest in every event category for path.
	Add(path string) error
	// Wait blocks until at least one event is available and returns all
	// events read together. It returns ErrClosed after Close.
	Wait() ([]Event, error)
	// Close releases the watch handle and unblocks Wait. Safe to call twice.
	Close() error
}

// NewEventSource returns the raw inotify source, or the fsnotify source
// when portable is set.
func NewEventSource(portable bool) (EventSource, error) {
	if portable {
		s, err := NewPortableSource()
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := NewInotifySource()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Watch fires the lockdown on the first batch of events on any guarded path.
type Watch struct {
	paths  []string
	source EventSource
	cfg    Config
	log    *slog.Logger
}

// NewWatch creates a Watch over paths. Run takes ownership of source.
func NewWatch(paths []string, source EventSource, cfg Config) *Watch {
	log := cfg.logger().With(slog.String("backend", string(BackendNotify)))
	return &Watch{
		paths:  append([]string(nil), paths...),
		source: source,
		cfg:    cfg,
		log:    log,
	}
}

// Run registers every path, waits for the first batch and fires the
// lockdown once, however many events the batch holds. A registration
// failure is returned before anything is guarded. Cancelling ctx closes the
// source and returns nil without firing.
func (w *Watch) Run(ctx context.Context) error {
	defer func() { _ = w.source.Close() }()

	if err := w.cfg.validate(); err != nil {
		return err
	}
	if len(w.paths) == 0 {
		return errors.New("trigger: no paths to watch")
	}
	for _, p := range w.paths {
		if err := w.source.Add(p); err != nil {
			return fmt.Errorf("trigger: watch %s: %w", p, err)
		}
	}
	w.log.Info("watching", slog.Any("paths", w.paths), slog.String("mode", w.cfg.Mode.String()))

	// Close the source on cancellation; that is the only way to unblock Wait.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = w.source.Close()
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	batch, err := w.source.Wait()
	if err != nil {
		if ctx.Err() != nil {
			w.log.Info("watch stopped")
			return nil
		}
		return fmt.Errorf("trigger: read events: %w", err)
	}

	for _, ev := range batch {
		w.log.Debug("event", slog.String("path", ev.Path), slog.String("op", ev.Op))
	}
	w.cfg.fire(w.log, describe(batch))
	return nil
}

// describe summarises a batch for the log; the first event is the one that
// matters.
func describe(batch []Event) string {
	if len(batch) == 0 {
		return "empty batch"
	}
	var b strings.Builder
	b.WriteString(batch[0].String())
	if len(batch) > 1 {
		fmt.Fprintf(&b, " (+%d more)", len(batch)-1)
	}
	return b.String()
}
