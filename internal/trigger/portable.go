package trigger

import (
	"errors"

	"github.com/fsnotify/fsnotify"
)

// PortableSource watches paths with fsnotify. It sees create, write,
// remove, rename and chmod but not reads or opens, so it is less sensitive
// than InotifySource. Used where raw inotify is unavailable.
type PortableSource struct {
	watcher *fsnotify.Watcher
}

// NewPortableSource creates an fsnotify watcher.
func NewPortableSource() (*PortableSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PortableSource{watcher: w}, nil
}

// Add watches path.
func (s *PortableSource) Add(path string) error {
	return s.watcher.Add(path)
}

// Wait blocks for one event, then drains whatever else is already queued so
// a burst is returned as one batch. A queue overflow is itself reported as
// an event: something is hammering the guarded path.
func (s *PortableSource) Wait() ([]Event, error) {
	var batch []Event

	select {
	case ev, ok := <-s.watcher.Events:
		if !ok {
			return nil, ErrClosed
		}
		batch = append(batch, Event{Path: ev.Name, Op: ev.Op.String()})
	case err, ok := <-s.watcher.Errors:
		if !ok {
			return nil, ErrClosed
		}
		if !errors.Is(err, fsnotify.ErrEventOverflow) {
			return nil, err
		}
		batch = append(batch, Event{Op: "OVERFLOW"})
	}

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return batch, nil
			}
			batch = append(batch, Event{Path: ev.Name, Op: ev.Op.String()})
		default:
			return batch, nil
		}
	}
}

// Close stops the watcher. fsnotify tolerates repeated calls.
func (s *PortableSource) Close() error {
	return s.watcher.Close()
}
