//go:build linux

package trigger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// readBufferSize fits 64 events carrying maximum-length names.
const readBufferSize = (unix.SizeofInotifyEvent + nameMax + 1) * 64

const nameMax = 255

// InotifySource watches paths with raw inotify and IN_ALL_EVENTS, so reads
// and opens are reported as well as changes.
type InotifySource struct {
	fd   int
	file *os.File

	mu      sync.Mutex
	watches map[int32]string

	closeOnce sync.Once
	closeErr  error
}

// NewInotifySource creates a non-blocking inotify instance. Reads go through
// the runtime poller so Close can interrupt a pending Wait.
func NewInotifySource() (*InotifySource, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	return &InotifySource{
		fd:      fd,
		file:    os.NewFile(uintptr(fd), "inotify"),
		watches: make(map[int32]string),
	}, nil
}

// Add watches path for every event category.
func (s *InotifySource) Add(path string) error {
	wd, err := unix.InotifyAddWatch(s.fd, path, unix.IN_ALL_EVENTS)
	if err != nil {
		return &os.PathError{Op: "inotify_add_watch", Path: path, Err: err}
	}
	s.mu.Lock()
	s.watches[int32(wd)] = path
	s.mu.Unlock()
	return nil
}

// Wait blocks for the next read of the inotify descriptor and returns every
// event in it.
func (s *InotifySource) Wait() ([]Event, error) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.file.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil, ErrClosed
			}
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		s.mu.Lock()
		events, err := parseInotify(buf[:n], s.watches)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}
	}
}

// Close closes the inotify descriptor, dropping every watch.
func (s *InotifySource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}

// parseInotify decodes the packed inotify_event records in buf.
func parseInotify(buf []byte, watches map[int32]string) ([]Event, error) {
	var events []Event
	for off := 0; off < len(buf); {
		if len(buf)-off < unix.SizeofInotifyEvent {
			return events, fmt.Errorf("inotify: short event header (%d bytes)", len(buf)-off)
		}
		wd := int32(binary.NativeEndian.Uint32(buf[off:]))
		mask := binary.NativeEndian.Uint32(buf[off+4:])
		nameLen := int(binary.NativeEndian.Uint32(buf[off+12:]))
		off += unix.SizeofInotifyEvent

		if nameLen > len(buf)-off {
			return events, fmt.Errorf("inotify: name length %d overruns buffer", nameLen)
		}
		path := watches[wd]
		if nameLen > 0 {
			name := strings.TrimRight(string(buf[off:off+nameLen]), "\x00")
			path = filepath.Join(path, name)
		}
		off += nameLen

		events = append(events, Event{Path: path, Op: inotifyOp(mask)})
	}
	return events, nil
}

var inotifyOps = []struct {
	mask uint32
	name string
}{
	{unix.IN_ACCESS, "ACCESS"},
	{unix.IN_MODIFY, "MODIFY"},
	{unix.IN_ATTRIB, "ATTRIB"},
	{unix.IN_CLOSE_WRITE, "CLOSE_WRITE"},
	{unix.IN_CLOSE_NOWRITE, "CLOSE_NOWRITE"},
	{unix.IN_OPEN, "OPEN"},
	{unix.IN_MOVED_FROM, "MOVED_FROM"},
	{unix.IN_MOVED_TO, "MOVED_TO"},
	{unix.IN_CREATE, "CREATE"},
	{unix.IN_DELETE, "DELETE"},
	{unix.IN_DELETE_SELF, "DELETE_SELF"},
	{unix.IN_MOVE_SELF, "MOVE_SELF"},
	{unix.IN_UNMOUNT, "UNMOUNT"},
	{unix.IN_Q_OVERFLOW, "Q_OVERFLOW"},
	{unix.IN_IGNORED, "IGNORED"},
	{unix.IN_ISDIR, "ISDIR"},
}

func inotifyOp(mask uint32) string {
	var names []string
	for _, op := range inotifyOps {
		if mask&op.mask != 0 {
			names = append(names, op.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("0x%x", mask)
	}
	return strings.Join(names, "|")
}
