package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// trapFsName is the source name shown in /proc/mounts.
const trapFsName = "canarywatch"

// Trap mounts an empty directory and fires the lockdown the first time that
// directory is listed. Attribute queries and lookups never fire; only
// enumeration does, whoever performs it.
type Trap struct {
	mountpoint string
	cfg        Config
	log        *slog.Logger

	once  sync.Once
	fired chan struct{}
}

// NewTrap creates a Trap for mountpoint.
func NewTrap(mountpoint string, cfg Config) *Trap {
	return &Trap{
		mountpoint: mountpoint,
		cfg:        cfg,
		log:        cfg.logger().With(slog.String("backend", string(BackendFuse))),
		fired:      make(chan struct{}),
	}
}

// Run mounts the trap and blocks until the lockdown has run or ctx is done,
// then unmounts. A mount failure is returned before anything is guarded.
func (t *Trap) Run(ctx context.Context) error {
	if err := t.cfg.validate(); err != nil {
		return err
	}

	server, err := fs.Mount(t.mountpoint, t.root(), mountOptions())
	if err != nil {
		return fmt.Errorf("trigger: mount trap at %s: %w", t.mountpoint, err)
	}
	t.log.Info("trap mounted", slog.String("mountpoint", t.mountpoint), slog.String("mode", t.cfg.Mode.String()))

	select {
	case <-t.fired:
	case <-ctx.Done():
		t.log.Info("trap stopped")
	}

	if err := server.Unmount(); err != nil {
		t.log.Warn("unmount trap", slog.String("mountpoint", t.mountpoint), slog.Any("error", err))
	}
	return nil
}

// mountOptions mounts with mount(2) directly; go-fuse falls back to
// fusermount when that is refused.
func mountOptions() *fs.Options {
	return &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther:  true,
			DirectMount: true,
			FsName:      trapFsName,
			Name:        trapFsName,
		},
	}
}

// Fired is closed once the lockdown has returned.
func (t *Trap) Fired() <-chan struct{} {
	return t.fired
}

func (t *Trap) root() *trapRoot {
	return &trapRoot{onList: t.trip}
}

// trip runs the lockdown for the first listing only.
func (t *Trap) trip(caller *fuse.Caller) {
	t.once.Do(func() {
		defer close(t.fired)
		log := t.log
		if caller != nil {
			log = log.With(
				slog.Uint64("caller_pid", uint64(caller.Pid)),
				slog.Uint64("caller_uid", uint64(caller.Uid)),
				slog.String("caller_cmd", callerCommand(caller.Pid)),
			)
		}
		t.cfg.fire(log, "trap directory listed at "+t.mountpoint)
	})
}

// trapRoot is the only node of the trap filesystem.
type trapRoot struct {
	fs.Inode
	onList func(*fuse.Caller)
}

var (
	_ fs.NodeGetattrer      = (*trapRoot)(nil)
	_ fs.NodeLookuper       = (*trapRoot)(nil)
	_ fs.NodeOpendirHandler = (*trapRoot)(nil)
	_ fs.FileReaddirenter   = (*trapDir)(nil)
	_ fs.FileSeekdirer      = (*trapDir)(nil)
	_ fs.FileReleasedirer   = (*trapDir)(nil)
)

// Getattr reports an empty directory.
func (r *trapRoot) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0o755
	out.Nlink = 2
	return fs.OK
}

// Lookup fails for every name: the directory has no children.
func (r *trapRoot) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.ENOENT
}

// OpendirHandle returns a listing of "." and "..". Opening alone does not
// fire.
func (r *trapRoot) OpendirHandle(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	d := &trapDir{onList: r.onList}
	if caller, ok := fuse.FromContext(ctx); ok {
		opener := *caller
		d.opener = &opener
	}
	return d, 0, fs.OK
}

// trapEntries is the whole listing of the trap directory.
var trapEntries = []fuse.DirEntry{
	{Name: ".", Mode: fuse.S_IFDIR},
	{Name: "..", Mode: fuse.S_IFDIR},
}

// trapDir is an open handle on the trap directory.
//
// One READDIR request pulls entries until Readdirent returns nil, so the
// request that serves the entries also reaches the end of the stream. The
// lockdown fires on the next end-of-stream read, which the kernel only
// sends once the previous reply has been delivered. Releasedir fires for
// readers that were served entries but closed without reading to the end.
type trapDir struct {
	opener  *fuse.Caller
	onList  func(*fuse.Caller)
	next    int
	drained bool
}

func (d *trapDir) Readdirent(ctx context.Context) (*fuse.DirEntry, syscall.Errno) {
	if d.next < len(trapEntries) {
		e := trapEntries[d.next]
		d.next++
		return &e, fs.OK
	}
	if d.drained {
		caller, ok := fuse.FromContext(ctx)
		if !ok {
			caller = d.opener
		}
		d.onList(caller)
	}
	d.drained = true
	return nil, fs.OK
}

// Seekdir supports rewinddir. Offsets count entries served.
func (d *trapDir) Seekdir(ctx context.Context, off uint64) syscall.Errno {
	if off > uint64(len(trapEntries)) {
		off = uint64(len(trapEntries))
	}
	d.next = int(off)
	if d.next < len(trapEntries) {
		d.drained = false
	}
	return fs.OK
}

func (d *trapDir) Releasedir(ctx context.Context, releaseFlags uint32) {
	if d.next > 0 {
		d.onList(d.opener)
	}
}

// callerCommand reads /proc/<pid>/cmdline as a space-separated string.
func callerCommand(pid uint32) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return ""
	}
	// cmdline uses null bytes as separators
	var parts []string
	for _, p := range strings.Split(string(data), "\x00") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}
