package trigger

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/canarywatch/internal/lockdown"
)

// openTrapDir opens the trap root the way an OPENDIR request does.
func openTrapDir(t *testing.T, root *trapRoot, ctx context.Context) *trapDir {
	t.Helper()
	fh, _, errno := root.OpendirHandle(ctx, 0)
	require.Equal(t, fs.OK, errno)
	d, ok := fh.(*trapDir)
	require.True(t, ok, "unexpected handle %T", fh)
	return d
}

// readdirRequest pulls entries the way one READDIR request does: until the
// handle reports the end of the stream.
func readdirRequest(t *testing.T, d *trapDir, ctx context.Context) []string {
	t.Helper()
	var names []string
	for {
		e, errno := d.Readdirent(ctx)
		require.Equal(t, fs.OK, errno)
		if e == nil {
			return names
		}
		names = append(names, e.Name)
	}
}

func callerContext() context.Context {
	return &fuse.Context{Caller: fuse.Caller{Pid: uint32(os.Getpid())}}
}

func TestTrapGetattrReportsDirectory(t *testing.T) {
	stub := newStub()
	cfg, _ := testConfig(stub, lockdown.Armed)
	root := NewTrap("/mnt/trap", cfg).root()

	var out fuse.AttrOut
	errno := root.Getattr(context.Background(), nil, &out)
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, uint32(syscall.S_IFDIR), out.Mode&syscall.S_IFMT)
	assert.Zero(t, stub.Count(), "attribute queries must not fire")
}

func TestTrapLookupFails(t *testing.T) {
	stub := newStub()
	cfg, _ := testConfig(stub, lockdown.Armed)
	root := NewTrap("/mnt/trap", cfg).root()

	for _, name := range []string{"secret", ".", "..", ""} {
		var out fuse.EntryOut
		node, errno := root.Lookup(context.Background(), name, &out)
		assert.Nil(t, node)
		assert.Equal(t, syscall.ENOENT, errno)
	}
	assert.Zero(t, stub.Count())
}

func TestTrapListingFiresWhileDirectoryHeldOpen(t *testing.T) {
	stub := newStub()
	cfg, logs := testConfig(stub, lockdown.Armed)
	trap := NewTrap("/mnt/trap", cfg)
	ctx := callerContext()
	d := openTrapDir(t, trap.root(), ctx)

	assert.Equal(t, []string{".", ".."}, readdirRequest(t, d, ctx))
	assert.Zero(t, stub.Count(), "lockdown must follow the listing, not precede it")

	// The reader asks for more; the handle is still open.
	assert.Empty(t, readdirRequest(t, d, ctx))
	assert.Equal(t, 1, stub.Count())
	assert.Equal(t, []lockdown.Mode{lockdown.Armed}, stub.calls)

	select {
	case <-trap.Fired():
	default:
		t.Fatal("Fired not closed after lockdown")
	}
	assert.Contains(t, logs.String(), "trap directory listed at /mnt/trap")
	assert.Contains(t, logs.String(), fmt.Sprintf("caller_pid=%d", os.Getpid()))

	d.Releasedir(context.Background(), 0)
	assert.Equal(t, 1, stub.Count())
}

func TestTrapCloseAfterPartialListingFires(t *testing.T) {
	stub := newStub()
	cfg, _ := testConfig(stub, lockdown.Test)
	d := openTrapDir(t, NewTrap("/mnt/trap", cfg).root(), callerContext())

	e, errno := d.Readdirent(callerContext())
	require.Equal(t, fs.OK, errno)
	require.NotNil(t, e)
	assert.Zero(t, stub.Count())

	d.Releasedir(context.Background(), 0)
	assert.Equal(t, 1, stub.Count())
}

func TestTrapOpenWithoutListingDoesNotFire(t *testing.T) {
	stub := newStub()
	cfg, _ := testConfig(stub, lockdown.Test)
	d := openTrapDir(t, NewTrap("/mnt/trap", cfg).root(), context.Background())

	d.Releasedir(context.Background(), 0)
	assert.Zero(t, stub.Count())
}

func TestTrapRewindServesListingAgain(t *testing.T) {
	stub := newStub()
	cfg, _ := testConfig(stub, lockdown.Test)
	ctx := callerContext()
	d := openTrapDir(t, NewTrap("/mnt/trap", cfg).root(), ctx)

	assert.Equal(t, []string{".", ".."}, readdirRequest(t, d, ctx))
	require.Equal(t, fs.OK, d.Seekdir(ctx, 0))
	assert.Equal(t, []string{".", ".."}, readdirRequest(t, d, ctx))
	assert.Zero(t, stub.Count())

	assert.Empty(t, readdirRequest(t, d, ctx))
	assert.Equal(t, 1, stub.Count())
}

func TestTrapFiresOnlyOnce(t *testing.T) {
	stub := newStub()
	cfg, _ := testConfig(stub, lockdown.Test)
	root := NewTrap("/mnt/trap", cfg).root()

	for i := 0; i < 3; i++ {
		d := openTrapDir(t, root, context.Background())
		readdirRequest(t, d, context.Background())
		readdirRequest(t, d, context.Background())
		d.Releasedir(context.Background(), 0)
	}
	assert.Equal(t, 1, stub.Count())
}

func TestTrapMountOptions(t *testing.T) {
	opts := mountOptions()
	assert.True(t, opts.DirectMount, "root mounts must not depend on fusermount")
	assert.False(t, opts.DirectMountStrict, "fusermount stays as the fallback")
	assert.True(t, opts.AllowOther)
	assert.Equal(t, "canarywatch", opts.FsName)
}

func TestTrapRunStopsOnCancel(t *testing.T) {
	mountpoint := fuseMountpoint(t)
	stub := newStub()
	cfg, _ := testConfig(stub, lockdown.Test)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewTrap(mountpoint, cfg).Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("trap did not unmount after cancellation")
	}
	assert.Zero(t, stub.Count())
}

func TestTrapMountedListing(t *testing.T) {
	mountpoint := fuseMountpoint(t)
	stub := newStub()
	cfg, _ := testConfig(stub, lockdown.Test)
	trap := NewTrap(mountpoint, cfg)

	done := make(chan error, 1)
	go func() { done <- trap.Run(context.Background()) }()
	time.Sleep(200 * time.Millisecond)

	info, err := os.Stat(mountpoint)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Zero(t, stub.Count(), "stat must not fire")

	entries, err := os.ReadDir(mountpoint)
	require.NoError(t, err)
	assert.Empty(t, entries) // ReadDir drops "." and ".."

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("trap did not return after listing")
	}
	assert.Equal(t, 1, stub.Count())
}

func TestTrapMountedListingFiresBeforeClose(t *testing.T) {
	mountpoint := fuseMountpoint(t)
	stub := newStub()
	cfg, _ := testConfig(stub, lockdown.Test)
	trap := NewTrap(mountpoint, cfg)

	done := make(chan error, 1)
	go func() { done <- trap.Run(context.Background()) }()
	time.Sleep(200 * time.Millisecond)

	f, err := os.Open(mountpoint)
	require.NoError(t, err)
	names, err := f.Readdirnames(-1)
	require.NoError(t, err)
	assert.Empty(t, names)

	select {
	case <-trap.Fired():
	case <-time.After(5 * time.Second):
		t.Fatal("lockdown waited for the directory to be closed")
	}
	assert.Equal(t, 1, stub.Count())
	require.NoError(t, f.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("trap did not return after listing")
	}
}

// fuseMountpoint skips unless FUSE mounts are possible here.
func fuseMountpoint(t *testing.T) string {
	t.Helper()
	if os.Getenv("CANARYWATCH_FUSE_TESTS") == "" {
		t.Skip("set CANARYWATCH_FUSE_TESTS=1 to run tests that mount FUSE")
	}
	if os.Geteuid() != 0 {
		t.Skip("allow_other mounts need root")
	}
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("/dev/fuse not available")
	}
	return t.TempDir()
}
