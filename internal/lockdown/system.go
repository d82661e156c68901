package lockdown

import (
	"os"
	"os/exec"
	"syscall"
)

// System performs the irreversible host actions a lockdown is made of.
// Tests substitute a recorder.
type System interface {
	// WriteControl writes value to a kernel control file.
	WriteControl(path, value string) error
	// Launch starts a process and returns without waiting for it.
	Launch(name string, args ...string) error
}

// OSSystem acts on the real host. Linux-only at runtime.
type OSSystem struct{}

// WriteControl opens an existing control file and writes value to it.
// The file is never created: a missing /proc entry is an error, not a new file.
func (OSSystem) WriteControl(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Launch starts name in its own process group so a signal aimed at us does
// not take it down. The child is reaped in the background; Launch never waits.
func (OSSystem) Launch(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
