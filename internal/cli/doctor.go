package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ppiankov/canarywatch/internal/systemd"
)

// fuseDevice must exist for the fuse backend to mount.
var fuseDevice = "/dev/fuse"

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this host can actually run the lockdown",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

// accessCheck reports whether path is accessible with the given unix.Access mode.
func accessCheck(label, path string, mode uint32, fix string) checkResult {
	if err := unix.Access(path, mode); err != nil {
		return checkResult{label: label, ok: false, detail: fmt.Sprintf("%s: %v", path, err), fix: fix}
	}
	return checkResult{label: label, ok: true, detail: path}
}

func doctorChecks() []checkResult {
	var checks []checkResult
	paths := toolPaths()

	// 1. Binary location and version.
	execPath, _ := os.Executable()
	checks = append(checks, checkResult{
		label:  "canarywatch binary",
		ok:     execPath != "",
		detail: fmt.Sprintf("%s (v%s)", execPath, version),
	})

	// 2. Platform and privileges.
	checks = append(checks, checkResult{
		label:  "platform",
		ok:     runtime.GOOS == "linux",
		detail: runtime.GOOS,
	})
	if os.Geteuid() == 0 {
		checks = append(checks, checkResult{label: "root", ok: true, detail: "yes"})
	} else {
		checks = append(checks, checkResult{label: "root", ok: false, detail: fmt.Sprintf("euid %d", os.Geteuid()), fix: "run the guard as root"})
	}

	// 3. Kernel controls and tools.
	checks = append(checks,
		accessCheck("sysrq enable", paths.SysrqEnable, unix.W_OK, "run as root; check kernel.sysrq is not locked"),
		accessCheck("sysrq trigger", paths.SysrqTrigger, unix.W_OK, "run as root"),
		accessCheck("cryptsetup", paths.Cryptsetup, unix.X_OK, "install cryptsetup or pass --cryptsetup"),
		accessCheck("reboot", paths.Reboot, unix.X_OK, "pass --reboot with the path of reboot"),
	)

	// 4. FUSE, needed only by the fuse backend.
	if _, err := os.Stat(fuseDevice); err == nil {
		checks = append(checks, checkResult{label: "fuse device", ok: true, detail: fuseDevice})
	} else {
		checks = append(checks, checkResult{label: "fuse device", ok: false, detail: "missing", fix: "modprobe fuse (only for the fuse backend)"})
	}

	// 5. Volume discovery.
	if vol, err := resolveVolume(); err == nil {
		checks = append(checks, checkResult{label: "volume", ok: true, detail: vol.Name})
	} else {
		checks = append(checks, checkResult{label: "volume", ok: false, detail: err.Error(), fix: "open the LUKS volume or pass --volume"})
	}

	// 6. systemd unit.
	if runtime.GOOS == "linux" {
		if unitPath := systemd.FindUnitFile(); unitPath == "" {
			checks = append(checks, checkResult{
				label:  "guard@ template",
				ok:     false,
				detail: "not installed",
				fix:    "sudo canarywatch unit install",
			})
		} else if msg := systemd.CheckUnitFileIntegrity(); msg != "" {
			checks = append(checks, checkResult{label: "guard@ template", ok: false, detail: msg, fix: "sudo canarywatch unit install"})
		} else {
			checks = append(checks, checkResult{label: "guard@ template", ok: true, detail: unitPath})
		}
	}
	return checks
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()

	hasFailures := false
	for _, c := range doctorChecks() {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(out, line)
	}

	if hasFailures {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Some checks failed. The guard may not be able to lock the host down.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "All checks passed.")
	return nil
}
