// Package systemd renders and checks the unit that runs the guard at boot.
package systemd

import (
	"fmt"
	"strings"
)

// UnitName is the template unit installed by "canarywatch unit install".
// The instance is the systemd-escaped guarded path (systemd-escape --path).
const UnitName = "canarywatch-guard@.service"

// UnitDir is where the template unit is installed.
const UnitDir = "/etc/systemd/system"

// GuardTemplate returns the unit template running binary in the given mode
// and backend. %f expands to the unescaped instance with a leading slash,
// which is the guarded path.
//
// The unit must not set ProtectKernelTunables or ProtectSystem: the lockdown
// writes /proc/sys/kernel/sysrq and runs cryptsetup. It must not set any
// option that gives the service its own mount namespace either, so the trap
// mount and guarded paths under /tmp are the host's.
func GuardTemplate(binary, mode, backend string) string {
	var b strings.Builder
	b.WriteString("[Unit]\n")
	b.WriteString("Description=canarywatch dead-man's switch on %f\n")
	b.WriteString("After=local-fs.target cryptsetup.target\n")
	if backend == "fuse" {
		b.WriteString("Requires=modprobe@fuse.service\n")
		b.WriteString("After=modprobe@fuse.service\n")
	}
	b.WriteString("\n[Service]\n")
	b.WriteString("Type=simple\n")
	fmt.Fprintf(&b, "ExecStart=%s %s %s %%f\n", binary, mode, backend)
	b.WriteString("Restart=on-failure\n")
	b.WriteString("RestartSec=2\n")
	b.WriteString("NoNewPrivileges=true\n")
	b.WriteString("\n[Install]\n")
	b.WriteString("WantedBy=multi-user.target\n")
	return b.String()
}
