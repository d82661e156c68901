package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ppiankov/canarywatch/internal/lockdown"
	"github.com/ppiankov/canarywatch/internal/systemd"
	"github.com/ppiankov/canarywatch/internal/trigger"
)

var (
	unitMode    string
	unitBackend string
	unitBinary  string
)

func init() {
	rootCmd.AddCommand(unitCmd)
	unitCmd.AddCommand(unitInstallCmd)
	unitCmd.PersistentFlags().StringVar(&unitMode, "mode", "arm", "Mode token for ExecStart (arm or test)")
	unitCmd.PersistentFlags().StringVar(&unitBackend, "backend", "notify", "Backend token for ExecStart (notify or fuse)")
	unitCmd.PersistentFlags().StringVar(&unitBinary, "binary", "/usr/local/bin/canarywatch", "Path of the canarywatch binary")
}

var unitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Print the systemd unit template",
	Long: "Prints " + systemd.UnitName + ". Enable one instance per guarded path:\n\n" +
		"  systemctl enable --now canarywatch-guard@$(systemd-escape --path /srv/canary).service",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := renderUnit()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), content)
		return nil
	},
}

var unitInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the unit template and record its hash",
	Args:  cobra.NoArgs,
	RunE:  runUnitInstall,
}

func renderUnit() (string, error) {
	if _, err := lockdown.ParseMode(unitMode); err != nil {
		return "", err
	}
	if _, err := trigger.ParseBackend(unitBackend); err != nil {
		return "", err
	}
	if !filepath.IsAbs(unitBinary) {
		return "", fmt.Errorf("--binary must be an absolute path, got %q", unitBinary)
	}
	return systemd.GuardTemplate(unitBinary, unitMode, unitBackend), nil
}

func runUnitInstall(cmd *cobra.Command, args []string) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("unit install is only supported on Linux")
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("unit install requires root; run with sudo")
	}

	content, err := renderUnit()
	if err != nil {
		return err
	}

	unitPath := filepath.Join(systemd.UnitDir, systemd.UnitName)
	if err := os.WriteFile(unitPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}
	if err := systemd.RecordUnitFileHash(); err != nil {
		return fmt.Errorf("record unit hash: %w", err)
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: systemctl daemon-reload failed: %v\n", err)
	}

	fmt.Printf("Installed %s\n", unitPath)
	fmt.Printf("Recorded hash in %s\n", systemd.UnitHashPath)
	fmt.Println()
	fmt.Println("Enable a guard:")
	fmt.Println("  systemctl enable --now canarywatch-guard@$(systemd-escape --path <path>).service")
	return nil
}
