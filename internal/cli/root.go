package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/canarywatch/internal/lockdown"
	"github.com/ppiankov/canarywatch/internal/systemd"
	"github.com/ppiankov/canarywatch/internal/trigger"
	"github.com/ppiankov/canarywatch/internal/volume"
)

var (
	volumeName     string
	volumePrefix   string
	portable       bool
	cryptsetupPath string
	rebootPath     string
	debug          bool

	// sysBlockRoot is where mappings are discovered. Override for testing.
	sysBlockRoot = volume.DefaultSysBlock
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&volumeName, "volume", "", "Device-mapper name to close (skips discovery)")
	pf.StringVar(&volumePrefix, "prefix", volume.DefaultPrefix, "Name prefix of the mapping to discover")
	pf.BoolVar(&portable, "portable", false, "Use fsnotify instead of raw inotify (no read/open events)")
	pf.StringVar(&cryptsetupPath, "cryptsetup", lockdown.DefaultCryptsetup, "Path to cryptsetup")
	pf.StringVar(&rebootPath, "reboot", lockdown.DefaultReboot, "Path to reboot")
	pf.BoolVar(&debug, "debug", false, "Log every event and debug detail")
}

var rootCmd = &cobra.Command{
	Use:   "canarywatch [flags] <arm|test> <notify|fuse> <path>...",
	Short: "Dead-man's switch for an encrypted volume",
	Long: "Guards one or more paths and, on the first sign of access, closes the LUKS\n" +
		"volume and hard-reboots the host through sysrq.\n\n" +
		"  arm     perform the lockdown for real\n" +
		"  test    run detection, log the lockdown, touch nothing\n\n" +
		"  notify  fire on any filesystem event on the given paths\n" +
		"  fuse    mount an empty trap directory at the single given path and\n" +
		"          fire when it is listed",
	Example: "  canarywatch test notify /srv/canary\n" +
		"  canarywatch --volume luks-f13f0bb2 arm fuse /mnt/backups",
	Args: validateInvocation,
	RunE: runGuard,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// invocation is the parsed positional form <mode> <backend> <path>...
type invocation struct {
	mode    lockdown.Mode
	backend trigger.Backend
	paths   []string
}

func parseInvocation(args []string) (invocation, error) {
	if len(args) < 3 {
		return invocation{}, fmt.Errorf("expected <arm|test> <notify|fuse> <path>..., got %d argument(s)", len(args))
	}
	mode, err := lockdown.ParseMode(args[0])
	if err != nil {
		return invocation{}, err
	}
	backend, err := trigger.ParseBackend(args[1])
	if err != nil {
		return invocation{}, err
	}
	paths := args[2:]
	for _, p := range paths {
		if p == "" {
			return invocation{}, fmt.Errorf("empty path")
		}
	}
	if backend == trigger.BackendFuse && len(paths) != 1 {
		return invocation{}, fmt.Errorf("fuse takes exactly one mountpoint, got %d", len(paths))
	}
	return invocation{mode: mode, backend: backend, paths: paths}, nil
}

func validateInvocation(cmd *cobra.Command, args []string) error {
	_, err := parseInvocation(args)
	return err
}

// resolveVolume returns the --volume mapping or discovers one.
func resolveVolume() (volume.Mapping, error) {
	if volumeName != "" {
		return volume.Named(volumeName)
	}
	return volume.NewLocator(volume.SysfsLister{Root: sysBlockRoot}, volumePrefix).Locate()
}

func toolPaths() lockdown.Paths {
	return lockdown.Paths{
		SysrqEnable:  lockdown.DefaultSysrqEnable,
		SysrqTrigger: lockdown.DefaultSysrqTrigger,
		Cryptsetup:   cryptsetupPath,
		Reboot:       rebootPath,
	}
}

func newTrigger(inv invocation, cfg trigger.Config) (trigger.Trigger, error) {
	switch inv.backend {
	case trigger.BackendFuse:
		return trigger.NewTrap(inv.paths[0], cfg), nil
	default:
		source, err := trigger.NewEventSource(portable)
		if err != nil {
			return nil, fmt.Errorf("create watch: %w", err)
		}
		return trigger.NewWatch(inv.paths, source, cfg), nil
	}
}

func runGuard(cmd *cobra.Command, args []string) error {
	// Arguments are valid from here on; failures are not usage errors.
	cmd.SilenceUsage = true

	inv, err := parseInvocation(args)
	if err != nil {
		return err
	}
	setupLogging(os.Stderr, debug)

	vol, err := resolveVolume()
	if err != nil {
		return err
	}

	cfg := trigger.Config{
		Mode:     inv.mode,
		Volume:   vol,
		Executor: lockdown.New(nil, toolPaths(), slog.Default()),
		Logger:   slog.Default(),
	}
	trig, err := newTrigger(inv, cfg)
	if err != nil {
		return err
	}

	if msg := systemd.CheckUnitFileIntegrity(); msg != "" {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "canarywatch %s: %s on %v, volume %s\n", inv.mode, inv.backend, inv.paths, vol)
	if inv.mode == lockdown.Test {
		fmt.Fprintln(os.Stderr, "Test mode: the lockdown will be logged, not performed")
	}

	return trig.Run(ctx)
}
