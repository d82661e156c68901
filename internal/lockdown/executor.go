// Package lockdown runs the emergency sequence that closes the encrypted
// volume and takes the host down.
//
// The sequence is fixed and best-effort: every stage is attempted, in order,
// whatever happened to the stages before it. In Test mode no stage touches
// the host; the executor enforces this itself so no trigger can bypass it.
package lockdown

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ppiankov/canarywatch/internal/volume"
)

// Default locations of the control files and tools.
const (
	DefaultSysrqEnable  = "/proc/sys/kernel/sysrq"
	DefaultSysrqTrigger = "/proc/sysrq-trigger"
	DefaultCryptsetup   = "/usr/sbin/cryptsetup"
	DefaultReboot       = "/usr/sbin/reboot"
)

// Paths locates the control files and tools used by the sequence.
// Empty fields fall back to the defaults.
type Paths struct {
	SysrqEnable  string
	SysrqTrigger string
	Cryptsetup   string
	Reboot       string
}

// DefaultPaths returns the standard Linux locations.
func DefaultPaths() Paths {
	return Paths{
		SysrqEnable:  DefaultSysrqEnable,
		SysrqTrigger: DefaultSysrqTrigger,
		Cryptsetup:   DefaultCryptsetup,
		Reboot:       DefaultReboot,
	}
}

func (p Paths) withDefaults() Paths {
	d := DefaultPaths()
	if p.SysrqEnable == "" {
		p.SysrqEnable = d.SysrqEnable
	}
	if p.SysrqTrigger == "" {
		p.SysrqTrigger = d.SysrqTrigger
	}
	if p.Cryptsetup == "" {
		p.Cryptsetup = d.Cryptsetup
	}
	if p.Reboot == "" {
		p.Reboot = d.Reboot
	}
	return p
}

// StepKind is the kind of host action a step performs.
type StepKind string

const (
	KindWrite  StepKind = "write"
	KindLaunch StepKind = "launch"
)

// Step describes one stage of the sequence before it runs.
type Step struct {
	Stage  Stage    `yaml:"stage"`
	Kind   StepKind `yaml:"kind"`
	Target string   `yaml:"target"`
	Value  string   `yaml:"value,omitempty"`
	Args   []string `yaml:"args,omitempty"`
	DryRun bool     `yaml:"dry_run"`
}

func (s Step) String() string {
	if s.Kind == KindWrite {
		return fmt.Sprintf("write %q to %s", s.Value, s.Target)
	}
	return fmt.Sprintf("launch %s %v", s.Target, s.Args)
}

// Outcome is the result of one stage.
type Outcome struct {
	Stage  Stage
	DryRun bool
	Err    error
}

// Succeeded reports whether the stage completed (or was skipped as a dry run).
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Report collects the outcome of every stage of one lockdown.
type Report struct {
	ID       uuid.UUID
	Mode     Mode
	Volume   string
	Outcomes [NumStages]Outcome
}

// Failed returns the number of stages that returned an error.
func (r Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			n++
		}
	}
	return n
}

// Executor runs the lockdown sequence against a System.
type Executor struct {
	sys   System
	paths Paths
	log   *slog.Logger
}

// New creates an Executor. A nil sys acts on the real host; a nil logger
// uses slog.Default().
func New(sys System, paths Paths, logger *slog.Logger) *Executor {
	if sys == nil {
		sys = OSSystem{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		sys:   sys,
		paths: paths.withDefaults(),
		log:   logger,
	}
}

// Plan returns the four steps Execute would perform, in order.
func (e *Executor) Plan(mode Mode, vol volume.Mapping) []Step {
	dry := mode != Armed
	return []Step{
		{Stage: StageSysrqEnable, Kind: KindWrite, Target: e.paths.SysrqEnable, Value: "1", DryRun: dry},
		{Stage: StageVolumeClose, Kind: KindLaunch, Target: e.paths.Cryptsetup, Args: []string{"luksClose", vol.Name}, DryRun: dry},
		{Stage: StageCrash, Kind: KindWrite, Target: e.paths.SysrqTrigger, Value: "b", DryRun: dry},
		{Stage: StageReboot, Kind: KindLaunch, Target: e.paths.Reboot, Args: []string{"--force", "--force"}, DryRun: dry},
	}
}

// Execute runs every stage in order and returns their outcomes. A failing
// stage never prevents the next one from running. Launched processes are
// not awaited.
func (e *Executor) Execute(mode Mode, vol volume.Mapping) Report {
	report := Report{
		ID:     uuid.New(),
		Mode:   mode,
		Volume: vol.Name,
	}
	log := e.log.With(
		slog.String("lockdown_id", report.ID.String()),
		slog.String("mode", mode.String()),
		slog.String("volume", vol.Name),
	)
	log.Warn("lockdown started")

	for i, step := range e.Plan(mode, vol) {
		out := Outcome{Stage: step.Stage, DryRun: step.DryRun}
		if !step.DryRun {
			out.Err = e.run(step)
		}
		report.Outcomes[i] = out
		logOutcome(log, step, out)
	}

	log.Warn("lockdown dispatched", slog.Int("failed_stages", report.Failed()))
	return report
}

// run performs one step. A panic inside the System is turned into an error
// so the remaining stages still run.
func (e *Executor) run(step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch step.Kind {
	case KindWrite:
		return e.sys.WriteControl(step.Target, step.Value)
	case KindLaunch:
		return e.sys.Launch(step.Target, step.Args...)
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func logOutcome(log *slog.Logger, step Step, out Outcome) {
	attrs := []any{
		slog.String("stage", step.Stage.String()),
		slog.Bool("dry_run", out.DryRun),
		slog.String("action", step.String()),
	}
	switch {
	case out.DryRun:
		log.Warn("lockdown stage skipped", attrs...)
	case out.Err != nil:
		log.Error("lockdown stage failed", append(attrs, slog.Any("error", out.Err))...)
	default:
		log.Warn("lockdown stage done", attrs...)
	}
}
