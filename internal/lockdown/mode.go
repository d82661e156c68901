package lockdown

import (
	"errors"
	"fmt"
)

// Mode selects whether a lockdown really acts on the host.
type Mode int

const (
	// Test runs every stage as a dry run.
	Test Mode = iota
	// Armed performs every stage.
	Armed
)

// ErrUnknownMode is returned by ParseMode for anything but "arm" or "test".
var ErrUnknownMode = errors.New("unknown mode")

// ParseMode parses the command-line mode token.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "arm":
		return Armed, nil
	case "test":
		return Test, nil
	default:
		return Test, fmt.Errorf("%w %q (want arm or test)", ErrUnknownMode, s)
	}
}

func (m Mode) String() string {
	if m == Armed {
		return "arm"
	}
	return "test"
}

// MarshalYAML renders the mode as its command-line token.
func (m Mode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// Stage identifies one step of the lockdown sequence.
type Stage int

const (
	StageSysrqEnable Stage = iota
	StageVolumeClose
	StageCrash
	StageReboot

	// NumStages is the length of every lockdown sequence.
	NumStages = 4
)

var stageNames = [NumStages]string{
	StageSysrqEnable: "sysrq-enable",
	StageVolumeClose: "volume-close",
	StageCrash:       "crash",
	StageReboot:      "reboot",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= NumStages {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// MarshalYAML renders the stage by name.
func (s Stage) MarshalYAML() (any, error) {
	return s.String(), nil
}
