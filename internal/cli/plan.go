package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/canarywatch/internal/lockdown"
	"github.com/ppiankov/canarywatch/internal/trigger"
)

func init() {
	rootCmd.AddCommand(planCmd)
}

var planCmd = &cobra.Command{
	Use:   "plan <arm|test> <notify|fuse> <path>...",
	Short: "Print the resolved lockdown plan as YAML without guarding anything",
	Long: "Resolves the volume and prints exactly what the guard would do when it\n" +
		"fires. Nothing is watched, mounted or executed.",
	Args: validateInvocation,
	RunE: runPlan,
}

// planDoc is the YAML document printed by plan.
type planDoc struct {
	Mode     lockdown.Mode   `yaml:"mode"`
	Backend  trigger.Backend `yaml:"backend"`
	Paths    []string        `yaml:"paths"`
	Volume   string          `yaml:"volume"`
	Portable bool            `yaml:"portable,omitempty"`
	Steps    []lockdown.Step `yaml:"steps"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	inv, err := parseInvocation(args)
	if err != nil {
		return err
	}
	vol, err := resolveVolume()
	if err != nil {
		return err
	}

	ex := lockdown.New(nil, toolPaths(), nil)
	doc := planDoc{
		Mode:     inv.mode,
		Backend:  inv.backend,
		Paths:    inv.paths,
		Volume:   vol.Name,
		Portable: portable && inv.backend == trigger.BackendNotify,
		Steps:    ex.Plan(inv.mode, vol),
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return enc.Close()
}
