// File: cmd/tools.go
package cmd

import (
	"fmt"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/coreply/cooperate/internal/agent"
	"github.com/coreply/cooperate/internal/device"
	"github.com/coreply/cooperate/internal/observability"
)

// newToolsCmd creates the `tools` command, which prints the tool schemas
// advertised to the model.
func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool schemas advertised to the model as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := observability.GetLogger()
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}

			// Nothing is invoked, so the device is never contacted.
			reg := agent.NewToolRegistry(logger)
			adb := device.NewADB(device.NewExecRunner(cfg.Device()), logger)
			if err := agent.RegisterDeviceTools(reg, adb, agent.NewCoordinateMapper(), nil, agent.DefaultDeviceToolTimings(), logger); err != nil {
				return err
			}

			out, err := json.MarshalIndent(reg.DescribeAll(), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode tool schemas: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
