// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/observability"
)

// newRunCmd creates the `run` command: one task, in the foreground.
func newRunCmd() *cobra.Command {
	var serial string

	runCmd := &cobra.Command{
		Use:   "run [flags] <goal>",
		Short: "Run one task on the phone and wait until it finishes",
		Long: `Run starts a single task with the given goal and blocks until the model
stops calling tools, an error ends the task, or the process is interrupted.
An interrupt force-stops the task.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if serial != "" {
				cfg.SetDeviceSerial(serial)
			}

			// The session outlives the signal so an interrupt becomes a
			// force-stop instead of a failed turn.
			rt, err := newFactory().Create(context.WithoutCancel(ctx), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize agent runtime: %w", err)
			}
			defer rt.Shutdown()

			goal := strings.Join(args, " ")
			taskID, err := rt.Session.Start(goal)
			if err != nil {
				return err
			}

			if err := rt.Session.Wait(ctx); err != nil {
				logger.Warn("Interrupted, stopping task", zap.String("task_id", taskID))
				rt.Session.ForceStop()
				return fmt.Errorf("task %s interrupted: %w", taskID, err)
			}

			status := rt.Session.Status()
			if status.LastError != "" {
				return fmt.Errorf("task %s failed: %s", taskID, status.LastError)
			}

			out := cmd.OutOrStdout()
			if reply := lastAssistantText(rt.Session.Transcript()); reply != "" {
				fmt.Fprintln(out, reply)
			}
			fmt.Fprintf(out, "Task complete. Task ID: %s (%d turns)\n", taskID, status.Turns)
			return nil
		},
	}

	runCmd.Flags().StringVarP(&serial, "serial", "s", "", "adb serial of the target device. (Overrides config/env)")
	return runCmd
}

func lastAssistantText(transcript []schemas.Message) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == schemas.RoleAssistant && transcript[i].Content != "" {
			return transcript[i].Content
		}
	}
	return ""
}
