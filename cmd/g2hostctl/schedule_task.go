package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kaelstrand/g2host/internal/store"
)

func scheduleTaskCmd() *cobra.Command {
	var folder, targetFolder, prompt, scheduleType, scheduleValue, contextMode string

	cmd := &cobra.Command{
		Use:   "schedule-task",
		Short: "Schedule a task against a target group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if folder == "" {
				folder = store.MainGroupFolder
			}
			env := commandEnvelope{
				Type: "schedule_task", TargetFolder: targetFolder, Prompt: prompt,
				ScheduleType: scheduleType, ScheduleValue: scheduleValue, ContextMode: contextMode,
			}
			path, err := writeCommand(folder, "tasks", env)
			if err != nil {
				return err
			}
			fmt.Printf("queued schedule_task at %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "folder whose queue receives the command (defaults to main)")
	cmd.Flags().StringVar(&targetFolder, "target-folder", "", "folder the scheduled task runs against (required)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt to run (required)")
	cmd.Flags().StringVar(&scheduleType, "type", "once", "schedule type: once|cron|interval")
	cmd.Flags().StringVar(&scheduleValue, "value", "", "schedule value: RFC3339 time, cron expression, or interval in milliseconds (required)")
	cmd.Flags().StringVar(&contextMode, "context-mode", "", "session context mode for the run")
	_ = cmd.MarkFlagRequired("target-folder")
	_ = cmd.MarkFlagRequired("prompt")
	_ = cmd.MarkFlagRequired("value")

	return cmd
}
