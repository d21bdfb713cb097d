package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kaelstrand/g2host/internal/store"
)

// taskControlCmd builds pause-task, resume-task and cancel-task — all three
// take the same {folder, task-id} shape and differ only in envelope type.
func taskControlCmd(use, envelopeType string) *cobra.Command {
	var folder, taskID string

	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("%s a scheduled task", envelopeType),
		RunE: func(cmd *cobra.Command, args []string) error {
			if folder == "" {
				folder = store.MainGroupFolder
			}
			path, err := writeCommand(folder, "tasks", commandEnvelope{Type: envelopeType, TaskID: taskID})
			if err != nil {
				return err
			}
			fmt.Printf("queued %s at %s\n", envelopeType, path)
			return nil
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "folder whose queue receives the command (defaults to main)")
	cmd.Flags().StringVar(&taskID, "task-id", "", "task id (required)")
	_ = cmd.MarkFlagRequired("task-id")

	return cmd
}
