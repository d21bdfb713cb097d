package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kaelstrand/g2host/internal/store"
)

func searchSessionsCmd() *cobra.Command {
	var folder, query string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "search-sessions",
		Short: "Search archived sessions and print the matching results",
		RunE: func(cmd *cobra.Command, args []string) error {
			if folder == "" {
				folder = store.MainGroupFolder
			}
			requestID := uuid.NewString()
			if _, err := writeCommand(folder, "tasks", commandEnvelope{
				Type: "search_sessions", RequestID: requestID, Query: query,
			}); err != nil {
				return err
			}

			respPath := filepath.Join(dataDir, "ipc", folder, "responses", requestID+".json")
			deadline := time.Now().Add(wait)
			for time.Now().Before(deadline) {
				data, err := os.ReadFile(respPath)
				if err == nil {
					fmt.Println(string(data))
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}
			return fmt.Errorf("timed out waiting for response at %s", respPath)
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "folder whose queue receives the command (defaults to main)")
	cmd.Flags().StringVar(&query, "query", "", "text to search archived session names and content for (required)")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the response file")
	_ = cmd.MarkFlagRequired("query")

	return cmd
}
