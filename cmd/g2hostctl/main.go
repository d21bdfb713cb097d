// Package main provides g2hostctl, an operator CLI that drops IPC command
// files for a running g2hostd to pick up — register groups, schedule and
// manage tasks, and send messages — without needing to reach into the data
// directory by hand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kaelstrand/g2host/internal/config"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "g2hostctl",
	Short: "Operator CLI for the g2host runtime's IPC surface",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dataDir != "" {
			return nil
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		dataDir = cfg.Store.DataDir
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "IPC data directory (defaults to the configured store.dataDir)")
	_ = viper.BindPFlag("dataDir", rootCmd.PersistentFlags().Lookup("data-dir"))

	rootCmd.AddCommand(registerGroupCmd())
	rootCmd.AddCommand(scheduleTaskCmd())
	rootCmd.AddCommand(taskControlCmd("pause-task", "pause_task"))
	rootCmd.AddCommand(taskControlCmd("resume-task", "resume_task"))
	rootCmd.AddCommand(taskControlCmd("cancel-task", "cancel_task"))
	rootCmd.AddCommand(sendMessageCmd())
	rootCmd.AddCommand(searchSessionsCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
