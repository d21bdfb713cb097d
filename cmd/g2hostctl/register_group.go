package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kaelstrand/g2host/internal/store"
)

func registerGroupCmd() *cobra.Command {
	var jid, name, folder, trigger, channel string
	var requiresTrigger bool

	cmd := &cobra.Command{
		Use:   "register-group",
		Short: "Register a new group, authorized from the main group's task queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := commandEnvelope{
				Type: "register_group", JID: jid, Name: name, Folder: folder,
				Trigger: trigger, Channel: channel, RequiresTrigger: &requiresTrigger,
			}
			path, err := writeCommand(store.MainGroupFolder, "tasks", env)
			if err != nil {
				return err
			}
			fmt.Printf("queued register_group at %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&jid, "jid", "", "chat JID of the group to register (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name for the group (required)")
	cmd.Flags().StringVar(&folder, "folder", "", "workspace folder name (required)")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger phrase required to address the assistant in this group")
	cmd.Flags().StringVar(&channel, "channel", "", "owning channel adapter name")
	cmd.Flags().BoolVar(&requiresTrigger, "requires-trigger", false, "require the trigger phrase before the assistant responds")
	_ = cmd.MarkFlagRequired("jid")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("folder")

	return cmd
}
