package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kaelstrand/g2host/internal/store"
)

func sendMessageCmd() *cobra.Command {
	var folder, chatJID, text string

	cmd := &cobra.Command{
		Use:   "send-message",
		Short: "Send an outbound message through a channel adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if folder == "" {
				folder = store.MainGroupFolder
			}
			env := commandEnvelope{Type: "message", ChatJID: chatJID, Text: text}
			path, err := writeCommand(folder, "messages", env)
			if err != nil {
				return err
			}
			fmt.Printf("queued message at %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "folder whose queue receives the command (defaults to main)")
	cmd.Flags().StringVar(&chatJID, "chat-jid", "", "destination chat JID (required)")
	cmd.Flags().StringVar(&text, "text", "", "message body (required)")
	_ = cmd.MarkFlagRequired("chat-jid")
	_ = cmd.MarkFlagRequired("text")

	return cmd
}
