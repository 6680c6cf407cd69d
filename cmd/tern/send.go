package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	tern "github.com/tern-im/tern-go"
)

var sendMediaRef string

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendMediaRef, "media", "", "media reference to attach")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		payload := tern.MessagePayload{Content: args[1], MediaRef: sendMediaRef}
		res, err := client.SubmitMessage(ctx, args[0], payload, uuid.NewString())
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Sent %s at %s\n", res.ID, res.Timestamp.Local().Format(time.RFC3339))
		return nil
	},
}
